// Package types contains the shared domain types of the gateway: metric
// kinds, the tagged value variant, and stable node-id construction for the
// OPC UA address space.
package types

import (
	"fmt"
	"math"

	"github.com/guycorbaz/opcgw/errors"
)

// Kind is the declared data type of a configured metric.
type Kind int

// Metric kinds as declared in the gateway configuration.
const (
	KindBool Kind = iota
	KindInt
	KindFloat
	KindString
)

// String implements fmt.Stringer for Kind.
func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// ParseKind converts a configuration string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "bool":
		return KindBool, nil
	case "int":
		return KindInt, nil
	case "float":
		return KindFloat, nil
	case "string":
		return KindString, nil
	default:
		return 0, errors.WrapInvalid(errors.ErrInvalidConfig, "types", "ParseKind",
			fmt.Sprintf("unknown metric kind %q", s))
	}
}

// MetricValue is the tagged variant carried between the poller, the store
// and the OPC UA binding. Exactly one of the concrete types below
// implements it per value.
type MetricValue interface {
	// Kind returns the variant tag.
	Kind() Kind
	// String renders the value for logging.
	String() string
	metricValue()
}

// BoolValue carries a boolean metric value.
type BoolValue bool

// IntValue carries a signed 64-bit integer metric value.
type IntValue int64

// FloatValue carries a double-precision metric value.
type FloatValue float64

// StringValue carries a textual metric value.
type StringValue string

func (BoolValue) Kind() Kind   { return KindBool }
func (IntValue) Kind() Kind    { return KindInt }
func (FloatValue) Kind() Kind  { return KindFloat }
func (StringValue) Kind() Kind { return KindString }

func (v BoolValue) String() string   { return fmt.Sprintf("%t", bool(v)) }
func (v IntValue) String() string    { return fmt.Sprintf("%d", int64(v)) }
func (v FloatValue) String() string  { return fmt.Sprintf("%g", float64(v)) }
func (v StringValue) String() string { return string(v) }

func (BoolValue) metricValue()   {}
func (IntValue) metricValue()    {}
func (FloatValue) metricValue()  {}
func (StringValue) metricValue() {}

// ZeroValue returns the type-appropriate zero for a declared kind as a
// MetricValue.
func ZeroValue(k Kind) MetricValue {
	switch k {
	case KindBool:
		return BoolValue(false)
	case KindInt:
		return IntValue(0)
	case KindFloat:
		return FloatValue(0)
	case KindString:
		return StringValue("")
	default:
		return FloatValue(0)
	}
}

// FromSample coerces a raw upstream sample (ChirpStack emits float64
// gauge samples) to the declared kind. Bool accepts only 0 and 1; Int
// truncates; String samples cannot be derived from a numeric gauge.
func FromSample(k Kind, sample float64) (MetricValue, error) {
	switch k {
	case KindBool:
		switch sample {
		case 0:
			return BoolValue(false), nil
		case 1:
			return BoolValue(true), nil
		default:
			return nil, errors.WrapInvalid(errors.ErrKindMismatch, "types", "FromSample",
				fmt.Sprintf("sample %g is not a boolean", sample))
		}
	case KindInt:
		if sample > math.MaxInt64 || sample < math.MinInt64 || math.IsNaN(sample) {
			return nil, errors.WrapInvalid(errors.ErrKindMismatch, "types", "FromSample",
				fmt.Sprintf("sample %g out of integer range", sample))
		}
		return IntValue(int64(sample)), nil
	case KindFloat:
		return FloatValue(sample), nil
	case KindString:
		return nil, errors.WrapInvalid(errors.ErrKindMismatch, "types", "FromSample",
			"string metrics cannot be derived from numeric samples")
	default:
		return nil, errors.WrapInvalid(errors.ErrKindMismatch, "types", "FromSample",
			fmt.Sprintf("unknown kind %d", k))
	}
}

package opcserver

import (
	"encoding/binary"
	stderrors "errors"
	"log/slog"
	"math"
	"time"

	"github.com/gopcua/opcua/ua"

	"github.com/guycorbaz/opcgw/config"
	"github.com/guycorbaz/opcgw/errors"
	"github.com/guycorbaz/opcgw/metric"
	"github.com/guycorbaz/opcgw/store"
	"github.com/guycorbaz/opcgw/types"
)

// Binding answers variable reads and writes against the store. It holds no
// state of its own; value freshness comes entirely from the poller.
type Binding struct {
	cfg     *config.Config
	store   *store.Store
	log     *slog.Logger
	metrics *metric.Metrics
}

// NewBinding creates a binding over the store.
func NewBinding(cfg *config.Config, st *store.Store, log *slog.Logger, m *metric.Metrics) *Binding {
	if log == nil {
		log = slog.Default()
	}
	return &Binding{cfg: cfg, store: st, log: log, metrics: m}
}

// ReadResult is the value produced for one variable read.
type ReadResult struct {
	// Value is the Go-native value wrapped into the response variant.
	Value interface{}
	// Status qualifies the value: Good, Uncertain while the upstream is
	// unreachable or unobserved, Bad on wiring faults.
	Status ua.StatusCode
	// SourceTime is the observation time of the value, or the store
	// creation time when the metric was never observed.
	SourceTime time.Time
}

// Read produces the current value of a variable per the declared kind.
// A metric that has never been observed reads as the type-appropriate
// zero with an Uncertain status. A stale value (upstream unreachable)
// keeps its data but degrades the status.
func (b *Binding) Read(v Variable) ReadResult {
	tv, err := b.store.Get(v.DeviceID, v.UpstreamName)
	if err != nil {
		// Registered variables always have a store entry; this is a
		// wiring bug, not an operational condition.
		b.log.Warn("read of unregistered store key",
			"node_id", v.NodeID, "device_id", v.DeviceID, "metric", v.UpstreamName)
		return ReadResult{
			Value:      zeroForKind(v.Kind),
			Status:     ua.StatusBadInternalError,
			SourceTime: b.store.CreatedAt(),
		}
	}

	if tv.Value == nil {
		return ReadResult{
			Value:      zeroForKind(v.Kind),
			Status:     ua.StatusUncertainNoCommunicationLastUsableValue,
			SourceTime: tv.At,
		}
	}

	if tv.Value.Kind() != v.Kind {
		b.log.Warn("stored value kind differs from declared kind",
			"node_id", v.NodeID, "stored", tv.Value.Kind().String(), "declared", v.Kind.String())
		return ReadResult{
			Value:      zeroForKind(v.Kind),
			Status:     ua.StatusBadInternalError,
			SourceTime: tv.At,
		}
	}

	status := ua.StatusOK
	if !b.store.Health().Reachable {
		status = ua.StatusUncertainLastUsableValue
	}

	return ReadResult{
		Value:      nativeValue(tv.Value),
		Status:     status,
		SourceTime: tv.At,
	}
}

// Write applies a client write to a variable: coerce the variant to the
// declared kind, store it, and, when the metric is bound to a downlink
// command, queue the command for upstream delivery. Writes never create
// store entries.
func (b *Binding) Write(v Variable, variant *ua.Variant) ua.StatusCode {
	result := b.write(v, variant)
	if b.metrics != nil {
		b.metrics.ClientWrites.WithLabelValues(writeResultLabel(result)).Inc()
	}
	return result
}

func (b *Binding) write(v Variable, variant *ua.Variant) ua.StatusCode {
	if !v.Writable {
		return ua.StatusBadNotWritable
	}
	if variant == nil {
		return ua.StatusBadDataUnavailable
	}

	value, ok := coerceVariant(v.Kind, variant)
	if !ok {
		return ua.StatusBadTypeMismatch
	}

	if err := b.store.Set(v.DeviceID, v.UpstreamName, value); err != nil {
		b.log.Warn("store rejected client write",
			"node_id", v.NodeID, "device_id", v.DeviceID, "error", err)
		switch {
		case stderrors.Is(err, errors.ErrKindMismatch):
			return ua.StatusBadTypeMismatch
		default:
			return ua.StatusBadInternalError
		}
	}

	b.log.Debug("client write stored",
		"node_id", v.NodeID, "device_id", v.DeviceID, "value", value.String())

	if v.Command != "" {
		b.enqueueCommand(v, value)
	}
	return ua.StatusOK
}

// enqueueCommand queues the downlink command bound to a written metric.
// Delivery failures surface in the poller; the write itself has already
// succeeded against the store.
func (b *Binding) enqueueCommand(v Variable, value types.MetricValue) {
	dev, ok := b.cfg.FindDevice(v.DeviceID)
	if !ok {
		return
	}
	cmd, ok := dev.FindCommand(v.Command)
	if !ok {
		return
	}

	err := b.store.EnqueueCommand(types.DeviceCommand{
		DeviceID:  v.DeviceID,
		FPort:     cmd.FPort,
		Confirmed: cmd.Confirmed,
		Data:      encodePayload(value),
	})
	if err != nil {
		b.log.Warn("downlink command not queued",
			"node_id", v.NodeID, "command", v.Command, "error", err)
		return
	}
	b.log.Debug("downlink command queued",
		"node_id", v.NodeID, "command", v.Command, "f_port", cmd.FPort)
}

// writeResultLabel keeps the write counter's label set small and fixed.
func writeResultLabel(s ua.StatusCode) string {
	switch s {
	case ua.StatusOK:
		return "ok"
	case ua.StatusBadNotWritable:
		return "not_writable"
	case ua.StatusBadTypeMismatch:
		return "type_mismatch"
	case ua.StatusBadDataUnavailable:
		return "no_data"
	default:
		return "internal_error"
	}
}

// nativeValue converts a store value to the Go value wrapped into the
// response variant. Integers narrow to Int32 when in range, Int64
// otherwise.
func nativeValue(v types.MetricValue) interface{} {
	switch val := v.(type) {
	case types.BoolValue:
		return bool(val)
	case types.IntValue:
		i := int64(val)
		if i >= math.MinInt32 && i <= math.MaxInt32 {
			return int32(i)
		}
		return i
	case types.FloatValue:
		return float64(val)
	case types.StringValue:
		return string(val)
	default:
		return nil
	}
}

// zeroForKind returns the type-appropriate zero served for unobserved or
// broken variables.
func zeroForKind(k types.Kind) interface{} {
	switch k {
	case types.KindBool:
		return false
	case types.KindInt:
		return int32(0)
	case types.KindFloat:
		return float64(0)
	case types.KindString:
		return ""
	default:
		return float64(0)
	}
}

// coerceVariant converts an inbound variant to the declared kind.
// Width mismatches within a kind are accepted when the value is in range;
// cross-kind conversions are rejected.
func coerceVariant(k types.Kind, variant *ua.Variant) (types.MetricValue, bool) {
	raw := variant.Value()
	if raw == nil {
		return nil, false
	}

	switch k {
	case types.KindBool:
		if b, ok := raw.(bool); ok {
			return types.BoolValue(b), true
		}
	case types.KindInt:
		switch n := raw.(type) {
		case int8:
			return types.IntValue(n), true
		case int16:
			return types.IntValue(n), true
		case int32:
			return types.IntValue(n), true
		case int64:
			return types.IntValue(n), true
		case uint8:
			return types.IntValue(n), true
		case uint16:
			return types.IntValue(n), true
		case uint32:
			return types.IntValue(n), true
		case uint64:
			if n > math.MaxInt64 {
				return nil, false
			}
			return types.IntValue(n), true
		}
	case types.KindFloat:
		switch f := raw.(type) {
		case float32:
			return types.FloatValue(f), true
		case float64:
			return types.FloatValue(f), true
		}
	case types.KindString:
		if s, ok := raw.(string); ok {
			return types.StringValue(s), true
		}
	}
	return nil, false
}

// encodePayload renders a written value as a downlink payload: booleans as
// one byte, integers and floats big-endian as the device decoders expect,
// strings as raw bytes.
func encodePayload(v types.MetricValue) []byte {
	switch val := v.(type) {
	case types.BoolValue:
		if val {
			return []byte{1}
		}
		return []byte{0}
	case types.IntValue:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(int64(val)))
		return buf
	case types.FloatValue:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(float64(val)))
		return buf
	case types.StringValue:
		return []byte(val)
	default:
		return nil
	}
}

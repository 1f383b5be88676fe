// Package errors provides standardized error handling for the gateway.
// It includes error classification, standard error variables, and helper
// functions for consistent error wrapping across the poller, the store
// and the OPC UA binding.
package errors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guycorbaz/opcgw/pkg/retry"
)

// Class represents the classification of errors for handling purposes.
type Class int

const (
	// ClassTransient represents temporary errors that may be retried,
	// typically upstream network failures or timeouts.
	ClassTransient Class = iota
	// ClassInvalid represents errors due to invalid input, a malformed
	// request or a wiring bug. Never retried.
	ClassInvalid
	// ClassFatal represents unrecoverable errors that should stop the
	// process, such as a broken configuration or a failed server bind.
	ClassFatal
)

// String returns the string representation of Class.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassInvalid:
		return "invalid"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common gateway conditions.
var (
	// Component lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")

	// Upstream (ChirpStack) errors
	ErrUpstreamUnavailable = errors.New("upstream server unavailable")
	ErrUpstreamTimeout     = errors.New("upstream call timed out")
	ErrUpstreamAuth        = errors.New("upstream authentication rejected")
	ErrTenantMismatch      = errors.New("tenant not accessible with configured token")

	// Store errors. Both indicate a wiring bug, not an operational fault.
	ErrUnknownKey   = errors.New("metric key not registered in store")
	ErrKindMismatch = errors.New("value kind does not match declared kind")

	// Downlink queue errors
	ErrQueueFull = errors.New("downlink command queue full")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// OPC UA engine errors
	ErrServerBind = errors.New("server failed to bind endpoint")
)

// ClassifiedError wraps an error with its classification and origin.
type ClassifiedError struct {
	Class     Class
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and may be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassTransient
	}

	return errors.Is(err, ErrUpstreamUnavailable) ||
		errors.Is(err, ErrUpstreamTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsFatal checks if an error should terminate the process.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassFatal
	}

	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrServerBind)
}

// IsInvalid checks if an error is due to invalid input or wiring.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassInvalid
	}

	return errors.Is(err, ErrUnknownKey) ||
		errors.Is(err, ErrKindMismatch) ||
		errors.Is(err, ErrUpstreamAuth) ||
		errors.Is(err, ErrTenantMismatch)
}

// Classify returns the error class for an error. Unknown errors default to
// transient so the caller may retry them.
func Classify(err error) Class {
	switch {
	case IsFatal(err):
		return ClassFatal
	case IsInvalid(err):
		return ClassInvalid
	default:
		return ClassTransient
	}
}

// Wrap creates a standardized error with context following the pattern
// "component.method: action failed: %w".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// newClassified creates a new classified error. Use WrapTransient,
// WrapFatal or WrapInvalid instead.
func newClassified(class Class, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// WrapTransient wraps an error as transient with context.
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ClassTransient, wrapped, component, method, wrapped.Error())
}

// WrapFatal wraps an error as fatal with context.
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ClassFatal, wrapped, component, method, wrapped.Error())
}

// WrapInvalid wraps an error as invalid with context.
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ClassInvalid, wrapped, component, method, wrapped.Error())
}

// RetryConfig describes the per-call retry behavior of upstream requests.
// The gateway retries with a constant delay between attempts, which maps to
// a backoff multiplier of 1.
type RetryConfig struct {
	MaxRetries int
	Delay      time.Duration
}

// ToRetryConfig converts the gateway retry tunables to the retry package's
// Config type. MaxRetries counts additional attempts beyond the first.
func (rc RetryConfig) ToRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  rc.MaxRetries + 1,
		InitialDelay: rc.Delay,
		MaxDelay:     rc.Delay,
		Multiplier:   1.0,
	}
}

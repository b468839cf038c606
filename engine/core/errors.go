package core

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedCapability is returned at startup when the device or driver lacks ray tracing.
	ErrUnsupportedCapability = errors.New("unsupported capability")
	// ErrCompilation is returned when a shader library or pipeline state object is rejected.
	ErrCompilation = errors.New("compilation failed")
	// ErrValidation is returned for malformed input detected before anything reaches the device.
	ErrValidation = errors.New("validation failed")
	// ErrDevice covers allocation failures, device removal and stalled completion waits.
	ErrDevice = errors.New("device failure")
)

// ValidationError names the offending field of a rejected construction request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(field, format string, args ...interface{}) error {
	return &ValidationError{
		Field:  field,
		Reason: fmt.Sprintf(format, args...),
	}
}

// IsFatal reports whether err belongs to a class the orchestrator must not recover from.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnsupportedCapability) ||
		errors.Is(err, ErrCompilation) ||
		errors.Is(err, ErrDevice)
}

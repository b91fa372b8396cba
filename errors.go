package retrace

import (
	"errors"
	"fmt"
)

// Error type constants for classification and matching
const (
	// ErrorTypeStorage indicates a trace record could not be written to or
	// read from the backing store.
	ErrorTypeStorage = "storage"

	// ErrorTypeNotFound indicates a requested run, step, or checkpoint does
	// not exist. Lookups never report absence as an empty success.
	ErrorTypeNotFound = "not_found"

	// ErrorTypeReconstruction indicates stored trace data could not be
	// reassembled into a consistent state, e.g. a delta referencing a path
	// absent from its base checkpoint. This signals corruption rather than
	// a transient fault.
	ErrorTypeReconstruction = "reconstruction"

	// ErrorTypeValidation indicates a malformed request, such as a negative
	// step index or an unparseable query.
	ErrorTypeValidation = "validation"

	// ErrorTypeUnknown is the default classification for errors that carry
	// no more specific type.
	ErrorTypeUnknown = "unknown"
)

// ErrNotFound is the sentinel wrapped by all not-found errors. Callers can
// test for it with errors.Is regardless of which store produced the error.
var ErrNotFound = errors.New("not found")

// TraceError represents a structured error with classification.
// It supports Go's error wrapping patterns with Unwrap() method.
type TraceError struct {
	Type    string      `json:"type"`
	Cause   string      `json:"cause"`
	Details interface{} `json:"details,omitempty"`
	Wrapped error       `json:"-"` // Original error being wrapped
}

// Error implements the error interface
func (e *TraceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

// Unwrap implements the error unwrapping interface for Go's errors.Is and errors.As
func (e *TraceError) Unwrap() error {
	return e.Wrapped
}

// NewStorageError wraps a store failure for a given operation.
func NewStorageError(operation string, err error) *TraceError {
	return &TraceError{
		Type:    ErrorTypeStorage,
		Cause:   fmt.Sprintf("%s: %v", operation, err),
		Wrapped: err,
	}
}

// NewNotFoundError reports a missing record. The result wraps ErrNotFound.
func NewNotFoundError(kind, id string) *TraceError {
	return &TraceError{
		Type:    ErrorTypeNotFound,
		Cause:   fmt.Sprintf("%s %q not found", kind, id),
		Wrapped: ErrNotFound,
	}
}

// NewReconstructionError reports stored trace data that cannot be
// reassembled into the state it claims to describe.
func NewReconstructionError(cause string) *TraceError {
	return &TraceError{
		Type:  ErrorTypeReconstruction,
		Cause: cause,
	}
}

// NewValidationError reports invalid caller input.
func NewValidationError(cause string) *TraceError {
	return &TraceError{
		Type:  ErrorTypeValidation,
		Cause: cause,
	}
}

// ClassifyError attempts to classify a regular error into a TraceError
func ClassifyError(err error) *TraceError {
	// If the error is already a TraceError, return it
	var traceError *TraceError
	if errors.As(err, &traceError) {
		return traceError
	}
	if errors.Is(err, ErrNotFound) {
		return &TraceError{
			Type:    ErrorTypeNotFound,
			Cause:   err.Error(),
			Wrapped: err,
		}
	}
	return &TraceError{
		Type:    ErrorTypeUnknown,
		Cause:   err.Error(),
		Wrapped: err,
	}
}

// MatchesErrorType checks if an error matches a specified error type
func MatchesErrorType(err error, errorType string) bool {
	return ClassifyError(err).Type == errorType
}

// IsNotFound reports whether err indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || MatchesErrorType(err, ErrorTypeNotFound)
}

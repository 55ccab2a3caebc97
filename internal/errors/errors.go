// LOCATION: internal/errors/errors.go
//
// This file provides:
// - Sentinel errors for the ingestion pipeline error taxonomy
// - Typed errors carrying rejection and I/O context
// - Error category checking functions
// - Error wrapping utilities

package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Packet errors. The packet is logged and discarded, the pipeline continues.
	ErrParse          = errors.New("parse error")
	ErrSchemaMismatch = errors.New("schema mismatch")
	ErrMissingKey     = errors.New("missing natural key field")

	// Record errors. The record is dropped, never partially persisted.
	ErrRangeViolation = errors.New("range violation")

	// Persistence errors. Fatal for the current append, retried by the caller.
	ErrPartitionIO = errors.New("partition I/O error")

	// Rollup errors. The rollup for that month is skipped.
	ErrAggregation = errors.New("aggregation error")

	// Query errors
	ErrNoData = errors.New("no data")

	// Configuration and lifecycle errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrLocked        = errors.New("data directory locked")
	ErrNotRunning    = errors.New("service not running")
	ErrClosed        = errors.New("closed")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsPacketError returns true if err rejects a single packet.
func IsPacketError(err error) bool {
	return errors.Is(err, ErrParse) ||
		errors.Is(err, ErrSchemaMismatch) ||
		errors.Is(err, ErrMissingKey)
}

// IsRecoverable returns true if the pipeline should log err and move on to the
// next unit of work. I/O failures are never recoverable.
func IsRecoverable(err error) bool {
	if err == nil || errors.Is(err, ErrPartitionIO) {
		return false
	}
	return IsPacketError(err) || errors.Is(err, ErrRangeViolation)
}

// Category returns a short label for metrics and logs.
func Category(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPartitionIO):
		return "partition_io"
	case errors.Is(err, ErrParse):
		return "parse"
	case errors.Is(err, ErrSchemaMismatch):
		return "schema_mismatch"
	case errors.Is(err, ErrMissingKey):
		return "missing_key"
	case errors.Is(err, ErrRangeViolation):
		return "range_violation"
	case errors.Is(err, ErrAggregation):
		return "aggregation"
	case errors.Is(err, ErrNoData):
		return "no_data"
	case errors.Is(err, ErrLocked):
		return "locked"
	default:
		return "internal"
	}
}

// ============================================================================
// Typed errors
// ============================================================================

// RangeError reports the field and processing step that rejected a record.
type RangeError struct {
	Step  string
	Field string
	Value float64
	Min   float64
	Max   float64
	// Reason replaces the bounds in the message when the value could not be
	// computed at all (for example a zero divisor).
	Reason string
}

func (e *RangeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s: %s", e.Step, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s=%v outside [%v, %v]", e.Step, e.Field, e.Value, e.Min, e.Max)
}

// Unwrap returns ErrRangeViolation.
func (e *RangeError) Unwrap() error {
	return ErrRangeViolation
}

// PartitionError describes a failed partition or summary file operation.
type PartitionError struct {
	Op   string
	Path string
	Err  error
}

func (e *PartitionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns both ErrPartitionIO and the underlying cause.
func (e *PartitionError) Unwrap() []error {
	return []error{ErrPartitionIO, e.Err}
}

// NewPartitionError wraps err as a partition I/O failure. nil stays nil.
func NewPartitionError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &PartitionError{Op: op, Path: path, Err: err}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewParse creates a parse error with context.
func NewParse(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrParse)
}

// NewSchemaMismatch creates a schema mismatch error with context.
func NewSchemaMismatch(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrSchemaMismatch)
}

// NewAggregation creates an aggregation error with context.
func NewAggregation(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrAggregation)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}

// Package errors provides the sentinel errors shared by the storage packages.
//
// This file provides:
// - Sentinel errors for all error conditions
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
	// Chunk errors
	ErrChunkSealed        = errors.New("chunk is sealed")
	ErrInstrumentMismatch = errors.New("instrument mismatch")
	ErrRowOutOfRange      = errors.New("row index out of range")

	// Partition errors. ErrBucketNotFound is an empty contribution to a
	// query and never reaches query callers.
	ErrBucketNotFound = errors.New("bucket not found")
	ErrUnknownHandle  = errors.New("unknown chunk handle")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")

	// State errors
	ErrNotRunning     = errors.New("not running")
	ErrAlreadyRunning = errors.New("already running")
	ErrQueueFull      = errors.New("queue full")

	// Encoding errors
	ErrCorruptRecord = errors.New("corrupt record")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsInvariantViolation returns true if err indicates a programming error:
// an event handed to the wrong chunk or an unknown handle.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInstrumentMismatch) ||
		errors.Is(err, ErrUnknownHandle) ||
		errors.Is(err, ErrRowOutOfRange)
}

// IsRedirectable returns true if the caller can recover by sending the
// event to the late delta store instead.
func IsRedirectable(err error) bool {
	return errors.Is(err, ErrChunkSealed)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField)
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

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

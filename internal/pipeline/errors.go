package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across stages and stores.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrVendorUnreachable = errors.New("vendor unreachable")
	ErrCancelled         = errors.New("job cancelled")
	ErrUnauthorized      = errors.New("unauthorized")
)

// ConflictError is returned when a vendor already has a non-terminal job that
// blocks a new one. It matches ErrConflict via errors.Is.
type ConflictError struct {
	VendorID       string
	BlockingJobID  string
	BlockingStatus JobStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("vendor %s already has job %s in status %s", e.VendorID, e.BlockingJobID, e.BlockingStatus)
}

// Is lets errors.Is(err, ErrConflict) match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrInvalidPayload) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidPayload
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

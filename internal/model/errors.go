package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a requested thread, message or blob does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStorage is matched by every *StorageError.
	ErrStorage = errors.New("storage failure")

	// ErrTooLarge is returned when content exceeds a configured size ceiling.
	ErrTooLarge = errors.New("content exceeds maximum size")

	// ErrConflict signals a duplicate system message or a save collision.
	ErrConflict = errors.New("conflict")
)

// ValidationError describes a malformed entity, caught at construction time.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// StorageError wraps a failure of the underlying medium with the operation
// and entity it was working on.
type StorageError struct {
	Op  string
	ID  string
	Err error
}

func NewStorageError(op, id string, err error) *StorageError {
	return &StorageError{Op: op, ID: id, Err: err}
}

func (e *StorageError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

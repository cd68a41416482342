// Package services implements the persistence layer for jobs, chunks, and
// documents. Every mutation goes through compare-and-swap SQL so concurrent
// workers and sweepers can never resurrect a terminal row.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrInvalidInput is returned when input validation fails
	ErrInvalidInput = errors.New("invalid input")

	// ErrConcurrentModification is returned when a compare-and-swap update
	// finds the row changed underneath it
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrTerminalState is returned when a transition is attempted on a job
	// that already reached COMPLETED, FAILED, CANCELLED, or SKIPPED
	ErrTerminalState = errors.New("job is in a terminal state")

	// ErrRetriesExhausted is returned when a retry is requested past max_retries
	ErrRetriesExhausted = errors.New("retry limit exhausted")
)

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

package campaign

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation wraps every rejected request; no campaign is created or changed
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned for unknown campaign ids
	ErrNotFound = errors.New("campaign not found")
	// ErrRetryPrecondition is returned when a campaign is not failed/partial or has no failures
	ErrRetryPrecondition = errors.New("campaign cannot be retried")
	// ErrNotCancellable is returned when a campaign is no longer scheduled
	ErrNotCancellable = errors.New("campaign cannot be cancelled")
	// ErrConflict is returned when a concurrent writer changed the campaign first
	ErrConflict = errors.New("campaign was modified concurrently")
)

// ValidationError describes a rejected request field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

package metering

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned for unknown, stopped or idle sessions.
	ErrSessionNotFound = errors.New("metering session not found")

	// ErrNotSessionOwner is returned when the caller does not own the session.
	ErrNotSessionOwner = errors.New("metering session belongs to another user")
)

// ValidationError describes a rejected input. No debit is attempted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

package orchestrator

import (
	"errors"
	"fmt"
)

// Synchronous rejections returned by StartOperation and friends.
var (
	// ErrBusy signals another operation is already in flight. Retryable.
	ErrBusy = errors.New("an action is already running")

	// ErrNotFound signals the target instance is absent.
	ErrNotFound = errors.New("instance not found")
)

// ValidationError rejects a request before any pipeline or filesystem work.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// validationf builds a ValidationError.
func validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

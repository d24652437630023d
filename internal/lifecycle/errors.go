package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrOrderNotFound is returned when no order exists for the given id.
	ErrOrderNotFound = errors.New("order not found")

	// ErrInvalidTransition is returned when a requested transition is not
	// allowed from the order's current state. The state is preserved.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrOrderTerminal is returned when an operation requires a live order
	// but the order already settled.
	ErrOrderTerminal = fmt.Errorf("%w: order is terminal", ErrInvalidTransition)
)

// ValidationError rejects a malformed request synchronously. No state was
// created; the caller can fix the request and retry.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("validation: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalidRequest(reason string, err error) *ValidationError {
	return &ValidationError{Reason: reason, Err: err}
}

package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input. Never retried automatically.
	ErrValidation = errors.New("validation error")

	// ErrInvalidTransition marks an action attempted from a status that does not permit it.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrInsufficientStock marks a deduction that would drive on-hand quantity negative.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrTransientStore marks an unavailable store or an exhausted lock wait. Safe to retry
	// after re-reading state: the transaction may have committed before the error surfaced.
	ErrTransientStore = errors.New("transient store error")

	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrDuplicateRequest = errors.New("duplicate request")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func transitionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransition, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether err may succeed when the caller retries.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStore)
}

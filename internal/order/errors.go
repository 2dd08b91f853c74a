package order

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation     = errors.New("order validation failed")
	ErrOrderCreation  = errors.New("order creation failed")
	ErrNotFound       = errors.New("order not found")
	ErrAmountMismatch = errors.New("payment amount does not match order total")
	ErrAlreadyPaid    = errors.New("order already paid")
	ErrStoreFailure   = errors.New("order store failure")
)

// ValidationError lists every problem found in the shipping and cart input.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s", ErrValidation, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// CreationError reports that the backing store rejected the create. The
// caller may call EnsureOrder again.
type CreationError struct {
	SessionKey string
	Err        error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("%v for session %s: %v", ErrOrderCreation, e.SessionKey, e.Err)
}

// Unwrap exposes both the sentinel and the store error to errors.Is.
func (e *CreationError) Unwrap() []error {
	return []error{ErrOrderCreation, e.Err}
}

// IsValidation reports whether err is a shipping/cart validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsCreation reports whether err is a retryable store write failure.
func IsCreation(err error) bool {
	return errors.Is(err, ErrOrderCreation)
}

func fieldf(format string, args ...interface{}) string {
	return fmt.Sprintf(format, args...)
}

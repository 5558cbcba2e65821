package service

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthenticationFailed is returned when a webhook signature is missing or invalid
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrNotFoundRace reports a conditional update that matched no order. Informational.
	ErrNotFoundRace = errors.New("no order in a matching state")
	// ErrDuplicateEvent reports an event whose effect was already applied. Informational.
	ErrDuplicateEvent = errors.New("event already applied")
	// ErrLockContention is returned when another worker holds the session lock
	ErrLockContention = errors.New("session is being processed by another worker")
	// ErrNotFound is returned by lookups on unknown ids
	ErrNotFound = errors.New("not found")
	// ErrNotEligible is returned when an order is in the wrong state for a manual action
	ErrNotEligible = errors.New("order is not eligible for this action")
)

// ValidationError is a local input error
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

// ErrInvalidCart is returned for a checkout without items
var ErrInvalidCart = &ValidationError{Field: "cartItems", Message: "cart is empty"}

// UpstreamError carries a rejection from an external provider
type UpstreamError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (%d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// RetryableError marks a failure the event source should redeliver
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Retryable wraps err so IsRetryable reports true
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err asks for redelivery
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsInformational reports outcomes that are not failures
func IsInformational(err error) bool {
	return errors.Is(err, ErrNotFoundRace) || errors.Is(err, ErrDuplicateEvent)
}

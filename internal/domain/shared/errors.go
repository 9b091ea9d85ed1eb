// Package shared contains common domain types, errors, and events that are
// used across all domain packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
	"time"
)

// Base error kinds for the portal failure taxonomy. Every failure leaving the
// fetch client is one of these five kinds, checkable with errors.Is().
var (
	// ErrAuthentication - credentials rejected, token expired, or identity
	// broker login failed. Forces re-authentication on the next cycle.
	ErrAuthentication = errors.New("authentication failed")

	// ErrConnection - network, DNS, or timeout failure.
	ErrConnection = errors.New("connection error")

	// ErrRateLimit - the portal explicitly throttled us. Carries an advertised
	// delay that replaces the normal retry delay.
	ErrRateLimit = errors.New("rate limited")

	// ErrInvalidResponse - malformed payload from a one-time exchange, such as
	// an undecodable QR code. Never retried automatically.
	ErrInvalidResponse = errors.New("invalid response")

	// ErrCircuitOpen - local circuit breaker rejection; no portal call was
	// attempted at all.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrNotAuthenticated - a fetch was requested before a successful
	// authentication. Programming error rather than portal failure.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// PortalError is a typed failure from the portal layer with context.
type PortalError struct {
	Op         string        // Operation that failed, e.g. "Authenticate", "FetchSnapshot"
	Kind       error         // Base error kind for errors.Is() checking
	Message    string        // Human-readable message
	RetryAfter time.Duration // Advertised retry delay (rate limiting), 0 if none
	Err        error         // Underlying error (optional)
}

// Error implements the error interface.
func (e *PortalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pronote.%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("pronote.%s: %s", e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *PortalError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching against both kind and cause.
func (e *PortalError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewPortalError creates a new portal error.
func NewPortalError(op string, kind error, message string) *PortalError {
	return &PortalError{Op: op, Kind: kind, Message: message}
}

// WrapPortalError wraps an existing error with portal context.
func WrapPortalError(op string, kind error, message string, err error) *PortalError {
	return &PortalError{Op: op, Kind: kind, Message: message, Err: err}
}

// NewRateLimitError creates a rate limit error with the advertised delay.
func NewRateLimitError(op string, retryAfter time.Duration, message string) *PortalError {
	return &PortalError{Op: op, Kind: ErrRateLimit, Message: message, RetryAfter: retryAfter}
}

// IsAuthentication checks for an authentication failure.
func IsAuthentication(err error) bool {
	return errors.Is(err, ErrAuthentication)
}

// IsConnection checks for a network-level failure.
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsRateLimit checks for an upstream throttle.
func IsRateLimit(err error) bool {
	return errors.Is(err, ErrRateLimit)
}

// IsCircuitOpen checks for a local breaker rejection.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// IsRetryable checks if the next scheduled cycle may simply try again.
// Authentication and invalid-response failures need intervention first.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnection) ||
		errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrCircuitOpen)
}

// RetryAfterOf extracts the advertised retry delay from an error chain.
// Returns 0 when the error carries no delay hint.
func RetryAfterOf(err error) time.Duration {
	var pe *PortalError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for precondition failures.
var (
	// ErrNotConfigured is returned when an operation requires stored
	// credentials and none exist.
	ErrNotConfigured = errors.New("slack integration is not configured")

	// ErrAuthInProgress is returned when an authentication attempt is
	// already in flight.
	ErrAuthInProgress = errors.New("authentication already in progress")

	// ErrScanInProgress signals that a scan trigger was a no-op because
	// another scan is running.
	ErrScanInProgress = errors.New("scan already in progress")

	// ErrJobNotFound is returned for operations on a job that is no
	// longer tracked.
	ErrJobNotFound = errors.New("analysis job not found")
)

// ConfigurationError means credentials are missing or invalid. Not
// retryable without user action.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Message
}

// AuthError means the access token is expired or invalid and the user
// must re-authenticate.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "authentication error: " + e.Reason
}

// ScopeError means the app lacks an OAuth scope and the user must
// re-consent.
type ScopeError struct {
	Missing string
}

func (e *ScopeError) Error() string {
	if e.Missing == "" {
		return "insufficient permissions"
	}
	return "insufficient permissions: missing scope " + e.Missing
}

// RateLimitError is a 429-class failure. RetryAfter carries the
// server-provided wait, zero when the server gave none.
type RateLimitError struct {
	Endpoint   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited on %s, retry after %s", e.Endpoint, e.RetryAfter)
	}
	return "rate limited on " + e.Endpoint
}

// ChannelAccessError means the app is not a member of a specific
// channel. Actionable and scoped to that channel, not global.
type ChannelAccessError struct {
	ChannelID string
}

func (e *ChannelAccessError) Error() string {
	return "no access to channel " + e.ChannelID
}

// NetworkError wraps a transport-level failure. Retryable with backoff.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return "network error during " + e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error { return e.Err }

// DataFormatError means the remote or analysis layer returned a
// malformed payload. Not retryable.
type DataFormatError struct {
	Message string
}

func (e *DataFormatError) Error() string {
	return "malformed response: " + e.Message
}

package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"syscall"
	"time"
)

// Admission errors are returned when the engine never attempted the upstream
// call. They can be checked with errors.Is().
var (
	// ErrQueueFull is returned when a provider's pending queue is at capacity.
	ErrQueueFull = errors.New("provider queue full")

	// ErrQueueTimeout is returned when a request waited in the queue longer
	// than its timeout budget.
	ErrQueueTimeout = errors.New("request timed out while queued")

	// ErrQueueCleared is returned to pending requests when their queue is cleared.
	ErrQueueCleared = errors.New("provider queue cleared")

	// ErrQueueClosed is returned when the queue has been shut down.
	ErrQueueClosed = errors.New("request queue closed")

	// ErrAtCapacity is returned when a failover or hedge target has no free
	// in-flight slot.
	ErrAtCapacity = errors.New("provider at concurrency limit")

	// ErrAdmission matches every admission rejection above.
	ErrAdmission = errors.New("admission rejected")
)

// ProviderError represents a general upstream failure.
// It includes the provider id, HTTP status code, and underlying error.
type ProviderError struct {
	// Provider is the id of the provider that returned the error
	Provider string

	// StatusCode is the HTTP status code (0 if not applicable)
	StatusCode int

	// Message is the error message
	Message string

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %q error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %q error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error for error chain support.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// AuthError represents an authentication failure (HTTP 401 or 403).
type AuthError struct {
	Provider string
	Message  string
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return fmt.Sprintf("provider %q authentication failed: %s", e.Provider, e.Message)
}

// RateLimitError represents a rate limit exceeded error (HTTP 429).
// It includes the retry-after duration if provided by the provider.
type RateLimitError struct {
	// Provider is the id of the provider that rate limited the request
	Provider string

	// RetryAfter is the duration to wait before retrying (if provided)
	RetryAfter time.Duration

	// Message is the error message from the provider
	Message string
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider %q rate limit exceeded (retry after %s): %s",
			e.Provider, e.RetryAfter, e.Message)
	}
	return fmt.Sprintf("provider %q rate limit exceeded: %s", e.Provider, e.Message)
}

// TimeoutError represents an upstream call that exceeded its deadline.
type TimeoutError struct {
	Provider string
	Timeout  time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("provider %q request timeout after %s", e.Provider, e.Timeout)
}

// ConnectionError represents a transport-level failure (reset, refused).
type ConnectionError struct {
	Provider string
	Cause    error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("provider %q connection error: %v", e.Provider, e.Cause)
}

// Unwrap returns the underlying error for error chain support.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// ValidationError represents a malformed request rejected before or by the
// provider. It is never retried against another provider.
type ValidationError struct {
	// Field is the name of the invalid field
	Field string

	// Message describes what is invalid about the field
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %q: %s", e.Field, e.Message)
}

// ContentFilterError represents a request refused for content policy reasons.
type ContentFilterError struct {
	Provider string
	Message  string
}

// Error implements the error interface.
func (e *ContentFilterError) Error() string {
	return fmt.Sprintf("provider %q rejected content: %s", e.Provider, e.Message)
}

// AdmissionError is returned when a request was rejected before dispatch.
// Callers use it to distinguish "we never tried" from "the provider failed".
type AdmissionError struct {
	// Provider is the provider whose queue rejected the request.
	Provider string

	// Reason is one of the ErrQueue* sentinels or ErrAtCapacity.
	Reason error

	// RetryAfter is how long until the provider's rate window admits
	// another request. Zero when the rate limit is not the bottleneck.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *AdmissionError) Error() string {
	return fmt.Sprintf("provider %q: %v", e.Provider, e.Reason)
}

// Is implements error matching for errors.Is().
func (e *AdmissionError) Is(target error) bool {
	return target == ErrAdmission
}

// Unwrap returns the rejection reason.
func (e *AdmissionError) Unwrap() error {
	return e.Reason
}

// retryableStatus are the HTTP status codes treated as transient.
var retryableStatus = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// transientPatterns match transient failures reported only as text.
var transientPatterns = []string{
	"econnreset",
	"etimedout",
	"econnrefused",
	"connection reset",
	"connection refused",
	"timeout",
	"timed out",
	"rate limit",
	"too many requests",
}

var transientStatusPattern = regexp.MustCompile(`\b(429|500|502|503|504)\b`)

// IsRetryable reports whether err is a transient upstream failure that is
// eligible for failover to another provider.
//
// Typed errors are checked first; otherwise the message is matched against
// a fixed set of transient indicators. Caller cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var authErr *AuthError
	var validationErr *ValidationError
	var contentErr *ContentFilterError
	if errors.As(err, &authErr) || errors.As(err, &validationErr) || errors.As(err, &contentErr) {
		return false
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) && providerErr.StatusCode > 0 {
		if retryableStatus[providerErr.StatusCode] {
			return true
		}
		if providerErr.Cause == nil {
			return false
		}
	}

	var rateErr *RateLimitError
	var timeoutErr *TimeoutError
	var connErr *ConnectionError
	if errors.As(err, &rateErr) || errors.As(err, &timeoutErr) || errors.As(err, &connErr) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return transientStatusPattern.MatchString(msg)
}

// IsAdmission reports whether err is an admission rejection.
func IsAdmission(err error) bool {
	return errors.Is(err, ErrAdmission)
}

// ErrorType returns a short label for err suitable for metric labels.
//
// Common error types:
//   - "rate_limit", "timeout", "connection", "server_error", "client_error"
//   - "auth", "validation", "content_filter", "admission", "canceled", "unknown"
func ErrorType(err error) string {
	if err == nil {
		return ""
	}

	var (
		rateErr       *RateLimitError
		timeoutErr    *TimeoutError
		connErr       *ConnectionError
		authErr       *AuthError
		validationErr *ValidationError
		contentErr    *ContentFilterError
		providerErr   *ProviderError
	)

	switch {
	case IsAdmission(err):
		return "admission"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &rateErr):
		return "rate_limit"
	case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &connErr):
		return "connection"
	case errors.As(err, &authErr):
		return "auth"
	case errors.As(err, &validationErr):
		return "validation"
	case errors.As(err, &contentErr):
		return "content_filter"
	case errors.As(err, &providerErr):
		switch {
		case providerErr.StatusCode == 429:
			return "rate_limit"
		case providerErr.StatusCode >= 500:
			return "server_error"
		case providerErr.StatusCode >= 400:
			return "client_error"
		}
	}
	return "unknown"
}

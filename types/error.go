package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies every error surfaced by the client into the
// taxonomy that drives retry behavior.
type ErrorCode string

const (
	// ErrValidation marks bad caller input; never retried
	ErrValidation ErrorCode = "VALIDATION"

	// ErrAuthentication marks a rejected credential; fatal
	ErrAuthentication ErrorCode = "AUTHENTICATION"

	// ErrNotFound marks a missing remote resource; fatal
	ErrNotFound ErrorCode = "NOT_FOUND"

	// ErrRateLimited marks a 429; retried honoring the server delay hint
	ErrRateLimited ErrorCode = "RATE_LIMITED"

	// ErrTransientNetwork marks timeouts and connection failures; retried
	ErrTransientNetwork ErrorCode = "TRANSIENT_NETWORK"

	// ErrServer marks a 5xx from the remote service; retried
	ErrServer ErrorCode = "SERVER_ERROR"

	// ErrInvalidState marks a resume attempted on a non-complete run;
	// fatal but caller-correctable
	ErrInvalidState ErrorCode = "INVALID_STATE"

	// ErrInvalidTransition marks a state-store integrity violation
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// ErrTimeout marks a wait that exceeded its budget; the caller may
	// retry the wait itself
	ErrTimeout ErrorCode = "TIMEOUT"

	// ErrCancelled marks an operation stopped by caller cancellation
	ErrCancelled ErrorCode = "CANCELLED"

	// ErrInternal marks an unexpected client-side failure
	ErrInternal ErrorCode = "INTERNAL"
)

// Error is the structured error carried across package boundaries. It
// records the classification, the HTTP status that produced it (if any),
// the server-supplied retry delay, and how many attempts were made before
// it was surfaced.
type Error struct {
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Attempts   int           `json:"attempts,omitempty"`
	Cause      error         `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Attempts > 1 {
		msg = fmt.Sprintf("%s (after %d attempts)", msg, e.Attempts)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
// Retryability is derived from the code; WithRetryable overrides it.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: code == ErrRateLimited || code == ErrTransientNetwork || code == ErrServer,
	}
}

// WithCause attaches the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus records the HTTP status that produced the error.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable overrides the derived retryability.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithRetryAfter records the server-supplied retry delay hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithAttempts records how many attempts were made before surfacing.
func (e *Error) WithAttempts(n int) *Error {
	e.Attempts = n
	return e
}

// IsRetryable reports whether err is a retryable *Error anywhere in its
// chain. Unclassified errors are not retried.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from err's chain, or "" if err is
// not a classified error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// RetryAfterHint extracts the server-supplied retry delay from err's
// chain, or zero if none was provided.
func RetryAfterHint(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

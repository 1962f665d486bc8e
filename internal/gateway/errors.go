// Package gateway defines the error taxonomy shared by the GitHub and
// Lark clients. Dispatcher handlers use the kind to choose between retry
// and dead-letter.
package gateway

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a gateway failure.
type Kind string

const (
	KindUnauthorized   Kind = "unauthorized"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindRateLimited    Kind = "rate_limited"
	KindTransient      Kind = "transient"
	KindInvalidRequest Kind = "invalid_request"
)

// Error is a classified gateway failure. RetryAfter is only meaningful
// for KindRateLimited.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Op, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: err.Error(), Err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors
// (network failures, context deadline, broken pipes) count as transient;
// that default keeps unknown failures on the retry path rather than the
// dead-letter path.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindTransient
}

// IsRetryable reports whether an error should be retried with backoff.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindTransient:
		return true
	}
	return false
}

// ClassifyHTTPStatus maps an HTTP status code to a kind. 429 is rate
// limiting; other 4xx are permanent; 5xx are transient.
func ClassifyHTTPStatus(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindUnauthorized
	case status == 404 || status == 410:
		return KindNotFound
	case status == 409:
		return KindConflict
	case status == 429:
		return KindRateLimited
	case status >= 400 && status < 500:
		return KindInvalidRequest
	default:
		return KindTransient
	}
}

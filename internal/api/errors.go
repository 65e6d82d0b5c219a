package api

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes delivery failures.
type ErrorKind string

const (
	// KindTransient covers connection failures, timeouts, and server
	// errors. The request may succeed later; retry with backoff.
	KindTransient ErrorKind = "transient-network"

	// KindConflict is an HTTP 409 or 422: the server has terminally
	// rejected the request and a retry can never succeed.
	KindConflict ErrorKind = "terminal-conflict"

	// KindInvalid is an HTTP 400: the request itself is malformed
	// (missing fields). Terminal for the same reason as a conflict.
	KindInvalid ErrorKind = "invalid-request"
)

// Error is a classified API failure.
type Error struct {
	// Kind identifies the failure category.
	Kind ErrorKind

	// StatusCode is the HTTP status, 0 when the request never completed.
	StatusCode int

	// Endpoint is "METHOD /path", for diagnostics.
	Endpoint string

	// Message is the server-provided error string when one was decoded.
	Message string

	err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Endpoint, e.err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s: status %d: %s", e.Kind, e.Endpoint, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("%s: %s: status %d", e.Kind, e.Endpoint, e.StatusCode)
	}
}

// Unwrap exposes the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.err
}

// IsTransient returns true for failures worth retrying.
// Uses errors.As to handle wrapped errors.
func IsTransient(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind == KindTransient
	}
	return false
}

// IsConflict returns true for terminal 409/422 rejections.
// Uses errors.As to handle wrapped errors.
func IsConflict(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind == KindConflict
	}
	return false
}

// IsInvalid returns true for malformed-request rejections.
func IsInvalid(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind == KindInvalid
	}
	return false
}

// IsTerminal returns true for failures a retry can never fix: the
// caller should abandon the request rather than back off.
func IsTerminal(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind == KindConflict || apiErr.Kind == KindInvalid
	}
	return false
}

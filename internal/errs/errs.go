// Package errs defines the error kinds shared across the delivery core.
// Callers branch on kinds, never on error text.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindStreamUnavailable  Kind = "stream_unavailable"
	KindRemoteUnavailable  Kind = "remote_unavailable"
	KindTimeout            Kind = "timeout"
	KindPolicyExhausted    Kind = "policy_exhausted"
	KindCancelled          Kind = "cancelled"
	KindIntegrityViolation Kind = "integrity_violation"
	KindUnknown            Kind = "unknown"
)

// Error carries a kind, a caller-safe message, and an optional cause.
// The cause is for logs only; it is never rendered into API responses.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a new error of the given kind.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Message returns the caller-safe message for err. Unknown errors get a
// generic message so internal detail never leaks to API callers.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "internal error"
}

// Retryable reports whether the kind represents a transient condition the
// caller may retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindStorageUnavailable, KindStreamUnavailable, KindRemoteUnavailable, KindTimeout:
		return true
	}
	return false
}

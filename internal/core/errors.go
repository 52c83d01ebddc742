package core

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotLive means the target has no active session.
	ErrNotLive = errors.New("not live")
	// ErrNotFound means the id did not resolve.
	ErrNotFound = errors.New("not found")
	// ErrAuthMissing means a required credential is absent or rejected.
	ErrAuthMissing = errors.New("auth missing")
	// ErrUpstream covers transport and HTTP failures.
	ErrUpstream = errors.New("upstream error")
	// ErrConflict rejects a duplicate registration.
	ErrConflict = errors.New("conflict")
	// ErrMalformed marks a payload that could not be decoded.
	ErrMalformed = errors.New("malformed payload")
	// ErrInvalidRef rejects a streamer reference before any network call.
	ErrInvalidRef = errors.New("invalid streamer reference")
)

// ErrorKind names the taxonomy bucket of err, or "" when it has none.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotLive):
		return "not_live"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAuthMissing):
		return "auth_missing"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrInvalidRef):
		return "invalid_ref"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "upstream"
}

// Retryable reports whether the reconnect policy may retry after err.
// Only upstream failures are retried.
func Retryable(err error) bool {
	return ErrorKind(err) == "upstream"
}

// Tag wraps cause with msg so that errors.Is matches both kind and cause.
// Carrying two wrapped errors needs fmt.Errorf with two %w verbs, which
// pkg/errors has no form for; adapters add pkg/errors context on top.
func Tag(kind, cause error, msg string) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", msg, kind)
	}
	return fmt.Errorf("%s: %w: %w", msg, kind, cause)
}

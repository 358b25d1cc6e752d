// Package apierr defines the five-kind error taxonomy used throughout the
// job/task pipeline and the HTTP front-end, together with a registry that
// maps each kind to an HTTP status code and a retry classification.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the five error categories a use-case or the HTTP
// front-end can produce.
type Kind string

const (
	// KindValidation marks a malformed or semantically invalid request.
	KindValidation Kind = "validation"

	// KindAuthentication marks a missing, invalid or expired credential.
	KindAuthentication Kind = "authentication"

	// KindTransient marks a failure expected to clear on retry (network
	// blip, temporary UI block, dead browser driver).
	KindTransient Kind = "transient"

	// KindRate marks a rate limit or platform soft-block condition.
	KindRate Kind = "rate"

	// KindFatal marks a failure that will never succeed on retry.
	KindFatal Kind = "fatal"
)

// statusByKind mirrors the registry of exception-to-HTTP mappings: a single
// lookup table instead of scattering status codes across handlers.
var statusByKind = map[Kind]int{
	KindValidation:     http.StatusBadRequest,
	KindAuthentication: http.StatusUnauthorized,
	KindTransient:      http.StatusServiceUnavailable,
	KindRate:           http.StatusTooManyRequests,
	KindFatal:          http.StatusInternalServerError,
}

// retryableByKind records whether a task-level failure of this kind should
// be retried by the router, independent of the HTTP mapping above.
var retryableByKind = map[Kind]bool{
	KindValidation:     false,
	KindAuthentication: true, // retryable exactly once; the dispatcher tracks attempts
	KindTransient:      true,
	KindRate:           true,
	KindFatal:          false,
}

// Error is a typed, kind-tagged error carrying an optional machine-readable
// reason code (e.g. "driver_dead", "rate_limited", "session_expired") used
// by the dispatcher's result envelopes.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Reason, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an *Error of the given kind with a reason code and message.
func New(kind Kind, reason, message string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message}
}

// Wrap builds an *Error of the given kind around an underlying cause.
func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Message: err.Error(), Err: err}
}

// HTTPStatus returns the status code registered for err's Kind, falling
// back to 500 for errors that are not an *Error.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		if status, ok := statusByKind[e.Kind]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}

// Retryable reports whether err, if it wraps an *Error, should be retried
// by the router. Non-*Error values are unclassified and treated as
// non-retryable, like KindFatal.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return retryableByKind[e.Kind]
	}
	return false
}

// ReasonOf extracts the machine-readable reason code from err, defaulting
// to "unknown" when err does not wrap an *Error.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Reason != "" {
			return e.Reason
		}
	}
	return "unknown"
}

// KindOf extracts the Kind from err, defaulting to KindFatal when err does
// not wrap an *Error, the same non-retryable class Retryable gives such
// errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

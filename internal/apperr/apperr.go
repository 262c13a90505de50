// Package apperr defines the error taxonomy shared by every herald component
// and its mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for propagation and response mapping.
type Kind int

const (
	KindInfrastructure Kind = iota // zero value: unknown errors are infrastructure errors
	KindValidation
	KindAuthorization
	KindNotFound
	KindConflict
	KindRateLimit
	KindTransientProvider
	KindPermanentToken
	KindMigrationRequired
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindAuthorization:
		return "authorization_error"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindRateLimit:
		return "rate_limit_exceeded"
	case KindTransientProvider:
		return "transient_provider_error"
	case KindPermanentToken:
		return "permanent_token_error"
	case KindMigrationRequired:
		return "migration_required"
	default:
		return "infrastructure_error"
	}
}

// Error carries a Kind alongside a client-safe message and the wrapped cause.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // only meaningful for KindRateLimit
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation reports malformed input.
func Validation(format string, args ...any) error { return newf(KindValidation, format, args...) }

// Unauthorized reports a missing or invalid credential.
func Unauthorized(format string, args ...any) error {
	return newf(KindAuthorization, format, args...)
}

// NotFound reports an unknown identifier.
func NotFound(format string, args ...any) error { return newf(KindNotFound, format, args...) }

// Conflict reports a state-machine violation.
func Conflict(format string, args ...any) error { return newf(KindConflict, format, args...) }

// RateLimited reports that the caller must wait retryAfter before retrying.
func RateLimited(retryAfter time.Duration) error {
	return &Error{Kind: KindRateLimit, Message: "rate limit exceeded", RetryAfter: retryAfter}
}

// MigrationRequired reports that the schema lacks columns this build expects.
func MigrationRequired(err error) error {
	return &Error{Kind: KindMigrationRequired, Message: "database schema is out of date, run migrations", Err: err}
}

// Infrastructure wraps a data-store or other unexpected failure.
func Infrastructure(msg string, err error) error {
	return &Error{Kind: KindInfrastructure, Message: msg, Err: err}
}

// Wrap attaches kind to err, keeping err as the cause.
func Wrap(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindInfrastructure when none is present.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInfrastructure
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// Message returns the client-safe message for err. Infrastructure errors
// never leak their cause.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInfrastructure {
		return e.Message
	}
	return "internal server error"
}

// RetryAfter returns the retry hint carried by a rate-limit error.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// HTTPStatus maps kind onto a response code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindTransientProvider, KindPermanentToken:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

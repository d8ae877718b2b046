// Package apperr models the dispatcher's error taxonomy as a small tagged
// sum (Unauthorized, Forbidden, Conflict, Validation, Internal) and maps it
// to HTTP status codes at the boundary, the same split the teacher draws
// between a domain sentinel error and the HTTP translation layer in its
// error_mapper.go.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for both HTTP mapping and caller behavior.
type Kind int

const (
	// KindInternal marks a programming-invariant violation. Never leaks
	// details to the client; logged with full context server-side.
	KindInternal Kind = iota
	// KindUnauthorized marks a missing or invalid capability token.
	KindUnauthorized
	// KindForbidden marks a capability token that verified but does not
	// bind to the request (wrong task_id/attempt/sub).
	KindForbidden
	// KindConflict marks a stale fence or a resource-state conflict
	// (lease already held, terminal task, dataset-version divergence).
	KindConflict
	// KindValidation marks a malformed request. Never mutates state.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	default:
		return "internal"
	}
}

// Error is the dispatcher's tagged error value. It wraps an optional cause
// for logging while keeping the client-facing message separate.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs a tagged error.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Internal wraps cause as a KindInternal error with a generic client message.
func Internal(cause error) *Error {
	return New(KindInternal, "internal error", cause)
}

// Validation builds a KindValidation error with a client-safe message.
func Validation(message string) *Error {
	return New(KindValidation, message, nil)
}

// Conflict builds a KindConflict error with a client-safe message.
func Conflict(message string) *Error {
	return New(KindConflict, message, nil)
}

// Unauthorized builds a KindUnauthorized error with a client-safe message.
func Unauthorized(message string) *Error {
	return New(KindUnauthorized, message, nil)
}

// Forbidden builds a KindForbidden error with a client-safe message.
func Forbidden(message string) *Error {
	return New(KindForbidden, message, nil)
}

// As extracts the tagged *Error from err, if any is present in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps err to an HTTP status code. Errors that are not tagged
// default to 500, matching the teacher's "0 means let the caller decide"
// convention in mapDomainError.
func HTTPStatus(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ClientMessage returns the message safe to return to the caller. Internal
// errors never surface their cause, regardless of environment.
func ClientMessage(err error) string {
	e, ok := As(err)
	if !ok {
		return "internal error"
	}
	if e.Kind == KindInternal {
		return "internal error"
	}
	return e.Message
}

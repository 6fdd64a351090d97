// Package apperr defines the error taxonomy shared by the scheduling domains
// and its mapping onto HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Kind classifies a domain error.
type Kind string

const (
	KindConflict     Kind = "conflict"
	KindPolicyDenied Kind = "policy_denied"
	KindNotFound     Kind = "not_found"
	KindValidation   Kind = "validation"
)

// Error is a classified domain error. Code is a stable machine-readable
// identifier ("slot_taken"); Message is surfaced verbatim to callers.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// Is matches another *Error with the same code, so wrapped sentinels compare
// equal under errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Kind == t.Kind
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Conflict(code, message string) *Error     { return New(KindConflict, code, message) }
func PolicyDenied(code, message string) *Error { return New(KindPolicyDenied, code, message) }
func NotFound(code, message string) *Error     { return New(KindNotFound, code, message) }
func Validation(code, message string) *Error   { return New(KindValidation, code, message) }

// Validationf builds a validation error with a formatted message.
func Validationf(format string, args ...interface{}) *Error {
	return Validation("invalid_input", fmt.Sprintf(format, args...))
}

// Deniedf builds a policy denial carrying a specific reason.
func Deniedf(code, format string, args ...interface{}) *Error {
	return PolicyDenied(code, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

// StatusCode maps an error onto an HTTP status.
func StatusCode(err error) int {
	switch KindOf(err) {
	case KindConflict:
		return http.StatusConflict
	case KindPolicyDenied:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON error payload returned to clients.
type Body struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HTTPError converts err into an *echo.HTTPError. Unclassified errors are
// reported as a generic internal error so store details do not leak.
func HTTPError(err error) *echo.HTTPError {
	var e *Error
	if errors.As(err, &e) {
		return echo.NewHTTPError(StatusCode(err), Body{Error: e.Code, Message: e.Message}).SetInternal(err)
	}
	return echo.NewHTTPError(http.StatusInternalServerError,
		Body{Error: "internal", Message: "internal server error"}).SetInternal(err)
}

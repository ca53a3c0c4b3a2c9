// Package errors defines the application error taxonomy shared by the
// service layer and the HTTP surface. Every user-visible failure carries a
// stable reason code so API clients can branch without parsing messages.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ApplicationError is an error with an HTTP status, a stable reason code and
// optional metadata (e.g. retry_after seconds).
type ApplicationError struct {
	Status     int
	ReasonCode string
	Message    string
	Metadata   map[string]string

	cause error
}

func (e *ApplicationError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.ReasonCode, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.ReasonCode, e.Message)
}

func (e *ApplicationError) Unwrap() error { return e.cause }

// Is matches two ApplicationErrors by reason code, so sentinel errors built
// with the constructors below survive WithCause/WithMetadata copies.
func (e *ApplicationError) Is(target error) bool {
	var t *ApplicationError
	if !errors.As(target, &t) {
		return false
	}
	return e.ReasonCode == t.ReasonCode
}

// WithCause returns a copy of e wrapping the underlying cause.
func (e *ApplicationError) WithCause(cause error) *ApplicationError {
	cp := *e
	cp.cause = cause
	return &cp
}

// WithMetadata returns a copy of e with the given metadata merged in.
func (e *ApplicationError) WithMetadata(md map[string]string) *ApplicationError {
	cp := *e
	merged := make(map[string]string, len(e.Metadata)+len(md))
	for k, v := range e.Metadata {
		merged[k] = v
	}
	for k, v := range md {
		merged[k] = v
	}
	cp.Metadata = merged
	return &cp
}

func newError(status int, reason, message string) *ApplicationError {
	return &ApplicationError{Status: status, ReasonCode: reason, Message: message}
}

func BadRequest(reason, message string) *ApplicationError {
	return newError(http.StatusBadRequest, reason, message)
}

func Unauthorized(reason, message string) *ApplicationError {
	return newError(http.StatusUnauthorized, reason, message)
}

func Forbidden(reason, message string) *ApplicationError {
	return newError(http.StatusForbidden, reason, message)
}

func NotFound(reason, message string) *ApplicationError {
	return newError(http.StatusNotFound, reason, message)
}

func RequestTimeout(reason, message string) *ApplicationError {
	return newError(http.StatusRequestTimeout, reason, message)
}

func Conflict(reason, message string) *ApplicationError {
	return newError(http.StatusConflict, reason, message)
}

func TooManyRequests(reason, message string) *ApplicationError {
	return newError(http.StatusTooManyRequests, reason, message)
}

func InternalServer(reason, message string) *ApplicationError {
	return newError(http.StatusInternalServerError, reason, message)
}

func ServiceUnavailable(reason, message string) *ApplicationError {
	return newError(http.StatusServiceUnavailable, reason, message)
}

// Reason extracts the stable reason code from err, or "" when err is not an
// ApplicationError.
func Reason(err error) string {
	var appErr *ApplicationError
	if errors.As(err, &appErr) && appErr != nil {
		return appErr.ReasonCode
	}
	return ""
}

// HTTPStatus extracts the HTTP status from err, defaulting to 500.
func HTTPStatus(err error) int {
	var appErr *ApplicationError
	if errors.As(err, &appErr) && appErr != nil {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

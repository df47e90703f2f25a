// Package apperr classifies the error kinds named in spec.md section 7 and
// maps them to HTTP status codes at the API boundary.
package apperr

import (
	"errors"
	"net/http"
)

// Kind is one of the error kinds spec.md section 7 enumerates.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthorization
	KindNotFound
	KindConflict
	KindRetryableTransport
	KindNonRetryableLogical
)

// Error wraps an underlying error with a classification and an optional
// caller-facing reason string (used for 409 "duplicate"/"reason" bodies).
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func NotFound(reason string) *Error        { return New(KindNotFound, reason, nil) }
func Conflict(reason string) *Error        { return New(KindConflict, reason, nil) }
func Validation(reason string) *Error      { return New(KindValidation, reason, nil) }
func Authorization(reason string) *Error   { return New(KindAuthorization, reason, nil) }
func NonRetryable(reason string) *Error    { return New(KindNonRetryableLogical, reason, nil) }
func RetryableTransport(err error) *Error  { return New(KindRetryableTransport, "retryable transport error", err) }
func Internal(err error) *Error            { return New(KindInternal, "internal error", err) }

// HTTPStatus maps an error (classified or not) to the status code the HTTP
// layer should return.
func HTTPStatus(err error) int {
	var ae *Error
	if !errors.As(err, &ae) {
		return http.StatusInternalServerError
	}
	switch ae.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRetryableTransport, KindNonRetryableLogical:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of API error. Codes are part of the wire contract:
// they appear verbatim in the error envelope returned to clients.
type Code string

const (
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeForbidden          Code = "FORBIDDEN"
	CodeNotFound           Code = "NOT_FOUND"
	CodeInvalidRequest     Code = "INVALID_REQUEST"
	CodeInvalidConfig      Code = "INVALID_CONFIG"
	CodeAlreadyUsed        Code = "ALREADY_USED"
	CodeQuotaExceeded      Code = "QUOTA_EXCEEDED"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeInternal           Code = "INTERNAL_ERROR"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
)

// Error is a typed API error carrying a taxonomy code and optional
// machine-readable details. Core packages return *Error for any failure a
// client can act on; unexpected failures stay plain errors and surface as
// INTERNAL_ERROR at the transport edge.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// WithCause attaches an underlying error for logs; the cause is never
// serialized to clients.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// HTTPStatus maps the taxonomy to HTTP status codes.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidRequest, CodeInvalidConfig, CodeAlreadyUsed:
		return http.StatusBadRequest
	case CodeQuotaExceeded, CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newError(code Code, msg string, details map[string]any) *Error {
	return &Error{Code: code, Message: msg, Details: details}
}

// Unauthorized returns an UNAUTHORIZED error. The message is intentionally
// generic for credential failures so callers cannot probe which check failed.
func Unauthorized(msg string) *Error {
	return newError(CodeUnauthorized, msg, nil)
}

func Forbidden(msg string) *Error {
	return newError(CodeForbidden, msg, nil)
}

func NotFound(msg string, details map[string]any) *Error {
	return newError(CodeNotFound, msg, details)
}

func InvalidRequest(msg string, details map[string]any) *Error {
	return newError(CodeInvalidRequest, msg, details)
}

func InvalidConfig(msg string, details map[string]any) *Error {
	return newError(CodeInvalidConfig, msg, details)
}

func AlreadyUsed(msg string) *Error {
	return newError(CodeAlreadyUsed, msg, nil)
}

func QuotaExceeded(msg string, details map[string]any) *Error {
	return newError(CodeQuotaExceeded, msg, details)
}

func Internal(msg string) *Error {
	return newError(CodeInternal, msg, nil)
}

func ServiceUnavailable(msg string) *Error {
	return newError(CodeServiceUnavailable, msg, nil)
}

// From extracts an *Error from err, or wraps err as INTERNAL_ERROR.
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal("internal server error").WithCause(err)
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code Code) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

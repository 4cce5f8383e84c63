// Package errors provides the structured error type shared by the anonymizer
// packages and the HTTP layer.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code classifies an error for callers and API clients.
type Code string

const (
	CodeNotFound      Code = "NOT_FOUND"
	CodeInvalidInput  Code = "INVALID_INPUT"
	CodeConflict      Code = "CONFLICT"
	CodeLimitExceeded Code = "LIMIT_EXCEEDED"
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeUnavailable   Code = "UNAVAILABLE" // a NER source or backend failed
	CodeRateLimit     Code = "RATE_LIMITED"
	CodeTimeout       Code = "TIMEOUT"
)

// Status returns the HTTP status for c. A full collection is a client
// error, so LIMIT_EXCEEDED maps to 400 like INVALID_INPUT.
func (c Code) Status() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidInput, CodeLimitExceeded:
		return http.StatusBadRequest
	case CodeConflict:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeRateLimit:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// Error is an error with a code. Message and Details must never contain
// patient text because both are returned to clients and logged.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Detail())
}

// Detail is the message with its details appended.
func (e *Error) Detail() string {
	if e.Details == "" {
		return e.Message
	}
	return e.Message + ": " + e.Details
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetails sets the details and returns e.
func (e *Error) WithDetails(details string) *Error {
	e.Details = details
	return e
}

// New creates an error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a code and message to err.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Cause: err}
}

func NotFound(resource string) *Error {
	return Newf(CodeNotFound, "%s not found", resource)
}

func InvalidInput(message string) *Error {
	return New(CodeInvalidInput, message)
}

// Conflict reports a resource that already exists.
func Conflict(resource string) *Error {
	return Newf(CodeConflict, "%s already exists", resource)
}

// LimitExceeded reports a collection that is full.
func LimitExceeded(resource string, limit int) *Error {
	return Newf(CodeLimitExceeded, "%s limit of %d reached", resource, limit)
}

func Unavailable(service string) *Error {
	return Newf(CodeUnavailable, "%s is unavailable", service)
}

func RateLimited() *Error {
	return New(CodeRateLimit, "rate limit exceeded")
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeInternal for any other non-nil error.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err's chain holds an *Error with code.
func IsCode(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

func IsNotFound(err error) bool { return IsCode(err, CodeNotFound) }

func IsConflict(err error) bool { return IsCode(err, CodeConflict) }

// Package apperr defines the error taxonomy shared by services and handlers.
// Every failure the core can produce maps to exactly one code, and every code
// maps to one HTTP status, so callers can tell "try again later" from "your
// credential is wrong" from "you sent bad input".
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation   Code = "validation_error"
	CodeMissingAuth  Code = "missing_auth"
	CodeInvalidToken Code = "invalid_token"
	CodeUnauthorized Code = "unauthorized"
	CodeNotFound     Code = "not_found"
	CodeRateLimited  Code = "rate_limited"
)

// Error is a discriminated application error.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"error"`

	// RetryAfterSeconds is set only for rate-limited failures.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Status returns the HTTP status for the error code.
func (e *Error) Status() int {
	switch e.Code {
	case CodeValidation, CodeInvalidToken:
		return http.StatusBadRequest
	case CodeMissingAuth, CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func MissingAuth(msg string) *Error {
	return &Error{Code: CodeMissingAuth, Message: msg}
}

func InvalidToken(msg string) *Error {
	return &Error{Code: CodeInvalidToken, Message: msg}
}

func Unauthorized(msg string) *Error {
	return &Error{Code: CodeUnauthorized, Message: msg}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func RateLimited(msg string, retryAfterSeconds int) *Error {
	return &Error{Code: CodeRateLimited, Message: msg, RetryAfterSeconds: retryAfterSeconds}
}

// As unwraps err into an *Error if possible.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCode reports whether err is an application error with the given code.
func IsCode(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

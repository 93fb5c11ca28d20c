package edge

import (
	"errors"
	"fmt"
)

// Code identifies a failure class raised while processing a protected route.
type Code string

const (
	CodeMissingCookieHeader Code = "MissingCookieHeader"
	CodeMissingAuthCookie   Code = "MissingAuthCookie"
	CodeInvalidToken        Code = "InvalidToken"
	CodeTruncatedBody       Code = "TruncatedBodyError"
	CodeSigning             Code = "SigningError"
	CodeUnexpected          Code = "UnexpectedError"
)

// Sentinels for errors.Is. Only the Code is compared.
var (
	ErrMissingCookieHeader = &Error{Code: CodeMissingCookieHeader}
	ErrMissingAuthCookie   = &Error{Code: CodeMissingAuthCookie}
	ErrInvalidToken        = &Error{Code: CodeInvalidToken}
	ErrTruncatedBody       = &Error{Code: CodeTruncatedBody}
	ErrSigning             = &Error{Code: CodeSigning}
	ErrUnexpected          = &Error{Code: CodeUnexpected}
)

// Error is the error type returned by every stage of the protected-route path.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// NewError returns an *Error with the given code and message.
func NewError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError returns an *Error with the given code wrapping cause.
func WrapError(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error carrying the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// CodeOf returns the Code of err. Errors that did not originate from this
// package are classified as CodeUnexpected; a nil error has no code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnexpected
}

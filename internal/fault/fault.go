// Package fault defines the error taxonomy shared by the execution and
// collaboration subsystems. Every error that crosses a component boundary
// carries a Code so transports can map it without string matching.
package fault

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers.
type Code string

const (
	CodeValidation  Code = "VALIDATION_ERROR"
	CodeRateLimited Code = "RATE_LIMITED"
	CodeToolchain   Code = "TOOLCHAIN_UNAVAILABLE"
	CodeForbidden   Code = "FORBIDDEN"
	CodeTimeout     Code = "TIMEOUT"
	CodeCancelled   Code = "CANCELLED"
	CodeInternal    Code = "INTERNAL"
)

// Error is a coded error.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// CodeOf extracts the Code from err, or CodeInternal if err carries none.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

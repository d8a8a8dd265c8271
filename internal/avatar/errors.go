package avatar

import (
	"errors"
	"fmt"
)

// Code identifies a class of rejected precondition.
type Code string

const (
	CodeInputNull  Code = "E_INPUT_NULL"
	CodeInputRange Code = "E_INPUT_RANGE"
	CodeConsent    Code = "E_CONSENT"
	CodeProcessing Code = "E_PROCESSING"
	CodeNotOwner   Code = "E_NOT_OWNER"
	CodeNotFound   Code = "E_NOT_FOUND"
	CodeConflict   Code = "E_CONFLICT"
)

// Error is a coded error surfaced at a boundary.
type Error struct {
	Code    Code
	Context string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Context != "" {
		msg += ": " + e.Context
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so the sentinels below work
// with errors.Is regardless of context and details.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrInputNull  = &Error{Code: CodeInputNull}
	ErrInputRange = &Error{Code: CodeInputRange}
	ErrConsent    = &Error{Code: CodeConsent}
	ErrProcessing = &Error{Code: CodeProcessing}
	ErrNotOwner   = &Error{Code: CodeNotOwner}
	ErrNotFound   = &Error{Code: CodeNotFound}
	ErrConflict   = &Error{Code: CodeConflict}
)

// Errorf builds a coded error with a formatted context string.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Context: fmt.Sprintf(format, args...)}
}

// WithDetail returns e with key set in its details.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Wrap attaches a coded context to an underlying error.
func Wrap(code Code, err error, context string) *Error {
	return &Error{Code: code, Context: context, Err: err}
}

// CodeOf extracts the code from err, or "" when err is not coded.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

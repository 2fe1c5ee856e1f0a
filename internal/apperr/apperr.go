// Package apperr defines the service's stable error codes and their HTTP
// statuses. Codes are part of the wire contract; messages are informational
// and may change freely.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a coded failure. Status is the HTTP status the web layer writes;
// Err optionally carries the underlying cause for logs (never for clients).
type Error struct {
	Code    string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an Error for a known code. The HTTP status is derived from the
// code so it cannot drift between call sites.
func E(code, message string) *Error {
	return &Error{Code: code, Status: statusOf(code), Message: message}
}

// Ef is E with a format string.
func Ef(code, format string, args ...any) *Error {
	return E(code, fmt.Sprintf(format, args...))
}

// Wrap attaches an underlying cause to a coded error. The cause is kept for
// logging and errors.Is/As; clients only ever see code and message.
func Wrap(code, message string, err error) *Error {
	e := E(code, message)
	e.Err = err
	return e
}

// From normalises any error into a coded one. Already-coded errors pass
// through; everything else becomes INTERNAL_ERROR per the propagation policy.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(CodeInternal, "internal error", err)
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

func statusOf(code string) int {
	if s, ok := statuses[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Package errclass defines the stable, machine-readable error kinds returned
// by the store, proposal and audit layers.
package errclass

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a coded error. Two errors are equal under errors.Is when their
// codes match, so callers compare against the exported sentinels.
type Error struct {
	Code    string
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

func (e *Error) Unwrap() error {
	return e.cause
}

// WithMessage returns a new Error with the same Code but a specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg}
}

// WithMessagef returns a new Error with a formatted message.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return &Error{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails returns a copy of e carrying the given details.
func (e *Error) WithDetails(details map[string]any) *Error {
	return &Error{Code: e.Code, Message: e.Message, Details: details, cause: e.cause}
}

// Wrap returns a copy of e whose cause is err.
func (e *Error) Wrap(err error) *Error {
	msg := e.Message
	if msg == "" && err != nil {
		msg = err.Error()
	} else if err != nil {
		msg = msg + ": " + err.Error()
	}
	return &Error{Code: e.Code, Message: msg, Details: e.Details, cause: err}
}

var (
	ErrNotFound     = &Error{Code: "E_NOT_FOUND"}
	ErrInvalidState = &Error{Code: "E_INVALID_STATE"}
	ErrConflict     = &Error{Code: "E_CONFLICT"}
	ErrIO           = &Error{Code: "E_IO"}
	ErrPathEscape   = &Error{Code: "E_PATH_ESCAPE"}
	ErrInvalidInput = &Error{Code: "E_INVALID_INPUT"}
)

// IO wraps err as an io-failure with a short operation label.
func IO(op string, err error) error {
	if err == nil {
		return nil
	}
	var coded *Error
	if errors.As(err, &coded) {
		return err
	}
	return ErrIO.WithMessage(op).Wrap(err)
}

// Code returns the code of the first coded error in err's chain, or "".
func Code(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// DetailsOf returns the details attached to the first coded error in err's chain.
func DetailsOf(err error) map[string]any {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Details
	}
	return nil
}

// HTTPStatus maps an error kind to the status code the HTTP layer should use.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrInvalidInput), errors.Is(err, ErrPathEscape):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may retry after refreshing its view.
// Only conflicts qualify; not-found and invalid-state need caller correction.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/blecx/AI-Agent-Framework-sub000/internal/errclass"
)

// DomainError is the transport-facing shape of a service failure.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// MapError converts err into a DomainError. Coded errors keep their code,
// message and details; anything else becomes an opaque server error.
func MapError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	var coded *errclass.Error
	if errors.As(err, &coded) {
		message := coded.Message
		if message == "" {
			message = coded.Code
		}
		var details any
		if len(coded.Details) > 0 {
			details = coded.Details
		}
		return domainError(errclass.HTTPStatus(err), coded.Code, message, details)
	}
	return domainError(http.StatusInternalServerError, "E_INTERNAL", "internal error", nil)
}

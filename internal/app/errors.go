package app

import (
	"errors"
	"fmt"
	"net/http"

	"teamcanvas/api/internal/auth"
	"teamcanvas/api/internal/store"
)

// Error codes carried in the "code" field of every error response.
const (
	codeNotFound           = "NOT_FOUND"
	codeValidation         = "VALIDATION_ERROR"
	codeUnauthorized       = "UNAUTHORIZED"
	codeForbidden          = "FORBIDDEN"
	codeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	codeEditLocked         = "EDIT_LOCKED"
	codeEditSessionExpired = "EDIT_SESSION_EXPIRED"
	codeServer             = "SERVER_ERROR"
)

// DomainError is an error with a fixed HTTP status and response code.
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

func notFound(message string) *DomainError {
	return &DomainError{Status: http.StatusNotFound, Code: codeNotFound, Message: message}
}

func invalid(message string, details map[string]any) *DomainError {
	e := &DomainError{Status: http.StatusUnprocessableEntity, Code: codeValidation, Message: message}
	if details != nil {
		e.Details = details
	}
	return e
}

// editLocked reports a write attempted while another holder owns the lease.
func editLocked(holderName string) *DomainError {
	return &DomainError{
		Status:  http.StatusConflict,
		Code:    codeEditLocked,
		Message: "Canvas is being edited by someone else",
		Details: map[string]any{"holderName": holderName},
	}
}

func sessionExpired() *DomainError {
	return &DomainError{Status: http.StatusGone, Code: codeEditSessionExpired, Message: "Edit session expired"}
}

// mapError turns any service error into the response envelope fields.
// Errors that are not recognised become an opaque 500.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	switch {
	case errors.As(err, &domainErr):
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, codeNotFound, "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, codeUnauthorized, "Unauthorized", nil
	default:
		return http.StatusInternalServerError, codeServer, "Server error", nil
	}
}

// Package domainerr defines the typed error shape shared by every engine in
// the settlement core. Engines never panic or return bare errors for
// domain-level failures; they return *Error so the HTTP dispatcher can do a
// single mapping to status code + body at the boundary (spec.md §7, §9).
package domainerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is the typed error every engine raises for domain-level failures.
type Error struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is compares by Code so a copy produced by WithDetails or Wrap still
// matches errors.Is(err, domainerr.ErrSomething) against the original.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == other.Code
}

// WithDetails returns a copy of e with Details merged in.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	cp.Details = merged
	return &cp
}

// Wrap attaches a lower-level cause to a copy of e.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

// New builds an *Error with the given code, HTTP status and message.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: status}
}

// As is a thin helper over errors.As for pulling a *Error out of a wrapped chain.
func As(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// Well-known errors referenced directly by multiple engines (spec.md §7).
var (
	ErrValidation = New("VALIDATION_FAILED", http.StatusBadRequest, "request failed validation")
	ErrNotFound   = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrConflict   = New("CONFLICT", http.StatusConflict, "conflicting state")
	ErrForbidden  = New("AUTH_SCOPE_FORBIDDEN", http.StatusForbidden, "scope forbidden")
	ErrUnauth     = New("AUTH_UNAUTHENTICATED", http.StatusUnauthorized, "unauthenticated")
	ErrInternal   = New("INTERNAL", http.StatusInternalServerError, "internal error")
)

// Package capability defines the typed interfaces to external systems —
// Sprites, GitHub, Fly, and the secret store — plus the registry that
// selects an implementation per capability and the dispatcher that routes
// every call through the safety pipeline.
package capability

import (
	"errors"
	"fmt"
)

// Code is the normalized error taxonomy every capability implementation
// returns. Upstream failures are mapped into one of these before they
// cross the package boundary.
type Code string

const (
	CodeNotFound        Code = "not_found"
	CodeUnauthorized    Code = "unauthorized"
	CodeRateLimited     Code = "rate_limited"
	CodeTimeout         Code = "timeout"
	CodeClientError     Code = "client_error"
	CodeServerError     Code = "server_error"
	CodeConnectionError Code = "connection_error"
	CodeInvalidResponse Code = "invalid_response"
	CodeNotImplemented  Code = "not_implemented"

	// Dispatch outcomes: the call never reached the implementation.
	CodeDenied          Code = "denied"
	CodePendingApproval Code = "pending_approval"
)

// Error is a normalized capability error.
type Error struct {
	Code    Code   `json:"code"`
	Status  int    `json:"status,omitempty"` // upstream HTTP status, when known
	Message string `json:"message,omitempty"`
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

// Errf builds a coded error with a formatted message.
func Errf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsCode reports whether err carries the given capability error code.
func IsCode(err error, code Code) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Code == code
}

// CodeOf extracts the error code, or empty if err is not a capability error.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// FromHTTPStatus maps an upstream HTTP status to the taxonomy.
func FromHTTPStatus(status int, message string) *Error {
	switch {
	case status == 404:
		return &Error{Code: CodeNotFound, Status: status, Message: message}
	case status == 401 || status == 403:
		return &Error{Code: CodeUnauthorized, Status: status, Message: message}
	case status == 429:
		return &Error{Code: CodeRateLimited, Status: status, Message: message}
	case status >= 500:
		return &Error{Code: CodeServerError, Status: status, Message: message}
	case status >= 400:
		return &Error{Code: CodeClientError, Status: status, Message: message}
	default:
		return &Error{Code: CodeInvalidResponse, Status: status, Message: message}
	}
}

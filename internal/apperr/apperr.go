// Package apperr is the failure taxonomy shared by the sync core. Every error
// that leaves an action is normalized into an *Error.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes surfaced to clients.
const (
	CodeTaskNotFound          = "task_not_found"
	CodeTaskCompleted         = "task_completed"
	CodeTaskNotStarted        = "task_not_started"
	CodeGeofenceBlocked       = "geofence_blocked"
	CodeOperationIDConflict   = "operation_id_conflict"
	CodeOperationTaskConflict = "operation_task_conflict"
	CodeUnsupportedOperation  = "unsupported_operation"
	CodeInvalidOperation      = "invalid_operation"
	CodeInvalidPayload        = "invalid_payload"
	CodeSiteNotFound          = "site_not_found"
	CodeSessionNotFound       = "session_not_found"
	CodeActiveSessionConflict = "active_session_conflict"
	CodeInternal              = "internal_error"
)

// Error is a normalized action failure.
type Error struct {
	Status    int    `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause of internal errors.
func (e *Error) Unwrap() error {
	return e.cause
}

// New builds a non-retryable business failure.
func New(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// NotFound is a 404-class failure.
func NotFound(code, message string) *Error {
	return New(http.StatusNotFound, code, message)
}

// Precondition is a 409-class failure for a transition the current state forbids.
func Precondition(code, message string) *Error {
	return New(http.StatusConflict, code, message)
}

// Conflict is a 409-class failure for inconsistent identities or duplicate sessions.
func Conflict(code, message string) *Error {
	return New(http.StatusConflict, code, message)
}

// GeofenceBlocked is the 403-class failure for a denied geofence check.
func GeofenceBlocked(message string) *Error {
	return New(http.StatusForbidden, CodeGeofenceBlocked, message)
}

// Invalid is a 400-class failure for malformed requests.
func Invalid(code, message string) *Error {
	return New(http.StatusBadRequest, code, message)
}

// Internal wraps an unexpected failure as a retryable 500.
func Internal(err error) *Error {
	return &Error{
		Status:    http.StatusInternalServerError,
		Code:      CodeInternal,
		Message:   "internal error",
		Retryable: true,
		cause:     err,
	}
}

// Normalize maps any error to an *Error. Unknown errors become internal_error.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}

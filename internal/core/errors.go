package core

import (
	"errors"
	"fmt"
)

// Standard error codes used in API error responses.
const (
	ErrCodeInvalidRequest  = "invalid_request"
	ErrCodeNotFound        = "not_found"
	ErrCodeConflict        = "conflict"
	ErrCodeInternalError   = "internal_error"
	ErrCodeGateClosed      = "gate_closed"
	ErrCodeAttemptTimeout  = "attempt_timeout"
	ErrCodeTerminalFailure = "terminal_failure"
	ErrCodeUnavailable     = "unavailable"
	ErrCodeAlreadyRunning  = "already_running"
)

// Attempt-level and campaign-level failures.
var (
	// ErrGateClosed is returned by every attempt while the effect gate is off.
	ErrGateClosed = &Error{Code: ErrCodeGateClosed, Message: "Delivery is administratively disabled.", Retryable: true}
	// ErrAttemptTimeout is returned when one attempt exceeds its bound.
	ErrAttemptTimeout = &Error{Code: ErrCodeAttemptTimeout, Message: "Delivery attempt timed out.", Retryable: true}
	// ErrTerminalFailure marks a step whose retries are exhausted.
	ErrTerminalFailure = &Error{Code: ErrCodeTerminalFailure, Message: "Step failed terminally.", Retryable: false}
	// ErrNotFound is returned for unknown campaign keys.
	ErrNotFound = &Error{Code: ErrCodeNotFound, Message: "Campaign not found.", Retryable: false}
	// ErrAlreadyRunning reports that a key already has a live run.
	ErrAlreadyRunning = &Error{Code: ErrCodeAlreadyRunning, Message: "Campaign is already running.", Retryable: false}
)

// Error represents a structured error conforming to the API error format.
type Error struct {
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is matches errors by code so sentinel comparisons survive copies.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func NewInvalidRequestError(message string, details map[string]any) *Error {
	return &Error{
		Code:      ErrCodeInvalidRequest,
		Message:   message,
		Retryable: false,
		Details:   details,
	}
}

func NewNotFoundError(resourceType, resourceID string) *Error {
	return &Error{
		Code:      ErrCodeNotFound,
		Message:   fmt.Sprintf("%s '%s' not found.", resourceType, resourceID),
		Retryable: false,
		Details: map[string]any{
			"resource_type": resourceType,
			"resource_id":   resourceID,
		},
	}
}

func NewConflictError(message string, details map[string]any) *Error {
	return &Error{
		Code:      ErrCodeConflict,
		Message:   message,
		Retryable: false,
		Details:   details,
	}
}

func NewInternalError(message string) *Error {
	return &Error{
		Code:      ErrCodeInternalError,
		Message:   message,
		Retryable: true,
	}
}

// NewTerminalFailureError reports the step a campaign failed on. The root
// cause is deliberately absent from the public contract.
func NewTerminalFailureError(step int) *Error {
	return &Error{
		Code:      ErrCodeTerminalFailure,
		Message:   fmt.Sprintf("Terminal failure of step %d.", step),
		Retryable: false,
		Details:   map[string]any{"step": step},
	}
}

// ErrorCode extracts the structured code of err, or "" when err carries none.
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so retry loops stop on it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

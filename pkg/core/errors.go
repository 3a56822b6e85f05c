package core

import (
	"errors"
	"fmt"
)

// Error represents a typed gateway error. Every failure that crosses a
// component boundary is one of these; anything else is an internal fault.
type Error struct {
	Type          ErrorType `json:"type"`
	Message       string    `json:"message"`
	Param         string    `json:"param,omitempty"`
	Code          string    `json:"code,omitempty"`
	Dependency    string    `json:"dependency,omitempty"`
	ProviderError any       `json:"provider_error,omitempty"`
	RetryAfter    *int      `json:"retry_after,omitempty"`

	// Unrecoverable is set by adapters when the dependency's circuit is open
	// after this failure. Session handling uses it to decide on the error state.
	Unrecoverable bool `json:"-"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrTranscription    ErrorType = "transcription_error"
	ErrSynthesis        ErrorType = "synthesis_error"
	ErrTelephony        ErrorType = "telephony_error"
	ErrSessionNotFound  ErrorType = "session_not_found"
	ErrCapacityExceeded ErrorType = "capacity_exceeded"
	ErrRateLimit        ErrorType = "rate_limit_error"
	ErrInvalidRequest   ErrorType = "invalid_request_error"
	ErrAuthentication   ErrorType = "authentication_error"
	ErrNotFound         ErrorType = "not_found_error"
	ErrOverloaded       ErrorType = "overloaded_error"
	ErrAPI              ErrorType = "api_error"
)

// Error codes shared across packages.
const (
	CodeCircuitOpen = "circuit_open"
	CodeTimeout     = "timeout"
	CodeDraining    = "draining"
	CodeNotConfig   = "not_configured"
)

// NewTranscriptionError wraps an ASR provider failure.
func NewTranscriptionError(message string, cause error) *Error {
	return newDependencyError(ErrTranscription, "transcription", message, cause)
}

// NewSynthesisError wraps a TTS provider failure.
func NewSynthesisError(message string, cause error) *Error {
	return newDependencyError(ErrSynthesis, "synthesis", message, cause)
}

// NewTelephonyError wraps a telephony provider failure.
func NewTelephonyError(message string, cause error) *Error {
	return newDependencyError(ErrTelephony, "telephony", message, cause)
}

func newDependencyError(t ErrorType, dependency, message string, cause error) *Error {
	e := &Error{
		Type:       t,
		Message:    message,
		Dependency: dependency,
		cause:      cause,
	}
	if cause != nil {
		e.ProviderError = cause.Error()
	}
	return e
}

// NewSessionNotFoundError reports a session id absent from the live registry.
func NewSessionNotFoundError(sessionID string) *Error {
	return &Error{
		Type:    ErrSessionNotFound,
		Message: fmt.Sprintf("session %q not found", sessionID),
		Param:   "session_id",
	}
}

// NewCapacityExceededError reports that the live registry is at its ceiling.
func NewCapacityExceededError(limit int) *Error {
	return &Error{
		Type:    ErrCapacityExceeded,
		Message: fmt.Sprintf("maximum of %d concurrent sessions reached", limit),
	}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
	}
}

// NewInvalidRequestErrorWithParam creates an invalid request error with a parameter.
func NewInvalidRequestErrorWithParam(message, param string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
		Param:   param,
	}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{
		Type:    ErrAuthentication,
		Message: message,
	}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{
		Type:    ErrNotFound,
		Message: message,
	}
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(message string, retryAfter int) *Error {
	return &Error{
		Type:       ErrRateLimit,
		Message:    message,
		RetryAfter: &retryAfter,
	}
}

// NewAPIError creates a generic internal error.
func NewAPIError(message string) *Error {
	return &Error{
		Type:    ErrAPI,
		Message: message,
	}
}

// NewOverloadedError creates an overloaded error.
func NewOverloadedError(message string) *Error {
	return &Error{
		Type:    ErrOverloaded,
		Message: message,
	}
}

// IsRetryable returns true if the error is retryable.
func (e *Error) IsRetryable() bool {
	if e.Unrecoverable {
		return false
	}
	switch e.Type {
	case ErrRateLimit, ErrOverloaded, ErrTranscription, ErrSynthesis, ErrTelephony:
		return true
	default:
		return false
	}
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.cause
}

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) && ce != nil {
		return ce, true
	}
	return nil, false
}

// IsType reports whether err is a *Error of type t.
func IsType(err error, t ErrorType) bool {
	ce, ok := AsError(err)
	return ok && ce.Type == t
}

// TypeOf returns the error type of err, or ErrAPI for untyped faults.
func TypeOf(err error) ErrorType {
	if ce, ok := AsError(err); ok {
		return ce.Type
	}
	return ErrAPI
}

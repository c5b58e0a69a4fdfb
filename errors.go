package authflow

import (
	"fmt"
	"net/http"
	"time"
)

// Authentication error codes as constants
const (
	ErrorCodeFlowNotFound     = "flow_not_found"
	ErrorCodeFlowExpired      = "flow_expired"
	ErrorCodeFlowConsumed     = "flow_consumed"
	ErrorCodeProviderError    = "provider_error"
	ErrorCodeLoginRequired    = "login_required"
	ErrorCodeAccountSelection = "account_selection_required"
	ErrorCodeTransportAborted = "transport_aborted"
	ErrorCodeExchangeFailed   = "exchange_failed"
	ErrorCodeCircuitOpen      = "circuit_open"
	ErrorCodeInvalidRequest   = "invalid_request"
)

// AuthError is a classified authentication failure
type AuthError struct {
	Code        string        // stable error code (e.g. "flow_expired", "circuit_open")
	Description string        // human-readable error description
	Status      int           // HTTP status code
	RetryAfter  time.Duration // how long to hold off, set for circuit_open
}

// Error implements the error interface
func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Recoverable reports whether the user can recover by simply restarting the
// flow manually or waiting out the cooldown.
func (e *AuthError) Recoverable() bool {
	switch e.Code {
	case ErrorCodeFlowNotFound, ErrorCodeFlowExpired, ErrorCodeFlowConsumed, ErrorCodeCircuitOpen:
		return true
	}
	return false
}

// NewAuthError creates a new classified authentication error
func NewAuthError(code, description string, status int) *AuthError {
	return &AuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common authentication errors as reusable constructors
var (
	// ErrFlowNotFound indicates the callback state matches no stored flow
	ErrFlowNotFound = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeFlowNotFound, desc, http.StatusBadRequest)
	}

	// ErrFlowExpired indicates the flow record is past its expiry window
	ErrFlowExpired = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeFlowExpired, desc, http.StatusBadRequest)
	}

	// ErrFlowConsumed indicates the flow already reached a terminal status
	ErrFlowConsumed = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeFlowConsumed, desc, http.StatusBadRequest)
	}

	// ErrProviderError indicates the identity provider returned error=...
	ErrProviderError = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeProviderError, desc, http.StatusBadGateway)
	}

	// ErrTransportAborted indicates the network request was cancelled mid-flight
	ErrTransportAborted = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeTransportAborted, desc, http.StatusBadGateway)
	}

	// ErrExchangeFailed indicates the code exchange was rejected
	ErrExchangeFailed = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeExchangeFailed, desc, http.StatusBadGateway)
	}

	// ErrInvalidRequest indicates the callback is missing required parameters
	ErrInvalidRequest = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}
)

// ErrCircuitOpen indicates a client-side self-imposed block, not a server
// error. RetryAfter carries the remaining cooldown.
func ErrCircuitOpen(desc string, wait time.Duration) *AuthError {
	e := NewAuthError(ErrorCodeCircuitOpen, desc, http.StatusTooManyRequests)
	e.RetryAfter = wait
	return e
}

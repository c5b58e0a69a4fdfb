package authflow

import (
	"net/http"
	"testing"
	"time"
)

func TestAuthError_Error(t *testing.T) {
	tests := []struct {
		name        string
		code        string
		description string
		want        string
	}{
		{
			name:        "simple error",
			code:        "flow_expired",
			description: "login attempt expired, start again",
			want:        "flow_expired: login attempt expired, start again",
		},
		{
			name:        "error with empty description",
			code:        "provider_error",
			description: "",
			want:        "provider_error: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &AuthError{
				Code:        tt.code,
				Description: tt.description,
			}
			if got := e.Error(); got != tt.want {
				t.Errorf("AuthError.Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAuthError_Recoverable(t *testing.T) {
	tests := []struct {
		name string
		err  *AuthError
		want bool
	}{
		{"flow not found", ErrFlowNotFound("no match"), true},
		{"flow expired", ErrFlowExpired("too old"), true},
		{"flow consumed", ErrFlowConsumed("already done"), true},
		{"circuit open", ErrCircuitOpen("cooling down", time.Second), true},
		{"provider error", ErrProviderError("upstream rejected"), false},
		{"transport aborted", ErrTransportAborted("connection reset"), false},
		{"exchange failed", ErrExchangeFailed("code rejected"), false},
		{"invalid request", ErrInvalidRequest("missing state"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Recoverable(); got != tt.want {
				t.Errorf("Recoverable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorConstructorStatuses(t *testing.T) {
	tests := []struct {
		name   string
		err    *AuthError
		code   string
		status int
	}{
		{"flow not found", ErrFlowNotFound("x"), ErrorCodeFlowNotFound, http.StatusBadRequest},
		{"flow expired", ErrFlowExpired("x"), ErrorCodeFlowExpired, http.StatusBadRequest},
		{"flow consumed", ErrFlowConsumed("x"), ErrorCodeFlowConsumed, http.StatusBadRequest},
		{"provider error", ErrProviderError("x"), ErrorCodeProviderError, http.StatusBadGateway},
		{"transport aborted", ErrTransportAborted("x"), ErrorCodeTransportAborted, http.StatusBadGateway},
		{"exchange failed", ErrExchangeFailed("x"), ErrorCodeExchangeFailed, http.StatusBadGateway},
		{"invalid request", ErrInvalidRequest("x"), ErrorCodeInvalidRequest, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
			if tt.err.Status != tt.status {
				t.Errorf("Status = %d, want %d", tt.err.Status, tt.status)
			}
		})
	}
}

func TestErrCircuitOpenCarriesWait(t *testing.T) {
	err := ErrCircuitOpen("too many attempts", 30*time.Second)

	if err.Code != ErrorCodeCircuitOpen {
		t.Errorf("Code = %q, want %q", err.Code, ErrorCodeCircuitOpen)
	}
	if err.Status != http.StatusTooManyRequests {
		t.Errorf("Status = %d, want %d", err.Status, http.StatusTooManyRequests)
	}
	if err.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", err.RetryAfter)
	}
}

package session

import (
	"errors"
	"time"
)

// LogoutChannel is the bus channel carrying logout events between contexts.
const LogoutChannel = "authflow.session"

const (
	// maxLogoutsPerWindow rate-limits logout handling so a cross-context
	// feedback loop of logout broadcasts cannot retrigger itself forever.
	maxLogoutsPerWindow = 3
	logoutWindow        = time.Minute

	// logoutDeferTimeout bounds how long an incoming logout waits behind an
	// in-flight auth operation before being re-evaluated.
	logoutDeferTimeout = 5 * time.Second

	// revokeRetryDelay spaces the single retry of a failed revocation call.
	revokeRetryDelay = 500 * time.Millisecond

	// DefaultRefreshThreshold triggers a proactive refresh when the access
	// token expires within it.
	DefaultRefreshThreshold = 2 * time.Minute
)

// ErrNotAuthenticated is returned when an operation needs stored tokens and
// none exist.
var ErrNotAuthenticated = errors.New("session: not authenticated")

// ErrLogoutRateLimited is returned when the logout storm breaker dropped a
// logout execution.
var ErrLogoutRateLimited = errors.New("session: logout rate limited")

// Identity is the derived projection of the current session. It is never
// persisted on its own; it always re-derives from the token record plus the
// provider's identity endpoint.
type Identity struct {
	Authenticated bool   `json:"authenticated"`
	Subject       string `json:"subject,omitempty"`
	Email         string `json:"email,omitempty"`
	Name          string `json:"name,omitempty"`
}

// tokenMeta is the persisted metadata next to the token pair.
type tokenMeta struct {
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
	StoredAt  time.Time `json:"stored_at"`
}

// logoutEvent is the payload broadcast on LogoutChannel.
type logoutEvent struct {
	At        time.Time `json:"at"`
	ContextID string    `json:"context_id"`
	Reason    string    `json:"reason,omitempty"`
}

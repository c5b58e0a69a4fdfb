package flow

import (
	"strings"
	"time"
)

// TTL is how long a flow record stays valid after creation.
const TTL = 15 * time.Minute

// ForcedReauthMarker is appended to a state token (followed by a random
// disambiguator) when a login must force account re-selection at the
// provider. Some providers echo the suffixed token back on the callback, so
// validation strips anything from the marker onward before giving up.
const ForcedReauthMarker = "_force_"

// Type classifies how a flow was initiated.
type Type string

const (
	// TypeInteractive is a user-initiated login, usually in a child context.
	TypeInteractive Type = "interactive"

	// TypeSilent is a background re-authentication without user interaction.
	TypeSilent Type = "silent"

	// TypeRetry is an automated retry issued by a recovery action.
	TypeRetry Type = "retry"
)

// Status is the lifecycle position of a flow. Transitions are strictly
// forward: initiated, redirected, token_exchange, then completed or failed.
type Status string

const (
	StatusInitiated     Status = "initiated"
	StatusRedirected    Status = "redirected"
	StatusTokenExchange Status = "token_exchange"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
)

// statusRank orders statuses for the monotonic-transition check.
var statusRank = map[Status]int{
	StatusInitiated:     0,
	StatusRedirected:    1,
	StatusTokenExchange: 2,
	StatusCompleted:     3,
	StatusFailed:        3,
}

// Terminal reports whether s ends a flow.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// valid reports whether s is a known status.
func (s Status) valid() bool {
	_, ok := statusRank[s]
	return ok
}

// FlowState is one in-flight OAuth attempt, keyed by its state token.
type FlowState struct {
	ID            string    `json:"flow_id"`
	State         string    `json:"state"`
	Type          Type      `json:"flow_type"`
	Status        Status    `json:"status"`
	CodeVerifier  string    `json:"code_verifier"`
	CodeChallenge string    `json:"code_challenge"`
	Nonce         string    `json:"nonce"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// StripForcedMarker removes the forced-reauth suffix from a state token
// echoed by the provider. Returns the token unchanged when no marker is
// present.
func StripForcedMarker(state string) (string, bool) {
	base, _, found := strings.Cut(state, ForcedReauthMarker)
	return base, found
}

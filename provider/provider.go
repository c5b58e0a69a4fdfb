// Package provider is the client for the backend proxy that terminates the
// OAuth redirect protocol: authorization URL construction, authorization-code
// exchange with PKCE, refresh-token rotation, token revocation, and the
// identity lookup. The rest of the module talks to the provider only through
// the Provider interface.
package provider

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
)

// ErrRefreshRejected is returned when the provider rejects a refresh token,
// most commonly because it was already rotated by another context. The caller
// must not retry with the same token.
var ErrRefreshRejected = errors.New("refresh token rejected by provider")

// Callback error codes returned by the provider in the error query parameter.
const (
	// ErrorCodeLoginRequired means the provider needs user interaction and a
	// silent flow cannot proceed.
	ErrorCodeLoginRequired = "login_required"

	// ErrorCodeInteractionRequired is the OIDC umbrella code for the same
	// condition.
	ErrorCodeInteractionRequired = "interaction_required"

	// ErrorCodeAccountSelection means the user must pick an account; the next
	// attempt should force account re-selection.
	ErrorCodeAccountSelection = "account_selection_required"
)

// Identity is the user projection returned by the provider's identity
// endpoint.
type Identity struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture,omitempty"`
}

// AuthOptions carries the optional parts of an authorization URL.
type AuthOptions struct {
	// CodeChallenge is the PKCE S256 challenge. Required for this module's
	// flows; the method is always S256.
	CodeChallenge string

	// Nonce is the OIDC nonce bound to the flow.
	Nonce string

	// Prompt is passed through as the prompt parameter, for example
	// "select_account" when forcing account re-selection.
	Prompt string
}

// Provider is the surface this module needs from the identity provider.
type Provider interface {
	// Name identifies the provider in logs.
	Name() string

	// AuthorizationURL builds the redirect target for a flow.
	AuthorizationURL(state string, opts *AuthOptions) string

	// ExchangeCode redeems an authorization code, presenting the PKCE
	// verifier minted at flow creation.
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)

	// Refresh exchanges a refresh token for a new token pair. The old
	// refresh token is invalid the instant this succeeds. A stale token is
	// reported as ErrRefreshRejected.
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// Revoke invalidates a token at the provider. A provider answering 404
	// does not implement revocation; that counts as a successful no-op.
	Revoke(ctx context.Context, token, tokenTypeHint string) error

	// FetchIdentity resolves the identity behind an access token.
	FetchIdentity(ctx context.Context, accessToken string) (*Identity, error)
}

// RequiresInteraction reports whether a callback error code means the flow
// needs user interaction rather than having genuinely failed.
func RequiresInteraction(code string) bool {
	switch code {
	case ErrorCodeLoginRequired, ErrorCodeInteractionRequired, ErrorCodeAccountSelection:
		return true
	}
	return false
}

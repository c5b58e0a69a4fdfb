package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Config holds the endpoints and client settings for an HTTP provider.
type Config struct {
	// ClientID identifies this public client. No client secret: the flows
	// here are PKCE-protected public-client flows.
	ClientID string

	// AuthURL and TokenURL are the provider's authorization and token
	// endpoints.
	AuthURL  string
	TokenURL string

	// RevokeURL is the token revocation endpoint. Optional; Revoke fails
	// when unset.
	RevokeURL string

	// IdentityURL is the endpoint resolving an access token to an Identity,
	// typically the backend's /me.
	IdentityURL string

	// RedirectURL is this application's callback.
	RedirectURL string

	// Scopes defaults to openid, email, profile.
	Scopes []string

	// HTTPClient is optional; the default has a 30 second timeout.
	HTTPClient *http.Client

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// HTTPProvider implements Provider over the wire.
type HTTPProvider struct {
	name       string
	config     *oauth2.Config
	revokeURL  string
	identity   string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider creates a provider client from cfg.
func NewHTTPProvider(name string, cfg *Config) (*HTTPProvider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.AuthURL == "" || cfg.TokenURL == "" {
		return nil, fmt.Errorf("authorization and token endpoints are required")
	}
	if cfg.RedirectURL == "" {
		return nil, fmt.Errorf("redirect URL is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPProvider{
		name: name,
		config: &oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURL,
			Scopes:      scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		revokeURL:  cfg.RevokeURL,
		identity:   cfg.IdentityURL,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Name implements Provider.
func (p *HTTPProvider) Name() string { return p.name }

// AuthorizationURL implements Provider.
func (p *HTTPProvider) AuthorizationURL(state string, opts *AuthOptions) string {
	if opts == nil {
		opts = &AuthOptions{}
	}

	var oauth2Opts []oauth2.AuthCodeOption
	if opts.CodeChallenge != "" {
		oauth2Opts = append(oauth2Opts,
			oauth2.SetAuthURLParam("code_challenge", opts.CodeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	if opts.Nonce != "" {
		oauth2Opts = append(oauth2Opts, oauth2.SetAuthURLParam("nonce", opts.Nonce))
	}
	if opts.Prompt != "" {
		oauth2Opts = append(oauth2Opts, oauth2.SetAuthURLParam("prompt", opts.Prompt))
	}

	return p.config.AuthCodeURL(state, oauth2Opts...)
}

// ExchangeCode implements Provider.
func (p *HTTPProvider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	token, err := p.config.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	return token, nil
}

// Refresh implements Provider. A provider answering invalid_grant means the
// presented refresh token was already rotated or revoked; that surfaces as
// ErrRefreshRejected so the caller knows not to retry.
func (p *HTTPProvider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	source := p.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant" {
			return nil, fmt.Errorf("%w: %s", ErrRefreshRejected, retrieveErr.ErrorDescription)
		}
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	return token, nil
}

// Revoke implements Provider.
func (p *HTTPProvider) Revoke(ctx context.Context, token, tokenTypeHint string) error {
	if p.revokeURL == "" {
		return fmt.Errorf("provider %s has no revocation endpoint configured", p.name)
	}

	form := url.Values{
		"token":     {token},
		"client_id": {p.config.ClientID},
	}
	if tokenTypeHint != "" {
		form.Set("token_type_hint", tokenTypeHint)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revokeURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revocation request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// The provider does not implement revocation. Counted as a
		// successful no-op rather than a failure.
		p.logger.Debug("Provider does not support token revocation",
			"provider", p.name, "status", resp.StatusCode)
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	default:
		return fmt.Errorf("revocation failed with status %d", resp.StatusCode)
	}
}

// FetchIdentity implements Provider.
func (p *HTTPProvider) FetchIdentity(ctx context.Context, accessToken string) (*Identity, error) {
	if p.identity == "" {
		return nil, fmt.Errorf("provider %s has no identity endpoint configured", p.name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.identity, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build identity request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("identity request failed with status %d", resp.StatusCode)
	}

	var identity Identity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return nil, fmt.Errorf("failed to decode identity response: %w", err)
	}
	return &identity, nil
}

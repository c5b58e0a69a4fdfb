// Package mock provides a mock implementation of the Provider interface for
// testing.
package mock

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"

	"github.com/giantswarm/authflow/provider"
)

// MockProvider is a configurable test double for provider.Provider.
type MockProvider struct {
	// NameFunc is called when Name() is invoked
	NameFunc func() string

	// AuthorizationURLFunc is called when AuthorizationURL() is invoked
	AuthorizationURLFunc func(state string, opts *provider.AuthOptions) string

	// ExchangeCodeFunc is called when ExchangeCode() is invoked
	ExchangeCodeFunc func(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)

	// RefreshFunc is called when Refresh() is invoked
	RefreshFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// RevokeFunc is called when Revoke() is invoked
	RevokeFunc func(ctx context.Context, token, tokenTypeHint string) error

	// FetchIdentityFunc is called when FetchIdentity() is invoked
	FetchIdentityFunc func(ctx context.Context, accessToken string) (*provider.Identity, error)

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	// mu protects CallCounts from concurrent access
	mu sync.RWMutex
}

var _ provider.Provider = (*MockProvider)(nil)

// NewMockProvider creates a mock provider with sensible defaults: every
// exchange succeeds and every refresh rotates the pair.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		CallCounts: make(map[string]int),
		NameFunc: func() string {
			return "mock"
		},
		AuthorizationURLFunc: func(state string, opts *provider.AuthOptions) string {
			if opts == nil {
				opts = &provider.AuthOptions{}
			}
			return fmt.Sprintf("https://mock.example.com/authorize?state=%s&code_challenge=%s&code_challenge_method=S256",
				state, opts.CodeChallenge)
		},
		ExchangeCodeFunc: func(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
			return &oauth2.Token{
				AccessToken:  "mock-access-token",
				TokenType:    "Bearer",
				RefreshToken: "mock-refresh-token",
			}, nil
		},
		RefreshFunc: func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
			return &oauth2.Token{
				AccessToken:  "new-mock-access-token",
				TokenType:    "Bearer",
				RefreshToken: "new-mock-refresh-token",
			}, nil
		},
		RevokeFunc: func(ctx context.Context, token, tokenTypeHint string) error {
			return nil
		},
		FetchIdentityFunc: func(ctx context.Context, accessToken string) (*provider.Identity, error) {
			return &provider.Identity{
				Subject:       "mock-user-123",
				Email:         "mock@example.com",
				EmailVerified: true,
				Name:          "Mock User",
			}, nil
		},
	}
}

// Name implements provider.Provider.
func (m *MockProvider) Name() string {
	m.recordCall("Name")
	return m.NameFunc()
}

// AuthorizationURL implements provider.Provider.
func (m *MockProvider) AuthorizationURL(state string, opts *provider.AuthOptions) string {
	m.recordCall("AuthorizationURL")
	return m.AuthorizationURLFunc(state, opts)
}

// ExchangeCode implements provider.Provider.
func (m *MockProvider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	m.recordCall("ExchangeCode")
	return m.ExchangeCodeFunc(ctx, code, codeVerifier)
}

// Refresh implements provider.Provider.
func (m *MockProvider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	m.recordCall("Refresh")
	return m.RefreshFunc(ctx, refreshToken)
}

// Revoke implements provider.Provider.
func (m *MockProvider) Revoke(ctx context.Context, token, tokenTypeHint string) error {
	m.recordCall("Revoke")
	return m.RevokeFunc(ctx, token, tokenTypeHint)
}

// FetchIdentity implements provider.Provider.
func (m *MockProvider) FetchIdentity(ctx context.Context, accessToken string) (*provider.Identity, error) {
	m.recordCall("FetchIdentity")
	return m.FetchIdentityFunc(ctx, accessToken)
}

// CallCount returns how many times the named method was invoked.
func (m *MockProvider) CallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}

func (m *MockProvider) recordCall(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[method]++
}

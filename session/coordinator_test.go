package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/authflow/bridge"
	"github.com/giantswarm/authflow/provider"
	"github.com/giantswarm/authflow/provider/mock"
	"github.com/giantswarm/authflow/security"
	"github.com/giantswarm/authflow/storage"
	"github.com/giantswarm/authflow/storage/memory"
)

type fixture struct {
	coord    *Coordinator
	provider *mock.MockProvider
	durable  *memory.Store
	sessions *memory.Store
	bus      *bridge.MemoryBus
}

func newFixture(t *testing.T, contextID string) *fixture {
	t.Helper()

	f := &fixture{
		provider: mock.NewMockProvider(),
		durable:  memory.New(),
		sessions: memory.New(),
		bus:      bridge.NewMemoryBus(),
	}
	coord, err := NewCoordinator(Config{
		ContextID: contextID,
		Durable:   f.durable,
		Sessions:  f.sessions,
		Provider:  f.provider,
		Bus:       f.bus,
	})
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	t.Cleanup(coord.Close)
	f.coord = coord
	return f
}

func testToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}
}

func TestStoreTokensRoundTrip(t *testing.T) {
	f := newFixture(t, "ctx-a")
	ctx := context.Background()

	if err := f.coord.StoreTokens(ctx, testToken()); err != nil {
		t.Fatalf("StoreTokens() error = %v", err)
	}

	tok, err := f.coord.Tokens(ctx)
	if err != nil {
		t.Fatalf("Tokens() error = %v", err)
	}
	if tok.AccessToken != "access-1" || tok.RefreshToken != "refresh-1" {
		t.Errorf("Tokens() = %q/%q, want access-1/refresh-1", tok.AccessToken, tok.RefreshToken)
	}
	if tok.Expiry.IsZero() {
		t.Error("Tokens() lost the expiry")
	}
}

func TestStoreTokensDuplicateDeliveryIsNoop(t *testing.T) {
	f := newFixture(t, "ctx-a")
	ctx := context.Background()

	if err := f.coord.StoreTokens(ctx, testToken()); err != nil {
		t.Fatalf("StoreTokens() error = %v", err)
	}
	first, err := f.coord.Tokens(ctx)
	if err != nil {
		t.Fatalf("Tokens() error = %v", err)
	}

	// Redundant bridge transports can hand the same result to a consumer
	// more than once.
	if err := f.coord.StoreTokens(ctx, testToken()); err != nil {
		t.Fatalf("StoreTokens() second delivery error = %v", err)
	}
	second, err := f.coord.Tokens(ctx)
	if err != nil {
		t.Fatalf("Tokens() error = %v", err)
	}

	if second.AccessToken != first.AccessToken || second.RefreshToken != first.RefreshToken {
		t.Errorf("duplicate delivery changed tokens: %q/%q, want %q/%q",
			second.AccessToken, second.RefreshToken, first.AccessToken, first.RefreshToken)
	}
}

func TestStoreTokensEmptyRefreshKeepsOld(t *testing.T) {
	f := newFixture(t, "ctx-a")
	ctx := context.Background()

	if err := f.coord.StoreTokens(ctx, testToken()); err != nil {
		t.Fatalf("StoreTokens() error = %v", err)
	}
	if err := f.coord.StoreTokens(ctx, &oauth2.Token{AccessToken: "access-2"}); err != nil {
		t.Fatalf("StoreTokens() error = %v", err)
	}

	tok, err := f.coord.Tokens(ctx)
	if err != nil {
		t.Fatalf("Tokens() error = %v", err)
	}
	if tok.AccessToken != "access-2" {
		t.Errorf("AccessToken = %q, want access-2", tok.AccessToken)
	}
	if tok.RefreshToken != "refresh-1" {
		t.Errorf("RefreshToken = %q, want the previously stored refresh-1", tok.RefreshToken)
	}
}

func TestStoreTokensRejectsEmptyAccess(t *testing.T) {
	f := newFixture(t, "ctx-a")

	if err := f.coord.StoreTokens(context.Background(), &oauth2.Token{}); err == nil {
		t.Fatal("StoreTokens() with no access token should fail")
	}
}

func TestStoreTokensEncryptsAtRest(t *testing.T) {
	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	durable := memory.New()
	coord, err := NewCoordinator(Config{
		ContextID: "ctx-a",
		Durable:   durable,
		Sessions:  memory.New(),
		Provider:  mock.NewMockProvider(),
		Encryptor: enc,
	})
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	defer coord.Close()

	ctx := context.Background()
	if err := coord.StoreTokens(ctx, testToken()); err != nil {
		t.Fatalf("StoreTokens() error = %v", err)
	}

	raw, err := durable.Get(ctx, storage.KeyAccessToken)
	if err != nil {
		t.Fatalf("Get(access) error = %v", err)
	}
	if raw == "access-1" {
		t.Error("access token stored in plaintext despite encryptor")
	}

	tok, err := coord.Tokens(ctx)
	if err != nil {
		t.Fatalf("Tokens() error = %v", err)
	}
	if tok.AccessToken != "access-1" {
		t.Errorf("decrypted AccessToken = %q, want access-1", tok.AccessToken)
	}
}

func TestTokensNotAuthenticated(t *testing.T) {
	f := newFixture(t, "ctx-a")

	if _, err := f.coord.Tokens(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Tokens() error = %v, want ErrNotAuthenticated", err)
	}
}

func TestEstablishSessionDerivesIdentity(t *testing.T) {
	f := newFixture(t, "ctx-a")
	ctx := context.Background()

	ident, err := f.coord.EstablishSession(ctx, testToken())
	if err != nil {
		t.Fatalf("EstablishSession() error = %v", err)
	}
	if !ident.Authenticated || ident.Subject != "mock-user-123" {
		t.Errorf("identity = %+v, want authenticated mock-user-123", ident)
	}
	if got := f.coord.Identity(); got != ident {
		t.Errorf("Identity() = %+v, want %+v", got, ident)
	}
}

func TestEstablishSessionClearsLogoutMarker(t *testing.T) {
	f := newFixture(t, "ctx-a")
	ctx := context.Background()

	if err := f.durable.Set(ctx, storage.KeyLogoutAt, time.Now().Format(time.RFC3339)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coord.EstablishSession(ctx, testToken()); err != nil {
		t.Fatalf("EstablishSession() error = %v", err)
	}

	if _, err := f.durable.Get(ctx, storage.KeyLogoutAt); !errors.Is(err, storage.ErrKeyNotFound) {
		t.Errorf("logout marker still present after login, err = %v", err)
	}
}

func TestEstablishSessionIdentityFailureKeepsTokens(t *testing.T) {
	f := newFixture(t, "ctx-a")
	f.provider.FetchIdentityFunc = func(ctx context.Context, accessToken string) (*provider.Identity, error) {
		return nil, errors.New("identity endpoint down")
	}
	ctx := context.Background()

	ident, err := f.coord.EstablishSession(ctx, testToken())
	if err == nil {
		t.Fatal("EstablishSession() should surface the identity error")
	}
	if !ident.Authenticated {
		t.Error("session should stay authenticated without an identity")
	}

	tok, err := f.coord.Tokens(ctx)
	if err != nil {
		t.Fatalf("tokens should survive the identity failure, err = %v", err)
	}
	if tok.AccessToken != "access-1" {
		t.Errorf("AccessToken = %q, want access-1", tok.AccessToken)
	}
}

func TestRefreshRotatesAndStores(t *testing.T) {
	f := newFixture(t, "ctx-a")
	ctx := context.Background()

	if err := f.coord.StoreTokens(ctx, testToken()); err != nil {
		t.Fatal(err)
	}

	tok, err := f.coord.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if tok.AccessToken != "new-mock-access-token" {
		t.Errorf("AccessToken = %q, want new-mock-access-token", tok.AccessToken)
	}

	stored, err := f.coord.Tokens(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stored.RefreshToken != "new-mock-refresh-token" {
		t.Errorf("stored RefreshToken = %q, want the rotated one", stored.RefreshToken)
	}
}

func TestRefreshWithoutTokens(t *testing.T) {
	f := newFixture(t, "ctx-a")

	if _, err := f.coord.Refresh(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Refresh() error = %v, want ErrNotAuthenticated", err)
	}
}

func TestRefreshCoalescesConcurrentCallers(t *testing.T) {
	f := newFixture(t, "ctx-a")
	ctx := context.Background()

	if err := f.coord.StoreTokens(ctx, testToken()); err != nil {
		t.Fatal(err)
	}

	release := make(chan struct{})
	f.provider.RefreshFunc = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		<-release
		return &oauth2.Token{AccessToken: "coalesced", RefreshToken: "coalesced-refresh"}, nil
	}

	const callers = 5
	results := make(chan string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := f.coord.Refresh(ctx)
			if err != nil {
				t.Errorf("Refresh() error = %v", err)
				results <- ""
				return
			}
			results <- tok.AccessToken
		}()
	}

	// Give every caller time to join the in-flight refresh.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for got := range results {
		if got != "coalesced" {
			t.Errorf("caller got %q, want coalesced", got)
		}
	}
	if n := f.provider.CallCount("Refresh"); n != 1 {
		t.Errorf("provider Refresh called %d times, want 1", n)
	}
}

func TestRefreshRejectedAdoptsConcurrentRotation(t *testing.T) {
	f := newFixture(t, "ctx-a")
	ctx := context.Background()

	if err := f.coord.StoreTokens(ctx, testToken()); err != nil {
		t.Fatal(err)
	}

	// The provider rejects our token because another context already rotated
	// it; that context's pair is in the durable store by the time we look.
	f.provider.RefreshFunc = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		if err := f.durable.SetMulti(ctx, map[string]string{
			storage.KeyAccessToken:  "access-other",
			storage.KeyRefreshToken: "refresh-other",
		}); err != nil {
			return nil, err
		}
		return nil, provider.ErrRefreshRejected
	}

	tok, err := f.coord.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh() error = %v, want adoption of the stored pair", err)
	}
	if tok.AccessToken != "access-other" || tok.RefreshToken != "refresh-other" {
		t.Errorf("adopted %q/%q, want access-other/refresh-other", tok.AccessToken, tok.RefreshToken)
	}
	if n := f.provider.CallCount("Refresh"); n != 1 {
		t.Errorf("rejected refresh token retried, Refresh called %d times", n)
	}
}

func TestRefreshRejectedWithoutRotationFails(t *testing.T) {
	f := newFixture(t, "ctx-a")
	ctx := context.Background()

	if err := f.coord.StoreTokens(ctx, testToken()); err != nil {
		t.Fatal(err)
	}
	f.provider.RefreshFunc = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		return nil, provider.ErrRefreshRejected
	}

	if _, err := f.coord.Refresh(ctx); !errors.Is(err, provider.ErrRefreshRejected) {
		t.Errorf("Refresh() error = %v, want ErrRefreshRejected", err)
	}
	if n := f.provider.CallCount("Refresh"); n != 1 {
		t.Errorf("rejected refresh token retried, Refresh called %d times", n)
	}
}

func TestRefreshIfNeeded(t *testing.T) {
	f := newFixture(t, "ctx-a")
	ctx := context.Background()

	fresh := testToken()
	fresh.Expiry = time.Now().Add(time.Hour)
	if err := f.coord.StoreTokens(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	tok, err := f.coord.RefreshIfNeeded(ctx)
	if err != nil {
		t.Fatalf("RefreshIfNeeded() error = %v", err)
	}
	if tok.AccessToken != "access-1" {
		t.Errorf("fresh token should not refresh, got %q", tok.AccessToken)
	}
	if n := f.provider.CallCount("Refresh"); n != 0 {
		t.Errorf("Refresh called %d times for a fresh token", n)
	}

	expiring := testToken()
	expiring.Expiry = time.Now().Add(30 * time.Second)
	if err := f.coord.StoreTokens(ctx, expiring); err != nil {
		t.Fatal(err)
	}

	tok, err = f.coord.RefreshIfNeeded(ctx)
	if err != nil {
		t.Fatalf("RefreshIfNeeded() error = %v", err)
	}
	if tok.AccessToken != "new-mock-access-token" {
		t.Errorf("expiring token should refresh, got %q", tok.AccessToken)
	}
}

func TestLogoutClearsTokensAndBroadcasts(t *testing.T) {
	f := newFixture(t, "ctx-a")
	ctx := context.Background()

	msgs, cancel, err := f.bus.Subscribe(ctx, LogoutChannel)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if _, err := f.coord.EstablishSession(ctx, testToken()); err != nil {
		t.Fatal(err)
	}
	if err := f.coord.Logout(ctx, "user_requested"); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	for _, key := range []string{storage.KeyAccessToken, storage.KeyRefreshToken, storage.KeyTokenMeta} {
		if _, err := f.durable.Get(ctx, key); !errors.Is(err, storage.ErrKeyNotFound) {
			t.Errorf("%s still present after logout", key)
		}
	}
	if _, err := f.durable.Get(ctx, storage.KeyLogoutAt); err != nil {
		t.Errorf("logout marker missing: %v", err)
	}
	if got := f.coord.Identity(); got.Authenticated {
		t.Error("identity still authenticated after logout")
	}
	if n := f.provider.CallCount("Revoke"); n != 1 {
		t.Errorf("Revoke called %d times, want 1", n)
	}

	select {
	case payload := <-msgs:
		var ev logoutEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			t.Fatalf("undecodable logout event: %v", err)
		}
		if ev.ContextID != "ctx-a" || ev.Reason != "user_requested" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no logout event on the bus")
	}
}

func TestLogoutRetriesFailedRevocationOnce(t *testing.T) {
	f := newFixture(t, "ctx-a")
	ctx := context.Background()

	calls := 0
	f.provider.RevokeFunc = func(ctx context.Context, token, tokenTypeHint string) error {
		calls++
		if calls == 1 {
			return errors.New("transient revocation failure")
		}
		return nil
	}

	if err := f.coord.StoreTokens(ctx, testToken()); err != nil {
		t.Fatal(err)
	}
	if err := f.coord.Logout(ctx, "user_requested"); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if n := f.provider.CallCount("Revoke"); n != 2 {
		t.Errorf("Revoke called %d times, want 2", n)
	}
}

func TestLogoutRateLimited(t *testing.T) {
	f := newFixture(t, "ctx-a")
	ctx := context.Background()

	for i := 0; i < maxLogoutsPerWindow; i++ {
		if err := f.coord.Logout(ctx, "spam"); err != nil {
			t.Fatalf("logout %d: %v", i+1, err)
		}
	}
	if err := f.coord.Logout(ctx, "spam"); !errors.Is(err, ErrLogoutRateLimited) {
		t.Errorf("logout %d error = %v, want ErrLogoutRateLimited", maxLogoutsPerWindow+1, err)
	}
}

func TestHandleRemoteLogoutMirrors(t *testing.T) {
	f := newFixture(t, "ctx-b")
	ctx := context.Background()

	if _, err := f.coord.EstablishSession(ctx, testToken()); err != nil {
		t.Fatal(err)
	}
	if err := f.sessions.Set(ctx, storage.KeyOAuthInProgress, "1"); err != nil {
		t.Fatal(err)
	}

	// Another context already removed the tokens.
	for _, key := range []string{storage.KeyAccessToken, storage.KeyRefreshToken, storage.KeyTokenMeta} {
		if err := f.durable.Delete(ctx, key); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.coord.HandleRemoteLogout(ctx); err != nil {
		t.Fatalf("HandleRemoteLogout() error = %v", err)
	}
	if got := f.coord.Identity(); got.Authenticated {
		t.Error("identity still authenticated after mirrored logout")
	}
	if _, err := f.sessions.Get(ctx, storage.KeyOAuthInProgress); !errors.Is(err, storage.ErrKeyNotFound) {
		t.Error("in-progress marker survived the mirror")
	}
}

func TestHandleRemoteLogoutIgnoredDuringRotation(t *testing.T) {
	f := newFixture(t, "ctx-b")
	ctx := context.Background()

	if _, err := f.coord.EstablishSession(ctx, testToken()); err != nil {
		t.Fatal(err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	f.provider.RefreshFunc = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		close(entered)
		<-release
		return &oauth2.Token{AccessToken: "rotated", RefreshToken: "rotated-refresh"}, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := f.coord.Refresh(ctx); err != nil {
			t.Errorf("Refresh() error = %v", err)
		}
	}()

	<-entered
	if err := f.coord.HandleRemoteLogout(ctx); err != nil {
		t.Fatalf("HandleRemoteLogout() error = %v", err)
	}
	if got := f.coord.Identity(); !got.Authenticated {
		t.Error("logout mirrored during rotation, identity cleared")
	}

	close(release)
	<-done
}

func TestHandleRemoteLogoutDeferredThenDropped(t *testing.T) {
	f := newFixture(t, "ctx-b")
	ctx := context.Background()

	if _, err := f.coord.EstablishSession(ctx, testToken()); err != nil {
		t.Fatal(err)
	}

	end := f.coord.BeginOperation()
	go func() {
		time.Sleep(50 * time.Millisecond)
		end()
	}()

	// Tokens are still present when the deferral ends, so the stale logout
	// must be dropped.
	if err := f.coord.HandleRemoteLogout(ctx); err != nil {
		t.Fatalf("HandleRemoteLogout() error = %v", err)
	}
	if got := f.coord.Identity(); !got.Authenticated {
		t.Error("re-established session was logged out by a stale event")
	}
}

func TestRunMirrorsBusLogout(t *testing.T) {
	durable := memory.New()
	bus := bridge.NewMemoryBus()
	ctx := context.Background()

	newCoord := func(id string) *Coordinator {
		coord, err := NewCoordinator(Config{
			ContextID: id,
			Durable:   durable,
			Sessions:  memory.New(),
			Provider:  mock.NewMockProvider(),
			Bus:       bus,
		})
		if err != nil {
			t.Fatalf("NewCoordinator(%s) error = %v", id, err)
		}
		t.Cleanup(coord.Close)
		return coord
	}
	a := newCoord("ctx-a")
	b := newCoord("ctx-b")

	if _, err := b.EstablishSession(ctx, testToken()); err != nil {
		t.Fatal(err)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = b.Run(runCtx) }()
	time.Sleep(20 * time.Millisecond) // let the subscriptions attach

	if err := a.Logout(ctx, "user_requested"); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for b.Identity().Authenticated {
		select {
		case <-deadline:
			t.Fatal("context b never mirrored the logout")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSubscribeIdentity(t *testing.T) {
	f := newFixture(t, "ctx-a")
	ctx := context.Background()

	updates, cancel := f.coord.SubscribeIdentity()
	defer cancel()

	if _, err := f.coord.EstablishSession(ctx, testToken()); err != nil {
		t.Fatal(err)
	}

	select {
	case ident := <-updates:
		if !ident.Authenticated || ident.Subject != "mock-user-123" {
			t.Errorf("update = %+v", ident)
		}
	case <-time.After(time.Second):
		t.Fatal("no identity update delivered")
	}
}

func TestClearAuthKeys(t *testing.T) {
	f := newFixture(t, "ctx-a")
	ctx := context.Background()

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(f.sessions.Set(ctx, storage.KeyFlowSnapshot, "{}"))
	must(f.sessions.Set(ctx, storage.KeyCircuitState, "{}"))
	must(f.sessions.Set(ctx, "app.theme", "dark"))

	if err := f.coord.ClearAuthKeys(ctx); err != nil {
		t.Fatalf("ClearAuthKeys() error = %v", err)
	}

	keys, err := f.sessions.Keys(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "app.theme" {
		t.Errorf("remaining keys = %v, want only app.theme", keys)
	}
	for _, key := range keys {
		if strings.HasPrefix(key, storage.AuthKeyPrefix) {
			t.Errorf("auth key %s survived", key)
		}
	}
}

func TestClearAll(t *testing.T) {
	f := newFixture(t, "ctx-a")
	ctx := context.Background()

	if err := f.sessions.Set(ctx, storage.KeyFlowSnapshot, "{}"); err != nil {
		t.Fatal(err)
	}
	if err := f.sessions.Set(ctx, "app.theme", "dark"); err != nil {
		t.Fatal(err)
	}

	if err := f.coord.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}
	keys, err := f.sessions.Keys(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Errorf("remaining keys = %v, want none", keys)
	}
}

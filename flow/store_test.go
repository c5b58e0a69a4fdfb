package flow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/giantswarm/authflow/storage"
	"github.com/giantswarm/authflow/storage/memory"
)

// wrappedMissStore reports missing keys the way the redis-backed store does:
// the not-found sentinel arrives wrapped with the key, not bare.
type wrappedMissStore struct {
	storage.SessionStore
}

func (s wrappedMissStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.SessionStore.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, key)
	}
	return v, nil
}

func testStore() *Store {
	return NewStore(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCreate(t *testing.T) {
	s := testStore()

	f, err := s.Create(TypeInteractive)
	if err != nil {
		t.Fatalf("failed to create flow: %v", err)
	}

	if f.ID == "" {
		t.Error("flow ID should not be empty")
	}
	if f.State == "" {
		t.Error("state token should not be empty")
	}
	if f.CodeVerifier == "" || f.CodeChallenge == "" {
		t.Error("PKCE material should be populated")
	}
	if f.CodeChallenge == f.CodeVerifier {
		t.Error("challenge should be derived, not the raw verifier")
	}
	if f.Nonce == "" {
		t.Error("nonce should not be empty")
	}
	if f.Status != StatusInitiated {
		t.Errorf("expected status %q, got %q", StatusInitiated, f.Status)
	}

	wantExpiry := f.CreatedAt.Add(TTL)
	if !f.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expected expiry %v, got %v", wantExpiry, f.ExpiresAt)
	}
}

func TestCreateUniqueStates(t *testing.T) {
	s := testStore()
	seen := make(map[string]bool)

	for i := 0; i < 50; i++ {
		f, err := s.Create(TypeSilent)
		if err != nil {
			t.Fatalf("failed to create flow %d: %v", i, err)
		}
		if seen[f.State] {
			t.Fatalf("duplicate state token %q", f.State)
		}
		seen[f.State] = true
	}
}

func TestValidate(t *testing.T) {
	s := testStore()
	f, err := s.Create(TypeInteractive)
	if err != nil {
		t.Fatalf("failed to create flow: %v", err)
	}

	v := s.Validate(f.State)
	if !v.OK {
		t.Fatalf("expected valid, got reason %q", v.Reason)
	}
	if v.Flow == nil || v.Flow.ID != f.ID {
		t.Errorf("validation should return the stored flow")
	}
}

func TestValidateNotFound(t *testing.T) {
	s := testStore()

	v := s.Validate("no-such-state")
	if v.OK {
		t.Fatal("expected validation failure")
	}
	if v.Reason != ReasonNotFound {
		t.Errorf("expected reason %q, got %q", ReasonNotFound, v.Reason)
	}
}

func TestValidateStripsForcedSuffix(t *testing.T) {
	s := testStore()
	f, err := s.Create(TypeInteractive)
	if err != nil {
		t.Fatalf("failed to create flow: %v", err)
	}

	v := s.Validate(f.State + ForcedReauthMarker + "xyz")
	if !v.OK {
		t.Fatalf("expected suffixed state to validate, got reason %q", v.Reason)
	}
	if v.Flow.State != f.State {
		t.Errorf("expected original state %q, got %q", f.State, v.Flow.State)
	}
}

func TestValidateExpiredReturnsNotFound(t *testing.T) {
	s := testStore()
	f, err := s.Create(TypeInteractive)
	if err != nil {
		t.Fatalf("failed to create flow: %v", err)
	}

	// Force the record past expiry plus grace, then validate. The sweep runs
	// first, so the caller sees NotFound regardless of prior status.
	s.mu.Lock()
	item := s.cache.Get(f.State)
	item.Value().ExpiresAt = time.Now().Add(-time.Minute)
	s.cache.Set(f.State, item.Value(), time.Nanosecond)
	s.mu.Unlock()

	time.Sleep(time.Millisecond)

	v := s.Validate(f.State)
	if v.OK {
		t.Fatal("expected validation failure for expired flow")
	}
	if v.Reason != ReasonNotFound {
		t.Errorf("expected reason %q, got %q", ReasonNotFound, v.Reason)
	}
}

func TestValidateAlreadyConsumed(t *testing.T) {
	s := testStore()
	f, err := s.Create(TypeInteractive)
	if err != nil {
		t.Fatalf("failed to create flow: %v", err)
	}

	for _, status := range []Status{StatusRedirected, StatusTokenExchange, StatusCompleted} {
		if err := s.Advance(f.ID, status); err != nil {
			t.Fatalf("failed to advance to %s: %v", status, err)
		}
	}

	v := s.Validate(f.State)
	if v.OK {
		t.Fatal("expected validation failure for consumed flow")
	}
	if v.Reason != ReasonAlreadyConsumed {
		t.Errorf("expected reason %q, got %q", ReasonAlreadyConsumed, v.Reason)
	}
}

func TestAdvanceMonotonic(t *testing.T) {
	s := testStore()
	f, err := s.Create(TypeInteractive)
	if err != nil {
		t.Fatalf("failed to create flow: %v", err)
	}

	if err := s.Advance(f.ID, StatusTokenExchange); err != nil {
		t.Fatalf("skipping forward over redirected should be allowed: %v", err)
	}
	if err := s.Advance(f.ID, StatusRedirected); err == nil {
		t.Error("backward transition should be rejected")
	}
	if err := s.Advance(f.ID, StatusTokenExchange); err == nil {
		t.Error("repeating the current status should be rejected")
	}
	if err := s.Advance(f.ID, StatusFailed); err != nil {
		t.Fatalf("failed to advance to failed: %v", err)
	}
	if err := s.Advance(f.ID, StatusCompleted); err == nil {
		t.Error("terminal flow should not advance again")
	}
}

func TestAdvanceUnknownFlow(t *testing.T) {
	s := testStore()
	if err := s.Advance("missing", StatusRedirected); err == nil {
		t.Error("expected error advancing unknown flow")
	}
	f, _ := s.Create(TypeInteractive)
	if err := s.Advance(f.ID, Status("bogus")); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	s := testStore()
	f, err := s.Create(TypeInteractive)
	if err != nil {
		t.Fatalf("failed to create flow: %v", err)
	}

	s.mu.Lock()
	item := s.cache.Get(f.State)
	s.cache.Set(f.State, item.Value(), time.Nanosecond)
	s.mu.Unlock()

	time.Sleep(time.Millisecond)
	s.Sweep()

	if s.Len() != 0 {
		t.Errorf("expected empty store after sweep, got %d records", s.Len())
	}
}

func TestSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	sessions := memory.New()

	s := testStore()
	f, err := s.Create(TypeInteractive)
	if err != nil {
		t.Fatalf("failed to create flow: %v", err)
	}
	if err := s.Advance(f.ID, StatusRedirected); err != nil {
		t.Fatalf("failed to advance: %v", err)
	}

	if err := s.Snapshot(ctx, sessions); err != nil {
		t.Fatalf("failed to snapshot: %v", err)
	}

	restored := testStore()
	if err := restored.Restore(ctx, sessions); err != nil {
		t.Fatalf("failed to restore: %v", err)
	}

	v := restored.Validate(f.State)
	if !v.OK {
		t.Fatalf("restored flow should validate, got reason %q", v.Reason)
	}
	if v.Flow.Status != StatusRedirected {
		t.Errorf("expected restored status %q, got %q", StatusRedirected, v.Flow.Status)
	}
	if v.Flow.CodeVerifier != f.CodeVerifier {
		t.Error("PKCE verifier should survive the round trip")
	}

	if err := restored.Advance(f.ID, StatusTokenExchange); err != nil {
		t.Errorf("restored flow should advance by ID: %v", err)
	}
}

func TestRestoreMissingSnapshotIsNoop(t *testing.T) {
	s := testStore()
	if err := s.Restore(context.Background(), memory.New()); err != nil {
		t.Errorf("missing snapshot should not be an error: %v", err)
	}
}

func TestRestoreWrappedNotFoundIsNoop(t *testing.T) {
	s := testStore()
	if err := s.Restore(context.Background(), wrappedMissStore{memory.New()}); err != nil {
		t.Errorf("missing snapshot should not be an error: %v", err)
	}
}

func TestStripForcedMarker(t *testing.T) {
	base, found := StripForcedMarker("abc123" + ForcedReauthMarker + "xyz")
	if !found || base != "abc123" {
		t.Errorf("expected (abc123, true), got (%q, %v)", base, found)
	}
	base, found = StripForcedMarker("abc123")
	if found || base != "abc123" {
		t.Errorf("expected (abc123, false), got (%q, %v)", base, found)
	}
}

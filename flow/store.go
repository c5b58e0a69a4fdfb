package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/oauth2"

	"github.com/giantswarm/authflow/security"
	"github.com/giantswarm/authflow/storage"
)

// consumedRetention keeps a terminal flow record around briefly so a replayed
// callback is reported as AlreadyConsumed rather than NotFound.
const consumedRetention = time.Minute

// Reason explains why Validate rejected a state token.
type Reason string

const (
	// ReasonNotFound means no record exists for the state token.
	ReasonNotFound Reason = "not_found"

	// ReasonExpired means the record exists but is past its expiry plus the
	// clock-skew grace period. Normally the sweep removes such records first
	// and the caller sees NotFound instead; this surfaces only for restored
	// snapshots caught between sweeps.
	ReasonExpired Reason = "expired"

	// ReasonAlreadyConsumed means the flow already reached a terminal status.
	ReasonAlreadyConsumed Reason = "already_consumed"
)

// Validation is the result of checking a callback's state token.
type Validation struct {
	OK     bool
	Reason Reason
	Flow   *FlowState
}

// Store holds in-flight flow records, keyed by state token, each expiring
// fifteen minutes after creation. Expired records are removed opportunistically
// on every Create and Validate call rather than by a dedicated timer.
type Store struct {
	mu     sync.Mutex
	cache  *ttlcache.Cache[string, *FlowState]
	logger *slog.Logger

	// byFlowID maps flow IDs to state tokens for Advance lookups.
	indexMu  sync.Mutex
	byFlowID map[string]string
}

// NewStore creates an empty flow store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		cache: ttlcache.New(
			ttlcache.WithTTL[string, *FlowState](TTL),
			ttlcache.WithDisableTouchOnHit[string, *FlowState](),
		),
		logger:   logger,
		byFlowID: make(map[string]string),
	}

	s.cache.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, *FlowState]) {
		s.indexMu.Lock()
		delete(s.byFlowID, item.Value().ID)
		s.indexMu.Unlock()
	})

	return s
}

// Create mints a new flow record: a fresh flow ID, a cryptographically random
// state token and PKCE verifier, the derived S256 challenge, and a nonce. The
// record expires TTL from now.
func (s *Store) Create(flowType Type) (*FlowState, error) {
	now := time.Now()

	verifier := oauth2.GenerateVerifier()
	state := oauth2.GenerateVerifier()

	f := &FlowState{
		ID:            uuid.NewString(),
		State:         state,
		Type:          flowType,
		Status:        StatusInitiated,
		CodeVerifier:  verifier,
		CodeChallenge: oauth2.S256ChallengeFromVerifier(verifier),
		Nonce:         uuid.NewString(),
		CreatedAt:     now,
		ExpiresAt:     now.Add(TTL),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.DeleteExpired()

	if s.cache.Has(state) {
		// 256 bits of entropy colliding within the expiry window means the
		// randomness source is broken; refuse rather than overwrite.
		return nil, fmt.Errorf("state token collision for %q", state)
	}

	s.cache.Set(state, f, ttlForRecord(f))
	s.indexMu.Lock()
	s.byFlowID[f.ID] = state
	s.indexMu.Unlock()

	s.logger.Debug("Flow created",
		"flow_id", f.ID, "flow_type", flowType, "expires_at", f.ExpiresAt)

	out := *f
	return &out, nil
}

// Validate checks a state token echoed by the provider callback. When no
// record matches, the lookup is retried with the forced-reauth suffix
// stripped before giving up, since some providers echo the decorated token.
// Expiry is checked with security.DefaultClockSkewGracePeriod, so a record
// still validates for up to 5 seconds past its ExpiresAt.
func (s *Store) Validate(state string) Validation {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.DeleteExpired()

	item := s.cache.Get(state)
	if item == nil {
		if base, found := StripForcedMarker(state); found {
			item = s.cache.Get(base)
		}
	}
	if item == nil {
		return Validation{Reason: ReasonNotFound}
	}

	f := item.Value()
	if security.IsExpired(f.ExpiresAt) {
		s.cache.Delete(f.State)
		return Validation{Reason: ReasonExpired}
	}
	if f.Status.Terminal() {
		out := *f
		return Validation{Reason: ReasonAlreadyConsumed, Flow: &out}
	}

	out := *f
	return Validation{OK: true, Flow: &out}
}

// Advance moves a flow to a later status. Transitions only run forward; a
// terminal flow cannot move again, and terminal records are retained briefly
// so replays surface as AlreadyConsumed.
func (s *Store) Advance(flowID string, status Status) error {
	if !status.valid() {
		return fmt.Errorf("unknown flow status %q", status)
	}

	s.indexMu.Lock()
	state, ok := s.byFlowID[flowID]
	s.indexMu.Unlock()
	if !ok {
		return fmt.Errorf("no flow with id %q", flowID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.cache.Get(state)
	if item == nil {
		return fmt.Errorf("no flow with id %q", flowID)
	}
	f := item.Value()

	if f.Status.Terminal() {
		return fmt.Errorf("flow %s already terminal (%s)", flowID, f.Status)
	}
	if statusRank[status] <= statusRank[f.Status] {
		return fmt.Errorf("flow %s cannot move backward from %s to %s", flowID, f.Status, status)
	}

	f.Status = status
	if status.Terminal() {
		s.cache.Set(state, f, consumedRetention)
	}

	s.logger.Debug("Flow advanced", "flow_id", flowID, "status", status)
	return nil
}

// Sweep removes expired records immediately. Create and Validate already do
// this opportunistically; Sweep exists for callers that want a deterministic
// cut, such as Snapshot.
func (s *Store) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.DeleteExpired()
}

// Len reports the number of live records.
func (s *Store) Len() int {
	return s.cache.Len()
}

// Snapshot serializes all live records into the session store so a reloaded
// context can resume its in-flight flows.
func (s *Store) Snapshot(ctx context.Context, sessions storage.SessionStore) error {
	s.mu.Lock()
	s.cache.DeleteExpired()
	records := make([]*FlowState, 0, s.cache.Len())
	for _, item := range s.cache.Items() {
		records = append(records, item.Value())
	}
	s.mu.Unlock()

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode flow snapshot: %w", err)
	}
	if err := sessions.Set(ctx, storage.KeyFlowSnapshot, string(data)); err != nil {
		return fmt.Errorf("failed to persist flow snapshot: %w", err)
	}
	return nil
}

// Restore loads a snapshot written by Snapshot, skipping records that expired
// in the meantime. A missing snapshot is not an error.
func (s *Store) Restore(ctx context.Context, sessions storage.SessionStore) error {
	data, err := sessions.Get(ctx, storage.KeyFlowSnapshot)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("failed to read flow snapshot: %w", err)
	}

	var records []*FlowState
	if err := json.Unmarshal([]byte(data), &records); err != nil {
		return fmt.Errorf("failed to decode flow snapshot: %w", err)
	}

	restored := 0
	s.mu.Lock()
	for _, f := range records {
		if security.IsExpired(f.ExpiresAt) {
			continue
		}
		s.cache.Set(f.State, f, ttlForRecord(f))
		s.indexMu.Lock()
		s.byFlowID[f.ID] = f.State
		s.indexMu.Unlock()
		restored++
	}
	s.mu.Unlock()

	if restored > 0 {
		s.logger.Debug("Flow snapshot restored",
			"restored", restored, "skipped", len(records)-restored)
	}
	return nil
}

// ttlForRecord computes the cache TTL so eviction lines up with the record's
// expiry plus the clock-skew grace period.
func ttlForRecord(f *FlowState) time.Duration {
	return time.Until(f.ExpiresAt) + security.DefaultClockSkewGracePeriod
}

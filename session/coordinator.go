package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/authflow/bridge"
	"github.com/giantswarm/authflow/guard"
	"github.com/giantswarm/authflow/instrumentation"
	"github.com/giantswarm/authflow/provider"
	"github.com/giantswarm/authflow/security"
	"github.com/giantswarm/authflow/storage"
)

// Config configures a Coordinator.
type Config struct {
	// ContextID identifies this runtime context in logout events so a
	// context can ignore its own broadcasts.
	ContextID string

	// Durable holds the token record shared across contexts.
	Durable storage.DurableStore

	// Sessions is this context's private store, cleared by recovery actions.
	Sessions storage.SessionStore

	// Provider performs refresh, revocation, and identity lookups.
	Provider provider.Provider

	// Bus carries logout events between contexts. Optional; without a bus
	// remote logouts are only observed through Durable's Watch.
	Bus bridge.Bus

	// Channel is the bus channel for logout events. Defaults to
	// LogoutChannel.
	Channel string

	// Encryptor, when set and enabled, encrypts tokens at rest.
	Encryptor *security.Encryptor

	// RefreshThreshold triggers proactive refresh when the access token
	// expires within it. Defaults to DefaultRefreshThreshold.
	RefreshThreshold time.Duration

	Auditor *security.Auditor
	Logger  *slog.Logger

	// Metrics records token lifecycle instruments. Optional.
	Metrics *instrumentation.Metrics
}

// Coordinator owns the token lifecycle of one runtime context: storing the
// rotated pair atomically, coalescing concurrent refreshes, broadcasting and
// mirroring logouts, and projecting the derived session identity.
type Coordinator struct {
	contextID string
	durable   storage.DurableStore
	sessions  storage.SessionStore
	provider  provider.Provider
	bus       bridge.Bus
	channel   string
	encryptor *security.Encryptor
	threshold time.Duration
	auditor   *security.Auditor
	logger    *slog.Logger
	metrics   *instrumentation.Metrics

	refreshGroup  singleflight.Group
	rotating      atomic.Bool
	logoutLimiter *security.RateLimiter

	opMu        sync.Mutex
	ops         int
	idleWaiters []chan struct{}

	identMu     sync.Mutex
	identity    Identity
	subscribers map[int]chan Identity
	nextSubID   int
}

var _ guard.StateCleaner = (*Coordinator)(nil)

// NewCoordinator creates a session coordinator. Durable, Sessions, and
// Provider are required.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Durable == nil {
		return nil, errors.New("session: durable store is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session: session store is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("session: provider is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Channel == "" {
		cfg.Channel = LogoutChannel
	}
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = DefaultRefreshThreshold
	}
	if cfg.Auditor == nil {
		cfg.Auditor = security.NewAuditor(cfg.Logger, true)
	}

	return &Coordinator{
		contextID:     cfg.ContextID,
		durable:       cfg.Durable,
		sessions:      cfg.Sessions,
		provider:      cfg.Provider,
		bus:           cfg.Bus,
		channel:       cfg.Channel,
		encryptor:     cfg.Encryptor,
		threshold:     cfg.RefreshThreshold,
		auditor:       cfg.Auditor,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		logoutLimiter: security.NewRateLimiter(maxLogoutsPerWindow, logoutWindow, cfg.Logger),
		subscribers:   map[int]chan Identity{},
	}, nil
}

// Close releases background resources.
func (c *Coordinator) Close() {
	c.logoutLimiter.Stop()
}

// StoreTokens persists a token pair as one atomic update. An empty refresh
// token in tok keeps the previously stored one; providers that do not rotate
// on every exchange omit it.
func (c *Coordinator) StoreTokens(ctx context.Context, tok *oauth2.Token) error {
	if tok == nil || tok.AccessToken == "" {
		return errors.New("session: token has no access token")
	}

	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	meta, err := json.Marshal(tokenMeta{
		TokenType: tokenType,
		ExpiresAt: tok.Expiry,
		StoredAt:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("encoding token metadata: %w", err)
	}

	access, err := c.seal(tok.AccessToken)
	if err != nil {
		return err
	}
	values := map[string]string{
		storage.KeyAccessToken: access,
		storage.KeyTokenMeta:   string(meta),
	}
	if tok.RefreshToken != "" {
		refresh, err := c.seal(tok.RefreshToken)
		if err != nil {
			return err
		}
		values[storage.KeyRefreshToken] = refresh
	}

	start := time.Now()
	err = c.durable.SetMulti(ctx, values)
	c.metrics.RecordStorageOperation(ctx, "set_multi", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("storing tokens: %w", err)
	}

	c.auditor.LogEvent(security.Event{
		Type:      security.EventTokenStored,
		ContextID: c.contextID,
		Details:   map[string]any{"rotated_refresh": tok.RefreshToken != ""},
	})
	return nil
}

// Tokens reads the stored token pair. Returns ErrNotAuthenticated when no
// access token is stored.
func (c *Coordinator) Tokens(ctx context.Context) (*oauth2.Token, error) {
	sealed, err := c.durable.Get(ctx, storage.KeyAccessToken)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, ErrNotAuthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("reading access token: %w", err)
	}
	access, err := c.open(sealed)
	if err != nil {
		return nil, err
	}

	tok := &oauth2.Token{AccessToken: access, TokenType: "Bearer"}

	if raw, err := c.durable.Get(ctx, storage.KeyTokenMeta); err == nil {
		var meta tokenMeta
		if err := json.Unmarshal([]byte(raw), &meta); err == nil {
			tok.TokenType = meta.TokenType
			tok.Expiry = meta.ExpiresAt
		}
	}
	if sealed, err := c.durable.Get(ctx, storage.KeyRefreshToken); err == nil {
		if refresh, err := c.open(sealed); err == nil {
			tok.RefreshToken = refresh
		}
	}
	return tok, nil
}

// EstablishSession stores the token pair and then derives the session
// identity from the provider. Tokens are persisted before the identity
// lookup; a failed lookup leaves the session authenticated but anonymous.
func (c *Coordinator) EstablishSession(ctx context.Context, tok *oauth2.Token) (Identity, error) {
	op := c.BeginOperation()
	defer op()

	if err := c.StoreTokens(ctx, tok); err != nil {
		return Identity{}, err
	}
	// A fresh login supersedes any earlier logout marker.
	if err := c.durable.Delete(ctx, storage.KeyLogoutAt); err != nil {
		c.logger.Debug("Clearing logout marker failed", "error", err)
	}

	who, err := c.provider.FetchIdentity(ctx, tok.AccessToken)
	if err != nil {
		c.logger.Warn("Identity lookup failed after token storage",
			"provider", c.provider.Name(), "error", err)
		ident := Identity{Authenticated: true}
		c.setIdentity(ident)
		return ident, fmt.Errorf("fetching identity: %w", err)
	}

	ident := Identity{
		Authenticated: true,
		Subject:       who.Subject,
		Email:         who.Email,
		Name:          who.Name,
	}
	c.setIdentity(ident)
	return ident, nil
}

// Refresh exchanges the stored refresh token for a new pair and persists it.
// Concurrent callers are coalesced into a single provider round trip; every
// caller receives the same result.
//
// Refresh tokens are single use. When the provider rejects ours, the store is
// re-read once: a different stored token means another context already
// rotated and its result is adopted. The rejected token is never retried.
func (c *Coordinator) Refresh(ctx context.Context) (*oauth2.Token, error) {
	v, err, _ := c.refreshGroup.Do("refresh", func() (any, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

func (c *Coordinator) refresh(ctx context.Context) (*oauth2.Token, error) {
	op := c.BeginOperation()
	defer op()

	current, err := c.Tokens(ctx)
	if err != nil {
		return nil, err
	}
	if current.RefreshToken == "" {
		return nil, ErrNotAuthenticated
	}

	c.rotating.Store(true)
	defer c.rotating.Store(false)

	tok, err := c.provider.Refresh(ctx, current.RefreshToken)
	if errors.Is(err, provider.ErrRefreshRejected) {
		return c.adoptConcurrentRotation(ctx, current.RefreshToken, err)
	}
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	if err := c.StoreTokens(ctx, tok); err != nil {
		return nil, err
	}

	rotated := tok.RefreshToken != "" && tok.RefreshToken != current.RefreshToken
	c.metrics.RecordTokenRefresh(ctx, rotated)

	eventType := security.EventTokenRefreshed
	if rotated {
		eventType = security.EventTokenRotated
	}
	c.auditor.LogEvent(security.Event{
		Type:      eventType,
		Subject:   c.Identity().Subject,
		ContextID: c.contextID,
	})
	return tok, nil
}

// adoptConcurrentRotation handles a rejected refresh token. If the store now
// holds a different refresh token, another context won the rotation race and
// its stored pair is the session's truth.
func (c *Coordinator) adoptConcurrentRotation(ctx context.Context, presented string, cause error) (*oauth2.Token, error) {
	stored, err := c.Tokens(ctx)
	if err == nil && stored.RefreshToken != "" && stored.RefreshToken != presented {
		c.logger.Info("Refresh lost rotation race, adopting stored tokens",
			"context_id", c.contextID)
		return stored, nil
	}

	c.auditor.LogRefreshReuseRejected(c.Identity().Subject, c.contextID)
	return nil, fmt.Errorf("refresh token no longer valid: %w", cause)
}

// RefreshIfNeeded refreshes proactively when the access token expires within
// the configured threshold. Returns the current tokens either way.
func (c *Coordinator) RefreshIfNeeded(ctx context.Context) (*oauth2.Token, error) {
	tok, err := c.Tokens(ctx)
	if err != nil {
		return nil, err
	}
	if tok.Expiry.IsZero() || !security.IsExpiringSoon(tok.Expiry, c.threshold) {
		return tok, nil
	}

	refreshed, err := c.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	c.auditor.LogEvent(security.Event{
		Type:      security.EventTokenProactivelyRefreshed,
		ContextID: c.contextID,
	})
	return refreshed, nil
}

// Logout revokes and deletes the stored tokens, marks the logout timestamp,
// and broadcasts the event to the other contexts. Logout execution is rate
// limited; a dropped execution returns ErrLogoutRateLimited.
func (c *Coordinator) Logout(ctx context.Context, reason string) error {
	if !c.logoutLimiter.Allow("logout") {
		c.auditor.LogEvent(security.Event{
			Type:      security.EventLogoutRateLimited,
			ContextID: c.contextID,
			Details:   map[string]any{"reason": reason},
		})
		return ErrLogoutRateLimited
	}

	subject := c.Identity().Subject

	// Best effort revocation before the tokens are gone locally.
	if tok, err := c.Tokens(ctx); err == nil && tok.RefreshToken != "" {
		if err := c.revokeWithRetry(ctx, tok.RefreshToken); err != nil {
			c.logger.Warn("Token revocation failed", "error", err)
		} else {
			c.auditor.LogEvent(security.Event{
				Type:      security.EventTokenRevoked,
				Subject:   subject,
				ContextID: c.contextID,
			})
		}
	}

	for _, key := range []string{storage.KeyAccessToken, storage.KeyRefreshToken, storage.KeyTokenMeta} {
		if err := c.durable.Delete(ctx, key); err != nil {
			return fmt.Errorf("clearing %s: %w", key, err)
		}
	}
	if err := c.durable.Set(ctx, storage.KeyLogoutAt, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("marking logout: %w", err)
	}

	c.broadcastLogout(ctx, reason)
	c.metrics.RecordLogoutBroadcast(ctx, reason)
	c.auditor.LogLogoutBroadcast(subject, c.contextID, reason)
	c.setIdentity(Identity{})
	return nil
}

// revokeWithRetry revokes a refresh token, retrying once on a transient
// failure. A provider without a revocation endpoint already counts as a
// successful no-op inside Revoke.
func (c *Coordinator) revokeWithRetry(ctx context.Context, refreshToken string) error {
	err := c.provider.Revoke(ctx, refreshToken, "refresh_token")
	if err == nil || ctx.Err() != nil {
		return err
	}

	select {
	case <-time.After(revokeRetryDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.provider.Revoke(ctx, refreshToken, "refresh_token")
}

func (c *Coordinator) broadcastLogout(ctx context.Context, reason string) {
	if c.bus == nil {
		return
	}
	payload, err := json.Marshal(logoutEvent{
		At:        time.Now().UTC(),
		ContextID: c.contextID,
		Reason:    reason,
	})
	if err != nil {
		return
	}
	if err := c.bus.Publish(ctx, c.channel, string(payload)); err != nil {
		c.logger.Warn("Logout broadcast failed", "channel", c.channel, "error", err)
	}
}

// HandleRemoteLogout mirrors a logout initiated elsewhere. It never
// rebroadcasts. A mirror observed mid-rotation is ignored: the rotation's
// atomic store will settle the token record either way. An in-flight auth
// operation defers the mirror briefly, after which the token record is
// re-read; tokens present again mean the session was re-established and the
// stale logout is dropped.
func (c *Coordinator) HandleRemoteLogout(ctx context.Context) error {
	if c.rotating.Load() {
		c.logger.Debug("Ignoring remote logout during token rotation",
			"context_id", c.contextID)
		return nil
	}

	if !c.idle() {
		c.auditor.LogEvent(security.Event{
			Type:      security.EventLogoutDeferred,
			ContextID: c.contextID,
		})
		c.awaitIdle(ctx, logoutDeferTimeout)

		if _, err := c.durable.Get(ctx, storage.KeyAccessToken); err == nil {
			c.logger.Debug("Session re-established during deferral, dropping logout")
			return nil
		}
	}

	c.setIdentity(Identity{})
	if err := c.sessions.Delete(ctx, storage.KeyOAuthInProgress); err != nil {
		c.logger.Debug("Clearing in-progress marker failed", "error", err)
	}
	c.auditor.LogEvent(security.Event{
		Type:      security.EventLogoutMirrored,
		ContextID: c.contextID,
	})
	return nil
}

// Run watches the bus and the durable store for logout signals until ctx is
// done. Signals originating from this context are ignored.
func (c *Coordinator) Run(ctx context.Context) error {
	var msgs <-chan string
	if c.bus != nil {
		ch, cancel, err := c.bus.Subscribe(ctx, c.channel)
		if err != nil {
			return fmt.Errorf("subscribing to logout channel: %w", err)
		}
		defer cancel()
		msgs = ch
	}

	var events <-chan storage.Event
	if ch, cancel, err := c.durable.Watch(ctx); err == nil {
		defer cancel()
		events = ch
	} else if !errors.Is(err, storage.ErrWatchUnsupported) {
		return fmt.Errorf("watching durable store: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case payload, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			var ev logoutEvent
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				c.logger.Debug("Dropping undecodable logout event", "error", err)
				continue
			}
			if ev.ContextID == c.contextID {
				continue
			}
			if err := c.HandleRemoteLogout(ctx); err != nil {
				c.logger.Warn("Remote logout handling failed", "error", err)
			}

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			tokenGone := ev.Key == storage.KeyAccessToken && ev.Deleted
			logoutMarked := ev.Key == storage.KeyLogoutAt && !ev.Deleted
			if !tokenGone && !logoutMarked {
				continue
			}
			if err := c.HandleRemoteLogout(ctx); err != nil {
				c.logger.Warn("Remote logout handling failed", "error", err)
			}
		}
	}
}

// Identity returns the current derived session identity.
func (c *Coordinator) Identity() Identity {
	c.identMu.Lock()
	defer c.identMu.Unlock()
	return c.identity
}

// SubscribeIdentity delivers identity changes until cancel is called. Slow
// receivers miss intermediate states, never block the coordinator.
func (c *Coordinator) SubscribeIdentity() (<-chan Identity, func()) {
	ch := make(chan Identity, 1)

	c.identMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = ch
	c.identMu.Unlock()

	cancel := func() {
		c.identMu.Lock()
		if sub, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(sub)
		}
		c.identMu.Unlock()
	}
	return ch, cancel
}

func (c *Coordinator) setIdentity(ident Identity) {
	c.identMu.Lock()
	defer c.identMu.Unlock()

	if c.identity == ident {
		return
	}
	c.identity = ident

	for _, sub := range c.subscribers {
		select {
		case sub <- ident:
		default:
			// Drop the stale update so the latest one can land.
			select {
			case <-sub:
			default:
			}
			sub <- ident
		}
	}
}

// BeginOperation marks an auth operation in flight. The returned func ends
// it. Incoming remote logouts defer while operations are in flight.
func (c *Coordinator) BeginOperation() func() {
	c.opMu.Lock()
	c.ops++
	c.opMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(c.endOperation)
	}
}

func (c *Coordinator) endOperation() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.ops--
	if c.ops > 0 {
		return
	}
	for _, w := range c.idleWaiters {
		close(w)
	}
	c.idleWaiters = nil
}

func (c *Coordinator) idle() bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.ops == 0
}

// awaitIdle blocks until no operations are in flight, the timeout elapses,
// or ctx is done. Reports whether idleness was reached.
func (c *Coordinator) awaitIdle(ctx context.Context, timeout time.Duration) bool {
	c.opMu.Lock()
	if c.ops == 0 {
		c.opMu.Unlock()
		return true
	}
	w := make(chan struct{})
	c.idleWaiters = append(c.idleWaiters, w)
	c.opMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// ClearAuthKeys removes this context's OAuth state keys: flow snapshots, the
// attempt log, the circuit snapshot, in-progress markers, and result keys.
func (c *Coordinator) ClearAuthKeys(ctx context.Context) error {
	keys, err := c.sessions.Keys(ctx, storage.AuthKeyPrefix)
	if err != nil {
		return fmt.Errorf("listing auth keys: %w", err)
	}
	for _, key := range keys {
		if err := c.sessions.Delete(ctx, key); err != nil {
			return fmt.Errorf("clearing %s: %w", key, err)
		}
	}
	return nil
}

// ClearAll removes every key in this context's session store.
func (c *Coordinator) ClearAll(ctx context.Context) error {
	keys, err := c.sessions.Keys(ctx, "")
	if err != nil {
		return fmt.Errorf("listing session keys: %w", err)
	}
	for _, key := range keys {
		if err := c.sessions.Delete(ctx, key); err != nil {
			return fmt.Errorf("clearing %s: %w", key, err)
		}
	}
	return nil
}

// seal encrypts a token for storage when encryption is configured.
func (c *Coordinator) seal(value string) (string, error) {
	if c.encryptor == nil {
		return value, nil
	}
	sealed, err := c.encryptor.Encrypt(value)
	if err != nil {
		return "", fmt.Errorf("encrypting token: %w", err)
	}
	return sealed, nil
}

func (c *Coordinator) open(value string) (string, error) {
	if c.encryptor == nil {
		return value, nil
	}
	plain, err := c.encryptor.Decrypt(value)
	if err != nil {
		return "", fmt.Errorf("decrypting token: %w", err)
	}
	return plain, nil
}

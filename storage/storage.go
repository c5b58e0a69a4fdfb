package storage

import (
	"context"
	"errors"
)

// Sentinel errors returned by store implementations.
var (
	// ErrKeyNotFound is returned when a key does not exist in the store.
	ErrKeyNotFound = errors.New("storage: key not found")

	// ErrWatchUnsupported is returned by durable stores that cannot deliver
	// change notifications.
	ErrWatchUnsupported = errors.New("storage: watch not supported")
)

// Well-known keys. Every component addresses the stores through these
// constants so that recovery actions can clear exactly the right subset.
const (
	// Durable keys (survive process restarts, shared across contexts).
	KeyAccessToken  = "authflow.access_token"
	KeyRefreshToken = "authflow.refresh_token"
	KeyTokenMeta    = "authflow.token_meta"
	KeyLogoutAt     = "authflow.logout_at"

	// Session keys (scoped to one runtime context).
	KeyFlowSnapshot    = "authflow.flows"
	KeyAttemptLog      = "authflow.attempts"
	KeyCircuitState    = "authflow.circuit"
	KeyOAuthInProgress = "authflow.oauth_in_progress"

	// ResultKeyPrefix prefixes the redundant bridge result keys. The child
	// context writes the terminal message under several keys built from this
	// prefix; the parent polls them.
	ResultKeyPrefix = "authflow.result."
)

// AuthKeyPrefix is the prefix shared by every key this module owns. Recovery
// actions that "clear OAuth-specific keys" enumerate keys under this prefix.
const AuthKeyPrefix = "authflow."

// SessionStore is a tab-session-scoped key/value store. It holds in-flight
// flow records, the attempt log, circuit breaker snapshots, and the redundant
// result keys used by the bridge. All methods accept context.Context for
// tracing and cancellation.
type SessionStore interface {
	// Get returns the value for key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key, overwriting any previous value.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists all keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Event describes a change observed on a durable store. It is the analog of a
// cross-tab storage event: other contexts react to token removal and logout
// timestamps through these.
type Event struct {
	Key     string
	Value   string
	Deleted bool
}

// DurableStore is a key/value store that persists across process restarts and
// is shared by every context of the application. It owns the token record and
// the cross-tab logout timestamp.
type DurableStore interface {
	SessionStore

	// SetMulti stores several keys as one atomic update. Token rotation
	// depends on this: the access/refresh pair must never be observable
	// half-replaced.
	SetMulti(ctx context.Context, values map[string]string) error

	// Watch delivers change events until the returned cancel function is
	// called or ctx is done. Implementations that cannot watch return
	// ErrWatchUnsupported.
	Watch(ctx context.Context) (<-chan Event, func(), error)
}

// Package memory provides in-memory implementations of both storage scopes.
// It is suitable for tests and single-context deployments.
package memory

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/giantswarm/authflow/storage"
)

// subscriberBuffer is the channel depth for Watch subscribers. A slow
// subscriber drops events rather than blocking writers; consumers of storage
// events must already tolerate missed deliveries.
const subscriberBuffer = 16

// Store is an in-memory implementation of SessionStore and DurableStore.
type Store struct {
	mu     sync.RWMutex
	values map[string]string

	subMu  sync.Mutex
	subs   map[int]chan storage.Event
	nextID int

	logger *slog.Logger
}

// Compile-time interface checks.
var (
	_ storage.SessionStore = (*Store)(nil)
	_ storage.DurableStore = (*Store)(nil)
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		values: make(map[string]string),
		subs:   make(map[int]chan storage.Event),
		logger: slog.Default(),
	}
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// Get returns the value for key, or storage.ErrKeyNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	if !ok {
		return "", storage.ErrKeyNotFound
	}
	return v, nil
}

// Set stores value under key and notifies watchers.
func (s *Store) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()

	s.notify(storage.Event{Key: key, Value: value})
	return nil
}

// SetMulti stores several keys under one lock acquisition. Watchers receive
// one event per key, emitted after the whole update is visible.
func (s *Store) SetMulti(ctx context.Context, values map[string]string) error {
	s.mu.Lock()
	for k, v := range values {
		s.values[k] = v
	}
	s.mu.Unlock()

	for k, v := range values {
		s.notify(storage.Event{Key: k, Value: v})
	}
	return nil
}

// Delete removes key. Deleting a missing key is a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	_, existed := s.values[key]
	delete(s.values, key)
	s.mu.Unlock()

	if existed {
		s.notify(storage.Event{Key: key, Deleted: true})
	}
	return nil
}

// Keys lists all keys with the given prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Watch delivers change events until cancel is called or ctx is done.
func (s *Store) Watch(ctx context.Context) (<-chan storage.Event, func(), error) {
	ch := make(chan storage.Event, subscriberBuffer)

	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}

	stop := context.AfterFunc(ctx, cancel)
	return ch, func() { stop(); cancel() }, nil
}

func (s *Store) notify(ev storage.Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Debug("Dropped storage event for slow watcher",
				"key", ev.Key, "subscriber", id)
		}
	}
}

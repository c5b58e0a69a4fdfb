// Package file provides a file-backed durable store. All values live in a
// single JSON document that is replaced atomically via rename, so a multi-key
// token rotation is never observable half-written by another process.
// Change notifications come from an fsnotify watch on the document, which is
// how separate processes of the application observe each other's logouts and
// token rotations.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/giantswarm/authflow/storage"
)

// DefaultFileName is the name of the state document inside the storage
// directory.
const DefaultFileName = "authflow-state.json"

const subscriberBuffer = 16

// Store persists values to a single JSON file.
//
// SECURITY: the document holds tokens. The file is created with 0600 and the
// directory with 0700; values are never logged.
type Store struct {
	mu     sync.Mutex
	path   string
	cache  map[string]string
	logger *slog.Logger

	subMu  sync.Mutex
	subs   map[int]chan storage.Event
	nextID int

	watcher   *fsnotify.Watcher
	watchOnce sync.Once
	watchErr  error
	stopWatch chan struct{}
}

var _ storage.DurableStore = (*Store)(nil)

// New creates a file store rooted at dir. The directory is created if it does
// not exist. Existing state is loaded eagerly so a restarted process sees the
// tokens persisted by its predecessor.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	s := &Store{
		path:      filepath.Join(dir, DefaultFileName),
		cache:     make(map[string]string),
		logger:    logger,
		subs:      make(map[int]chan storage.Event),
		stopWatch: make(chan struct{}),
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load reads the state document into the cache. A missing document is an
// empty store, not an error.
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read state document: %w", err)
	}

	values := make(map[string]string)
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("failed to parse state document: %w", err)
	}
	s.cache = values
	return nil
}

// flush writes the cache atomically: temp file in the same directory, fsync,
// rename over the document. Must be called with mu held.
func (s *Store) flush() error {
	data, err := json.MarshalIndent(s.cache, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state document: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".authflow-state-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to set state file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state document: %w", err)
	}
	return nil
}

// Get returns the value for key, or storage.ErrKeyNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.cache[key]
	if !ok {
		return "", storage.ErrKeyNotFound
	}
	return v, nil
}

// Set stores value under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.SetMulti(ctx, map[string]string{key: value})
}

// SetMulti stores several keys as one atomic document replacement.
func (s *Store) SetMulti(ctx context.Context, values map[string]string) error {
	s.mu.Lock()
	for k, v := range values {
		s.cache[k] = v
	}
	err := s.flush()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	for k, v := range values {
		s.notify(storage.Event{Key: k, Value: v})
	}
	return nil
}

// Delete removes key. Deleting a missing key is a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	_, existed := s.cache[key]
	if !existed {
		s.mu.Unlock()
		return nil
	}
	delete(s.cache, key)
	err := s.flush()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.notify(storage.Event{Key: key, Deleted: true})
	return nil
}

// Keys lists all keys with the given prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.cache))
	for k := range s.cache {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Watch delivers change events, including changes made by other processes
// (detected through fsnotify on the state document).
func (s *Store) Watch(ctx context.Context) (<-chan storage.Event, func(), error) {
	s.watchOnce.Do(func() { s.watchErr = s.startWatcher() })
	if s.watchErr != nil {
		return nil, nil, s.watchErr
	}

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

// startWatcher begins watching the storage directory. Watching the directory
// rather than the document survives the rename-replace writes.
func (s *Store) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch storage directory: %w", err)
	}
	s.watcher = watcher

	go s.watchLoop()
	return nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case <-s.stopWatch:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				s.reloadAndDiff()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("State document watch error", "error", err)
		}
	}
}

// reloadAndDiff re-reads the document and emits one event per changed key.
// Writes made by this process are already reflected in the cache and produce
// no duplicate events.
func (s *Store) reloadAndDiff() {
	s.mu.Lock()
	old := s.cache
	s.cache = make(map[string]string)
	if err := s.load(); err != nil {
		s.logger.Warn("Failed to reload state document", "error", err)
		s.cache = old
		s.mu.Unlock()
		return
	}
	current := s.cache

	var changes []storage.Event
	for k, v := range current {
		if prev, ok := old[k]; !ok || prev != v {
			changes = append(changes, storage.Event{Key: k, Value: v})
		}
	}
	for k := range old {
		if _, ok := current[k]; !ok {
			changes = append(changes, storage.Event{Key: k, Deleted: true})
		}
	}
	s.mu.Unlock()

	for _, ev := range changes {
		s.notify(ev)
	}
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

// Close stops the fsnotify watcher. The store remains usable for reads and
// writes afterwards; only change notifications stop.
func (s *Store) Close() error {
	close(s.stopWatch)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

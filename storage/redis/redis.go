// Package redis backs the durable store and the broadcast bus with Redis,
// for deployments where contexts live in different processes or hosts. The
// pub/sub channel plays the role of the named broadcast channel; durable
// change events are self-published so every context's Watch sees them.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/giantswarm/authflow/bridge"
	"github.com/giantswarm/authflow/storage"
)

// eventsChannel carries durable store change events between processes.
const eventsChannel = "events"

// Store implements storage.DurableStore on a Redis client.
type Store struct {
	client *redis.Client
	prefix string // optional prefix for keys
	logger *slog.Logger
}

var _ storage.DurableStore = (*Store)(nil)

// NewStore creates a durable store on client. All keys and channels are
// namespaced under prefix.
func NewStore(client *redis.Client, prefix string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, prefix: prefix, logger: logger}
}

func (s *Store) redisKey(key string) string {
	return fmt.Sprintf("%s:kv:%s", s.prefix, key)
}

func (s *Store) channel(name string) string {
	return fmt.Sprintf("%s:chan:%s", s.prefix, name)
}

// Get implements storage.SessionStore.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, s.redisKey(key)).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("%w: %s", storage.ErrKeyNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, nil
}

// Set implements storage.SessionStore.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.redisKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	s.publishEvent(ctx, storage.Event{Key: key, Value: value})
	return nil
}

// SetMulti implements storage.DurableStore. MSet is a single command, so the
// token pair is never observable half-replaced.
func (s *Store) SetMulti(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	pairs := make([]any, 0, len(values)*2)
	for key, value := range values {
		pairs = append(pairs, s.redisKey(key), value)
	}
	if err := s.client.MSet(ctx, pairs...).Err(); err != nil {
		return fmt.Errorf("redis mset: %w", err)
	}
	for key, value := range values {
		s.publishEvent(ctx, storage.Event{Key: key, Value: value})
	}
	return nil
}

// Delete implements storage.SessionStore. Deleting a missing key is not an
// error.
func (s *Store) Delete(ctx context.Context, key string) error {
	deleted, err := s.client.Del(ctx, s.redisKey(key)).Result()
	if err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	if deleted > 0 {
		s.publishEvent(ctx, storage.Event{Key: key, Deleted: true})
	}
	return nil
}

// Keys implements storage.SessionStore.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := s.redisKey(prefix) + "*"
	strip := len(s.redisKey(""))

	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[strip:])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return keys, nil
}

// Watch implements storage.DurableStore by subscribing to the self-published
// change events of every process sharing this prefix.
func (s *Store) Watch(ctx context.Context) (<-chan storage.Event, func(), error) {
	sub := s.client.Subscribe(ctx, s.channel(eventsChannel))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis subscribe: %w", err)
	}

	events := make(chan storage.Event)
	go func() {
		defer close(events)
		for msg := range sub.Channel() {
			var ev storage.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.logger.Debug("Dropping undecodable change event", "error", err)
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() {
		if err := sub.Close(); err != nil {
			s.logger.Debug("Event subscription close failed", "error", err)
		}
	}
	return events, cancel, nil
}

func (s *Store) publishEvent(ctx context.Context, ev storage.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.client.Publish(ctx, s.channel(eventsChannel), payload).Err(); err != nil {
		s.logger.Debug("Change event publish failed", "key", ev.Key, "error", err)
	}
}

// Bus implements bridge.Bus on Redis pub/sub, covering contexts that do not
// share a process.
type Bus struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

var _ bridge.Bus = (*Bus)(nil)

// NewBus creates a broadcast bus on client, namespaced under prefix.
func NewBus(client *redis.Client, prefix string, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{client: client, prefix: prefix, logger: logger}
}

func (b *Bus) channel(name string) string {
	return fmt.Sprintf("%s:chan:%s", b.prefix, name)
}

// Publish implements bridge.Bus.
func (b *Bus) Publish(ctx context.Context, channel, payload string) error {
	if err := b.client.Publish(ctx, b.channel(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements bridge.Bus.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	sub := b.client.Subscribe(ctx, b.channel(channel))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	payloads := make(chan string)
	go func() {
		defer close(payloads)
		for msg := range sub.Channel() {
			select {
			case payloads <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() {
		if err := sub.Close(); err != nil {
			b.logger.Debug("Subscription close failed", "channel", channel, "error", err)
		}
	}
	return payloads, cancel, nil
}

package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultChannel is the shared publish/subscribe channel name for flow
// results. Other concerns (for example logout propagation) use their own
// channel names on the same Bus.
const DefaultChannel = "authflow.bridge"

// Broadcast repeat defaults. The message is repeated to survive a subscriber
// that attaches slightly after the first publish.
const (
	DefaultBroadcastRepeats = 3
	DefaultBroadcastDelay   = 150 * time.Millisecond
)

// Bus is a named publish/subscribe channel shared by all contexts of the
// application. Payloads are opaque strings; each channel's consumers own the
// encoding. The in-memory implementation below covers contexts in one
// process; storage/redis provides one for contexts in separate processes.
type Bus interface {
	// Publish sends payload to every current subscriber of channel.
	Publish(ctx context.Context, channel, payload string) error

	// Subscribe delivers payloads published to channel until cancel is
	// called or ctx is done.
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)
}

// MemoryBus is an in-process Bus.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan string
	nextID int
	logger *slog.Logger
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:   make(map[string]map[int]chan string),
		logger: slog.Default(),
	}
}

// Publish implements Bus.
func (b *MemoryBus) Publish(ctx context.Context, channel, payload string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
			b.logger.Debug("Dropped broadcast for slow subscriber",
				"channel", channel, "subscriber", id)
		}
	}
	return nil
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	ch := make(chan string, inboxBuffer)

	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]chan string)
	}
	id := b.nextID
	b.nextID++
	b.subs[channel][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[channel], id)
			b.mu.Unlock()
			close(ch)
		})
	}

	stop := context.AfterFunc(ctx, cancel)
	return ch, func() { stop(); cancel() }, nil
}

// Broadcaster is the Transport over a Bus. Deliver publishes the encoded
// message several times with short delays; duplicate receipt is harmless
// because terminal messages are idempotent on the consumer side.
type Broadcaster struct {
	bus     Bus
	channel string
	repeats int
	delay   time.Duration
	logger  *slog.Logger
}

var _ Transport = (*Broadcaster)(nil)

// NewBroadcaster creates a broadcast transport on the given bus and channel.
func NewBroadcaster(bus Bus, channel string, logger *slog.Logger) *Broadcaster {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		bus:     bus,
		channel: channel,
		repeats: DefaultBroadcastRepeats,
		delay:   DefaultBroadcastDelay,
		logger:  logger,
	}
}

// Name implements Transport.
func (b *Broadcaster) Name() string { return "broadcast" }

// Deliver implements Transport.
func (b *Broadcaster) Deliver(ctx context.Context, msg Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}

	var lastErr error
	delivered := false

	for i := 0; i < b.repeats; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				if delivered {
					return nil
				}
				return ctx.Err()
			case <-time.After(b.delay):
			}
		}
		if err := b.bus.Publish(ctx, b.channel, payload); err != nil {
			lastErr = err
			b.logger.Debug("Broadcast publish failed",
				"channel", b.channel, "attempt", i+1, "error", err)
			continue
		}
		delivered = true
	}

	if !delivered {
		return lastErr
	}
	return nil
}

package bridge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/giantswarm/authflow/storage"
)

// ErrResultTimeout is returned by AwaitResult when no terminal message for
// the flow arrived before the deadline.
var ErrResultTimeout = errors.New("timed out waiting for flow result")

// Listener is the receiving half of the cross-context handshake. The context
// that initiated a flow uses it to collect the outcome from whichever
// transport lands first, acknowledge receipt, and discard the duplicates the
// redundant delivery produces.
type Listener struct {
	flowID     string
	inbox      *Inbox
	bus        Bus
	channel    string
	store      *StoreChannel
	transports []Transport
	logger     *slog.Logger
}

// ListenerConfig carries the sources and acknowledgement transports for a
// Listener.
type ListenerConfig struct {
	// FlowID selects which flow's messages to accept.
	FlowID string

	// Inbox receives directly addressed messages. Optional.
	Inbox *Inbox

	// Bus and Channel receive broadcast messages. Optional.
	Bus     Bus
	Channel string

	// Store is polled for written results. Optional, but at least one of
	// Inbox, Bus, and Store is required.
	Store *StoreChannel

	// AckTransports carry the acknowledgement back to the sender. When
	// empty, no acknowledgement is sent and the sender releases itself on
	// its timeout.
	AckTransports []Transport

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewListener creates a Listener from cfg.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.FlowID == "" {
		return nil, errors.New("flow ID is required")
	}
	if cfg.Inbox == nil && cfg.Bus == nil && cfg.Store == nil {
		return nil, errors.New("at least one message source is required")
	}
	channel := cfg.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		flowID:     cfg.FlowID,
		inbox:      cfg.Inbox,
		bus:        cfg.Bus,
		channel:    channel,
		store:      cfg.Store,
		transports: cfg.AckTransports,
		logger:     logger,
	}, nil
}

// AwaitResult blocks until a terminal message for the flow arrives on any
// source, acknowledges it, and returns it. Duplicate copies arriving over the
// other transports are consumed and dropped by flow identifier, so the caller
// sees exactly one result. Returns ErrResultTimeout when ctx expires first.
func (l *Listener) AwaitResult(ctx context.Context) (Message, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan Message, 1)

	if l.inbox != nil {
		go l.watchInbox(ctx, results)
	}
	if l.bus != nil {
		go l.watchBus(ctx, results)
	}
	if l.store != nil {
		go l.pollStore(ctx, results)
	}

	select {
	case msg := <-results:
		l.logger.Debug("Flow result received",
			"flow_id", l.flowID, "kind", msg.Kind)
		l.acknowledge(ctx, msg)
		if l.store != nil {
			l.store.ClearResult(ctx, l.flowID)
		}
		return msg, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Message{}, ErrResultTimeout
		}
		return Message{}, ctx.Err()
	}
}

// accept filters messages down to terminal results for this flow. A Loaded
// announcement is consumed here: it tells us the child is reachable for a
// direct acknowledgement but carries no outcome.
func (l *Listener) accept(msg Message) bool {
	if msg.Kind == KindLoaded && msg.FlowID == l.flowID {
		l.logger.Debug("Child context announced readiness", "flow_id", l.flowID)
		return false
	}
	return msg.Terminal() && msg.FlowID == l.flowID
}

func (l *Listener) offer(results chan<- Message, msg Message) {
	select {
	case results <- msg:
	default:
		// A result already won the race; this copy is a duplicate.
	}
}

func (l *Listener) watchInbox(ctx context.Context, results chan<- Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-l.inbox.Messages():
			if l.accept(msg) {
				l.offer(results, msg)
			}
		}
	}
}

func (l *Listener) watchBus(ctx context.Context, results chan<- Message) {
	ch, cancel, err := l.bus.Subscribe(ctx, l.channel)
	if err != nil {
		l.logger.Debug("Failed to subscribe for flow result", "error", err)
		return
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			msg, err := Decode(payload)
			if err != nil {
				continue
			}
			if l.accept(msg) {
				l.offer(results, msg)
			}
		}
	}
}

func (l *Listener) pollStore(ctx context.Context, results chan<- Message) {
	ticker := time.NewTicker(DefaultPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg, err := l.store.PollResult(ctx, l.flowID)
			if err != nil {
				if !errors.Is(err, storage.ErrKeyNotFound) {
					l.logger.Debug("Result poll failed", "error", err)
				}
				continue
			}
			if l.accept(msg) {
				l.offer(results, msg)
			}
		}
	}
}

// acknowledge sends the acknowledgement over every configured transport so it
// reaches the sender on whichever channel still works. Failures are logged;
// the sender falls back to its own timeout.
func (l *Listener) acknowledge(ctx context.Context, msg Message) {
	if len(l.transports) == 0 {
		return
	}
	ack := NewAck(msg.FlowID)
	for _, t := range l.transports {
		if err := t.Deliver(ctx, ack); err != nil {
			l.logger.Debug("Failed to deliver acknowledgement",
				"transport", t.Name(), "flow_id", msg.FlowID, "error", err)
		}
	}
}

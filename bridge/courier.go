package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/giantswarm/authflow/instrumentation"
	"github.com/giantswarm/authflow/storage"
)

// DefaultAckTimeout bounds how long the sending context waits for the
// receiving context to acknowledge a terminal message.
const DefaultAckTimeout = 2 * time.Second

// Courier is the sending half of the cross-context handshake. The callback
// context uses it to push the flow outcome to the context that initiated the
// flow, over every configured transport at once, and to wait briefly for an
// acknowledgement before releasing itself.
type Courier struct {
	flowID     string
	transports []Transport
	inbox      *Inbox
	bus        Bus
	channel    string
	store      *StoreChannel
	ackTimeout time.Duration
	logger     *slog.Logger
	metrics    *instrumentation.Metrics

	// closer releases the sending context once the handshake is done, for
	// example by closing a popup window. Nil means the context cannot be
	// released programmatically.
	closer func() error

	// onManualRelease runs when closer is absent or fails, so the caller
	// can surface a "you may close this window" style prompt.
	onManualRelease func()
}

// CourierConfig carries the transports and hooks for a Courier.
type CourierConfig struct {
	// FlowID scopes acknowledgements to this flow.
	FlowID string

	// Transports are tried concurrently on every Deliver. At least one is
	// required.
	Transports []Transport

	// Inbox receives direct acknowledgements addressed to this context.
	// Optional.
	Inbox *Inbox

	// Bus and Channel receive broadcast acknowledgements. Optional.
	Bus     Bus
	Channel string

	// Store receives polled acknowledgements. Optional.
	Store *StoreChannel

	// AckTimeout overrides DefaultAckTimeout when positive.
	AckTimeout time.Duration

	// Closer releases this context after the handshake. Optional.
	Closer func() error

	// OnManualRelease runs when the context could not be released
	// programmatically. Optional.
	OnManualRelease func()

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics records delivery and acknowledgement instruments. Optional.
	Metrics *instrumentation.Metrics
}

// NewCourier creates a Courier from cfg.
func NewCourier(cfg CourierConfig) (*Courier, error) {
	if cfg.FlowID == "" {
		return nil, errors.New("flow ID is required")
	}
	if len(cfg.Transports) == 0 {
		return nil, errors.New("at least one transport is required")
	}
	timeout := cfg.AckTimeout
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	channel := cfg.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Courier{
		flowID:          cfg.FlowID,
		transports:      cfg.Transports,
		inbox:           cfg.Inbox,
		bus:             cfg.Bus,
		channel:         channel,
		store:           cfg.Store,
		ackTimeout:      timeout,
		logger:          logger,
		metrics:         cfg.Metrics,
		closer:          cfg.Closer,
		onManualRelease: cfg.OnManualRelease,
	}, nil
}

// Deliver sends msg over every transport concurrently. Delivery succeeds when
// at least one transport accepted the message; individual transport failures
// are logged but do not fail the delivery as long as another one got through.
func (c *Courier) Deliver(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		firstErr error
	)

	for _, t := range c.transports {
		wg.Add(1)
		go func(t Transport) {
			defer wg.Done()
			err := t.Deliver(ctx, msg)
			c.metrics.RecordBridgeDelivery(ctx, t.Name(), err == nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.logger.Debug("Transport delivery failed",
					"transport", t.Name(), "flow_id", msg.FlowID, "error", err)
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			accepted++
		}(t)
	}
	wg.Wait()

	if accepted == 0 {
		c.logger.Warn("All transports failed to deliver message",
			"flow_id", msg.FlowID, "kind", msg.Kind, "transports", len(c.transports))
		return firstErr
	}
	c.logger.Debug("Message delivered",
		"flow_id", msg.FlowID, "kind", msg.Kind,
		"accepted", accepted, "transports", len(c.transports))
	return nil
}

// AwaitAck waits for the receiving context to acknowledge the flow, over any
// of the configured acknowledgement sources. Returns false when the timeout
// elapses first; a missed acknowledgement is not an error because the store
// transport keeps the result readable after this context is gone.
func (c *Courier) AwaitAck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.ackTimeout)
	defer cancel()

	acked := make(chan struct{}, 1)

	if c.inbox != nil {
		go c.watchInboxAck(ctx, acked)
	}
	if c.bus != nil {
		go c.watchBusAck(ctx, acked)
	}
	if c.store != nil {
		go c.pollStoreAck(ctx, acked)
	}

	select {
	case <-acked:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Courier) watchInboxAck(ctx context.Context, acked chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.inbox.Messages():
			if msg.Kind == KindAck && msg.FlowID == c.flowID {
				select {
				case acked <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}

func (c *Courier) watchBusAck(ctx context.Context, acked chan<- struct{}) {
	ch, cancel, err := c.bus.Subscribe(ctx, c.channel)
	if err != nil {
		c.logger.Debug("Failed to subscribe for acknowledgement", "error", err)
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
			if msg.Kind == KindAck && msg.FlowID == c.flowID {
				select {
				case acked <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}

func (c *Courier) pollStoreAck(ctx context.Context, acked chan<- struct{}) {
	ticker := time.NewTicker(DefaultPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg, err := c.store.PollAck(ctx, c.flowID)
			if err != nil {
				if !errors.Is(err, storage.ErrKeyNotFound) {
					c.logger.Debug("Acknowledgement poll failed", "error", err)
				}
				continue
			}
			if msg.Kind == KindAck {
				c.store.ClearAck(ctx, c.flowID)
				select {
				case acked <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}

// SendResult delivers a terminal message, waits for the acknowledgement, then
// releases this context. The release happens regardless of whether the
// acknowledgement arrived.
func (c *Courier) SendResult(ctx context.Context, msg Message) error {
	if !msg.Terminal() {
		return errors.New("message is not a terminal result")
	}
	if err := c.Deliver(ctx, msg); err != nil {
		return err
	}
	sent := time.Now()
	if c.AwaitAck(ctx) {
		c.metrics.RecordAckRoundTrip(ctx, time.Since(sent))
	} else {
		c.logger.Debug("Acknowledgement timed out, releasing context anyway",
			"flow_id", c.flowID, "timeout", c.ackTimeout)
	}
	c.Release()
	return nil
}

// Release closes the sending context, falling back to the manual-release hook
// when the context cannot be closed programmatically.
func (c *Courier) Release() {
	if c.closer != nil {
		err := c.closer()
		if err == nil {
			return
		}
		c.logger.Debug("Failed to release context programmatically", "error", err)
	}
	if c.onManualRelease != nil {
		c.onManualRelease()
	}
}

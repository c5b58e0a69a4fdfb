package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/authflow/storage"
)

// LatestResultKey is the flow-independent result key. It is written alongside
// the flow-scoped key so a reader that lost the flow identifier can still
// recover the outcome.
const LatestResultKey = storage.ResultKeyPrefix + "latest"

// ackKeyPrefix scopes acknowledgement records in the session store.
const ackKeyPrefix = "authflow.ack."

// resultKey returns the flow-scoped result key for flowID.
func resultKey(flowID string) string {
	return storage.ResultKeyPrefix + flowID
}

// ackKey returns the flow-scoped acknowledgement key for flowID.
func ackKey(flowID string) string {
	return ackKeyPrefix + flowID
}

// StoreChannel is the Transport over a shared session store. Deliver writes
// the encoded message under both the flow-scoped key and LatestResultKey;
// the receiving side polls for either. Slowest of the three transports but
// the only one that survives the writer exiting before the reader looks.
type StoreChannel struct {
	store  storage.SessionStore
	logger *slog.Logger
}

var _ Transport = (*StoreChannel)(nil)

// NewStoreChannel creates a store-backed transport.
func NewStoreChannel(store storage.SessionStore, logger *slog.Logger) *StoreChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreChannel{store: store, logger: logger}
}

// Name implements Transport.
func (s *StoreChannel) Name() string { return "store" }

// Deliver implements Transport.
func (s *StoreChannel) Deliver(ctx context.Context, msg Message) error {
	encoded, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	if msg.Kind == KindAck {
		return s.store.Set(ctx, ackKey(msg.FlowID), encoded)
	}

	if err := s.store.Set(ctx, resultKey(msg.FlowID), encoded); err != nil {
		return fmt.Errorf("failed to write flow result: %w", err)
	}
	if err := s.store.Set(ctx, LatestResultKey, encoded); err != nil {
		// The flow-scoped write already landed, so the delivery counts.
		s.logger.Debug("Failed to write latest result key", "error", err)
	}
	return nil
}

// PollResult reads the result message for flowID from the store, checking the
// flow-scoped key first and LatestResultKey second. Returns storage.ErrKeyNotFound
// when neither holds a message for this flow.
func (s *StoreChannel) PollResult(ctx context.Context, flowID string) (Message, error) {
	for _, key := range []string{resultKey(flowID), LatestResultKey} {
		raw, err := s.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, storage.ErrKeyNotFound) {
				continue
			}
			return Message{}, err
		}
		msg, err := Decode(raw)
		if err != nil {
			s.logger.Debug("Discarding undecodable stored result", "key", key, "error", err)
			continue
		}
		if msg.FlowID != flowID {
			continue
		}
		return msg, nil
	}
	return Message{}, storage.ErrKeyNotFound
}

// PollAck reads the acknowledgement for flowID. Returns storage.ErrKeyNotFound
// until the receiving side has written one.
func (s *StoreChannel) PollAck(ctx context.Context, flowID string) (Message, error) {
	raw, err := s.store.Get(ctx, ackKey(flowID))
	if err != nil {
		return Message{}, err
	}
	msg, err := Decode(raw)
	if err != nil {
		return Message{}, fmt.Errorf("failed to decode stored ack: %w", err)
	}
	return msg, nil
}

// ClearResult removes the result records for flowID. Called by the receiving
// side after a result has been consumed so a later flow does not observe a
// stale outcome under LatestResultKey. The acknowledgement key is not touched
// here; the sender clears it once observed.
func (s *StoreChannel) ClearResult(ctx context.Context, flowID string) {
	for _, key := range []string{resultKey(flowID), LatestResultKey} {
		if err := s.store.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
			s.logger.Debug("Failed to clear delivery record", "key", key, "error", err)
		}
	}
}

// ClearAck removes the acknowledgement record for flowID.
func (s *StoreChannel) ClearAck(ctx context.Context, flowID string) {
	if err := s.store.Delete(ctx, ackKey(flowID)); err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
		s.logger.Debug("Failed to clear acknowledgement record", "error", err)
	}
}

// DefaultPollInterval is how often the receiving side re-reads the store
// while waiting for a result or an acknowledgement.
const DefaultPollInterval = 100 * time.Millisecond

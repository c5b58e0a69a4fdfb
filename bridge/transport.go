package bridge

import (
	"context"
	"errors"
)

// Transport delivery errors.
var (
	// ErrNoTarget means the destination context is gone (the opener
	// reference was severed or the child never registered).
	ErrNoTarget = errors.New("bridge: target context not available")

	// ErrOriginMismatch means the destination exists but none of the trusted
	// origins matched it.
	ErrOriginMismatch = errors.New("bridge: no trusted origin matched target")

	// ErrInboxFull means the destination inbox could not accept the message.
	ErrInboxFull = errors.New("bridge: target inbox full")

	// ErrAckTimeout means no acknowledgment arrived within the ack window.
	ErrAckTimeout = errors.New("bridge: acknowledgment timeout")
)

// Transport is one delivery strategy for a message. No single strategy is
// reliably available in every deployment, so the Courier fans a message out
// over all of them; a strategy failing is logged, not fatal.
type Transport interface {
	// Name identifies the strategy in logs and metrics.
	Name() string

	// Deliver attempts to hand msg to the peer context over this strategy.
	// A nil return means the strategy believes the message reached shared
	// state the peer can observe; it is not an end-to-end receipt.
	Deliver(ctx context.Context, msg Message) error
}

package bridge

import (
	"context"
	"fmt"
	"sync"
)

// OriginWildcard matches any target origin. It sits last in the trusted
// origin list as the delivery of last resort.
const OriginWildcard = "*"

// inboxBuffer sizes context inboxes. Terminal traffic per flow is one message
// plus one ack; a small buffer absorbs redundant duplicates.
const inboxBuffer = 8

// Inbox is the direct-message receiving end of a registered context.
type Inbox struct {
	id     string
	origin string
	ch     chan Message
}

// ID returns the context identifier the inbox was registered under.
func (i *Inbox) ID() string { return i.id }

// Origin returns the origin label the inbox was registered under.
func (i *Inbox) Origin() string { return i.origin }

// Messages returns the receive channel.
func (i *Inbox) Messages() <-chan Message { return i.ch }

// Registry tracks the contexts reachable by direct reference. It is the
// in-process analog of holding a window reference: an entry disappearing
// models the reference being severed.
type Registry struct {
	mu       sync.RWMutex
	contexts map[string]*Inbox
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{contexts: make(map[string]*Inbox)}
}

// ChildID returns the registry identifier a child context registers under
// while it serves the callback for flowID. The initiating context addresses
// its acknowledgement to this id.
func ChildID(flowID string) string {
	return "child." + flowID
}

// Register creates an inbox for a context. Registering an id again replaces
// the previous inbox.
func (r *Registry) Register(id, origin string) *Inbox {
	inbox := &Inbox{id: id, origin: origin, ch: make(chan Message, inboxBuffer)}

	r.mu.Lock()
	r.contexts[id] = inbox
	r.mu.Unlock()
	return inbox
}

// Unregister severs the direct reference to a context.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.contexts, id)
	r.mu.Unlock()
}

// Lookup returns the inbox for id, if any.
func (r *Registry) Lookup(id string) (*Inbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inbox, ok := r.contexts[id]
	return inbox, ok
}

// Direct delivers messages to one registered context, trying a small ordered
// set of trusted origins before falling back to the wildcard (if listed).
// The order is fixed by the caller: same-origin first, then the identity
// provider origin, then the referring origin, wildcard last.
type Direct struct {
	registry *Registry
	targetID string
	trusted  []string
}

var _ Transport = (*Direct)(nil)

// NewDirect creates a direct transport aimed at targetID.
func NewDirect(registry *Registry, targetID string, trustedOrigins []string) *Direct {
	return &Direct{registry: registry, targetID: targetID, trusted: trustedOrigins}
}

// Name implements Transport.
func (d *Direct) Name() string { return "direct" }

// Deliver implements Transport. The message is posted once, against the first
// trusted origin that matches the target.
func (d *Direct) Deliver(ctx context.Context, msg Message) error {
	inbox, ok := d.registry.Lookup(d.targetID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoTarget, d.targetID)
	}

	for _, origin := range d.trusted {
		if origin != OriginWildcard && origin != inbox.origin {
			continue
		}
		select {
		case inbox.ch <- msg:
			return nil
		default:
			return fmt.Errorf("%w: %s", ErrInboxFull, d.targetID)
		}
	}
	return fmt.Errorf("%w: target origin %q", ErrOriginMismatch, inbox.origin)
}

// Package events provides the in-process pub/sub bus for escrow lifecycle
// events.
//
// The bus is best-effort by design: subscribers with full buffers miss
// events rather than block publishers. Consumers that act on events with
// financial consequence (the settlement broker) must re-verify against the
// authoritative escrow store before acting, so a dropped or duplicated
// event is never unsafe, only slow.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type identifies an escrow lifecycle event.
type Type string

const (
	TypeCreated              Type = "escrow.created"
	TypeClaimed              Type = "escrow.claimed"
	TypeRefunded             Type = "escrow.refunded"
	TypeResolverAuthorized   Type = "resolver.authorized"
	TypeResolverDeauthorized Type = "resolver.deauthorized"
	TypeDisputed             Type = "escrow.disputed"
	TypeDisputeResolved      Type = "dispute.resolved"
)

// Event carries the fields of a single lifecycle event. Only the fields
// relevant to the event type are populated.
type Event struct {
	Type     Type      `json:"type"`
	EscrowID string    `json:"escrowId,omitempty"`
	At       time.Time `json:"at"`

	// Creation fields
	Sender     string    `json:"sender,omitempty"`
	Recipient  string    `json:"recipient,omitempty"`
	Asset      string    `json:"asset,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	SecretHash string    `json:"secretHash,omitempty"`
	Timelock   time.Time `json:"timelock,omitempty"`
	DatasetRef string    `json:"datasetRef,omitempty"`

	// Claim / refund fields
	Caller string `json:"caller,omitempty"`
	Secret string `json:"secret,omitempty"` // disclosed on claim

	// Resolver fields
	Resolver string `json:"resolver,omitempty"`
	Bond     string `json:"bond,omitempty"`

	// Dispute fields
	DisputeID string `json:"disputeId,omitempty"`
	Disputant string `json:"disputant,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
	logger *slog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: logger,
	}
}

// Subscribe registers a subscriber with the given channel buffer size.
// The returned cancel function removes the subscription and closes the
// channel; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish delivers the event to all subscribers without blocking. An event
// that does not fit a subscriber's buffer is dropped for that subscriber.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn("event dropped for slow subscriber",
				"subscriber", id, "type", string(e.Type), "escrowId", e.EscrowID)
		}
	}
}

// Close tears down all subscriptions. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

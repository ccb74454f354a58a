// Package events is the in-process bus carrying typed broker events from
// the engine, registry, and payment orchestrator to boundary adapters.
// Event kinds are a closed enum; stringly-typed dispatch exists only at the
// push-layer wire boundary.
package events

import (
	"sync"
	"time"

	"github.com/kaustubh76/synapse/internal/core"
)

// Kind enumerates every event the core can emit.
type Kind string

const (
	IntentCreated   Kind = "intent:created"
	IntentUpdated   Kind = "intent:updated"
	BidReceived     Kind = "bid:received"
	WinnerSelected  Kind = "winner:selected"
	FailoverTrigger Kind = "failover:triggered"
	IntentCompleted Kind = "intent:completed"
	IntentFailed    Kind = "intent:failed"
	PaymentSettled  Kind = "payment:settled"
	ProviderOnline  Kind = "provider:online"
	ProviderOffline Kind = "provider:offline"
	ProviderUpdated Kind = "provider:updated"
)

// Event is the tagged variant published on the bus. Only the fields
// relevant to the kind are populated.
type Event struct {
	Kind Kind
	Time time.Time

	Intent   *core.Intent
	Bid      *core.Bid
	Bids     []*core.Bid
	Provider *core.Provider

	// Auction context
	Winner        *core.Bid
	Leader        *core.Bid
	TotalBids     int
	FailoverQueue []string

	// Failover context
	FailedProvider     string
	NewProvider        string
	RemainingFailovers int

	// Completion context
	Settlement *core.PaymentSettlement
	Reason     string
}

// Bus fans events out to subscriber channels. Publish never blocks: a full
// subscriber drops the event, the same policy as the push layer's LOW tier.
type Bus struct {
	mu         sync.RWMutex
	subs       []chan Event
	bufferSize int
}

// NewBus creates a bus with the given per-subscriber buffer.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{bufferSize: bufferSize}
}

// Subscribe returns a channel receiving every published event.
func (b *Bus) Subscribe() chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subs = append(b.subs, ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	filtered := b.subs[:0]
	for _, s := range b.subs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.subs = filtered
	close(ch)
}

// Publish delivers an event to all subscribers without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

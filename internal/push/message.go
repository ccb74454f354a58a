// Package push fans lifecycle events out to subscribers over topic rooms
// with per-subscriber priority queues, batched flushing, and backpressure
// that sheds LOW traffic instead of blocking producers.
package push

import "time"

// Priority orders delivery inside a flush. HIGH is never dropped.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// Wire event names. Strings live only at this boundary; the core uses the
// typed events bus.
const (
	EventConnected       = "CONNECTED"
	EventIntentCreated   = "intent:created"
	EventIntentUpdated   = "intent:updated"
	EventIntentSnapshot  = "intent:snapshot"
	EventBidReceived     = "bid:received"
	EventWinnerSelected  = "winner:selected"
	EventFailover        = "failover:triggered"
	EventIntentCompleted = "intent:completed"
	EventIntentFailed    = "intent:failed"
	EventPaymentSettled  = "payment:settled"
	EventProviderOnline  = "provider:online"
	EventProviderOffline = "provider:offline"
	EventProviderUpdated = "provider:updated"
	EventError           = "error"
)

// PriorityFor assigns the delivery priority of an event. Heartbeats,
// stats, and anything unenumerated ride LOW and may be shed under load.
func PriorityFor(event string) Priority {
	switch event {
	case EventWinnerSelected, EventIntentCompleted, EventIntentFailed, EventError:
		return PriorityHigh
	case EventBidReceived, EventIntentUpdated, EventFailover:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Message is one queued push unit.
type Message struct {
	Event     string
	Payload   interface{}
	Priority  Priority
	Timestamp time.Time
	seq       uint64 // submission order within a subscriber
}

// Envelope is the wire record delivered to a subscriber.
type Envelope struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Count     int         `json:"count,omitempty"` // set on _batch envelopes
	Timestamp int64       `json:"timestamp"`       // epoch millis
}

// Room names.
const (
	RoomProviders = "providers"
	RoomDashboard = "dashboard"
)

// IntentRoom returns the room carrying one intent's lifecycle.
func IntentRoom(intentID string) string { return "intent:" + intentID }

// CapabilityRoom returns the room for providers serving a capability.
func CapabilityRoom(cap string) string { return "capability:" + cap }

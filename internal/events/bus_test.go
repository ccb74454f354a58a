package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaustubh76/synapse/internal/core"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	bus := NewBus(8)
	a := bus.Subscribe()
	b := bus.Subscribe()
	assert.Equal(t, 2, bus.SubscriberCount())

	bus.Publish(Event{Kind: IntentCreated, Intent: &core.Intent{ID: "i-1"}})

	for _, ch := range []chan Event{a, b} {
		ev := <-ch
		assert.Equal(t, IntentCreated, ev.Kind)
		require.NotNil(t, ev.Intent)
		assert.Equal(t, "i-1", ev.Intent.ID)
		assert.False(t, ev.Time.IsZero())
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	bus := NewBus(1)
	slow := bus.Subscribe()

	bus.Publish(Event{Kind: BidReceived})
	// Buffer is full now; this publish must drop rather than block.
	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Kind: BidReceived})
		close(done)
	}()
	<-done

	assert.Len(t, slow, 1)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(1)
	ch := bus.Subscribe()
	bus.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, bus.SubscriberCount())

	// Publishing after unsubscribe is a no-op.
	bus.Publish(Event{Kind: IntentFailed})
}

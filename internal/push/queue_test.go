package push

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func msg(event string, p Priority) Message {
	return Message{Event: event, Priority: p}
}

func TestQueueBackpressureScenario(t *testing.T) {
	// The dashboard-subscriber scenario: capacity 4, three LOW stats, then
	// one more LOW, then two HIGH completions.
	q := newQueue(4)

	for i := 0; i < 3; i++ {
		assert.True(t, q.enqueue(msg("stats", PriorityLow)))
	}
	assert.True(t, q.enqueue(msg("stats", PriorityLow))) // [L,L,L,L]
	assert.Equal(t, 4, q.len())

	// HIGH evicts the oldest LOW twice.
	assert.True(t, q.enqueue(msg("intent:completed", PriorityHigh)))
	assert.True(t, q.enqueue(msg("intent:completed", PriorityHigh)))
	assert.Equal(t, 4, q.len())
	assert.Equal(t, uint64(2), q.dropped)
	assert.Equal(t, 2, q.pendingAt(PriorityHigh))
	assert.Equal(t, 2, q.pendingAt(PriorityLow))

	// Drain order: HIGH first, then the surviving LOWs, FIFO inside class.
	batch := q.drain(50)
	assert.Len(t, batch, 4)
	assert.Equal(t, PriorityHigh, batch[0].Priority)
	assert.Equal(t, PriorityHigh, batch[1].Priority)
	assert.Equal(t, PriorityLow, batch[2].Priority)
	assert.Equal(t, PriorityLow, batch[3].Priority)
}

func TestQueueDropsIncomingLowWhenFull(t *testing.T) {
	q := newQueue(2)
	q.enqueue(msg("a", PriorityMedium))
	q.enqueue(msg("b", PriorityMedium))

	assert.False(t, q.enqueue(msg("stats", PriorityLow)))
	assert.Equal(t, uint64(1), q.dropped)
	assert.Equal(t, 2, q.len())
}

func TestQueueOverflowsToHardCap(t *testing.T) {
	q := newQueue(2)
	// No LOW present: MEDIUM/HIGH may exceed capacity up to 2x.
	q.enqueue(msg("m1", PriorityMedium))
	q.enqueue(msg("m2", PriorityMedium))
	assert.True(t, q.enqueue(msg("h1", PriorityHigh)))
	assert.True(t, q.enqueue(msg("h2", PriorityHigh)))
	assert.Equal(t, 4, q.len())

	// Past the hard cap the oldest MEDIUM is sacrificed, never HIGH.
	assert.True(t, q.enqueue(msg("h3", PriorityHigh)))
	assert.Equal(t, 4, q.len())
	assert.Equal(t, 3, q.pendingAt(PriorityHigh))
	assert.Equal(t, 1, q.pendingAt(PriorityMedium))
}

func TestQueueHighNeverDropped(t *testing.T) {
	q := newQueue(2)
	for i := 0; i < 10; i++ {
		assert.True(t, q.enqueue(msg("h", PriorityHigh)))
	}
	assert.Equal(t, 10, q.pendingAt(PriorityHigh))
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	q := newQueue(10)
	q.enqueue(Message{Event: "first", Priority: PriorityMedium})
	q.enqueue(Message{Event: "second", Priority: PriorityMedium})
	q.enqueue(Message{Event: "third", Priority: PriorityMedium})

	batch := q.drain(2)
	assert.Equal(t, "first", batch[0].Event)
	assert.Equal(t, "second", batch[1].Event)
	assert.Equal(t, 1, q.len())

	batch = q.drain(50)
	assert.Equal(t, "third", batch[0].Event)
}

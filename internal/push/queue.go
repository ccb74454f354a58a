package push

import "sort"

// queue is a bounded per-subscriber message queue. Not safe for concurrent
// use; the owning subscriber's mutex guards it.
//
// Backpressure policy on enqueue at capacity:
//   - incoming LOW is dropped;
//   - otherwise the oldest LOW is evicted to make room;
//   - with no LOW left, HIGH/MEDIUM may overflow to a hard cap of
//     2x capacity, past which the oldest MEDIUM is evicted.
//
// HIGH messages are never dropped: their count can never exceed the hard
// cap because every slot they occupy was taken from LOW/MEDIUM first.
type queue struct {
	items    []Message
	capacity int
	nextSeq  uint64
	dropped  uint64
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = 100
	}
	return &queue{capacity: capacity}
}

// enqueue applies the backpressure policy and reports whether the message
// was queued.
func (q *queue) enqueue(m Message) bool {
	m.seq = q.nextSeq
	q.nextSeq++

	if len(q.items) < q.capacity {
		q.items = append(q.items, m)
		return true
	}

	if m.Priority == PriorityLow {
		q.dropped++
		return false
	}

	if q.evictOldest(PriorityLow) {
		q.items = append(q.items, m)
		return true
	}

	if len(q.items) < 2*q.capacity {
		q.items = append(q.items, m)
		return true
	}

	// Hard cap hit with no LOW to shed: sacrifice the oldest MEDIUM.
	if q.evictOldest(PriorityMedium) {
		q.items = append(q.items, m)
		return true
	}

	// Queue is entirely HIGH at twice capacity; the subscriber is beyond
	// saving, but HIGH still must not be silently lost.
	q.items = append(q.items, m)
	return true
}

// evictOldest removes the earliest-submitted message of the given priority.
func (q *queue) evictOldest(p Priority) bool {
	for i, m := range q.items {
		if m.Priority == p {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.dropped++
			return true
		}
	}
	return false
}

// drain removes up to max messages ordered by priority (HIGH first),
// preserving submission order within each priority class.
func (q *queue) drain(max int) []Message {
	if len(q.items) == 0 {
		return nil
	}
	sort.SliceStable(q.items, func(i, j int) bool {
		return q.items[i].Priority < q.items[j].Priority
	})

	n := len(q.items)
	if max > 0 && n > max {
		n = max
	}
	batch := make([]Message, n)
	copy(batch, q.items[:n])
	q.items = q.items[:copy(q.items, q.items[n:])]
	return batch
}

func (q *queue) len() int { return len(q.items) }

// pendingAt counts queued messages of one priority.
func (q *queue) pendingAt(p Priority) int {
	n := 0
	for _, m := range q.items {
		if m.Priority == p {
			n++
		}
	}
	return n
}

package push

import (
	"log"
	"strings"
	"sync"
	"time"
)

// Transport delivers envelopes to one connected subscriber. The websocket
// adapter implements it; tests use an in-memory recorder.
type Transport interface {
	Send(env Envelope) error
}

// Subscriber is one push connection and its queue.
type Subscriber struct {
	ConnectionID string
	IsProvider   bool
	ProviderID   string

	mu        sync.Mutex
	rooms     map[string]bool
	queue     *queue
	healthy   bool
	transport Transport
}

// Rooms returns a copy of the subscriber's room set.
func (s *Subscriber) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	return out
}

// Dropped returns how many messages backpressure has shed for this
// subscriber.
func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.dropped
}

// Healthy reports whether the subscriber still receives flushes.
func (s *Subscriber) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

// PendingHigh counts queued HIGH messages (observability for the
// no-HIGH-loss invariant).
func (s *Subscriber) PendingHigh() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.pendingAt(PriorityHigh)
}

// SnapshotFunc produces the current state payload sent when a subscriber
// joins an intent room.
type SnapshotFunc func(intentID string) (interface{}, bool)

// Options tune the hub.
type Options struct {
	BatchInterval         time.Duration // flush tick, default 100ms
	MaxBatchSize          int           // per-flush drain, default 50
	BackpressureThreshold int           // queue capacity, default 100
	Snapshot              SnapshotFunc
}

// Hub owns rooms and subscribers and runs the shared flush tick.
type Hub struct {
	mu    sync.RWMutex
	subs  map[string]*Subscriber     // connectionID -> subscriber
	rooms map[string]map[string]bool // room -> set of connectionIDs

	batchInterval time.Duration
	maxBatchSize  int
	queueCapacity int
	snapshot      SnapshotFunc

	hwm      chan *Subscriber // high-watermark flush requests
	stop     chan struct{}
	stopOnce sync.Once

	stats  hubStats
	logger *log.Logger
}

type hubStats struct {
	mu               sync.Mutex
	totalConnections uint64
	messagesSent     uint64
	messagesDropped  uint64
	avgBatchSize     float64
}

// Stats is the read-only view of hub counters.
type Stats struct {
	TotalConnections  uint64  `json:"total_connections"`
	ActiveConnections int     `json:"active_connections"`
	ProviderCount     int     `json:"provider_count"`
	DashboardCount    int     `json:"dashboard_count"`
	MessagesSent      uint64  `json:"messages_sent"`
	MessagesDropped   uint64  `json:"messages_dropped"`
	AvgBatchSize      float64 `json:"avg_batch_size"`
}

// NewHub creates a hub; call Run to start the flush loop.
func NewHub(opts Options) *Hub {
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = 100 * time.Millisecond
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 50
	}
	if opts.BackpressureThreshold <= 0 {
		opts.BackpressureThreshold = 100
	}
	return &Hub{
		subs:          make(map[string]*Subscriber),
		rooms:         make(map[string]map[string]bool),
		batchInterval: opts.BatchInterval,
		maxBatchSize:  opts.MaxBatchSize,
		queueCapacity: opts.BackpressureThreshold,
		snapshot:      opts.Snapshot,
		hwm:           make(chan *Subscriber, 64),
		stop:          make(chan struct{}),
		logger:        log.New(log.Writer(), "[Push] ", log.LstdFlags),
	}
}

// Run starts the shared flush loop. Blocks until Close.
func (h *Hub) Run() {
	ticker := time.NewTicker(h.batchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.FlushAll()
		case sub := <-h.hwm:
			h.flushSubscriber(sub)
		case <-h.stop:
			return
		}
	}
}

// Close stops the flush loop.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Connect registers a subscriber and sends the CONNECTED welcome directly
// (not queued, so it always precedes queued traffic).
func (h *Hub) Connect(connectionID string, transport Transport, isProvider bool, providerID string) *Subscriber {
	sub := &Subscriber{
		ConnectionID: connectionID,
		IsProvider:   isProvider,
		ProviderID:   providerID,
		rooms:        make(map[string]bool),
		queue:        newQueue(h.queueCapacity),
		healthy:      true,
		transport:    transport,
	}

	h.mu.Lock()
	h.subs[connectionID] = sub
	h.mu.Unlock()

	h.stats.mu.Lock()
	h.stats.totalConnections++
	h.stats.mu.Unlock()
	activeConnections.Inc()

	h.sendDirect(sub, Envelope{
		Type:      EventConnected,
		Payload:   map[string]interface{}{"connection_id": connectionID},
		Timestamp: time.Now().UnixMilli(),
	})
	return sub
}

// Disconnect drops a subscriber: queue discarded, room membership
// recomputed, no final drain.
func (h *Hub) Disconnect(connectionID string) {
	h.mu.Lock()
	sub, ok := h.subs[connectionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, connectionID)
	for room := range sub.rooms {
		h.leaveLocked(room, connectionID)
	}
	h.mu.Unlock()

	activeConnections.Dec()
	h.logger.Printf("Subscriber %s disconnected", connectionID)
}

// Subscribe joins a subscriber to a room. Joining an intent room triggers
// a one-off MEDIUM snapshot send outside the batch path.
func (h *Hub) Subscribe(connectionID, room string) bool {
	h.mu.Lock()
	sub, ok := h.subs[connectionID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]bool)
		h.rooms[room] = members
	}
	members[connectionID] = true
	sub.mu.Lock()
	sub.rooms[room] = true
	sub.mu.Unlock()
	h.mu.Unlock()

	if h.snapshot != nil {
		if intentID, ok := strings.CutPrefix(room, "intent:"); ok {
			if payload, found := h.snapshot(intentID); found {
				h.sendDirect(sub, Envelope{
					Type:      EventIntentSnapshot,
					Payload:   payload,
					Timestamp: time.Now().UnixMilli(),
				})
			}
		}
	}
	return true
}

// Unsubscribe removes a subscriber from a room.
func (h *Hub) Unsubscribe(connectionID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[connectionID]; ok {
		sub.mu.Lock()
		delete(sub.rooms, room)
		sub.mu.Unlock()
	}
	h.leaveLocked(room, connectionID)
}

// leaveLocked removes room membership. Caller holds h.mu.
func (h *Hub) leaveLocked(room, connectionID string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, connectionID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Emit enqueues an event for every healthy subscriber of a room. Enqueue
// never blocks the producer; a subscriber past the high watermark gets an
// out-of-tick flush request instead.
func (h *Hub) Emit(room, event string, payload interface{}) {
	msg := Message{
		Event:     event,
		Payload:   payload,
		Priority:  PriorityFor(event),
		Timestamp: time.Now(),
	}

	h.mu.RLock()
	members := h.rooms[room]
	targets := make([]*Subscriber, 0, len(members))
	for id := range members {
		if sub, ok := h.subs[id]; ok {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		h.enqueue(sub, msg)
	}
}

// BroadcastToIntent emits into an intent's room.
func (h *Hub) BroadcastToIntent(intentID, event string, payload interface{}) {
	h.Emit(IntentRoom(intentID), event, payload)
}

// BroadcastToCapability emits into a capability room.
func (h *Hub) BroadcastToCapability(cap, event string, payload interface{}) {
	h.Emit(CapabilityRoom(cap), event, payload)
}

// BroadcastToProviders emits into the global providers room.
func (h *Hub) BroadcastToProviders(event string, payload interface{}) {
	h.Emit(RoomProviders, event, payload)
}

// BroadcastToDashboard emits into the dashboard room.
func (h *Hub) BroadcastToDashboard(event string, payload interface{}) {
	h.Emit(RoomDashboard, event, payload)
}

// SendToProvider enqueues for the subscribers registered as a provider id.
func (h *Hub) SendToProvider(providerID, event string, payload interface{}) {
	msg := Message{
		Event:     event,
		Payload:   payload,
		Priority:  PriorityFor(event),
		Timestamp: time.Now(),
	}

	h.mu.RLock()
	var targets []*Subscriber
	for _, sub := range h.subs {
		if sub.IsProvider && sub.ProviderID == providerID {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		h.enqueue(sub, msg)
	}
}

func (h *Hub) enqueue(sub *Subscriber, msg Message) {
	sub.mu.Lock()
	if !sub.healthy {
		sub.mu.Unlock()
		return
	}
	before := sub.queue.dropped
	sub.queue.enqueue(msg)
	droppedDelta := sub.queue.dropped - before
	over := sub.queue.len() >= sub.queue.capacity
	sub.mu.Unlock()

	if droppedDelta > 0 {
		h.stats.mu.Lock()
		h.stats.messagesDropped += droppedDelta
		h.stats.mu.Unlock()
		messagesDropped.Add(float64(droppedDelta))
	}

	if over {
		select {
		case h.hwm <- sub:
		default:
			// Flush loop is behind; the next tick will catch it.
		}
	}
}

// FlushAll drains every healthy subscriber once. Exposed for tests and
// driven by the Run ticker in production.
func (h *Hub) FlushAll() {
	h.mu.RLock()
	targets := make([]*Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		h.flushSubscriber(sub)
	}
}

// flushSubscriber drains one batch, groups same-event messages, and sends.
func (h *Hub) flushSubscriber(sub *Subscriber) {
	sub.mu.Lock()
	if !sub.healthy || sub.queue.len() == 0 {
		sub.mu.Unlock()
		return
	}
	batch := sub.queue.drain(h.maxBatchSize)
	sub.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	envelopes := groupBatch(batch)
	sent := 0
	for _, env := range envelopes {
		if err := sub.transport.Send(env); err != nil {
			h.markUnhealthy(sub, err)
			break
		}
		sent++
	}

	h.stats.mu.Lock()
	h.stats.messagesSent += uint64(len(batch))
	// EMA over per-flush batch sizes, alpha 0.1.
	if h.stats.avgBatchSize == 0 {
		h.stats.avgBatchSize = float64(len(batch))
	} else {
		h.stats.avgBatchSize = 0.9*h.stats.avgBatchSize + 0.1*float64(len(batch))
	}
	h.stats.mu.Unlock()
	messagesSent.Add(float64(sent))
}

// groupBatch folds the drained batch into wire envelopes: runs of the same
// event collapse into one "<event>_batch" envelope, order preserved by
// first occurrence.
func groupBatch(batch []Message) []Envelope {
	type group struct {
		event    string
		payloads []interface{}
		ts       time.Time
	}
	var order []*group
	index := make(map[string]*group)

	for _, m := range batch {
		g, ok := index[m.Event]
		if !ok {
			g = &group{event: m.Event, ts: m.Timestamp}
			index[m.Event] = g
			order = append(order, g)
		}
		g.payloads = append(g.payloads, m.Payload)
	}

	out := make([]Envelope, 0, len(order))
	for _, g := range order {
		if len(g.payloads) == 1 {
			out = append(out, Envelope{
				Type:      g.event,
				Payload:   g.payloads[0],
				Timestamp: g.ts.UnixMilli(),
			})
			continue
		}
		out = append(out, Envelope{
			Type:      g.event + "_batch",
			Payload:   g.payloads,
			Count:     len(g.payloads),
			Timestamp: g.ts.UnixMilli(),
		})
	}
	return out
}

// markUnhealthy removes a subscriber from the flush set after a transport
// error. Recovery policy is out of scope; the connection owner disconnects.
func (h *Hub) markUnhealthy(sub *Subscriber, err error) {
	sub.mu.Lock()
	wasHealthy := sub.healthy
	sub.healthy = false
	sub.mu.Unlock()
	if wasHealthy {
		h.logger.Printf("Subscriber %s unhealthy: %v", sub.ConnectionID, err)
	}
}

// sendDirect bypasses the queue for connection-scoped messages (welcome,
// room snapshots).
func (h *Hub) sendDirect(sub *Subscriber, env Envelope) {
	if err := sub.transport.Send(env); err != nil {
		h.markUnhealthy(sub, err)
		return
	}
	h.stats.mu.Lock()
	h.stats.messagesSent++
	h.stats.mu.Unlock()
	messagesSent.Inc()
}

// GetStats returns the hub's counters.
func (h *Hub) GetStats() Stats {
	h.mu.RLock()
	active := len(h.subs)
	providers := 0
	for _, sub := range h.subs {
		if sub.IsProvider {
			providers++
		}
	}
	dashboard := 0
	if members, ok := h.rooms[RoomDashboard]; ok {
		dashboard = len(members)
	}
	h.mu.RUnlock()

	h.stats.mu.Lock()
	defer h.stats.mu.Unlock()
	return Stats{
		TotalConnections:  h.stats.totalConnections,
		ActiveConnections: active,
		ProviderCount:     providers,
		DashboardCount:    dashboard,
		MessagesSent:      h.stats.messagesSent,
		MessagesDropped:   h.stats.messagesDropped,
		AvgBatchSize:      h.stats.avgBatchSize,
	}
}

// Subscriber returns the subscriber for a connection id.
func (h *Hub) Subscriber(connectionID string) (*Subscriber, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sub, ok := h.subs[connectionID]
	return sub, ok
}

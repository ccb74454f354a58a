package api

import (
	"strings"
	"sync"

	"github.com/kaustubh76/synapse/internal/core"
	"github.com/kaustubh76/synapse/internal/events"
	"github.com/kaustubh76/synapse/internal/push"
)

// Bridge translates typed bus events into push envelopes, applying the
// per-event room targeting. It is the only place wire event names and
// typed kinds meet.
type Bridge struct {
	bus *events.Bus
	hub *push.Hub

	ch       chan events.Event
	stop     chan struct{}
	stopOnce sync.Once
}

// NewBridge subscribes to the bus; call Run to start forwarding.
func NewBridge(bus *events.Bus, hub *push.Hub) *Bridge {
	return &Bridge{
		bus:  bus,
		hub:  hub,
		ch:   bus.Subscribe(),
		stop: make(chan struct{}),
	}
}

// Run forwards events until Close. Blocks; run in a goroutine.
func (b *Bridge) Run() {
	for {
		select {
		case ev := <-b.ch:
			b.forward(ev)
		case <-b.stop:
			return
		}
	}
}

// Close stops forwarding and drops the bus subscription.
func (b *Bridge) Close() {
	b.stopOnce.Do(func() {
		close(b.stop)
		b.bus.Unsubscribe(b.ch)
	})
}

func (b *Bridge) forward(ev events.Event) {
	event := string(ev.Kind)

	switch ev.Kind {
	case events.IntentCreated:
		payload := map[string]interface{}{"intent": ev.Intent}
		b.hub.BroadcastToProviders(event, payload)
		b.emitCapabilityRooms(ev.Intent.Type, event, payload)
		b.hub.BroadcastToDashboard(event, payload)

	case events.BidReceived:
		payload := map[string]interface{}{
			"bid":            ev.Bid,
			"intent":         ev.Intent,
			"total_bids":     ev.TotalBids,
			"current_leader": ev.Leader,
		}
		b.hub.BroadcastToIntent(ev.Intent.ID, event, payload)
		b.hub.BroadcastToDashboard(event, payload)

	case events.WinnerSelected:
		payload := map[string]interface{}{
			"winner":         ev.Winner,
			"intent":         ev.Intent,
			"all_bids":       ev.Bids,
			"failover_queue": ev.FailoverQueue,
		}
		b.hub.BroadcastToIntent(ev.Intent.ID, event, payload)
		b.hub.BroadcastToProviders(event, payload)
		b.hub.BroadcastToDashboard(event, payload)

	case events.FailoverTrigger:
		payload := map[string]interface{}{
			"intent":              ev.Intent,
			"failed_provider":     ev.FailedProvider,
			"new_provider":        ev.NewProvider,
			"remaining_failovers": ev.RemainingFailovers,
			"all_bids":            ev.Bids,
		}
		b.hub.BroadcastToIntent(ev.Intent.ID, event, payload)
		b.hub.BroadcastToDashboard(event, payload)

	case events.IntentCompleted:
		payload := map[string]interface{}{
			"intent": ev.Intent,
			"bids":   ev.Bids,
			"result": ev.Intent.Result,
		}
		b.hub.BroadcastToIntent(ev.Intent.ID, event, payload)
		b.hub.BroadcastToDashboard(event, payload)

	case events.IntentFailed:
		payload := map[string]interface{}{
			"intent": ev.Intent,
			"reason": ev.Reason,
			"bids":   ev.Bids,
		}
		b.hub.BroadcastToIntent(ev.Intent.ID, event, payload)
		b.hub.BroadcastToDashboard(event, payload)

	case events.PaymentSettled:
		payload := map[string]interface{}{
			"intent":                ev.Intent,
			"amount":                ev.Settlement.Amount.String(),
			"net_amount":            ev.Settlement.NetAmount.String(),
			"platform_fee":          ev.Settlement.PlatformFee.String(),
			"transaction_reference": ev.Settlement.TxReference,
		}
		b.hub.BroadcastToIntent(ev.Intent.ID, event, payload)
		b.hub.BroadcastToDashboard(event, payload)

	case events.ProviderOnline, events.ProviderOffline, events.ProviderUpdated:
		b.hub.BroadcastToDashboard(event, providerView(ev.Provider))

	case events.IntentUpdated:
		payload := map[string]interface{}{"intent": ev.Intent}
		b.hub.BroadcastToIntent(ev.Intent.ID, event, payload)
		b.hub.BroadcastToDashboard(event, payload)
	}
}

// emitCapabilityRooms targets both the exact capability room and the
// hierarchical prefix room so "weather" subscribers see "weather.current"
// auctions.
func (b *Bridge) emitCapabilityRooms(intentType, event string, payload interface{}) {
	b.hub.BroadcastToCapability(intentType, event, payload)
	if i := strings.IndexByte(intentType, '.'); i > 0 {
		b.hub.BroadcastToCapability(intentType[:i], event, payload)
	}
}

// providerView is the dashboard subset of a provider record.
func providerView(p *core.Provider) map[string]interface{} {
	return map[string]interface{}{
		"id":               p.ID,
		"address":          p.Address,
		"name":             p.Name,
		"status":           p.Status,
		"capabilities":     p.Capabilities,
		"reputation_score": p.ReputationScore,
		"total_jobs":       p.TotalJobs,
	}
}

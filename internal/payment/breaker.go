package payment

import (
	"context"
	"log"
	"time"

	"github.com/kaustubh76/synapse/internal/circuitbreaker"
)

// GuardedFacilitator wraps a Facilitator with a circuit breaker so a
// facilitator outage fails fast instead of stalling every settlement in
// its retry loop. Rejected calls surface as INFRA errors, which the
// engine treats as retryable.
type GuardedFacilitator struct {
	inner   Facilitator
	breaker *circuitbreaker.Breaker
}

// NewGuardedFacilitator wraps inner. The circuit opens after three
// consecutive transport failures and probes again after cooldown.
func NewGuardedFacilitator(inner Facilitator, cooldown time.Duration) *GuardedFacilitator {
	return &GuardedFacilitator{
		inner: inner,
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:        "facilitator",
			MaxRequests: 1,
			Timeout:     cooldown,
			ReadyToTrip: func(c circuitbreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				log.Printf("[Payment] circuit %s: %s -> %s", name, from, to)
			},
		}),
	}
}

// State exposes the circuit position for health reporting.
func (g *GuardedFacilitator) State() circuitbreaker.State { return g.breaker.State() }

func (g *GuardedFacilitator) Verify(ctx context.Context, payload string, req PaymentRequirements) (*VerifyResult, error) {
	var out *VerifyResult
	err := g.breaker.Execute(func() error {
		var callErr error
		out, callErr = g.inner.Verify(ctx, payload, req)
		return callErr
	})
	return out, err
}

func (g *GuardedFacilitator) Settle(ctx context.Context, payload string, req PaymentRequirements) (*SettleResult, error) {
	var out *SettleResult
	err := g.breaker.Execute(func() error {
		var callErr error
		out, callErr = g.inner.Settle(ctx, payload, req)
		return callErr
	})
	return out, err
}

func (g *GuardedFacilitator) Supported(ctx context.Context, q SupportedQuery) ([]SupportedMethod, error) {
	var out []SupportedMethod
	err := g.breaker.Execute(func() error {
		var callErr error
		out, callErr = g.inner.Supported(ctx, q)
		return callErr
	})
	return out, err
}

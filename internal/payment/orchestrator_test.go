package payment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaustubh76/synapse/internal/core"
	"github.com/kaustubh76/synapse/internal/money"
)

// scriptedFacilitator lets tests control verify/settle outcomes and observe
// call timing.
type scriptedFacilitator struct {
	mu           sync.Mutex
	verifyValid  bool
	verifyReason string
	settleOK     bool
	settleErr    string
	settleDelay  time.Duration
	settleCalls  int
}

func (f *scriptedFacilitator) Verify(ctx context.Context, payload string, req PaymentRequirements) (*VerifyResult, error) {
	return &VerifyResult{Valid: f.verifyValid, Error: f.verifyReason}, nil
}

func (f *scriptedFacilitator) Settle(ctx context.Context, payload string, req PaymentRequirements) (*SettleResult, error) {
	f.mu.Lock()
	f.settleCalls++
	delay := f.settleDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !f.settleOK {
		return &SettleResult{Success: false, Status: "FAILED", Error: f.settleErr}, nil
	}
	return &SettleResult{Success: true, TxReference: "tx-abc", Status: "CONFIRMED"}, nil
}

func (f *scriptedFacilitator) Supported(ctx context.Context, q SupportedQuery) ([]SupportedMethod, error) {
	return nil, nil
}

func newTestOrchestrator(f Facilitator) (*Orchestrator, *core.FakeClock) {
	clock := core.NewFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	return New(f, Options{FeePermille: 50, Clock: clock}), clock
}

func heldEscrow(t *testing.T, o *Orchestrator) *core.EscrowEntry {
	t.Helper()
	e, err := o.CreateEscrow(context.Background(), CreateEscrowRequest{
		IntentID:      "intent-1",
		ClientAddress: "0xclient",
		MaxBudget:     money.MustParse("0.020"),
	})
	require.NoError(t, err)
	return e
}

func TestCreateEscrowDefaultTTL(t *testing.T) {
	o, clock := newTestOrchestrator(&scriptedFacilitator{verifyValid: true, settleOK: true})
	e := heldEscrow(t, o)

	assert.Equal(t, core.EscrowHeld, e.Status)
	assert.Equal(t, clock.Now().Add(DefaultEscrowTTL), e.ExpiresAt)
}

func TestCreateEscrowVerifiesPayload(t *testing.T) {
	f := &scriptedFacilitator{verifyValid: false, verifyReason: "signature mismatch"}
	o, _ := newTestOrchestrator(f)

	_, err := o.CreateEscrow(context.Background(), CreateEscrowRequest{
		IntentID:       "intent-1",
		ClientAddress:  "0xclient",
		MaxBudget:      money.MustParse("0.020"),
		PaymentPayload: "payload",
	})
	require.Error(t, err)
	assert.Equal(t, core.KindVerification, core.KindOf(err))
}

func TestCreateEscrowRejectsDuplicate(t *testing.T) {
	o, _ := newTestOrchestrator(&scriptedFacilitator{settleOK: true})
	heldEscrow(t, o)

	_, err := o.CreateEscrow(context.Background(), CreateEscrowRequest{
		IntentID:      "intent-1",
		ClientAddress: "0xclient",
		MaxBudget:     money.MustParse("0.010"),
	})
	require.Error(t, err)
	assert.Equal(t, core.KindState, core.KindOf(err))
}

func TestReleaseEscrowHappyPath(t *testing.T) {
	o, _ := newTestOrchestrator(&scriptedFacilitator{settleOK: true})
	heldEscrow(t, o)

	s, err := o.ReleaseEscrow(context.Background(), "intent-1", ReleaseRequest{
		ProviderAddress: "0xP1",
		Amount:          money.MustParse("0.010"),
	})
	require.NoError(t, err)
	assert.True(t, s.Success)
	assert.Equal(t, "tx-abc", s.TxReference)
	assert.Equal(t, money.MustParse("0.000500"), s.PlatformFee)
	assert.Equal(t, money.MustParse("0.009500"), s.NetAmount)
	assert.Equal(t, s.Amount, s.PlatformFee+s.NetAmount)

	e, _ := o.GetEscrow("intent-1")
	assert.Equal(t, core.EscrowReleased, e.Status)

	// A second release cannot produce a second successful settlement.
	_, err = o.ReleaseEscrow(context.Background(), "intent-1", ReleaseRequest{
		ProviderAddress: "0xP2", Amount: money.MustParse("0.010"),
	})
	require.Error(t, err)
	assert.Equal(t, core.KindState, core.KindOf(err))
}

func TestReleaseEscrowBudgetBounds(t *testing.T) {
	o, _ := newTestOrchestrator(&scriptedFacilitator{settleOK: true})
	heldEscrow(t, o)

	// Exactly the budget is fine.
	_, err := o.ReleaseEscrow(context.Background(), "intent-1", ReleaseRequest{
		ProviderAddress: "0xP1", Amount: money.MustParse("0.020"),
	})
	require.NoError(t, err)
}

func TestReleaseEscrowOverBudgetRejected(t *testing.T) {
	o, _ := newTestOrchestrator(&scriptedFacilitator{settleOK: true})
	heldEscrow(t, o)

	_, err := o.ReleaseEscrow(context.Background(), "intent-1", ReleaseRequest{
		ProviderAddress: "0xP1", Amount: money.MustParse("0.020001"),
	})
	require.Error(t, err)
	assert.Equal(t, core.KindBudget, core.KindOf(err))
}

func TestReleaseEscrowFacilitatorFailureKeepsEscrowHeld(t *testing.T) {
	f := &scriptedFacilitator{settleOK: false, settleErr: "insufficient allowance"}
	o, _ := newTestOrchestrator(f)
	heldEscrow(t, o)

	s, err := o.ReleaseEscrow(context.Background(), "intent-1", ReleaseRequest{
		ProviderAddress: "0xP1", Amount: money.MustParse("0.010"),
	})
	require.Error(t, err)
	assert.Equal(t, core.KindSettlement, core.KindOf(err))
	assert.False(t, s.Success)
	assert.Contains(t, s.Error, "insufficient allowance")

	// Escrow stays HELD so a failover winner can still settle.
	e, _ := o.GetEscrow("intent-1")
	assert.Equal(t, core.EscrowHeld, e.Status)

	// Retry with a now-working facilitator succeeds.
	f.settleOK = true
	s, err = o.ReleaseEscrow(context.Background(), "intent-1", ReleaseRequest{
		ProviderAddress: "0xP2", Amount: money.MustParse("0.008"),
	})
	require.NoError(t, err)
	assert.True(t, s.Success)
}

func TestReleaseEscrowSettlementLatch(t *testing.T) {
	f := &scriptedFacilitator{settleOK: true, settleDelay: 100 * time.Millisecond}
	o, _ := newTestOrchestrator(f)
	heldEscrow(t, o)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := o.ReleaseEscrow(context.Background(), "intent-1", ReleaseRequest{
			ProviderAddress: "0xP1", Amount: money.MustParse("0.010"),
		})
		done <- err
	}()
	<-started
	time.Sleep(20 * time.Millisecond) // let the first release take the latch

	_, err := o.ReleaseEscrow(context.Background(), "intent-1", ReleaseRequest{
		ProviderAddress: "0xP1", Amount: money.MustParse("0.010"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in progress")

	require.NoError(t, <-done)
}

func TestRefundBlockedWhileSettlementInFlight(t *testing.T) {
	f := &scriptedFacilitator{settleOK: true, settleDelay: 100 * time.Millisecond}
	o, _ := newTestOrchestrator(f)
	heldEscrow(t, o)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := o.ReleaseEscrow(context.Background(), "intent-1", ReleaseRequest{
			ProviderAddress: "0xP1", Amount: money.MustParse("0.010"),
		})
		done <- err
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	// A refund racing the settlement must not flip the escrow out from
	// under it: HELD can leave in exactly one direction.
	err := o.RefundEscrow("intent-1")
	require.Error(t, err)
	assert.Equal(t, core.KindState, core.KindOf(err))
	assert.Contains(t, err.Error(), "in progress")

	require.NoError(t, <-done)
	e, _ := o.GetEscrow("intent-1")
	assert.Equal(t, core.EscrowReleased, e.Status)

	s, ok := o.GetSettlement("intent-1")
	require.True(t, ok)
	assert.True(t, s.Success)
}

func TestExpireStaleSkipsInFlightSettlement(t *testing.T) {
	f := &scriptedFacilitator{settleOK: true, settleDelay: 100 * time.Millisecond}
	o, clock := newTestOrchestrator(f)
	heldEscrow(t, o)
	clock.Advance(31 * time.Minute)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := o.ReleaseEscrow(context.Background(), "intent-1", ReleaseRequest{
			ProviderAddress: "0xP1", Amount: money.MustParse("0.010"),
		})
		done <- err
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	// The TTL sweep leaves the escrow alone while its settlement runs.
	assert.Equal(t, 0, o.ExpireStale())

	require.NoError(t, <-done)
	e, _ := o.GetEscrow("intent-1")
	assert.Equal(t, core.EscrowReleased, e.Status)
}

func TestRefundEscrow(t *testing.T) {
	o, _ := newTestOrchestrator(&scriptedFacilitator{settleOK: true})
	heldEscrow(t, o)

	require.NoError(t, o.RefundEscrow("intent-1"))
	e, _ := o.GetEscrow("intent-1")
	assert.Equal(t, core.EscrowRefunded, e.Status)

	// Terminal: refunding again or releasing fails.
	assert.Error(t, o.RefundEscrow("intent-1"))
	_, err := o.ReleaseEscrow(context.Background(), "intent-1", ReleaseRequest{
		ProviderAddress: "0xP1", Amount: money.MustParse("0.010"),
	})
	assert.Error(t, err)

	// No settlement was ever recorded.
	_, ok := o.GetSettlement("intent-1")
	assert.False(t, ok)
}

func TestExpireStale(t *testing.T) {
	o, clock := newTestOrchestrator(&scriptedFacilitator{settleOK: true})
	heldEscrow(t, o)

	assert.Equal(t, 0, o.ExpireStale())
	clock.Advance(31 * time.Minute)
	assert.Equal(t, 1, o.ExpireStale())

	e, _ := o.GetEscrow("intent-1")
	assert.Equal(t, core.EscrowExpired, e.Status)
}

func TestDemoFacilitatorSettles(t *testing.T) {
	d := NewDemoFacilitator()
	d.MinLatency, d.MaxLatency = 0, 0

	res, err := d.Settle(context.Background(), "", PaymentRequirements{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.TxReference)

	d.FailNext = true
	res, err = d.Settle(context.Background(), "", PaymentRequirements{})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestStats(t *testing.T) {
	o, _ := newTestOrchestrator(&scriptedFacilitator{settleOK: true})
	heldEscrow(t, o)

	s := o.GetStats()
	assert.Equal(t, 1, s.Held)
	assert.Equal(t, money.MustParse("0.020"), s.TotalHeld)

	_, err := o.ReleaseEscrow(context.Background(), "intent-1", ReleaseRequest{
		ProviderAddress: "0xP1", Amount: money.MustParse("0.010"),
	})
	require.NoError(t, err)

	s = o.GetStats()
	assert.Equal(t, 1, s.Released)
	assert.Equal(t, money.MustParse("0.000500"), s.FeesCollected)
}

package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaustubh76/synapse/internal/circuitbreaker"
	"github.com/kaustubh76/synapse/internal/core"
)

// flakyFacilitator fails at the transport level until told otherwise.
type flakyFacilitator struct {
	failing bool
	calls   int
}

func (f *flakyFacilitator) Verify(ctx context.Context, payload string, req PaymentRequirements) (*VerifyResult, error) {
	f.calls++
	if f.failing {
		return nil, errors.New("connection refused")
	}
	return &VerifyResult{Valid: true}, nil
}

func (f *flakyFacilitator) Settle(ctx context.Context, payload string, req PaymentRequirements) (*SettleResult, error) {
	f.calls++
	if f.failing {
		return nil, errors.New("connection refused")
	}
	return &SettleResult{Success: true, TxReference: "tx-1", Status: "CONFIRMED"}, nil
}

func (f *flakyFacilitator) Supported(ctx context.Context, q SupportedQuery) ([]SupportedMethod, error) {
	f.calls++
	if f.failing {
		return nil, errors.New("connection refused")
	}
	return []SupportedMethod{{ChainID: 84532}}, nil
}

func TestGuardedFacilitatorOpensOnTransportFailures(t *testing.T) {
	inner := &flakyFacilitator{failing: true}
	guard := NewGuardedFacilitator(inner, 50*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := guard.Settle(ctx, "payload", PaymentRequirements{})
		require.Error(t, err)
	}
	require.Equal(t, circuitbreaker.StateOpen, guard.State())
	assert.Equal(t, 3, inner.calls)

	// While open the inner facilitator is never touched.
	_, err := guard.Settle(ctx, "payload", PaymentRequirements{})
	require.Error(t, err)
	assert.Equal(t, core.KindInfra, core.KindOf(err))
	assert.Equal(t, 3, inner.calls)
}

func TestGuardedFacilitatorRecoversAfterCooldown(t *testing.T) {
	inner := &flakyFacilitator{failing: true}
	guard := NewGuardedFacilitator(inner, 20*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = guard.Settle(ctx, "payload", PaymentRequirements{})
	}
	require.Equal(t, circuitbreaker.StateOpen, guard.State())

	inner.failing = false
	assert.Eventually(t, func() bool {
		return guard.State() == circuitbreaker.StateHalfOpen
	}, time.Second, 5*time.Millisecond)

	out, err := guard.Settle(ctx, "payload", PaymentRequirements{})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, circuitbreaker.StateClosed, guard.State())
}

func TestGuardedFacilitatorDeclineIsNotATransportFailure(t *testing.T) {
	inner := &scriptedFacilitator{verifyValid: true, settleOK: false, settleErr: "declined"}
	guard := NewGuardedFacilitator(inner, time.Minute)
	ctx := context.Background()

	// A facilitator that answers, even with a decline, keeps the circuit
	// closed: only transport errors count against it.
	for i := 0; i < 5; i++ {
		out, err := guard.Settle(ctx, "payload", PaymentRequirements{})
		require.NoError(t, err)
		assert.False(t, out.Success)
	}
	assert.Equal(t, circuitbreaker.StateClosed, guard.State())
}

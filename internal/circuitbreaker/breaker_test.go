package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaustubh76/synapse/internal/core"
)

var errBoom = errors.New("boom")

func newTestBreaker(clock core.Clock) *Breaker {
	return New(Config{
		Name:        "test",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
		Clock:       clock,
	})
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	clock := core.NewFakeClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	b := newTestBreaker(clock)

	require.Equal(t, StateClosed, b.State())
	for i := 0; i < 3; i++ {
		err := b.Execute(func() error { return errBoom })
		require.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, StateOpen, b.State())

	// While open, calls are rejected before the function runs.
	ran := false
	err := b.Execute(func() error { ran = true; return nil })
	require.Error(t, err)
	assert.Equal(t, core.KindInfra, core.KindOf(err))
	assert.False(t, ran)
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	clock := core.NewFakeClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	b := newTestBreaker(clock)

	for i := 0; i < 2; i++ {
		_ = b.Execute(func() error { return errBoom })
	}
	require.NoError(t, b.Execute(func() error { return nil }))
	for i := 0; i < 2; i++ {
		_ = b.Execute(func() error { return errBoom })
	}
	assert.Equal(t, StateClosed, b.State(), "streak should restart after a success")
}

func TestBreakerHalfOpenProbeRecovers(t *testing.T) {
	clock := core.NewFakeClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errBoom })
	}
	require.Equal(t, StateOpen, b.State())

	clock.Advance(11 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	// One successful probe closes the circuit again.
	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	clock := core.NewFakeClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errBoom })
	}
	clock.Advance(11 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	err := b.Execute(func() error { return errBoom })
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, b.State())

	// The fresh open window starts at the probe failure.
	clock.Advance(5 * time.Second)
	assert.Equal(t, StateOpen, b.State())
	clock.Advance(6 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreakerHalfOpenLimitsProbes(t *testing.T) {
	clock := core.NewFakeClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errBoom })
	}
	clock.Advance(11 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	// Hold one probe slot open, then try a second call.
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(func() error { <-release; return nil })
	}()
	assert.Eventually(t, func() bool { return b.Counts().Requests == 1 }, time.Second, 5*time.Millisecond)

	err := b.Execute(func() error { return nil })
	require.Error(t, err)
	assert.Equal(t, core.KindInfra, core.KindOf(err))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerCountsAndGenerations(t *testing.T) {
	clock := core.NewFakeClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	b := newTestBreaker(clock)

	require.NoError(t, b.Execute(func() error { return nil }))
	_ = b.Execute(func() error { return errBoom })

	c := b.Counts()
	assert.Equal(t, uint32(2), c.Requests)
	assert.Equal(t, uint32(1), c.TotalSuccesses)
	assert.Equal(t, uint32(1), c.TotalFailures)

	// Tripping the breaker starts a new generation with cleared counts.
	for i := 0; i < 2; i++ {
		_ = b.Execute(func() error { return errBoom })
	}
	require.Equal(t, StateOpen, b.State())
	assert.Equal(t, Counts{}, b.Counts())
}

func TestBreakerDefaults(t *testing.T) {
	b := New(Config{Name: "defaults"})
	for i := 0; i < 4; i++ {
		_ = b.Execute(func() error { return errBoom })
	}
	assert.Equal(t, StateClosed, b.State())
	_ = b.Execute(func() error { return errBoom })
	assert.Equal(t, StateOpen, b.State())
}

package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaustubh76/synapse/internal/core"
	"github.com/kaustubh76/synapse/internal/events"
	"github.com/kaustubh76/synapse/internal/money"
)

func newTestRegistry(t *testing.T) (*Registry, *core.FakeClock, chan events.Event) {
	t.Helper()
	clock := core.NewFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	bus := events.NewBus(64)
	ch := bus.Subscribe()
	return New(bus, Options{Clock: clock}), clock, ch
}

func drain(ch chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestRegisterIsIdempotentByAddress(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	p1, err := r.Register(Spec{Address: "0xabc", Name: "P1", Capabilities: []string{"weather.current"}})
	require.NoError(t, err)
	assert.Equal(t, core.ProviderOnline, p1.Status)
	assert.Equal(t, 2.5, p1.ReputationScore)

	p2, err := r.Register(Spec{Address: "0xabc", Name: "other name", Capabilities: []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, p1.ID, p2.ID)
	assert.Equal(t, "P1", p2.Name, "existing provider returned unchanged")
	assert.Equal(t, 1, r.GetStats().Total)
}

func TestRegisterValidation(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	_, err := r.Register(Spec{Name: "no address", Capabilities: []string{"a"}})
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	_, err = r.Register(Spec{Address: "0x1"})
	require.Error(t, err)
}

func TestFindByCapabilityHierarchical(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	exact, err := r.Register(Spec{Address: "0x1", Name: "exact", Capabilities: []string{"weather.current"}})
	require.NoError(t, err)
	prefix, err := r.Register(Spec{Address: "0x2", Name: "prefix", Capabilities: []string{"weather"}})
	require.NoError(t, err)
	_, err = r.Register(Spec{Address: "0x3", Name: "other", Capabilities: []string{"llm.chat"}})
	require.NoError(t, err)

	found := r.FindByCapability("weather.current")
	ids := make(map[string]bool)
	for _, p := range found {
		ids[p.ID] = true
	}
	assert.Len(t, found, 2)
	assert.True(t, ids[exact.ID])
	assert.True(t, ids[prefix.ID])

	assert.Empty(t, r.FindByCapability("unknown.x"))
}

func TestHeartbeatAndSweep(t *testing.T) {
	r, clock, ch := newTestRegistry(t)
	p, err := r.Register(Spec{Address: "0x1", Name: "P", Capabilities: []string{"a"}})
	require.NoError(t, err)
	drain(ch)

	// Within the window: nothing happens.
	clock.Advance(30 * time.Second)
	assert.Equal(t, 0, r.SweepOnce())

	// Past the window: offline event.
	clock.Advance(40 * time.Second)
	assert.Equal(t, 1, r.SweepOnce())
	evs := drain(ch)
	require.Len(t, evs, 1)
	assert.Equal(t, events.ProviderOffline, evs[0].Kind)

	got, _ := r.Get(p.ID)
	assert.Equal(t, core.ProviderOffline, got.Status)

	// Heartbeat brings it back online exactly once.
	require.NoError(t, r.Heartbeat(p.ID))
	require.NoError(t, r.Heartbeat(p.Address)) // address works too, no duplicate event
	evs = drain(ch)
	require.Len(t, evs, 1)
	assert.Equal(t, events.ProviderOnline, evs[0].Kind)

	got, _ = r.Get(p.ID)
	assert.Equal(t, core.ProviderOnline, got.Status)
}

func TestHeartbeatUnknownProvider(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	err := r.Heartbeat("nope")
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestRecordJobSuccess(t *testing.T) {
	r, _, ch := newTestRegistry(t)
	p, err := r.Register(Spec{Address: "0x1", Name: "P", Capabilities: []string{"a"}})
	require.NoError(t, err)
	drain(ch)

	require.NoError(t, r.RecordJobSuccess(p.ID, 400, money.MustParse("0.009500")))

	got, _ := r.Get(p.ID)
	assert.Equal(t, int64(1), got.TotalJobs)
	assert.Equal(t, int64(1), got.SuccessfulJobs)
	assert.Equal(t, 400.0, got.AvgResponseMs)
	assert.Equal(t, money.MustParse("0.009500"), got.TotalEarnings)
	assert.InDelta(t, 2.55, got.ReputationScore, 1e-9)

	// EMA: second sample blends at alpha 0.1.
	require.NoError(t, r.RecordJobSuccess(p.ID, 1400, 0))
	got, _ = r.Get(p.ID)
	assert.InDelta(t, 0.9*400+0.1*1400, got.AvgResponseMs, 1e-9)

	evs := drain(ch)
	require.Len(t, evs, 2)
	for _, ev := range evs {
		assert.Equal(t, events.ProviderUpdated, ev.Kind)
	}
}

func TestReputationGainCappedPerWindow(t *testing.T) {
	r, clock, _ := newTestRegistry(t)
	p, err := r.Register(Spec{Address: "0x1", Name: "P", Capabilities: []string{"a"}})
	require.NoError(t, err)

	// 20 successes inside one window: gain capped at +0.5.
	for i := 0; i < 20; i++ {
		require.NoError(t, r.RecordJobSuccess(p.ID, 100, 0))
	}
	got, _ := r.Get(p.ID)
	assert.InDelta(t, 3.0, got.ReputationScore, 1e-9)

	// A new window allows gains again.
	clock.Advance(2 * time.Hour)
	require.NoError(t, r.RecordJobSuccess(p.ID, 100, 0))
	got, _ = r.Get(p.ID)
	assert.InDelta(t, 3.05, got.ReputationScore, 1e-9)
}

func TestRecordJobFailure(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	p, err := r.Register(Spec{Address: "0x1", Name: "P", Capabilities: []string{"a"}})
	require.NoError(t, err)

	require.NoError(t, r.RecordJobFailure(p.ID))
	got, _ := r.Get(p.ID)
	assert.Equal(t, int64(1), got.TotalJobs)
	assert.Equal(t, int64(0), got.SuccessfulJobs)
	assert.InDelta(t, 2.4, got.ReputationScore, 1e-9)

	// Score floors at zero; successfulJobs never exceeds totalJobs.
	for i := 0; i < 50; i++ {
		require.NoError(t, r.RecordJobFailure(p.ID))
	}
	got, _ = r.Get(p.ID)
	assert.Equal(t, 0.0, got.ReputationScore)
	assert.LessOrEqual(t, got.SuccessfulJobs, got.TotalJobs)
}

func TestUpdateCapabilitiesRebuildsIndex(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	p, err := r.Register(Spec{Address: "0x1", Name: "P", Capabilities: []string{"weather"}})
	require.NoError(t, err)

	require.NoError(t, r.UpdateCapabilities(p.ID, []string{"llm.chat"}))
	assert.Empty(t, r.FindByCapability("weather.current"))
	assert.Len(t, r.FindByCapability("llm.chat"), 1)
}

func TestReadersGetCopies(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	p, err := r.Register(Spec{Address: "0x1", Name: "P", Capabilities: []string{"a"}})
	require.NoError(t, err)

	p.Name = "mutated"
	got, _ := r.Get(p.ID)
	assert.Equal(t, "P", got.Name)
}

package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaustubh76/synapse/internal/core"
	"github.com/kaustubh76/synapse/internal/infra"
	"github.com/kaustubh76/synapse/internal/money"
)

func testSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	s, err := New(
		[]*core.Provider{{ID: "p1", Address: "0xp1", ReputationScore: 2.5, Status: core.ProviderOnline}},
		[]*core.Intent{{ID: "i1", Type: "weather.current", Status: core.IntentOpen, MaxBudget: money.MustParse("0.020")}},
		[]*core.Bid{{ID: "b1", IntentID: "i1", ProviderAddress: "0xp1", BidAmount: money.MustParse("0.010")}},
		[]*core.EscrowEntry{{IntentID: "i1", Status: core.EscrowHeld, MaxBudget: money.MustParse("0.020")}},
	)
	require.NoError(t, err)
	return s
}

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := infra.NewGoRedisAdapter(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, "", time.Hour)
}

func TestSnapshotHashAndVerify(t *testing.T) {
	s := testSnapshot(t)
	assert.Equal(t, Version, s.Version)
	assert.NotEmpty(t, s.StateHash)
	assert.True(t, s.Verify())

	s.Bids[0].BidAmount = money.MustParse("0.011")
	assert.False(t, s.Verify())
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	s := testSnapshot(t)
	require.NoError(t, store.Save(ctx, s))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.StateHash, loaded.StateHash)
	require.Len(t, loaded.Intents, 1)
	assert.Equal(t, "i1", loaded.Intents[0].ID)
	assert.True(t, loaded.Verify())
}

func TestRedisStoreRefusesTamperedSnapshot(t *testing.T) {
	store := newRedisStore(t)
	s := testSnapshot(t)
	s.StateHash = "0000"

	err := store.Save(context.Background(), s)
	require.Error(t, err)
	assert.Equal(t, core.KindState, core.KindOf(err))
}

func TestRedisStoreLoadMissing(t *testing.T) {
	store := newRedisStore(t)
	_, err := store.Load(context.Background())
	require.Error(t, err)
	assert.Equal(t, core.KindInfra, core.KindOf(err))
}

func TestRedisStoreDrop(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, testSnapshot(t)))
	require.NoError(t, store.Drop(ctx))

	_, err := store.Load(ctx)
	assert.Error(t, err)
}

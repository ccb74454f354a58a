package snapshot

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kaustubh76/synapse/internal/core"
)

// RedisClient is the minimal Redis surface the store needs. The concrete
// adapter lives in internal/infra so this package stays driver-agnostic.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
}

const defaultKey = "broker:snapshot"

// RedisStore keeps the latest snapshot under a single key.
type RedisStore struct {
	client RedisClient
	key    string
	ttl    time.Duration
}

// NewRedisStore builds a store. A zero ttl keeps snapshots forever.
func NewRedisStore(client RedisClient, key string, ttl time.Duration) *RedisStore {
	if key == "" {
		key = defaultKey
	}
	return &RedisStore{client: client, key: key, ttl: ttl}
}

// Save overwrites the stored snapshot. A snapshot that fails verification
// is refused rather than persisted corrupt.
func (s *RedisStore) Save(ctx context.Context, snap *Snapshot) error {
	if !snap.Verify() {
		return core.Errorf(core.KindState, "snapshot state hash mismatch, refusing to persist")
	}
	blob, err := json.Marshal(snap)
	if err != nil {
		return core.WrapError(core.KindInfra, err, "encode snapshot")
	}
	if err := s.client.Set(ctx, s.key, blob, s.ttl); err != nil {
		return core.WrapError(core.KindInfra, err, "persist snapshot")
	}
	return nil
}

// Load returns the stored snapshot, verifying integrity.
func (s *RedisStore) Load(ctx context.Context) (*Snapshot, error) {
	blob, err := s.client.Get(ctx, s.key)
	if err != nil {
		return nil, core.WrapError(core.KindInfra, err, "load snapshot")
	}
	var snap Snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return nil, core.WrapError(core.KindInfra, err, "decode snapshot")
	}
	if !snap.Verify() {
		return nil, core.Errorf(core.KindState, "stored snapshot failed integrity check")
	}
	return &snap, nil
}

// Drop removes the stored snapshot.
func (s *RedisStore) Drop(ctx context.Context) error {
	return s.client.Del(ctx, s.key)
}

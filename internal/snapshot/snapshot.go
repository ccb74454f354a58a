// Package snapshot serializes broker state for operational backups. The
// broker is memory-first; snapshots are an optional hook, not a source of
// truth on the hot path.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/kaustubh76/synapse/internal/core"
)

// Version is bumped on any breaking change to the snapshot layout.
// Decoders tolerate unknown fields within a version.
const Version = 1

// Snapshot is a self-describing capture of broker state.
type Snapshot struct {
	Version    int       `json:"version"`
	CapturedAt time.Time `json:"captured_at"`
	StateHash  string    `json:"state_hash"` // sha256 over the state blob

	Providers []*core.Provider    `json:"providers"`
	Intents   []*core.Intent      `json:"intents"`
	Bids      []*core.Bid         `json:"bids"`
	Escrows   []*core.EscrowEntry `json:"escrows"`
}

// state is the hashed portion: everything except the capture envelope.
type state struct {
	Providers []*core.Provider    `json:"providers"`
	Intents   []*core.Intent      `json:"intents"`
	Bids      []*core.Bid         `json:"bids"`
	Escrows   []*core.EscrowEntry `json:"escrows"`
}

// New assembles a snapshot and seals it with the state hash.
func New(providers []*core.Provider, intents []*core.Intent, bids []*core.Bid, escrows []*core.EscrowEntry) (*Snapshot, error) {
	s := &Snapshot{
		Version:    Version,
		CapturedAt: time.Now().UTC(),
		Providers:  providers,
		Intents:    intents,
		Bids:       bids,
		Escrows:    escrows,
	}
	hash, err := hashState(state{providers, intents, bids, escrows})
	if err != nil {
		return nil, err
	}
	s.StateHash = hash
	return s, nil
}

// Verify recomputes the state hash and reports whether the snapshot is
// intact.
func (s *Snapshot) Verify() bool {
	hash, err := hashState(state{s.Providers, s.Intents, s.Bids, s.Escrows})
	return err == nil && hash == s.StateHash
}

func hashState(st state) (string, error) {
	blob, err := json.Marshal(st)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// Store persists snapshots. Implementations keep only the latest capture.
type Store interface {
	Save(ctx context.Context, s *Snapshot) error
	Load(ctx context.Context) (*Snapshot, error)
}

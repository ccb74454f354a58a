package payment

import (
	"context"
	"database/sql"
	"log"

	"github.com/kaustubh76/synapse/internal/core"
)

// Archive persists settlement records to SQL for accounting. The handle is
// optional: a nil DB makes every call a no-op so the broker runs fully
// in-memory by default. The pq driver is imported by cmd/broker.
type Archive struct {
	db     *sql.DB
	logger *log.Logger
}

// NewArchive wraps a database handle. Pass nil to disable archiving.
func NewArchive(db *sql.DB) *Archive {
	return &Archive{
		db:     db,
		logger: log.New(log.Writer(), "[Archive] ", log.LstdFlags),
	}
}

// EnsureSchema creates the settlements table if missing.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	if a == nil || a.db == nil {
		return nil
	}
	_, err := a.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS settlements (
			intent_id        TEXT PRIMARY KEY,
			success          BOOLEAN NOT NULL,
			amount_micros    BIGINT NOT NULL,
			fee_micros       BIGINT NOT NULL,
			net_micros       BIGINT NOT NULL,
			provider_address TEXT NOT NULL,
			tx_reference     TEXT,
			settled_at       TIMESTAMPTZ NOT NULL,
			error            TEXT
		)`)
	return err
}

// Record upserts the latest settlement attempt for an intent. Archive
// failures are logged, never propagated: accounting must not block money
// movement.
func (a *Archive) Record(ctx context.Context, s *core.PaymentSettlement) {
	if a == nil || a.db == nil {
		return
	}
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO settlements
			(intent_id, success, amount_micros, fee_micros, net_micros,
			 provider_address, tx_reference, settled_at, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (intent_id) DO UPDATE SET
			success = EXCLUDED.success,
			amount_micros = EXCLUDED.amount_micros,
			fee_micros = EXCLUDED.fee_micros,
			net_micros = EXCLUDED.net_micros,
			provider_address = EXCLUDED.provider_address,
			tx_reference = EXCLUDED.tx_reference,
			settled_at = EXCLUDED.settled_at,
			error = EXCLUDED.error`,
		s.IntentID, s.Success, int64(s.Amount), int64(s.PlatformFee), int64(s.NetAmount),
		s.ProviderAddress, s.TxReference, s.SettledAt, s.Error)
	if err != nil {
		a.logger.Printf("Failed to archive settlement for %s: %v", s.IntentID, err)
	}
}

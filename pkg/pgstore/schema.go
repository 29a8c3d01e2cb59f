package pgstore

import (
	"context"
	"fmt"
)

// SchemaVersion is bumped whenever Migrate gains a statement.
const SchemaVersion = 1

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS schema_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		schema_version INTEGER NOT NULL
	)`,
	`INSERT INTO schema_meta (id, schema_version)
		VALUES (1, 0)
		ON CONFLICT (id) DO NOTHING`,

	`CREATE TABLE IF NOT EXISTS indexer_checkpoint (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_processed_slot BIGINT NOT NULL DEFAULT 0,
		last_processed_signature TEXT NOT NULL DEFAULT '',
		indexer_version TEXT NOT NULL DEFAULT '',
		is_running BOOLEAN NOT NULL DEFAULT FALSE,
		started_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS tickets (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL DEFAULT '',
		owner_address TEXT NOT NULL DEFAULT '',
		is_minted BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		transfer_count INTEGER NOT NULL DEFAULT 0,
		last_signature TEXT NOT NULL DEFAULT '',
		last_slot BIGINT NOT NULL DEFAULT 0,
		sync_status TEXT NOT NULL DEFAULT 'SYNCED',
		last_reconciled_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tickets_reconcile ON tickets (last_reconciled_at NULLS FIRST, id)`,

	`CREATE TABLE IF NOT EXISTS processed_transactions (
		signature TEXT PRIMARY KEY,
		slot BIGINT NOT NULL,
		failed BOOLEAN NOT NULL DEFAULT FALSE,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id UUID PRIMARY KEY,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		status TEXT NOT NULL,
		records_checked INTEGER NOT NULL DEFAULT 0,
		discrepancies_found INTEGER NOT NULL DEFAULT 0,
		discrepancies_resolved INTEGER NOT NULL DEFAULT 0,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_started_at ON reconciliation_runs (started_at)`,

	`CREATE TABLE IF NOT EXISTS discrepancies (
		id UUID PRIMARY KEY,
		record_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		field TEXT NOT NULL,
		local_value TEXT NOT NULL,
		ledger_value TEXT NOT NULL,
		run_id UUID NOT NULL REFERENCES reconciliation_runs (id),
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_discrepancies_run_id ON discrepancies (run_id)`,

	`CREATE TABLE IF NOT EXISTS reconciliation_log (
		id UUID PRIMARY KEY,
		run_id UUID NOT NULL REFERENCES reconciliation_runs (id),
		record_id TEXT NOT NULL,
		field TEXT NOT NULL,
		old_value TEXT NOT NULL,
		new_value TEXT NOT NULL,
		source TEXT NOT NULL,
		at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reconciliation_log_run_id ON reconciliation_log (run_id)`,
}

// Migrate creates the schema in one transaction.
func (s *Store) Migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, stmt := range schemaStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE schema_meta SET schema_version = $1 WHERE id = 1`, SchemaVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return tx.Commit(ctx)
}

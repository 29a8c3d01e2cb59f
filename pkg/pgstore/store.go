// Package pgstore is the Postgres storage driver. One Store holds the
// checkpoint row, tickets, the processed-transaction ledger and the
// reconciliation tables.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fortiblox/X1-Ledgersync/internal/types"
	"github.com/fortiblox/X1-Ledgersync/pkg/checkpoint"
	"github.com/fortiblox/X1-Ledgersync/pkg/reconcile"
	"github.com/fortiblox/X1-Ledgersync/pkg/tickets"
)

// Store errors.
var (
	ErrNoURL          = errors.New("database url is required")
	ErrTicketNotFound = errors.New("ticket not found")
)

// Config configures the connection pool.
type Config struct {
	// URL is a postgres connection string.
	URL string

	// MaxConns caps the pool size. Zero keeps the pgx default.
	MaxConns int32

	// Version is the indexer version stamped on the checkpoint.
	Version string
}

// Store is backed by a pgx connection pool.
type Store struct {
	pool    *pgxpool.Pool
	version string
}

// Open connects, pings and returns a store. Call Migrate before use on a
// fresh database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, ErrNoURL
	}
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool, version: cfg.Version}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Checkpoint

const checkpointColumns = `last_processed_slot, last_processed_signature, indexer_version, is_running, started_at, updated_at`

func scanCheckpoint(row pgx.Row) (checkpoint.Checkpoint, error) {
	var c checkpoint.Checkpoint
	var slot int64
	err := row.Scan(&slot, &c.LastProcessedSignature, &c.Version, &c.IsRunning, &c.StartedAt, &c.UpdatedAt)
	c.LastProcessedSlot = uint64(slot)
	return c, err
}

// lockCheckpoint creates the singleton row if needed and locks it.
func (s *Store) lockCheckpoint(ctx context.Context, tx pgx.Tx) (checkpoint.Checkpoint, error) {
	_, err := tx.Exec(ctx,
		`INSERT INTO indexer_checkpoint (id, indexer_version) VALUES (1, $1)
		 ON CONFLICT (id) DO NOTHING`, s.version)
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("init checkpoint: %w", err)
	}
	c, err := scanCheckpoint(tx.QueryRow(ctx,
		`SELECT `+checkpointColumns+` FROM indexer_checkpoint WHERE id = 1 FOR UPDATE`))
	if err != nil {
		return c, fmt.Errorf("load checkpoint: %w", err)
	}
	return c, nil
}

func writeCheckpoint(ctx context.Context, tx pgx.Tx, c checkpoint.Checkpoint) error {
	_, err := tx.Exec(ctx,
		`UPDATE indexer_checkpoint
		 SET last_processed_slot = $1, last_processed_signature = $2, indexer_version = $3,
		     is_running = $4, started_at = $5, updated_at = $6
		 WHERE id = 1`,
		int64(c.LastProcessedSlot), c.LastProcessedSignature, c.Version, c.IsRunning, c.StartedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// Load implements checkpoint.Store.
func (s *Store) Load(ctx context.Context) (checkpoint.Checkpoint, error) {
	var c checkpoint.Checkpoint
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		c, err = s.lockCheckpoint(ctx, tx)
		return err
	})
	return c, err
}

// Advance implements checkpoint.Store.
func (s *Store) Advance(ctx context.Context, slot uint64, signature string) (checkpoint.Checkpoint, error) {
	var out checkpoint.Checkpoint
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		current, err := s.lockCheckpoint(ctx, tx)
		if err != nil {
			return err
		}
		next, changed := checkpoint.Advanced(current, slot, signature, time.Now().UTC())
		out = next
		if !changed {
			return nil
		}
		return writeCheckpoint(ctx, tx, next)
	})
	return out, err
}

// SetRunning implements checkpoint.Store.
func (s *Store) SetRunning(ctx context.Context, running bool) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		c, err := s.lockCheckpoint(ctx, tx)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		c.IsRunning = running
		if running {
			c.StartedAt = &now
			c.Version = s.version
		}
		c.UpdatedAt = now
		return writeCheckpoint(ctx, tx, c)
	})
}

// Reset implements checkpoint.Store.
func (s *Store) Reset(ctx context.Context, slot uint64) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		c, err := s.lockCheckpoint(ctx, tx)
		if err != nil {
			return err
		}
		c.LastProcessedSlot = slot
		c.LastProcessedSignature = ""
		c.UpdatedAt = time.Now().UTC()
		return writeCheckpoint(ctx, tx, c)
	})
}

// Tickets

const ticketColumns = `id, event_id, owner_address, is_minted, status, transfer_count,
	last_signature, last_slot, sync_status, last_reconciled_at, updated_at`

func scanTicket(row pgx.Row) (tickets.Ticket, error) {
	var (
		t         tickets.Ticket
		transfers int32
		slot      int64
		status    string
		sync      string
	)
	err := row.Scan(&t.ID, &t.EventID, &t.OwnerAddress, &t.IsMinted, &status, &transfers,
		&t.LastSignature, &slot, &sync, &t.LastReconciledAt, &t.UpdatedAt)
	t.Status = tickets.Status(status)
	t.SyncStatus = tickets.SyncStatus(sync)
	t.TransferCount = uint32(transfers)
	t.LastSlot = uint64(slot)
	return t, err
}

func upsertTicket(ctx context.Context, tx pgx.Tx, t tickets.Ticket) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO tickets (`+ticketColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		     event_id = EXCLUDED.event_id,
		     owner_address = EXCLUDED.owner_address,
		     is_minted = EXCLUDED.is_minted,
		     status = EXCLUDED.status,
		     transfer_count = EXCLUDED.transfer_count,
		     last_signature = EXCLUDED.last_signature,
		     last_slot = EXCLUDED.last_slot,
		     sync_status = EXCLUDED.sync_status,
		     last_reconciled_at = EXCLUDED.last_reconciled_at,
		     updated_at = EXCLUDED.updated_at`,
		t.ID, t.EventID, t.OwnerAddress, t.IsMinted, string(t.Status), int32(t.TransferCount),
		t.LastSignature, int64(t.LastSlot), string(t.SyncStatus), t.LastReconciledAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert ticket %s: %w", t.ID, err)
	}
	return nil
}

// lockTicket loads a ticket for update. found is false when it does not exist.
func lockTicket(ctx context.Context, tx pgx.Tx, id string) (t tickets.Ticket, found bool, err error) {
	t, err = scanTicket(tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return tickets.Ticket{}, false, nil
	}
	if err != nil {
		return t, false, fmt.Errorf("load ticket %s: %w", id, err)
	}
	return t, true, nil
}

// Ticket returns one ticket.
func (s *Store) Ticket(ctx context.Context, id string) (tickets.Ticket, error) {
	t, err := scanTicket(s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return t, ErrTicketNotFound
	}
	return t, err
}

// PutTicket writes t as-is.
func (s *Store) PutTicket(ctx context.Context, t tickets.Ticket) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return upsertTicket(ctx, tx, t)
	})
}

// IsProcessed implements processor.Store.
func (s *Store) IsProcessed(ctx context.Context, signature string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_transactions WHERE signature = $1)`, signature).Scan(&exists)
	return exists, err
}

// ApplyTransaction implements processor.Store. The processed marker is
// inserted first so a concurrent duplicate commits nothing.
func (s *Store) ApplyTransaction(ctx context.Context, ref types.Reference, changes []tickets.Change) error {
	now := time.Now().UTC()
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO processed_transactions (signature, slot, failed, processed_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (signature) DO NOTHING`,
			ref.Signature, int64(ref.Slot), ref.Failed, now)
		if err != nil {
			return fmt.Errorf("mark processed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		for _, c := range changes {
			t, _, err := lockTicket(ctx, tx, c.TicketID)
			if err != nil {
				return err
			}
			if !t.Apply(c, now) {
				continue
			}
			if err := upsertTicket(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

// Reconciliation

// CreateRun implements reconcile.Store.
func (s *Store) CreateRun(ctx context.Context, run reconcile.Run) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reconciliation_runs
		     (id, started_at, completed_at, status, records_checked, discrepancies_found,
		      discrepancies_resolved, duration_ms, error_message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.StartedAt, run.CompletedAt, string(run.Status), run.RecordsChecked,
		run.DiscrepanciesFound, run.DiscrepanciesResolved, run.DurationMs, run.ErrorMessage)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// CompleteRun implements reconcile.Store.
func (s *Store) CompleteRun(ctx context.Context, run reconcile.Run) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reconciliation_runs
		 SET completed_at = $2, status = $3, records_checked = $4, discrepancies_found = $5,
		     discrepancies_resolved = $6, duration_ms = $7, error_message = $8
		 WHERE id = $1`,
		run.ID, run.CompletedAt, string(run.Status), run.RecordsChecked,
		run.DiscrepanciesFound, run.DiscrepanciesResolved, run.DurationMs, run.ErrorMessage)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return reconcile.ErrRunNotFound
	}
	return nil
}

// Runs returns up to limit runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]reconcile.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, started_at, completed_at, status, records_checked, discrepancies_found,
		        discrepancies_resolved, duration_ms, error_message
		 FROM reconciliation_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []reconcile.Run
	for rows.Next() {
		var r reconcile.Run
		var status string
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.CompletedAt, &status, &r.RecordsChecked,
			&r.DiscrepanciesFound, &r.DiscrepanciesResolved, &r.DurationMs, &r.ErrorMessage); err != nil {
			return nil, err
		}
		r.Status = reconcile.RunStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// EligibleTickets implements reconcile.Store.
func (s *Store) EligibleTickets(ctx context.Context, cutoff time.Time, limit int) ([]tickets.Ticket, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ticketColumns+` FROM tickets
		 WHERE last_reconciled_at IS NULL OR last_reconciled_at < $1 OR sync_status = $2
		 ORDER BY last_reconciled_at ASC NULLS FIRST, id
		 LIMIT $3`,
		cutoff, string(tickets.SyncStatusOutOfSync), limit)
	if err != nil {
		return nil, fmt.Errorf("query eligible tickets: %w", err)
	}
	defer rows.Close()

	var out []tickets.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecordDiscrepancy implements reconcile.Store.
func (s *Store) RecordDiscrepancy(ctx context.Context, d reconcile.Discrepancy) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO discrepancies (id, record_id, kind, field, local_value, ledger_value, run_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			d.ID, d.RecordID, string(d.Kind), d.Field, d.LocalValue, d.LedgerValue, d.RunID, d.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert discrepancy: %w", err)
		}
		_, err = tx.Exec(ctx, `UPDATE tickets SET sync_status = $2 WHERE id = $1`,
			d.RecordID, string(tickets.SyncStatusOutOfSync))
		return err
	})
}

// ApplyCorrection implements reconcile.Store.
func (s *Store) ApplyCorrection(ctx context.Context, ticketID string, c reconcile.Correction, entry reconcile.LogEntry) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		t, found, err := lockTicket(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		if !found {
			return ErrTicketNotFound
		}
		c.ApplyTo(&t)
		t.UpdatedAt = entry.At
		if err := upsertTicket(ctx, tx, t); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO reconciliation_log (id, run_id, record_id, field, old_value, new_value, source, at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			entry.ID, entry.RunID, entry.RecordID, entry.Field, entry.OldValue, entry.NewValue, entry.Source, entry.At)
		if err != nil {
			return fmt.Errorf("insert log entry: %w", err)
		}
		return nil
	})
}

// MarkReconciled implements reconcile.Store.
func (s *Store) MarkReconciled(ctx context.Context, ticketID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tickets SET last_reconciled_at = $2, sync_status = $3 WHERE id = $1`,
		ticketID, at, string(tickets.SyncStatusSynced))
	if err != nil {
		return fmt.Errorf("mark reconciled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTicketNotFound
	}
	return nil
}

// Discrepancies returns the discrepancies recorded by one run.
func (s *Store) Discrepancies(ctx context.Context, runID uuid.UUID) ([]reconcile.Discrepancy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, record_id, kind, field, local_value, ledger_value, run_id, created_at
		 FROM discrepancies WHERE run_id = $1 ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query discrepancies: %w", err)
	}
	defer rows.Close()

	var out []reconcile.Discrepancy
	for rows.Next() {
		var d reconcile.Discrepancy
		var kind string
		if err := rows.Scan(&d.ID, &d.RecordID, &kind, &d.Field, &d.LocalValue, &d.LedgerValue, &d.RunID, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Kind = reconcile.Kind(kind)
		out = append(out, d)
	}
	return out, rows.Err()
}

// LogEntries returns the corrections applied by one run.
func (s *Store) LogEntries(ctx context.Context, runID uuid.UUID) ([]reconcile.LogEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, record_id, field, old_value, new_value, source, at
		 FROM reconciliation_log WHERE run_id = $1 ORDER BY at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query reconciliation log: %w", err)
	}
	defer rows.Close()

	var out []reconcile.LogEntry
	for rows.Next() {
		var e reconcile.LogEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.RecordID, &e.Field, &e.OldValue, &e.NewValue, &e.Source, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Verify interface compliance.
var (
	_ checkpoint.Store = (*Store)(nil)
	_ reconcile.Store  = (*Store)(nil)
)

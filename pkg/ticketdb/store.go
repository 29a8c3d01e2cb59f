// Package ticketdb provides the BadgerDB-backed local record store: tickets,
// the processed-transaction ledger, and reconciliation history.
package ticketdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/fortiblox/X1-Ledgersync/internal/types"
	"github.com/fortiblox/X1-Ledgersync/pkg/reconcile"
	"github.com/fortiblox/X1-Ledgersync/pkg/tickets"
)

// Store errors.
var (
	ErrClosed         = errors.New("ticket store closed")
	ErrTicketNotFound = errors.New("ticket not found")
)

// Key prefixes. Each record type is iterated by its prefix.
var (
	// prefixTicket + ticket id
	prefixTicket = []byte{0x01}

	// prefixProcessed + signature
	prefixProcessed = []byte{0x02}

	// prefixRun + run id (16 bytes)
	prefixRun = []byte{0x03}

	// prefixDiscrepancy + run id + discrepancy id
	prefixDiscrepancy = []byte{0x04}

	// prefixLog + run id + entry id
	prefixLog = []byte{0x05}
)

// Config contains configuration for the store.
type Config struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// Logger is an optional badger logger. Nil disables badger logging.
	Logger badger.Logger
}

// ProcessedTransaction is an entry of the processed-transaction ledger.
type ProcessedTransaction struct {
	Signature   string    `json:"signature"`
	Slot        uint64    `json:"slot"`
	Failed      bool      `json:"failed,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

// DB is the badger-backed store. It implements processor.Store and
// reconcile.Store.
type DB struct {
	db *badger.DB

	// mu serializes writers so read-modify-write transactions never conflict.
	mu sync.Mutex

	closed atomic.Bool
}

// Open opens or creates the store.
func Open(cfg Config) (*DB, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		// Badger rejects a directory in memory mode.
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database. Safe to call more than once.
func (d *DB) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return d.db.Close()
}

func key(prefix []byte, parts ...[]byte) []byte {
	k := append([]byte{}, prefix...)
	for _, p := range parts {
		k = append(k, p...)
	}
	return k
}

func getJSON(txn *badger.Txn, k []byte, v interface{}) error {
	item, err := txn.Get(k)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, k []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(k, data)
}

// scan decodes every value under prefix with fn.
func scan(txn *badger.Txn, prefix []byte, fn func(val []byte) error) error {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) view(fn func(txn *badger.Txn) error) error {
	if d.closed.Load() {
		return ErrClosed
	}
	return d.db.View(fn)
}

func (d *DB) update(fn func(txn *badger.Txn) error) error {
	if d.closed.Load() {
		return ErrClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Update(fn)
}

// Ticket returns one ticket.
func (d *DB) Ticket(ctx context.Context, id string) (tickets.Ticket, error) {
	var t tickets.Ticket
	err := d.view(func(txn *badger.Txn) error {
		err := getJSON(txn, key(prefixTicket, []byte(id)), &t)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrTicketNotFound
		}
		return err
	})
	return t, err
}

// PutTicket writes t as-is.
func (d *DB) PutTicket(ctx context.Context, t tickets.Ticket) error {
	return d.update(func(txn *badger.Txn) error {
		return setJSON(txn, key(prefixTicket, []byte(t.ID)), t)
	})
}

// Tickets returns every ticket ordered by id.
func (d *DB) Tickets(ctx context.Context) ([]tickets.Ticket, error) {
	var out []tickets.Ticket
	err := d.view(func(txn *badger.Txn) error {
		return scan(txn, prefixTicket, func(val []byte) error {
			var t tickets.Ticket
			if err := json.Unmarshal(val, &t); err != nil {
				return err
			}
			out = append(out, t)
			return nil
		})
	})
	return out, err
}

// IsProcessed implements processor.Store.
func (d *DB) IsProcessed(ctx context.Context, signature string) (bool, error) {
	var found bool
	err := d.view(func(txn *badger.Txn) error {
		_, err := txn.Get(key(prefixProcessed, []byte(signature)))
		switch {
		case err == nil:
			found = true
			return nil
		case errors.Is(err, badger.ErrKeyNotFound):
			return nil
		}
		return err
	})
	return found, err
}

// ApplyTransaction implements processor.Store.
func (d *DB) ApplyTransaction(ctx context.Context, ref types.Reference, changes []tickets.Change) error {
	now := time.Now().UTC()
	return d.update(func(txn *badger.Txn) error {
		pk := key(prefixProcessed, []byte(ref.Signature))
		if _, err := txn.Get(pk); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		for _, c := range changes {
			tk := key(prefixTicket, []byte(c.TicketID))
			var t tickets.Ticket
			if err := getJSON(txn, tk, &t); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if !t.Apply(c, now) {
				continue
			}
			if err := setJSON(txn, tk, t); err != nil {
				return err
			}
		}

		return setJSON(txn, pk, ProcessedTransaction{
			Signature:   ref.Signature,
			Slot:        ref.Slot,
			Failed:      ref.Failed,
			ProcessedAt: now,
		})
	})
}

// ProcessedCount returns the size of the processed-transaction ledger.
func (d *DB) ProcessedCount(ctx context.Context) (int, error) {
	var n int
	err := d.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixProcessed
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// CreateRun implements reconcile.Store.
func (d *DB) CreateRun(ctx context.Context, run reconcile.Run) error {
	return d.update(func(txn *badger.Txn) error {
		return setJSON(txn, key(prefixRun, run.ID[:]), run)
	})
}

// CompleteRun implements reconcile.Store.
func (d *DB) CompleteRun(ctx context.Context, run reconcile.Run) error {
	return d.update(func(txn *badger.Txn) error {
		k := key(prefixRun, run.ID[:])
		if _, err := txn.Get(k); errors.Is(err, badger.ErrKeyNotFound) {
			return reconcile.ErrRunNotFound
		} else if err != nil {
			return err
		}
		return setJSON(txn, k, run)
	})
}

// Run returns one reconciliation run.
func (d *DB) Run(ctx context.Context, id uuid.UUID) (reconcile.Run, error) {
	var run reconcile.Run
	err := d.view(func(txn *badger.Txn) error {
		err := getJSON(txn, key(prefixRun, id[:]), &run)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return reconcile.ErrRunNotFound
		}
		return err
	})
	return run, err
}

// Runs returns up to limit runs, newest first. limit <= 0 returns all.
func (d *DB) Runs(ctx context.Context, limit int) ([]reconcile.Run, error) {
	var out []reconcile.Run
	err := d.view(func(txn *badger.Txn) error {
		return scan(txn, prefixRun, func(val []byte) error {
			var r reconcile.Run
			if err := json.Unmarshal(val, &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// EligibleTickets implements reconcile.Store.
func (d *DB) EligibleTickets(ctx context.Context, cutoff time.Time, limit int) ([]tickets.Ticket, error) {
	all, err := d.Tickets(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, t := range all {
		if t.EligibleForReconciliation(cutoff) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return tickets.ReconcileOrderLess(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// modifyTicket loads, mutates and stores one ticket inside txn.
func modifyTicket(txn *badger.Txn, id string, fn func(t *tickets.Ticket)) error {
	k := key(prefixTicket, []byte(id))
	var t tickets.Ticket
	if err := getJSON(txn, k, &t); errors.Is(err, badger.ErrKeyNotFound) {
		return ErrTicketNotFound
	} else if err != nil {
		return err
	}
	fn(&t)
	return setJSON(txn, k, t)
}

// RecordDiscrepancy implements reconcile.Store.
func (d *DB) RecordDiscrepancy(ctx context.Context, disc reconcile.Discrepancy) error {
	return d.update(func(txn *badger.Txn) error {
		if err := setJSON(txn, key(prefixDiscrepancy, disc.RunID[:], disc.ID[:]), disc); err != nil {
			return err
		}
		return modifyTicket(txn, disc.RecordID, func(t *tickets.Ticket) {
			t.SyncStatus = tickets.SyncStatusOutOfSync
		})
	})
}

// ApplyCorrection implements reconcile.Store.
func (d *DB) ApplyCorrection(ctx context.Context, ticketID string, c reconcile.Correction, entry reconcile.LogEntry) error {
	return d.update(func(txn *badger.Txn) error {
		err := modifyTicket(txn, ticketID, func(t *tickets.Ticket) {
			c.ApplyTo(t)
			t.UpdatedAt = entry.At
		})
		if err != nil {
			return err
		}
		return setJSON(txn, key(prefixLog, entry.RunID[:], entry.ID[:]), entry)
	})
}

// MarkReconciled implements reconcile.Store.
func (d *DB) MarkReconciled(ctx context.Context, ticketID string, at time.Time) error {
	return d.update(func(txn *badger.Txn) error {
		return modifyTicket(txn, ticketID, func(t *tickets.Ticket) {
			t.LastReconciledAt = &at
			t.SyncStatus = tickets.SyncStatusSynced
		})
	})
}

// Discrepancies returns the discrepancies recorded by one run.
func (d *DB) Discrepancies(ctx context.Context, runID uuid.UUID) ([]reconcile.Discrepancy, error) {
	var out []reconcile.Discrepancy
	err := d.view(func(txn *badger.Txn) error {
		return scan(txn, key(prefixDiscrepancy, runID[:]), func(val []byte) error {
			var disc reconcile.Discrepancy
			if err := json.Unmarshal(val, &disc); err != nil {
				return err
			}
			out = append(out, disc)
			return nil
		})
	})
	return out, err
}

// LogEntries returns the corrections applied by one run.
func (d *DB) LogEntries(ctx context.Context, runID uuid.UUID) ([]reconcile.LogEntry, error) {
	var out []reconcile.LogEntry
	err := d.view(func(txn *badger.Txn) error {
		return scan(txn, key(prefixLog, runID[:]), func(val []byte) error {
			var e reconcile.LogEntry
			if err := json.Unmarshal(val, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

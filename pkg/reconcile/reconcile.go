// Package reconcile periodically re-derives local ticket state from the
// ledger and repairs drift. The ledger always wins.
//
// A sweep opens a Run, checks a bounded batch of eligible tickets against the
// ledger's asset view, records every mismatch as a Discrepancy, applies the
// matching Correction with one LogEntry, and closes the Run exactly once.
package reconcile

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fortiblox/X1-Ledgersync/pkg/rpcfetch"
	"github.com/fortiblox/X1-Ledgersync/pkg/tickets"
)

// Reconciliation errors.
var (
	ErrAlreadyRunning = errors.New("reconciliation already running")
	ErrRunNotFound    = errors.New("reconciliation run not found")
)

// RunStatus is the state of a reconciliation run.
type RunStatus string

// Run statuses.
const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
)

// Run is the record of one sweep.
type Run struct {
	ID                    uuid.UUID  `json:"id"`
	StartedAt             time.Time  `json:"started_at"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	Status                RunStatus  `json:"status"`
	RecordsChecked        int        `json:"records_checked"`
	DiscrepanciesFound    int        `json:"discrepancies_found"`
	DiscrepanciesResolved int        `json:"discrepancies_resolved"`
	DurationMs            int64      `json:"duration_ms"`
	ErrorMessage          string     `json:"error_message,omitempty"`
}

// Kind classifies a discrepancy.
type Kind string

// Discrepancy kinds.
const (
	KindOwnershipMismatch Kind = "OWNERSHIP_MISMATCH"
	KindNotFoundOnLedger  Kind = "NOT_FOUND_ON_LEDGER"
	KindStateNotRecorded  Kind = "STATE_NOT_RECORDED"
)

// Discrepancy is a detected mismatch between a ticket and the ledger.
type Discrepancy struct {
	ID          uuid.UUID `json:"id"`
	RecordID    string    `json:"record_id"`
	Kind        Kind      `json:"kind"`
	Field       string    `json:"field"`
	LocalValue  string    `json:"local_value"`
	LedgerValue string    `json:"ledger_value"`
	RunID       uuid.UUID `json:"run_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// SourceLedger is the only correction source.
const SourceLedger = "ledger"

// LogEntry records one applied correction.
type LogEntry struct {
	ID       uuid.UUID `json:"id"`
	RunID    uuid.UUID `json:"run_id"`
	RecordID string    `json:"record_id"`
	Field    string    `json:"field"`
	OldValue string    `json:"old_value"`
	NewValue string    `json:"new_value"`
	Source   string    `json:"source"`
	At       time.Time `json:"at"`
}

// Correction is a repair of one ticket field. The set of corrections is
// closed: only the types in this package implement it.
type Correction interface {
	// Field names the ticket column being repaired.
	Field() string
	OldValue() string
	NewValue() string

	// ApplyTo writes the ledger value into t.
	ApplyTo(t *tickets.Ticket)

	correction()
}

// OwnershipCorrection moves a ticket to the ledger's owner.
type OwnershipCorrection struct {
	From, To string
}

func (OwnershipCorrection) Field() string { return "owner_address" }
func (c OwnershipCorrection) OldValue() string { return c.From }
func (c OwnershipCorrection) NewValue() string { return c.To }
func (c OwnershipCorrection) ApplyTo(t *tickets.Ticket) { t.OwnerAddress = c.To }
func (OwnershipCorrection) correction() {}

// StateCorrection sets a ticket's lifecycle status.
type StateCorrection struct {
	From, To tickets.Status
}

func (StateCorrection) Field() string { return "status" }
func (c StateCorrection) OldValue() string { return string(c.From) }
func (c StateCorrection) NewValue() string { return string(c.To) }
func (c StateCorrection) ApplyTo(t *tickets.Ticket) { t.Status = c.To }
func (StateCorrection) correction() {}

// MintFlagCorrection sets whether a ticket is minted.
type MintFlagCorrection struct {
	From, To bool
}

func (MintFlagCorrection) Field() string { return "is_minted" }
func (c MintFlagCorrection) OldValue() string { return strconv.FormatBool(c.From) }
func (c MintFlagCorrection) NewValue() string { return strconv.FormatBool(c.To) }
func (c MintFlagCorrection) ApplyTo(t *tickets.Ticket) { t.IsMinted = c.To }
func (MintFlagCorrection) correction() {}

// Finding pairs a discrepancy kind with the correction that resolves it.
type Finding struct {
	Kind       Kind
	Correction Correction
}

// Detect compares a ticket with the ledger's view of its asset.
func Detect(t tickets.Ticket, state rpcfetch.AssetState) []Finding {
	if !state.Exists {
		if t.IsMinted {
			return []Finding{{KindNotFoundOnLedger, MintFlagCorrection{From: true, To: false}}}
		}
		return nil
	}

	var out []Finding
	if state.Owner != "" && state.Owner != t.OwnerAddress {
		out = append(out, Finding{KindOwnershipMismatch, OwnershipCorrection{From: t.OwnerAddress, To: state.Owner}})
	}
	if state.Burnt && t.Status != tickets.StatusBurned {
		out = append(out, Finding{KindStateNotRecorded, StateCorrection{From: t.Status, To: tickets.StatusBurned}})
	}
	return out
}

// Store persists reconciliation state and applies corrections.
type Store interface {
	CreateRun(ctx context.Context, run Run) error

	// CompleteRun overwrites the stored run with its final state.
	CompleteRun(ctx context.Context, run Run) error

	// EligibleTickets returns up to limit tickets that were never reconciled,
	// were last reconciled before cutoff, or are out of sync, ordered by
	// tickets.ReconcileOrderLess.
	EligibleTickets(ctx context.Context, cutoff time.Time, limit int) ([]tickets.Ticket, error)

	// RecordDiscrepancy stores d and flags its ticket out of sync.
	RecordDiscrepancy(ctx context.Context, d Discrepancy) error

	// ApplyCorrection applies c to the ticket and appends entry, atomically.
	ApplyCorrection(ctx context.Context, ticketID string, c Correction, entry LogEntry) error

	// MarkReconciled stamps the ticket as checked at at and synced.
	MarkReconciled(ctx context.Context, ticketID string, at time.Time) error
}

// AssetSource looks up assets on the ledger.
type AssetSource interface {
	AssetState(ctx context.Context, assetID string) (rpcfetch.AssetState, error)
}

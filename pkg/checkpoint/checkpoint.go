// Package checkpoint persists the ingestion cursor: the last ledger
// reference whose effects are durably recorded locally.
//
// The checkpoint is a singleton. Both ingestion producers (real-time indexer
// and historical backfill) advance it, never concurrently. Its slot only
// moves forward except through an explicit operator Reset.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/fortiblox/X1-Ledgersync/internal/types"
)

// Checkpoint errors.
var (
	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("checkpoint store closed")
)

// Checkpoint is the persisted ingestion cursor.
type Checkpoint struct {
	LastProcessedSlot      uint64     `json:"last_processed_slot"`
	LastProcessedSignature string     `json:"last_processed_signature,omitempty"`
	Version                string     `json:"version"`
	IsRunning              bool       `json:"is_running"`
	StartedAt              *time.Time `json:"started_at,omitempty"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// Reference returns the cursor as a ledger reference.
func (c Checkpoint) Reference() types.Reference {
	return types.Reference{Signature: c.LastProcessedSignature, Slot: c.LastProcessedSlot}
}

// IsZero reports whether nothing has been processed yet.
func (c Checkpoint) IsZero() bool {
	return c.LastProcessedSlot == 0 && c.LastProcessedSignature == ""
}

// Store persists the checkpoint.
type Store interface {
	// Load returns the checkpoint, creating a zeroed one on first use.
	Load(ctx context.Context) (Checkpoint, error)

	// Advance moves the cursor to (slot, signature). A slot lower than the
	// current one is ignored. At the same slot only a non-empty signature
	// replaces the current one. Returns the checkpoint as stored.
	Advance(ctx context.Context, slot uint64, signature string) (Checkpoint, error)

	// SetRunning records whether an ingestion loop owns the checkpoint.
	// Setting it true also stamps StartedAt.
	SetRunning(ctx context.Context, running bool) error

	// Reset is the operator override: it moves the cursor to slot in either
	// direction and clears the signature.
	Reset(ctx context.Context, slot uint64) error
}

// Advanced computes the result of Advance on c. It reports false when the
// checkpoint is unchanged.
func Advanced(c Checkpoint, slot uint64, signature string, now time.Time) (Checkpoint, bool) {
	switch {
	case slot < c.LastProcessedSlot:
		return c, false
	case slot == c.LastProcessedSlot:
		if signature == "" || signature == c.LastProcessedSignature {
			return c, false
		}
	}
	c.LastProcessedSlot = slot
	c.LastProcessedSignature = signature
	c.UpdatedAt = now
	return c, true
}

// Package tickets defines the local record kept for every ticket NFT minted
// by the ticketing program.
package tickets

import (
	"time"
)

// Status is the lifecycle state of a ticket.
type Status string

// Ticket statuses.
const (
	StatusActive Status = "ACTIVE"
	StatusUsed   Status = "USED"
	StatusBurned Status = "BURNED"
)

// SyncStatus records whether the local record is known to match the ledger.
type SyncStatus string

// Sync statuses.
const (
	SyncStatusSynced    SyncStatus = "SYNCED"
	SyncStatusOutOfSync SyncStatus = "OUT_OF_SYNC"
)

// Ticket is the local copy of one ticket.
type Ticket struct {
	// ID is the NFT asset id (mint address).
	ID string `json:"id"`

	EventID       string `json:"event_id,omitempty"`
	OwnerAddress  string `json:"owner_address"`
	IsMinted      bool   `json:"is_minted"`
	Status        Status `json:"status"`
	TransferCount uint32 `json:"transfer_count"`

	// LastSignature and LastSlot identify the newest transaction applied.
	LastSignature string `json:"last_signature,omitempty"`
	LastSlot      uint64 `json:"last_slot"`

	SyncStatus       SyncStatus `json:"sync_status"`
	LastReconciledAt *time.Time `json:"last_reconciled_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Change is the effect of one ledger transaction on one ticket.
type Change struct {
	TicketID string

	// Owner is the new holder, or empty when ownership did not change.
	Owner string

	Minted      bool
	Burned      bool
	Used        bool
	Transferred bool

	Signature string
	Slot      uint64
}

// Apply folds c into t. Changes from a slot older than the newest one
// already applied are ignored; Apply then reports false.
func (t *Ticket) Apply(c Change, now time.Time) bool {
	if t.LastSlot > c.Slot {
		return false
	}

	if t.ID == "" {
		t.ID = c.TicketID
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	if t.SyncStatus == "" {
		t.SyncStatus = SyncStatusSynced
	}

	if c.Minted {
		t.IsMinted = true
	}
	if c.Owner != "" {
		t.OwnerAddress = c.Owner
		t.IsMinted = true
	}
	if c.Transferred {
		t.TransferCount++
	}
	if c.Used && t.Status == StatusActive {
		t.Status = StatusUsed
	}
	if c.Burned {
		t.Status = StatusBurned
	}

	t.LastSignature = c.Signature
	t.LastSlot = c.Slot
	t.UpdatedAt = now
	return true
}

// EligibleForReconciliation reports whether t is due for a ledger check:
// never checked, checked before cutoff, or flagged out of sync.
func (t Ticket) EligibleForReconciliation(cutoff time.Time) bool {
	if t.SyncStatus == SyncStatusOutOfSync || t.LastReconciledAt == nil {
		return true
	}
	return t.LastReconciledAt.Before(cutoff)
}

// ReconcileOrderLess orders tickets oldest-eligible-first: never reconciled
// first, then by last reconciliation time.
func ReconcileOrderLess(a, b Ticket) bool {
	switch {
	case a.LastReconciledAt == nil && b.LastReconciledAt == nil:
		return a.ID < b.ID
	case a.LastReconciledAt == nil:
		return true
	case b.LastReconciledAt == nil:
		return false
	case !a.LastReconciledAt.Equal(*b.LastReconciledAt):
		return a.LastReconciledAt.Before(*b.LastReconciledAt)
	}
	return a.ID < b.ID
}

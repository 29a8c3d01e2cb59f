package tickets

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestApply(t *testing.T) {
	now := time.Now()

	var tk Ticket
	assert.True(t, tk.Apply(Change{TicketID: "mint1", Owner: "A", Minted: true, Signature: "s1", Slot: 10}, now))
	assert.Equal(t, "mint1", tk.ID)
	assert.Equal(t, "A", tk.OwnerAddress)
	assert.True(t, tk.IsMinted)
	assert.Equal(t, StatusActive, tk.Status)
	assert.Equal(t, SyncStatusSynced, tk.SyncStatus)

	assert.True(t, tk.Apply(Change{TicketID: "mint1", Owner: "B", Transferred: true, Signature: "s2", Slot: 20}, now))
	assert.Equal(t, "B", tk.OwnerAddress)
	assert.Equal(t, uint32(1), tk.TransferCount)

	// Older transactions never overwrite newer state.
	assert.False(t, tk.Apply(Change{TicketID: "mint1", Owner: "C", Signature: "s0", Slot: 15}, now))
	assert.Equal(t, "B", tk.OwnerAddress)
	assert.Equal(t, "s2", tk.LastSignature)

	assert.True(t, tk.Apply(Change{TicketID: "mint1", Used: true, Signature: "s3", Slot: 20}, now))
	assert.Equal(t, StatusUsed, tk.Status)

	assert.True(t, tk.Apply(Change{TicketID: "mint1", Burned: true, Signature: "s4", Slot: 30}, now))
	assert.Equal(t, StatusBurned, tk.Status)

	// A burned ticket does not come back as used.
	assert.True(t, tk.Apply(Change{TicketID: "mint1", Used: true, Signature: "s5", Slot: 31}, now))
	assert.Equal(t, StatusBurned, tk.Status)
}

func TestEligibleForReconciliation(t *testing.T) {
	now := time.Now()
	cutoff := now.Add(-time.Hour)
	recent := now.Add(-time.Minute)
	stale := now.Add(-2 * time.Hour)

	tests := []struct {
		name string
		tk   Ticket
		want bool
	}{
		{"never reconciled", Ticket{}, true},
		{"recently reconciled", Ticket{LastReconciledAt: &recent, SyncStatus: SyncStatusSynced}, false},
		{"stale", Ticket{LastReconciledAt: &stale, SyncStatus: SyncStatusSynced}, true},
		{"out of sync", Ticket{LastReconciledAt: &recent, SyncStatus: SyncStatusOutOfSync}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.tk.EligibleForReconciliation(cutoff))
		})
	}
}

func TestReconcileOrder(t *testing.T) {
	now := time.Now()
	older := now.Add(-3 * time.Hour)
	newer := now.Add(-2 * time.Hour)

	list := []Ticket{
		{ID: "c", LastReconciledAt: &newer},
		{ID: "b"},
		{ID: "d", LastReconciledAt: &older},
		{ID: "a"},
	}
	sort.Slice(list, func(i, j int) bool { return ReconcileOrderLess(list[i], list[j]) })

	var ids []string
	for _, tk := range list {
		ids = append(ids, tk.ID)
	}
	assert.Equal(t, []string{"a", "b", "d", "c"}, ids)
}

package pgstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/X1-Ledgersync/internal/types"
	"github.com/fortiblox/X1-Ledgersync/pkg/reconcile"
	"github.com/fortiblox/X1-Ledgersync/pkg/rpcfetch"
	"github.com/fortiblox/X1-Ledgersync/pkg/tickets"
)

// openTestStore connects to LEDGERSYNC_TEST_DATABASE_URL and empties every
// table. Tests are skipped when the variable is unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("LEDGERSYNC_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("LEDGERSYNC_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	s, err := Open(ctx, Config{URL: url, Version: "test"})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.Migrate(ctx))
	_, err = s.pool.Exec(ctx, `TRUNCATE indexer_checkpoint, tickets, processed_transactions,
		reconciliation_log, discrepancies, reconciliation_runs`)
	require.NoError(t, err)
	return s
}

func TestOpenRequiresURL(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.ErrorIs(t, err, ErrNoURL)
}

func TestCheckpoint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cp, err := s.Load(ctx)
	require.NoError(t, err)
	assert.True(t, cp.IsZero())
	assert.Equal(t, "test", cp.Version)

	cp, err = s.Advance(ctx, 100, "sigA")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), cp.LastProcessedSlot)

	cp, err = s.Advance(ctx, 50, "sigB")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), cp.LastProcessedSlot)
	assert.Equal(t, "sigA", cp.LastProcessedSignature)

	require.NoError(t, s.SetRunning(ctx, true))
	require.NoError(t, s.Reset(ctx, 10))

	cp, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), cp.LastProcessedSlot)
	assert.Empty(t, cp.LastProcessedSignature)
	assert.True(t, cp.IsRunning)
	assert.NotNil(t, cp.StartedAt)
}

func TestApplyTransactionIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ref := types.Reference{Signature: "sig1", Slot: 10}
	changes := []tickets.Change{{TicketID: "T1", Owner: "A", Minted: true, Transferred: true, Signature: "sig1", Slot: 10}}
	for i := 0; i < 2; i++ {
		require.NoError(t, s.ApplyTransaction(ctx, ref, changes))
	}

	done, err := s.IsProcessed(ctx, "sig1")
	require.NoError(t, err)
	assert.True(t, done)

	tk, err := s.Ticket(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "A", tk.OwnerAddress)
	assert.Equal(t, uint32(1), tk.TransferCount)
	assert.Equal(t, tickets.StatusActive, tk.Status)
}

type assetMap map[string]rpcfetch.AssetState

func (a assetMap) AssetState(ctx context.Context, id string) (rpcfetch.AssetState, error) {
	return a[id], nil
}

func TestReconcileSweep(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutTicket(ctx, tickets.Ticket{
		ID:           "T1",
		OwnerAddress: "A",
		IsMinted:     true,
		Status:       tickets.StatusActive,
		SyncStatus:   tickets.SyncStatusSynced,
		UpdatedAt:    time.Now().UTC(),
	}))

	engine := reconcile.NewEngine(s, assetMap{"T1": {Exists: true, Owner: "B"}}, reconcile.Config{}, nil)
	run, err := engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.DiscrepanciesResolved)

	tk, err := s.Ticket(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "B", tk.OwnerAddress)
	assert.Equal(t, tickets.SyncStatusSynced, tk.SyncStatus)

	runs, err := s.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, reconcile.RunStatusCompleted, runs[0].Status)

	entries, err := s.LogEntries(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "B", entries[0].NewValue)

	discs, err := s.Discrepancies(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, discs, 1)
	assert.Equal(t, reconcile.KindOwnershipMismatch, discs[0].Kind)
}

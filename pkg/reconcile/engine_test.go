package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/X1-Ledgersync/pkg/rpcfetch"
	"github.com/fortiblox/X1-Ledgersync/pkg/tickets"
)

type fakeStore struct {
	mu            sync.Mutex
	tickets       map[string]tickets.Ticket
	runs          map[uuid.UUID]Run
	discrepancies []Discrepancy
	log           []LogEntry
	createErr     error
	applyErr      map[string]error
}

func newFakeStore(list ...tickets.Ticket) *fakeStore {
	s := &fakeStore{tickets: map[string]tickets.Ticket{}, runs: map[uuid.UUID]Run{}}
	for _, tk := range list {
		s.tickets[tk.ID] = tk
	}
	return s
}

func (s *fakeStore) CreateRun(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.runs[run.ID] = run
	return nil
}

func (s *fakeStore) CompleteRun(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return ErrRunNotFound
	}
	s.runs[run.ID] = run
	return nil
}

func (s *fakeStore) EligibleTickets(ctx context.Context, cutoff time.Time, limit int) ([]tickets.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []tickets.Ticket
	for _, tk := range s.tickets {
		if tk.EligibleForReconciliation(cutoff) {
			out = append(out, tk)
		}
	}
	sort.Slice(out, func(i, j int) bool { return tickets.ReconcileOrderLess(out[i], out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) RecordDiscrepancy(ctx context.Context, d Discrepancy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discrepancies = append(s.discrepancies, d)
	tk := s.tickets[d.RecordID]
	tk.SyncStatus = tickets.SyncStatusOutOfSync
	s.tickets[d.RecordID] = tk
	return nil
}

func (s *fakeStore) ApplyCorrection(ctx context.Context, id string, c Correction, entry LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.applyErr[id]; err != nil {
		return err
	}
	tk := s.tickets[id]
	c.ApplyTo(&tk)
	s.tickets[id] = tk
	s.log = append(s.log, entry)
	return nil
}

func (s *fakeStore) MarkReconciled(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tk := s.tickets[id]
	tk.LastReconciledAt = &at
	tk.SyncStatus = tickets.SyncStatusSynced
	s.tickets[id] = tk
	return nil
}

type fakeAssets struct {
	states map[string]rpcfetch.AssetState
	fail   map[string]bool
	block  chan struct{}
}

func (f *fakeAssets) AssetState(ctx context.Context, id string) (rpcfetch.AssetState, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return rpcfetch.AssetState{}, ctx.Err()
		}
	}
	if f.fail[id] {
		return rpcfetch.AssetState{}, errors.New("endpoint down")
	}
	return f.states[id], nil
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name  string
		tk    tickets.Ticket
		state rpcfetch.AssetState
		want  []Finding
	}{
		{
			name:  "in sync",
			tk:    tickets.Ticket{OwnerAddress: "A", IsMinted: true, Status: tickets.StatusActive},
			state: rpcfetch.AssetState{Exists: true, Owner: "A"},
		},
		{
			name:  "owner differs",
			tk:    tickets.Ticket{OwnerAddress: "A", IsMinted: true, Status: tickets.StatusActive},
			state: rpcfetch.AssetState{Exists: true, Owner: "B"},
			want:  []Finding{{KindOwnershipMismatch, OwnershipCorrection{From: "A", To: "B"}}},
		},
		{
			name:  "missing on ledger",
			tk:    tickets.Ticket{OwnerAddress: "A", IsMinted: true},
			state: rpcfetch.AssetState{},
			want:  []Finding{{KindNotFoundOnLedger, MintFlagCorrection{From: true, To: false}}},
		},
		{
			name:  "missing and never minted",
			tk:    tickets.Ticket{},
			state: rpcfetch.AssetState{},
		},
		{
			name:  "burnt not recorded",
			tk:    tickets.Ticket{OwnerAddress: "A", IsMinted: true, Status: tickets.StatusUsed},
			state: rpcfetch.AssetState{Exists: true, Owner: "A", Burnt: true},
			want:  []Finding{{KindStateNotRecorded, StateCorrection{From: tickets.StatusUsed, To: tickets.StatusBurned}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Detect(tt.tk, tt.state))
		})
	}
}

func TestCorrectionValues(t *testing.T) {
	var tk tickets.Ticket
	for _, c := range []Correction{
		OwnershipCorrection{From: "A", To: "B"},
		StateCorrection{From: tickets.StatusActive, To: tickets.StatusBurned},
		MintFlagCorrection{From: false, To: true},
	} {
		c.ApplyTo(&tk)
	}
	assert.Equal(t, "B", tk.OwnerAddress)
	assert.Equal(t, tickets.StatusBurned, tk.Status)
	assert.True(t, tk.IsMinted)

	c := MintFlagCorrection{From: true, To: false}
	assert.Equal(t, "is_minted", c.Field())
	assert.Equal(t, "true", c.OldValue())
	assert.Equal(t, "false", c.NewValue())
}

func TestRunOnceOwnershipMismatch(t *testing.T) {
	store := newFakeStore(tickets.Ticket{ID: "T1", OwnerAddress: "A", IsMinted: true, Status: tickets.StatusActive})
	assets := &fakeAssets{states: map[string]rpcfetch.AssetState{"T1": {Exists: true, Owner: "B"}}}
	e := NewEngine(store, assets, Config{}, nil)

	run, err := e.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.RecordsChecked)
	assert.Equal(t, 1, run.DiscrepanciesFound)
	assert.Equal(t, 1, run.DiscrepanciesResolved)
	require.NotNil(t, run.CompletedAt)

	tk := store.tickets["T1"]
	assert.Equal(t, "B", tk.OwnerAddress)
	assert.Equal(t, tickets.SyncStatusSynced, tk.SyncStatus)
	require.NotNil(t, tk.LastReconciledAt)

	require.Len(t, store.discrepancies, 1)
	d := store.discrepancies[0]
	assert.Equal(t, KindOwnershipMismatch, d.Kind)
	assert.Equal(t, "A", d.LocalValue)
	assert.Equal(t, "B", d.LedgerValue)
	assert.Equal(t, run.ID, d.RunID)

	require.Len(t, store.log, 1)
	entry := store.log[0]
	assert.Equal(t, "owner_address", entry.Field)
	assert.Equal(t, "A", entry.OldValue)
	assert.Equal(t, "B", entry.NewValue)
	assert.Equal(t, SourceLedger, entry.Source)

	assert.Equal(t, RunStatusCompleted, store.runs[run.ID].Status)
	last, ok := e.LastRun()
	require.True(t, ok)
	assert.Equal(t, run.ID, last.ID)
	assert.False(t, e.IsRunning())
}

func TestRunOnceNoDiscrepancies(t *testing.T) {
	store := newFakeStore(
		tickets.Ticket{ID: "T1", OwnerAddress: "A", IsMinted: true, Status: tickets.StatusActive},
		tickets.Ticket{ID: "T2", OwnerAddress: "C", IsMinted: true, Status: tickets.StatusUsed},
	)
	assets := &fakeAssets{states: map[string]rpcfetch.AssetState{
		"T1": {Exists: true, Owner: "A"},
		"T2": {Exists: true, Owner: "C"},
	}}
	e := NewEngine(store, assets, Config{}, nil)

	run, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.Equal(t, 2, run.RecordsChecked)
	assert.Zero(t, run.DiscrepanciesFound)
	assert.Empty(t, store.log)

	// Freshly reconciled tickets sit out the hold-off.
	run, err = e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, run.RecordsChecked)
}

func TestRunOnceCreateRunFails(t *testing.T) {
	store := newFakeStore(tickets.Ticket{ID: "T1", OwnerAddress: "A", IsMinted: true})
	store.createErr = errors.New("db down")
	e := NewEngine(store, &fakeAssets{}, Config{}, nil)

	var published []Run
	e.SetOnRun(func(r Run) { published = append(published, r) })

	run, err := e.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, RunStatusFailed, run.Status)
	assert.Contains(t, run.ErrorMessage, "db down")
	require.Len(t, published, 1)
	assert.Equal(t, RunStatusFailed, published[0].Status)

	// Nothing was checked.
	assert.Nil(t, store.tickets["T1"].LastReconciledAt)
}

func TestRunOnceLookupFailure(t *testing.T) {
	store := newFakeStore(
		tickets.Ticket{ID: "T1", OwnerAddress: "A", IsMinted: true},
		tickets.Ticket{ID: "T2", OwnerAddress: "B", IsMinted: true},
	)
	assets := &fakeAssets{
		states: map[string]rpcfetch.AssetState{"T2": {Exists: true, Owner: "B"}},
		fail:   map[string]bool{"T1": true},
	}
	e := NewEngine(store, assets, Config{}, nil)

	run, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.RecordsChecked)
	assert.Zero(t, run.DiscrepanciesFound)

	assert.Nil(t, store.tickets["T1"].LastReconciledAt, "failed lookup must not advance timestamp")
	assert.NotNil(t, store.tickets["T2"].LastReconciledAt)
}

func TestRunOnceStoreFailureSkipsTicket(t *testing.T) {
	old := time.Now().Add(-2 * time.Hour)
	store := newFakeStore(
		tickets.Ticket{ID: "a", OwnerAddress: "A", IsMinted: true, LastReconciledAt: &old},
		tickets.Ticket{ID: "b", OwnerAddress: "A", IsMinted: true},
	)
	store.applyErr = map[string]error{"a": errors.New("transient write error")}
	assets := &fakeAssets{states: map[string]rpcfetch.AssetState{
		"a": {Exists: true, Owner: "B"},
		"b": {Exists: true, Owner: "B"},
	}}
	e := NewEngine(store, assets, Config{}, nil)

	run, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.Equal(t, 2, run.RecordsChecked)
	assert.Equal(t, 2, run.DiscrepanciesFound)
	assert.Equal(t, 1, run.DiscrepanciesResolved)

	assert.Equal(t, "B", store.tickets["b"].OwnerAddress)
	assert.NotNil(t, store.tickets["b"].LastReconciledAt)

	assert.Equal(t, "A", store.tickets["a"].OwnerAddress)
	assert.Equal(t, old, *store.tickets["a"].LastReconciledAt, "failed ticket keeps its timestamp")
	assert.Equal(t, tickets.SyncStatusOutOfSync, store.tickets["a"].SyncStatus)
	require.Len(t, store.log, 1)
	assert.Equal(t, "b", store.log[0].RecordID)
}

func TestRunOnceOverlap(t *testing.T) {
	store := newFakeStore(tickets.Ticket{ID: "T1", OwnerAddress: "A", IsMinted: true})
	assets := &fakeAssets{
		states: map[string]rpcfetch.AssetState{"T1": {Exists: true, Owner: "A"}},
		block:  make(chan struct{}),
	}
	e := NewEngine(store, assets, Config{}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.RunOnce(context.Background())
	}()

	require.Eventually(t, e.IsRunning, time.Second, 5*time.Millisecond)
	_, err := e.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(assets.block)
	<-done
	assert.False(t, e.IsRunning())
}

func TestRunOnceCancelledFails(t *testing.T) {
	store := newFakeStore(tickets.Ticket{ID: "T1", OwnerAddress: "A", IsMinted: true})
	assets := &fakeAssets{block: make(chan struct{})}
	e := NewEngine(store, assets, Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := e.RunOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, RunStatusFailed, run.Status)
	assert.Equal(t, RunStatusFailed, store.runs[run.ID].Status, "failed run is persisted after cancel")
}

func TestStartStop(t *testing.T) {
	store := newFakeStore(tickets.Ticket{ID: "T1", OwnerAddress: "A", IsMinted: true})
	assets := &fakeAssets{states: map[string]rpcfetch.AssetState{"T1": {Exists: true, Owner: "Z"}}}
	e := NewEngine(store, assets, Config{Interval: time.Hour}, nil)

	e.Start(context.Background())
	require.Eventually(t, func() bool {
		_, ok := e.LastRun()
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	e.Stop()
	e.Stop()

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, "Z", store.tickets["T1"].OwnerAddress)
}

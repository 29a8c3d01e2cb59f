package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T, path string) *BoltStore {
	t.Helper()
	store, err := OpenBolt(BoltConfig{Path: path, Version: "test"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	return store
}

func TestLoadCreatesZeroed(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "checkpoint.db"))
	defer store.Close()

	cp, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cp.IsZero() {
		t.Errorf("expected zeroed checkpoint, got %+v", cp)
	}
	if cp.Version != "test" {
		t.Errorf("got version %q, want test", cp.Version)
	}
	if cp.IsRunning {
		t.Error("new checkpoint should not be running")
	}
}

func TestAdvanceMonotonic(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "checkpoint.db"))
	defer store.Close()
	ctx := context.Background()

	tests := []struct {
		name     string
		slot     uint64
		sig      string
		wantSlot uint64
		wantSig  string
	}{
		{"first advance", 100, "sigA", 100, "sigA"},
		{"forward", 150, "sigB", 150, "sigB"},
		{"lower slot ignored", 120, "sigC", 150, "sigB"},
		{"same slot new signature", 150, "sigD", 150, "sigD"},
		{"same slot empty signature keeps", 150, "", 150, "sigD"},
		{"slot only forward", 200, "", 200, ""},
		{"zero ignored", 0, "sigE", 200, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp, err := store.Advance(ctx, tt.slot, tt.sig)
			if err != nil {
				t.Fatalf("Advance failed: %v", err)
			}
			if cp.LastProcessedSlot != tt.wantSlot || cp.LastProcessedSignature != tt.wantSig {
				t.Errorf("got (%d, %q), want (%d, %q)",
					cp.LastProcessedSlot, cp.LastProcessedSignature, tt.wantSlot, tt.wantSig)
			}

			loaded, err := store.Load(ctx)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if loaded.LastProcessedSlot != tt.wantSlot || loaded.LastProcessedSignature != tt.wantSig {
				t.Errorf("stored (%d, %q), want (%d, %q)",
					loaded.LastProcessedSlot, loaded.LastProcessedSignature, tt.wantSlot, tt.wantSig)
			}
		})
	}
}

func TestSetRunningAndReset(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "checkpoint.db"))
	defer store.Close()
	ctx := context.Background()

	if err := store.SetRunning(ctx, true); err != nil {
		t.Fatalf("SetRunning failed: %v", err)
	}
	cp, _ := store.Load(ctx)
	if !cp.IsRunning || cp.StartedAt == nil {
		t.Errorf("expected running with start time, got %+v", cp)
	}

	if _, err := store.Advance(ctx, 5000, "sigZ"); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}

	// Reset moves backwards, which Advance never does.
	if err := store.Reset(ctx, 1000); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	cp, _ = store.Load(ctx)
	if cp.LastProcessedSlot != 1000 || cp.LastProcessedSignature != "" {
		t.Errorf("after reset got (%d, %q)", cp.LastProcessedSlot, cp.LastProcessedSignature)
	}

	if err := store.SetRunning(ctx, false); err != nil {
		t.Fatalf("SetRunning failed: %v", err)
	}
	cp, _ = store.Load(ctx)
	if cp.IsRunning {
		t.Error("expected not running")
	}
	if cp.LastProcessedSlot != 1000 {
		t.Errorf("SetRunning changed slot to %d", cp.LastProcessedSlot)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.db")
	ctx := context.Background()

	store := openTestStore(t, path)
	if _, err := store.Advance(ctx, 4242, "sigP"); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	store.Close()

	store = openTestStore(t, path)
	defer store.Close()

	cp, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cp.LastProcessedSlot != 4242 || cp.LastProcessedSignature != "sigP" {
		t.Errorf("got (%d, %q) after reopen", cp.LastProcessedSlot, cp.LastProcessedSignature)
	}
}

func TestClosed(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "checkpoint.db"))
	store.Close()
	if err := store.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}

	if _, err := store.Load(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
}

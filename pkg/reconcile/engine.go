package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fortiblox/X1-Ledgersync/pkg/rpcfetch"
	"github.com/fortiblox/X1-Ledgersync/pkg/tickets"
)

// Default engine configuration values.
const (
	DefaultInterval  = 5 * time.Minute
	DefaultHoldoff   = time.Hour
	DefaultBatchSize = 100
)

// Config holds engine configuration.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration

	// Holdoff is how long a synced ticket is left alone after a check.
	Holdoff time.Duration

	// BatchSize caps the tickets checked per sweep.
	BatchSize int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Interval:  DefaultInterval,
		Holdoff:   DefaultHoldoff,
		BatchSize: DefaultBatchSize,
	}
}

// WithDefaults returns a copy of the config with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Holdoff <= 0 {
		c.Holdoff = DefaultHoldoff
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

// Engine runs reconciliation sweeps, on a timer or on demand. At most one
// sweep runs at a time.
type Engine struct {
	store  Store
	assets AssetSource
	cfg    Config
	logger *zap.Logger

	// now is swapped in tests.
	now func() time.Time

	running atomic.Bool
	lastRun atomic.Pointer[Run]
	onRun   func(Run)

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewEngine creates an engine.
func NewEngine(store Store, assets AssetSource, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  store,
		assets: assets,
		cfg:    cfg.WithDefaults(),
		logger: logger.Named("reconcile"),
		now:    time.Now,
	}
}

// SetOnRun registers a callback invoked with every closed run.
// Must be called before Start.
func (e *Engine) SetOnRun(fn func(Run)) {
	e.onRun = fn
}

// IsRunning reports whether a sweep is in progress.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// LastRun returns the most recently closed run, if any.
func (e *Engine) LastRun() (Run, bool) {
	r := e.lastRun.Load()
	if r == nil {
		return Run{}, false
	}
	return *r, true
}

// Start runs a sweep immediately and then every Interval until Stop.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true

	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.loop(ctx)

	e.logger.Info("reconciliation started",
		zap.Duration("interval", e.cfg.Interval),
		zap.Int("batch_size", e.cfg.BatchSize))
}

// Stop cancels the timer and waits for an in-flight sweep to return.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := e.RunOnce(ctx); err != nil && ctx.Err() == nil {
			if errors.Is(err, ErrAlreadyRunning) {
				e.logger.Debug("sweep skipped, previous still running")
			} else {
				e.logger.Warn("sweep failed", zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one sweep and returns its closed run. It returns
// ErrAlreadyRunning without a run when another sweep is in progress.
func (e *Engine) RunOnce(ctx context.Context) (Run, error) {
	if !e.running.CompareAndSwap(false, true) {
		return Run{}, ErrAlreadyRunning
	}
	defer e.running.Store(false)

	run := Run{
		ID:        uuid.New(),
		StartedAt: e.now(),
		Status:    RunStatusRunning,
	}

	if err := e.store.CreateRun(ctx, run); err != nil {
		err = fmt.Errorf("create run: %w", err)
		return e.fail(ctx, run, err, false), err
	}

	if err := e.sweep(ctx, &run); err != nil {
		return e.fail(ctx, run, err, true), err
	}

	e.close(&run, RunStatusCompleted, "")
	if err := e.store.CompleteRun(context.WithoutCancel(ctx), run); err != nil {
		err = fmt.Errorf("complete run: %w", err)
		return e.fail(ctx, run, err, false), err
	}
	e.publish(run)

	e.logger.Info("sweep completed",
		zap.String("run_id", run.ID.String()),
		zap.Int("checked", run.RecordsChecked),
		zap.Int("found", run.DiscrepanciesFound),
		zap.Int("resolved", run.DiscrepanciesResolved),
		zap.Int64("duration_ms", run.DurationMs))
	return run, nil
}

// sweep checks one batch of eligible tickets. Only a failure outside the
// per-ticket work, or cancellation, fails the run.
func (e *Engine) sweep(ctx context.Context, run *Run) error {
	cutoff := e.now().Add(-e.cfg.Holdoff)
	batch, err := e.store.EligibleTickets(ctx, cutoff, e.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("select tickets: %w", err)
	}

	for _, tk := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}

		state, err := e.assets.AssetState(ctx, tk.ID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Warn("asset lookup failed",
				zap.String("ticket", tk.ID),
				zap.Error(err))
			continue
		}
		run.RecordsChecked++

		if err := e.reconcileTicket(ctx, run, tk, state); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The ticket keeps its old lastReconciledAt and is retried next sweep.
			e.logger.Warn("ticket reconciliation failed",
				zap.String("ticket", tk.ID),
				zap.Error(err))
		}
	}
	return nil
}

// reconcileTicket records and applies every finding for one ticket, then
// marks it reconciled. Counters on run only cover writes that succeeded.
func (e *Engine) reconcileTicket(ctx context.Context, run *Run, tk tickets.Ticket, state rpcfetch.AssetState) error {
	for _, f := range Detect(tk, state) {
		now := e.now()
		d := Discrepancy{
			ID:          uuid.New(),
			RecordID:    tk.ID,
			Kind:        f.Kind,
			Field:       f.Correction.Field(),
			LocalValue:  f.Correction.OldValue(),
			LedgerValue: f.Correction.NewValue(),
			RunID:       run.ID,
			CreatedAt:   now,
		}
		if err := e.store.RecordDiscrepancy(ctx, d); err != nil {
			return fmt.Errorf("record discrepancy: %w", err)
		}
		run.DiscrepanciesFound++

		e.logger.Info("discrepancy detected",
			zap.String("ticket", tk.ID),
			zap.String("kind", string(f.Kind)),
			zap.String("local", d.LocalValue),
			zap.String("ledger", d.LedgerValue))

		entry := LogEntry{
			ID:       uuid.New(),
			RunID:    run.ID,
			RecordID: tk.ID,
			Field:    d.Field,
			OldValue: d.LocalValue,
			NewValue: d.LedgerValue,
			Source:   SourceLedger,
			At:       now,
		}
		if err := e.store.ApplyCorrection(ctx, tk.ID, f.Correction, entry); err != nil {
			return fmt.Errorf("apply correction: %w", err)
		}
		run.DiscrepanciesResolved++
	}

	if err := e.store.MarkReconciled(ctx, tk.ID, e.now()); err != nil {
		return fmt.Errorf("mark reconciled: %w", err)
	}
	return nil
}

// fail closes run as FAILED. The store write is best-effort and outlives a
// cancelled ctx. persist is false when the run row may not exist.
func (e *Engine) fail(ctx context.Context, run Run, cause error, persist bool) Run {
	e.close(&run, RunStatusFailed, cause.Error())

	wctx := context.WithoutCancel(ctx)
	var err error
	if persist {
		err = e.store.CompleteRun(wctx, run)
	} else if err = e.store.CreateRun(wctx, run); err != nil {
		err = e.store.CompleteRun(wctx, run)
	}
	if err != nil {
		e.logger.Error("failed to persist failed run",
			zap.String("run_id", run.ID.String()),
			zap.Error(err))
	}

	e.publish(run)
	e.logger.Error("sweep failed",
		zap.String("run_id", run.ID.String()),
		zap.Error(cause))
	return run
}

func (e *Engine) close(run *Run, status RunStatus, msg string) {
	done := e.now()
	run.CompletedAt = &done
	run.Status = status
	run.ErrorMessage = msg
	run.DurationMs = done.Sub(run.StartedAt).Milliseconds()
}

func (e *Engine) publish(run Run) {
	e.lastRun.Store(&run)
	if e.onRun != nil {
		e.onRun(run)
	}
}

// Package indexer is the real-time ingestion loop.
//
// A fixed-interval poll loop is the correctness path: each tick reads the
// references newer than the checkpoint, processes them oldest-first and
// advances the checkpoint past the contiguous prefix that succeeded. An
// optional push subscription triggers immediate processing of notified
// references without touching the checkpoint. Processing is idempotent, so
// the two paths may deliver the same reference.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fortiblox/X1-Ledgersync/internal/types"
	"github.com/fortiblox/X1-Ledgersync/pkg/checkpoint"
	"github.com/fortiblox/X1-Ledgersync/pkg/logsub"
	"github.com/fortiblox/X1-Ledgersync/pkg/processor"
)

// Default configuration values.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultBatchSize    = 100
	DefaultDrainTimeout = 30 * time.Second

	// drainPollInterval is the sleep between in-flight checks during Stop.
	drainPollInterval = 25 * time.Millisecond
)

// Indexer errors.
var (
	ErrInvalidState = errors.New("invalid indexer state")
	ErrTickInFlight = errors.New("poll tick already in flight")
	ErrMissingDeps  = errors.New("indexer requires ledger, checkpoint store and processor")
)

// State is the indexer lifecycle state.
type State string

// Lifecycle states.
const (
	StateStopped      State = "STOPPED"
	StateInitializing State = "INITIALIZING"
	StateRunning      State = "RUNNING"
	StateStopping     State = "STOPPING"
)

// Config holds indexer configuration.
type Config struct {
	// PollInterval is the time between poll ticks.
	PollInterval time.Duration

	// BatchSize caps the references read per tick.
	BatchSize int

	// DrainTimeout bounds how long Stop waits for an in-flight tick before
	// cancelling it.
	DrainTimeout time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		PollInterval: DefaultPollInterval,
		BatchSize:    DefaultBatchSize,
		DrainTimeout: DefaultDrainTimeout,
	}
}

// WithDefaults returns a copy of the config with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaults.DrainTimeout
	}
	return c
}

// Ledger is the slice of the ledger client the indexer needs.
type Ledger interface {
	CurrentSlot(ctx context.Context) (uint64, error)
	ReferencesAfter(ctx context.Context, after types.Reference, limit int) ([]types.Reference, error)
}

// PushSource delivers program notifications. *logsub.Client implements it.
type PushSource interface {
	Connect(ctx context.Context) error
	Notifications() <-chan logsub.Notification
	Connected() bool
	Close() error
}

// Stopper is anything with a background task to stop at shutdown, such as
// the gateway prober.
type Stopper interface {
	Stop()
}

// Deps are the indexer's collaborators. Push and Gateway are optional.
type Deps struct {
	Ledger      Ledger
	Checkpoints checkpoint.Store
	Processor   processor.Processor
	Push        PushSource
	Gateway     Stopper
	Logger      *zap.Logger
}

// Status is a point-in-time snapshot of the indexer.
type Status struct {
	State                  State  `json:"state"`
	CurrentSlot            uint64 `json:"current_slot"`
	LastProcessedSlot      uint64 `json:"last_processed_slot"`
	LastProcessedSignature string `json:"last_processed_signature,omitempty"`
	Lag                    uint64 `json:"lag"`
	TickInFlight           bool   `json:"tick_in_flight"`
	Ticks                  uint64 `json:"ticks"`
	SkippedTicks           uint64 `json:"skipped_ticks"`
	Processed              uint64 `json:"processed"`
	Failed                 uint64 `json:"failed"`
	PushTriggered          uint64 `json:"push_triggered"`
	PushConnected          bool   `json:"push_connected"`
}

// Indexer runs the poll loop and the push fast path.
type Indexer struct {
	config Config
	deps   Deps
	logger *zap.Logger

	mu     sync.Mutex
	state  State
	cursor types.Reference

	inFlight    atomic.Bool
	currentSlot atomic.Uint64

	ticks         atomic.Uint64
	skippedTicks  atomic.Uint64
	processed     atomic.Uint64
	failed        atomic.Uint64
	pushTriggered atomic.Uint64

	// loopCancel stops the poll and push loops. tickCancel aborts an
	// in-flight tick and is only used once the drain timeout passes.
	loopCancel context.CancelFunc
	tickCtx    context.Context
	tickCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates an indexer in the STOPPED state.
func New(config Config, deps Deps) (*Indexer, error) {
	if deps.Ledger == nil || deps.Checkpoints == nil || deps.Processor == nil {
		return nil, ErrMissingDeps
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	tickCtx, tickCancel := context.WithCancel(context.Background())
	return &Indexer{
		config:     config.WithDefaults(),
		deps:       deps,
		logger:     logger.Named("indexer"),
		state:      StateStopped,
		tickCtx:    tickCtx,
		tickCancel: tickCancel,
	}, nil
}

// State returns the lifecycle state.
func (ix *Indexer) State() State {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.state
}

// transition moves from one of the allowed states to next.
func (ix *Indexer) transition(next State, from ...State) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, s := range from {
		if ix.state == s {
			ix.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidState, ix.state, next)
}

func (ix *Indexer) setState(s State) {
	ix.mu.Lock()
	ix.state = s
	ix.mu.Unlock()
}

// Initialize loads the checkpoint and reads the ledger head.
func (ix *Indexer) Initialize(ctx context.Context) error {
	if err := ix.transition(StateInitializing, StateStopped); err != nil {
		return err
	}

	cp, err := ix.deps.Checkpoints.Load(ctx)
	if err != nil {
		ix.setState(StateStopped)
		return fmt.Errorf("load checkpoint: %w", err)
	}
	ix.setCursor(cp.Reference())

	head, err := ix.deps.Ledger.CurrentSlot(ctx)
	if err != nil {
		ix.setState(StateStopped)
		return fmt.Errorf("get ledger head: %w", err)
	}
	ix.currentSlot.Store(head)

	ix.logger.Info("indexer initialized",
		zap.Uint64("checkpoint_slot", cp.LastProcessedSlot),
		zap.String("checkpoint_signature", cp.LastProcessedSignature),
		zap.Uint64("ledger_slot", head),
		zap.Uint64("lag", lag(head, cp.LastProcessedSlot)))
	return nil
}

// Start marks the checkpoint running, connects the push subscription
// (best-effort) and starts the poll loop. Initialize must be called first.
func (ix *Indexer) Start(ctx context.Context) error {
	ix.mu.Lock()
	if ix.state != StateInitializing {
		state := ix.state
		ix.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidState, state)
	}
	if ix.tickCtx.Err() != nil {
		ix.tickCtx, ix.tickCancel = context.WithCancel(context.Background())
	}
	ix.mu.Unlock()

	if err := ix.deps.Checkpoints.SetRunning(ctx, true); err != nil {
		ix.setState(StateStopped)
		return fmt.Errorf("mark checkpoint running: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ix.mu.Lock()
	ix.loopCancel = cancel
	ix.state = StateRunning
	ix.mu.Unlock()

	if ix.deps.Push != nil {
		if err := ix.deps.Push.Connect(ctx); err != nil {
			ix.logger.Warn("push subscription unavailable, retrying in background", zap.Error(err))
		}
		ix.wg.Add(1)
		go ix.pushLoop(loopCtx)
	}

	ix.wg.Add(1)
	go ix.pollLoop(loopCtx)

	ix.logger.Info("indexer started",
		zap.Duration("poll_interval", ix.config.PollInterval),
		zap.Int("batch_size", ix.config.BatchSize),
		zap.Bool("push", ix.deps.Push != nil))
	return nil
}

// Stop drains the in-flight tick, releases the subscription and gateway and
// persists isRunning=false. Stop does not return while a tick is in flight.
func (ix *Indexer) Stop(ctx context.Context) error {
	if err := ix.transition(StateStopping, StateRunning, StateInitializing); err != nil {
		return err
	}
	ix.logger.Info("indexer stopping")

	ix.mu.Lock()
	if ix.loopCancel != nil {
		ix.loopCancel()
	}
	tickCancel := ix.tickCancel
	ix.mu.Unlock()

	deadline := time.Now().Add(ix.config.DrainTimeout)
	cancelled := false
	for ix.inFlight.Load() {
		if !cancelled && (time.Now().After(deadline) || ctx.Err() != nil) {
			ix.logger.Warn("drain timeout, cancelling in-flight tick")
			tickCancel()
			cancelled = true
		}
		time.Sleep(drainPollInterval)
	}
	ix.wg.Wait()

	if ix.deps.Push != nil {
		if err := ix.deps.Push.Close(); err != nil {
			ix.logger.Warn("close push subscription", zap.Error(err))
		}
	}
	if ix.deps.Gateway != nil {
		ix.deps.Gateway.Stop()
	}

	err := ix.deps.Checkpoints.SetRunning(context.WithoutCancel(ctx), false)
	ix.setState(StateStopped)
	if err != nil {
		return fmt.Errorf("mark checkpoint stopped: %w", err)
	}

	ix.logger.Info("indexer stopped",
		zap.Uint64("processed", ix.processed.Load()),
		zap.Uint64("failed", ix.failed.Load()))
	return nil
}

func (ix *Indexer) pollLoop(ctx context.Context) {
	defer ix.wg.Done()

	ticker := time.NewTicker(ix.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ix.dispatchTick(ctx)
		}
	}
}

// dispatchTick starts a background tick unless one is in flight or the loop
// has been cancelled. select may pick a ready tick over a cancelled ctx, so
// the cancellation is checked again once the flag is held.
func (ix *Indexer) dispatchTick(ctx context.Context) bool {
	if !ix.inFlight.CompareAndSwap(false, true) {
		ix.skippedTicks.Add(1)
		ix.logger.Debug("tick skipped, previous still running")
		return false
	}
	if ctx.Err() != nil {
		ix.inFlight.Store(false)
		return false
	}
	ix.wg.Add(1)
	go func() {
		defer ix.wg.Done()
		defer ix.inFlight.Store(false)
		if err := ix.runTick(); err != nil {
			ix.logger.Warn("tick failed", zap.Error(err))
		}
	}()
	return true
}

// Tick runs one poll tick now. It returns ErrTickInFlight, and counts a
// skipped tick, when another tick is executing.
func (ix *Indexer) Tick(ctx context.Context) error {
	if !ix.inFlight.CompareAndSwap(false, true) {
		ix.skippedTicks.Add(1)
		return ErrTickInFlight
	}
	defer ix.inFlight.Store(false)

	ix.mu.Lock()
	base := ix.tickCtx
	ix.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(base, cancel)
	defer stop()

	return ix.tick(ctx)
}

func (ix *Indexer) runTick() error {
	ix.mu.Lock()
	ctx := ix.tickCtx
	ix.mu.Unlock()
	return ix.tick(ctx)
}

// tick processes one batch. The caller holds the in-flight flag.
func (ix *Indexer) tick(ctx context.Context) error {
	ix.ticks.Add(1)

	if head, err := ix.deps.Ledger.CurrentSlot(ctx); err == nil {
		ix.currentSlot.Store(head)
	} else if ctx.Err() == nil {
		ix.logger.Debug("ledger head unavailable", zap.Error(err))
	}

	cursor := ix.getCursor()
	refs, err := ix.deps.Ledger.ReferencesAfter(ctx, cursor, ix.config.BatchSize)
	if err != nil {
		return fmt.Errorf("fetch references after %s: %w", cursor, err)
	}
	if len(refs) == 0 {
		return nil
	}

	var firstErr error
	for _, ref := range refs {
		if ctx.Err() != nil {
			break
		}

		if err := ix.deps.Processor.ProcessTransaction(ctx, ref); err != nil {
			ix.failed.Add(1)
			ix.logger.Warn("processing failed",
				zap.String("signature", ref.Signature),
				zap.Uint64("slot", ref.Slot),
				zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("process %s: %w", ref.Signature, err)
			}
			continue
		}
		ix.processed.Add(1)

		// Only the contiguous successful prefix moves the checkpoint.
		if firstErr != nil || ctx.Err() != nil {
			continue
		}
		cp, err := ix.deps.Checkpoints.Advance(ctx, ref.Slot, ref.Signature)
		if err != nil {
			firstErr = fmt.Errorf("advance checkpoint to %s: %w", ref, err)
			ix.logger.Error("checkpoint advance failed", zap.Error(err))
			continue
		}
		ix.setCursor(cp.Reference())
	}

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

func (ix *Indexer) pushLoop(ctx context.Context) {
	defer ix.wg.Done()

	notifications := ix.deps.Push.Notifications()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			ix.handleNotification(ctx, n)
		}
	}
}

// handleNotification processes one pushed reference. The checkpoint is left
// to the poll loop.
func (ix *Indexer) handleNotification(ctx context.Context, n logsub.Notification) {
	ix.pushTriggered.Add(1)
	ref := n.Reference()
	if err := ix.deps.Processor.ProcessTransaction(ctx, ref); err != nil {
		if ctx.Err() == nil {
			ix.logger.Debug("push processing failed, poll will retry",
				zap.Stringer("ref", ref),
				zap.Error(err))
		}
		return
	}
	ix.logger.Debug("push processed", zap.Stringer("ref", ref))
}

func (ix *Indexer) getCursor() types.Reference {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.cursor
}

func (ix *Indexer) setCursor(ref types.Reference) {
	ix.mu.Lock()
	ix.cursor = ref
	ix.mu.Unlock()
}

// Status returns a snapshot of the indexer.
func (ix *Indexer) Status() Status {
	ix.mu.Lock()
	state, cursor := ix.state, ix.cursor
	ix.mu.Unlock()

	head := ix.currentSlot.Load()
	s := Status{
		State:                  state,
		CurrentSlot:            head,
		LastProcessedSlot:      cursor.Slot,
		LastProcessedSignature: cursor.Signature,
		Lag:                    lag(head, cursor.Slot),
		TickInFlight:           ix.inFlight.Load(),
		Ticks:                  ix.ticks.Load(),
		SkippedTicks:           ix.skippedTicks.Load(),
		Processed:              ix.processed.Load(),
		Failed:                 ix.failed.Load(),
		PushTriggered:          ix.pushTriggered.Load(),
	}
	if ix.deps.Push != nil {
		s.PushConnected = ix.deps.Push.Connected()
	}
	return s
}

func lag(head, processed uint64) uint64 {
	if head <= processed {
		return 0
	}
	return head - processed
}

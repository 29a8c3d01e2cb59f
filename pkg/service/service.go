// Package service wires the ingestion pipeline together and owns its
// lifecycle: storage, the RPC gateway, the real-time indexer, historical
// backfill and periodic reconciliation.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fortiblox/X1-Ledgersync/internal/types"
	"github.com/fortiblox/X1-Ledgersync/pkg/backfill"
	"github.com/fortiblox/X1-Ledgersync/pkg/checkpoint"
	"github.com/fortiblox/X1-Ledgersync/pkg/indexer"
	"github.com/fortiblox/X1-Ledgersync/pkg/logsub"
	"github.com/fortiblox/X1-Ledgersync/pkg/metrics"
	"github.com/fortiblox/X1-Ledgersync/pkg/processor"
	"github.com/fortiblox/X1-Ledgersync/pkg/reconcile"
	"github.com/fortiblox/X1-Ledgersync/pkg/rpcfetch"
	"github.com/fortiblox/X1-Ledgersync/pkg/rpcpool"
)

// Service errors.
var (
	ErrConfigInvalid  = errors.New("invalid configuration")
	ErrNotOpen        = errors.New("service not open")
	ErrAlreadyRunning = errors.New("service already running")
	ErrNotRunning     = errors.New("service not running")
	ErrProducerActive = errors.New("another checkpoint producer is active")
)

// Config holds the service configuration.
type Config struct {
	// ProgramID is the monitored program. Required.
	ProgramID string

	// Commitment is used for every ledger query and the push subscription.
	Commitment types.CommitmentLevel

	// WebsocketEndpoint enables the push fast path when set.
	WebsocketEndpoint string

	// Version is stamped on the checkpoint.
	Version string

	// ReconcileEnabled starts the periodic reconciliation loop with Start.
	ReconcileEnabled bool

	RPC       rpcpool.Config
	Indexer   indexer.Config
	Backfill  backfill.Config
	Reconcile reconcile.Config
	Storage   StorageConfig
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Commitment:       types.CommitmentConfirmed,
		Version:          "dev",
		ReconcileEnabled: true,
		Indexer:          indexer.DefaultConfig(),
		Backfill:         backfill.DefaultConfig(),
		Reconcile:        reconcile.DefaultConfig(),
		Storage: StorageConfig{
			Driver:  DriverBadger,
			DataDir: "./data",
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ProgramID == "" {
		return fmt.Errorf("%w: program id is required", ErrConfigInvalid)
	}
	if _, err := types.PubkeyFromBase58(c.ProgramID); err != nil {
		return fmt.Errorf("%w: program id: %v", ErrConfigInvalid, err)
	}
	if len(c.RPC.Endpoints) == 0 {
		return fmt.Errorf("%w: at least one rpc endpoint is required", ErrConfigInvalid)
	}
	switch c.Storage.Driver {
	case "", DriverBadger:
		if c.Storage.DataDir == "" && !c.Storage.InMemory {
			return fmt.Errorf("%w: data directory is required", ErrConfigInvalid)
		}
	case DriverPostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("%w: postgres url is required", ErrConfigInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown storage driver %q", ErrConfigInvalid, c.Storage.Driver)
	}
	return nil
}

// Service coordinates all components. Open builds them, Start runs the
// real-time path, and Close releases everything.
type Service struct {
	config  Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	storage    *storage
	pool       *rpcpool.Pool
	ledger     *rpcfetch.Ledger
	processor  *processor.TicketProcessor
	indexer    *indexer.Indexer
	reconciler *reconcile.Engine
	backfill   *backfill.Backfill
	push       *logsub.Client

	roles     roleGuard
	mu        sync.Mutex
	opened    bool
	running   atomic.Bool
	startTime time.Time
	ctx       context.Context
	cancel    context.CancelFunc
}

// New validates cfg and returns an unopened service. m may be nil.
func New(cfg Config, logger *zap.Logger, m *metrics.Metrics) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Commitment == "" {
		cfg.Commitment = types.CommitmentConfirmed
	}
	if cfg.Version == "" {
		cfg.Version = DefaultConfig().Version
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		config:  cfg,
		logger:  logger,
		metrics: m,
	}, nil
}

// Open opens storage, builds the gateway and the pipeline components and
// starts the gateway health prober.
func (s *Service) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}

	st, err := openStorage(ctx, s.config.Storage, s.config.Version, s.logger)
	if err != nil {
		return err
	}

	pool := rpcpool.NewPool(s.config.RPC, s.logger)
	if s.metrics != nil {
		pool.SetOnAttempt(s.metrics.ObserveAttempt)
		pool.SetOnHealthChange(s.metrics.ObserveHealth)
	}

	ledger := rpcfetch.NewLedger(pool, rpcfetch.LedgerConfig{
		ProgramID:  s.config.ProgramID,
		Commitment: s.config.Commitment,
	})
	proc := processor.NewTicketProcessor(ledger, st.tickets, s.logger)

	var push *logsub.Client
	deps := indexer.Deps{
		Ledger:      ledger,
		Checkpoints: st.checkpoints,
		Processor:   proc,
		Gateway:     pool,
		Logger:      s.logger,
	}
	if s.config.WebsocketEndpoint != "" {
		pcfg := logsub.DefaultConfig()
		pcfg.Endpoint = s.config.WebsocketEndpoint
		pcfg.ProgramID = s.config.ProgramID
		pcfg.Commitment = s.config.Commitment
		push, err = logsub.NewClient(pcfg, s.logger)
		if err != nil {
			st.Close()
			return fmt.Errorf("create push subscription: %w", err)
		}
		deps.Push = push
	}

	ix, err := indexer.New(s.config.Indexer, deps)
	if err != nil {
		st.Close()
		return err
	}

	engine := reconcile.NewEngine(st.tickets, ledger, s.config.Reconcile, s.logger)
	bf := backfill.New(s.config.Backfill, ledger, st.checkpoints, proc, s.logger)
	if s.metrics != nil {
		engine.SetOnRun(s.metrics.ObserveRun)
		bf.SetOnProgress(s.metrics.ObserveBackfill)
		s.metrics.RegisterIndexer(ix.Status)
	}

	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	pool.Start(s.ctx)

	s.storage = st
	s.pool = pool
	s.ledger = ledger
	s.processor = proc
	s.push = push
	s.indexer = ix
	s.reconciler = engine
	s.backfill = bf
	s.opened = true

	s.logger.Info("service opened",
		zap.String("program", s.config.ProgramID),
		zap.String("storage", s.storageDriver()),
		zap.Int("endpoints", len(s.config.RPC.Endpoints)),
		zap.Bool("push", push != nil))
	return nil
}

func (s *Service) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func (s *Service) storageDriver() string {
	if s.config.Storage.Driver == "" {
		return DriverBadger
	}
	return s.config.Storage.Driver
}

// Start runs the real-time indexer and, when enabled, the reconciliation
// loop. It returns once both are running. Start fails with
// ErrProducerActive while a backfill is in progress.
func (s *Service) Start(ctx context.Context) error {
	if !s.isOpen() {
		return ErrNotOpen
	}
	if s.running.Load() {
		return ErrAlreadyRunning
	}
	if err := s.roles.acquire(roleRealtime); err != nil {
		return err
	}

	// The indexer stops the prober on Stop; a restart brings it back.
	s.pool.Start(s.ctx)

	if err := s.indexer.Initialize(ctx); err != nil {
		s.roles.release(roleRealtime)
		return fmt.Errorf("initialize indexer: %w", err)
	}
	if err := s.indexer.Start(ctx); err != nil {
		s.roles.release(roleRealtime)
		return fmt.Errorf("start indexer: %w", err)
	}
	if s.config.ReconcileEnabled {
		s.reconciler.Start(s.ctx)
	}

	s.startTime = time.Now()
	s.running.Store(true)
	s.logger.Info("service started", zap.Bool("reconcile", s.config.ReconcileEnabled))
	return nil
}

// Stop stops reconciliation and drains the indexer. The gateway prober is
// stopped with the indexer.
func (s *Service) Stop(ctx context.Context) error {
	if !s.running.Swap(false) {
		return ErrNotRunning
	}
	defer s.roles.release(roleRealtime)

	s.logger.Info("service stopping")
	s.reconciler.Stop()
	if err := s.indexer.Stop(ctx); err != nil {
		return fmt.Errorf("stop indexer: %w", err)
	}
	s.logger.Info("service stopped", zap.Duration("uptime", time.Since(s.startTime)))
	return nil
}

// Close stops the service if running and releases storage.
func (s *Service) Close() error {
	if s.running.Load() {
		if err := s.Stop(context.Background()); err != nil {
			s.logger.Warn("stop on close", zap.Error(err))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil
	}
	s.opened = false
	s.cancel()
	s.pool.Stop()
	if s.push != nil {
		s.push.Close()
	}
	return s.storage.Close()
}

// Backfill replays [start, end) through the processor. It fails with
// ErrProducerActive while real-time indexing runs.
func (s *Service) Backfill(ctx context.Context, start, end uint64) (backfill.Result, error) {
	if !s.isOpen() {
		return backfill.Result{}, ErrNotOpen
	}
	if err := s.roles.acquire(roleBackfill); err != nil {
		return backfill.Result{}, err
	}
	defer s.roles.release(roleBackfill)

	return s.backfill.SyncRange(ctx, start, end)
}

// Reconcile runs one reconciliation sweep.
func (s *Service) Reconcile(ctx context.Context) (reconcile.Run, error) {
	if !s.isOpen() {
		return reconcile.Run{}, ErrNotOpen
	}
	return s.reconciler.RunOnce(ctx)
}

// Checkpoint returns the stored checkpoint.
func (s *Service) Checkpoint(ctx context.Context) (checkpoint.Checkpoint, error) {
	if !s.isOpen() {
		return checkpoint.Checkpoint{}, ErrNotOpen
	}
	return s.storage.checkpoints.Load(ctx)
}

// ResetCheckpoint moves the checkpoint to slot. No producer may be active.
func (s *Service) ResetCheckpoint(ctx context.Context, slot uint64) error {
	if !s.isOpen() {
		return ErrNotOpen
	}
	if r := s.roles.current(); r != roleNone {
		return fmt.Errorf("%w: %s is running", ErrProducerActive, r)
	}
	if err := s.storage.checkpoints.Reset(ctx, slot); err != nil {
		return err
	}
	s.logger.Warn("checkpoint reset", zap.Uint64("slot", slot))
	return nil
}

// ProbeEndpoints probes every endpoint once and returns their records.
func (s *Service) ProbeEndpoints(ctx context.Context) ([]rpcpool.EndpointInfo, error) {
	if !s.isOpen() {
		return nil, ErrNotOpen
	}
	s.pool.ProbeOnce(ctx)
	return s.pool.Status(), nil
}

// ReconcileStatus describes the reconciliation engine.
type ReconcileStatus struct {
	Enabled bool           `json:"enabled"`
	Running bool           `json:"running"`
	LastRun *reconcile.Run `json:"last_run,omitempty"`
}

// Status is a snapshot of the whole service.
type Status struct {
	Version          string                 `json:"version"`
	ProgramID        string                 `json:"program_id"`
	Storage          string                 `json:"storage"`
	Running          bool                   `json:"running"`
	Producer         string                 `json:"producer"`
	Uptime           time.Duration          `json:"uptime_ns"`
	Indexer          indexer.Status         `json:"indexer"`
	Endpoints        []rpcpool.EndpointInfo `json:"endpoints"`
	HealthyEndpoints int                    `json:"healthy_endpoints"`
	Reconciliation   ReconcileStatus        `json:"reconciliation"`
}

// Status returns the current service status.
func (s *Service) Status() Status {
	st := Status{
		Version:   s.config.Version,
		ProgramID: s.config.ProgramID,
		Storage:   s.storageDriver(),
		Running:   s.running.Load(),
		Producer:  s.roles.current().String(),
		Reconciliation: ReconcileStatus{
			Enabled: s.config.ReconcileEnabled,
		},
	}
	if st.Running {
		st.Uptime = time.Since(s.startTime)
	}
	if !s.isOpen() {
		return st
	}

	st.Indexer = s.indexer.Status()
	st.Endpoints = s.pool.Status()
	st.HealthyEndpoints = s.pool.HealthyCount()
	st.Reconciliation.Running = s.reconciler.IsRunning()
	if run, ok := s.reconciler.LastRun(); ok {
		st.Reconciliation.LastRun = &run
	}
	return st
}

// Healthy reports an error when the service cannot make progress.
func (s *Service) Healthy() error {
	if !s.isOpen() {
		return ErrNotOpen
	}
	if s.pool.HealthyCount() == 0 {
		return rpcpool.ErrNoHealthyEndpoints
	}
	return nil
}

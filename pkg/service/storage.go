package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fortiblox/X1-Ledgersync/pkg/checkpoint"
	"github.com/fortiblox/X1-Ledgersync/pkg/pgstore"
	"github.com/fortiblox/X1-Ledgersync/pkg/processor"
	"github.com/fortiblox/X1-Ledgersync/pkg/reconcile"
	"github.com/fortiblox/X1-Ledgersync/pkg/ticketdb"
)

// Storage drivers.
const (
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
)

// StorageConfig selects and configures the storage driver.
type StorageConfig struct {
	// Driver is "badger" (embedded, the default) or "postgres".
	Driver string

	// DataDir holds the checkpoint file and the badger directory.
	DataDir string

	// InMemory keeps ticket data in memory. Badger only; for tests.
	InMemory bool

	// PostgresURL is the connection string for the postgres driver.
	PostgresURL string

	// PostgresMaxConns caps the postgres pool.
	PostgresMaxConns int32
}

// TicketStore is what the processor and the reconciliation engine persist to.
type TicketStore interface {
	processor.Store
	reconcile.Store
}

// storage bundles the opened stores with their close functions.
type storage struct {
	checkpoints checkpoint.Store
	tickets     TicketStore
	closers     []func() error
}

func (s *storage) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openStorage opens the configured driver. The embedded driver keeps the
// checkpoint in bolt and tickets in badger; postgres holds both.
func openStorage(ctx context.Context, cfg StorageConfig, version string, logger *zap.Logger) (*storage, error) {
	switch cfg.Driver {
	case "", DriverBadger:
		cps, err := checkpoint.OpenBolt(checkpoint.BoltConfig{
			Path:    filepath.Join(cfg.DataDir, "checkpoint.db"),
			Version: version,
		})
		if err != nil {
			return nil, fmt.Errorf("open checkpoint store: %w", err)
		}
		db, err := ticketdb.Open(ticketdb.Config{
			Path:     filepath.Join(cfg.DataDir, "tickets"),
			InMemory: cfg.InMemory,
			Logger:   ticketdb.NewZapLogger(logger),
		})
		if err != nil {
			cps.Close()
			return nil, fmt.Errorf("open ticket store: %w", err)
		}
		return &storage{
			checkpoints: cps,
			tickets:     db,
			closers:     []func() error{cps.Close, db.Close},
		}, nil

	case DriverPostgres:
		pg, err := pgstore.Open(ctx, pgstore.Config{
			URL:      cfg.PostgresURL,
			MaxConns: cfg.PostgresMaxConns,
			Version:  version,
		})
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return &storage{
			checkpoints: pg,
			tickets:     pg,
			closers:     []func() error{func() error { pg.Close(); return nil }},
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown storage driver %q", ErrConfigInvalid, cfg.Driver)
	}
}

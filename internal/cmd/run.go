package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fortiblox/X1-Ledgersync/pkg/statusapi"
)

// shutdownGrace is added to the indexer drain timeout when stopping.
const shutdownGrace = 5 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run real-time indexing, reconciliation and the status server",
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.svc.Start(ctx); err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	if a.cfg.Server.Enabled {
		srv := statusapi.New(a.cfg.ServerConfig(), a.svc, a.metrics.Handler(), a.logger)
		go func() { serverErr <- srv.Start(ctx) }()
	}

	a.logger.Info("ledgersync running",
		zap.String("version", versionInfo.Version),
		zap.String("program", a.cfg.ProgramID))

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("status server: %w", err)
			a.logger.Error("status server failed", zap.Error(err))
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Indexer.DrainTimeout+shutdownGrace)
	defer cancel()
	if err := a.svc.Stop(stopCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

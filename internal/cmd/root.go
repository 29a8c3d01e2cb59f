// Package cmd implements the ledgersync command line.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/fortiblox/X1-Ledgersync/internal/config"
	"github.com/fortiblox/X1-Ledgersync/internal/observability"
	"github.com/fortiblox/X1-Ledgersync/pkg/metrics"
	"github.com/fortiblox/X1-Ledgersync/pkg/service"
)

// versionInfo is stamped by main from build flags.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "none",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata for the version command and the
// checkpoint stamp.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "ledgersync",
	Short: "Keep a ticket database in sync with an X1 program",
	Long: `ledgersync follows an on-chain ticketing program through a pool of RPC
endpoints, applies ticket mints, transfers, verifications and burns to a local
or Postgres store, and periodically reconciles the store against the ledger.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: json or console")
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// newViper binds the persistent flags over the config defaults.
func newViper() (*viper.Viper, error) {
	v := config.NewViper()
	if err := v.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		return nil, err
	}
	if err := v.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format")); err != nil {
		return nil, err
	}
	return v, nil
}

// loadConfig reads configuration and builds the logger.
func loadConfig() (*config.Config, *zap.Logger, error) {
	v, err := newViper()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// app is an opened service plus what was needed to build it.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	svc     *service.Service
}

func (a *app) Close() {
	if err := a.svc.Close(); err != nil {
		a.logger.Warn("close service", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// openApp loads configuration and opens the service.
func openApp(ctx context.Context) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	svc, err := service.New(cfg.ServiceConfig(versionInfo.Version), logger, m)
	if err != nil {
		return nil, err
	}
	if err := svc.Open(ctx); err != nil {
		return nil, fmt.Errorf("open service: %w", err)
	}
	return &app{cfg: cfg, logger: logger, metrics: m, svc: svc}, nil
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

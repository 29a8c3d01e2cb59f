// Package config loads the ledgersync configuration from defaults, an
// optional YAML file and LEDGERSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fortiblox/X1-Ledgersync/internal/types"
	"github.com/fortiblox/X1-Ledgersync/pkg/backfill"
	"github.com/fortiblox/X1-Ledgersync/pkg/indexer"
	"github.com/fortiblox/X1-Ledgersync/pkg/reconcile"
	"github.com/fortiblox/X1-Ledgersync/pkg/rpcpool"
	"github.com/fortiblox/X1-Ledgersync/pkg/service"
	"github.com/fortiblox/X1-Ledgersync/pkg/statusapi"
)

// EnvPrefix prefixes every environment override, e.g.
// LEDGERSYNC_RPC_ENDPOINTS or LEDGERSYNC_STORAGE_DRIVER.
const EnvPrefix = "LEDGERSYNC"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// DefaultEndpoints are the public X1 mainnet RPC nodes.
var DefaultEndpoints = []string{
	"https://rpc.mainnet.x1.xyz",
	"https://entrypoint0.mainnet.x1.xyz",
	"https://entrypoint1.mainnet.x1.xyz",
	"https://entrypoint2.mainnet.x1.xyz",
}

// Config is the complete process configuration.
type Config struct {
	// ProgramID must be quoted in YAML when it is made only of digits
	// (e.g. "11111111111111111111111111111111"), otherwise YAML reads a number.
	ProgramID  string `mapstructure:"program_id"`
	Commitment string `mapstructure:"commitment"`

	RPC       RPCConfig       `mapstructure:"rpc"`
	Indexer   IndexerConfig   `mapstructure:"indexer"`
	Backfill  BackfillConfig  `mapstructure:"backfill"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// RPCConfig configures the failover gateway and the push subscription.
type RPCConfig struct {
	Endpoints           []string      `mapstructure:"endpoints"`
	WebsocketEndpoint   string        `mapstructure:"websocket_endpoint"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	FailureThreshold    int           `mapstructure:"failure_threshold"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	RateLimit           float64       `mapstructure:"rate_limit"`
	RateBurst           int           `mapstructure:"rate_burst"`
}

// IndexerConfig configures the real-time indexer.
type IndexerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// BackfillConfig configures historical backfill.
type BackfillConfig struct {
	ChunkSize     uint64        `mapstructure:"chunk_size"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	WaveDelay     time.Duration `mapstructure:"wave_delay"`
}

// ReconcileConfig configures periodic reconciliation.
type ReconcileConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	Holdoff   time.Duration `mapstructure:"holdoff"`
	BatchSize int           `mapstructure:"batch_size"`
}

// StorageConfig selects the storage driver.
type StorageConfig struct {
	Driver           string `mapstructure:"driver"`
	DataDir          string `mapstructure:"data_dir"`
	PostgresURL      string `mapstructure:"postgres_url"`
	PostgresMaxConns int32  `mapstructure:"postgres_max_conns"`
}

// ServerConfig configures the status HTTP server.
type ServerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers every key with its default so that environment
// overrides resolve for all of them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("program_id", "")
	v.SetDefault("commitment", string(types.CommitmentConfirmed))

	v.SetDefault("rpc.endpoints", DefaultEndpoints)
	v.SetDefault("rpc.websocket_endpoint", "")
	v.SetDefault("rpc.health_check_interval", "30s")
	v.SetDefault("rpc.failure_threshold", rpcpool.DefaultFailureThreshold)
	v.SetDefault("rpc.request_timeout", "10s")
	v.SetDefault("rpc.rate_limit", 0)
	v.SetDefault("rpc.rate_burst", 0)

	v.SetDefault("indexer.poll_interval", "5s")
	v.SetDefault("indexer.batch_size", indexer.DefaultBatchSize)
	v.SetDefault("indexer.drain_timeout", "30s")

	v.SetDefault("backfill.chunk_size", backfill.DefaultChunkSize)
	v.SetDefault("backfill.max_concurrent", backfill.DefaultMaxConcurrent)
	v.SetDefault("backfill.wave_delay", "500ms")

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.interval", "5m")
	v.SetDefault("reconcile.holdoff", "1h")
	v.SetDefault("reconcile.batch_size", reconcile.DefaultBatchSize)

	v.SetDefault("storage.driver", service.DriverBadger)
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.postgres_url", "")
	v.SetDefault("storage.postgres_max_conns", 0)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 9090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (if non-empty) into v and returns the validated config.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.RPC.Endpoints = splitEndpoints(cfg.RPC.Endpoints)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// splitEndpoints flattens comma-separated entries and drops blanks.
func splitEndpoints(in []string) []string {
	var out []string
	for _, e := range in {
		for _, part := range strings.Split(e, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// allDigits reports whether s looks like a YAML number that was decoded into
// a string, which is what an unquoted all-digit base58 address becomes.
func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Validate checks values that decoding cannot.
func (c *Config) Validate() error {
	if c.ProgramID == "" {
		return fmt.Errorf("%w: program_id is required", ErrInvalid)
	}
	if _, err := types.PubkeyFromBase58(c.ProgramID); err != nil {
		if allDigits(c.ProgramID) {
			return fmt.Errorf("%w: program_id %q: %v (quote the value in YAML, e.g. program_id: \"111...\")", ErrInvalid, c.ProgramID, err)
		}
		return fmt.Errorf("%w: program_id: %v", ErrInvalid, err)
	}
	switch types.CommitmentLevel(c.Commitment) {
	case types.CommitmentProcessed, types.CommitmentConfirmed, types.CommitmentFinalized:
	default:
		return fmt.Errorf("%w: commitment %q", ErrInvalid, c.Commitment)
	}
	if len(c.RPC.Endpoints) == 0 {
		return fmt.Errorf("%w: rpc.endpoints is empty", ErrInvalid)
	}
	for _, ep := range c.RPC.Endpoints {
		if !strings.HasPrefix(ep, "http://") && !strings.HasPrefix(ep, "https://") {
			return fmt.Errorf("%w: rpc endpoint %q must be http(s)", ErrInvalid, ep)
		}
	}
	if ws := c.RPC.WebsocketEndpoint; ws != "" && !strings.HasPrefix(ws, "ws://") && !strings.HasPrefix(ws, "wss://") {
		return fmt.Errorf("%w: rpc.websocket_endpoint %q must be ws(s)", ErrInvalid, ws)
	}
	if c.RPC.RateLimit < 0 {
		return fmt.Errorf("%w: rpc.rate_limit must not be negative", ErrInvalid)
	}
	switch c.Storage.Driver {
	case service.DriverBadger:
		if c.Storage.DataDir == "" {
			return fmt.Errorf("%w: storage.data_dir is required", ErrInvalid)
		}
	case service.DriverPostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("%w: storage.postgres_url is required", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: storage.driver %q", ErrInvalid, c.Storage.Driver)
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("%w: server.port %d", ErrInvalid, c.Server.Port)
	}
	return nil
}

// ServiceConfig maps the file configuration onto the service.
func (c *Config) ServiceConfig(version string) service.Config {
	return service.Config{
		ProgramID:         c.ProgramID,
		Commitment:        types.ParseCommitment(c.Commitment),
		WebsocketEndpoint: c.RPC.WebsocketEndpoint,
		Version:           version,
		ReconcileEnabled:  c.Reconcile.Enabled,
		RPC: rpcpool.Config{
			Endpoints:         c.RPC.Endpoints,
			FailureThreshold:  c.RPC.FailureThreshold,
			HealthCheckPeriod: c.RPC.HealthCheckInterval,
			RequestTimeout:    c.RPC.RequestTimeout,
			RateLimit:         c.RPC.RateLimit,
			RateBurst:         c.RPC.RateBurst,
		},
		Indexer: indexer.Config{
			PollInterval: c.Indexer.PollInterval,
			BatchSize:    c.Indexer.BatchSize,
			DrainTimeout: c.Indexer.DrainTimeout,
		},
		Backfill: backfill.Config{
			ChunkSize:     c.Backfill.ChunkSize,
			MaxConcurrent: c.Backfill.MaxConcurrent,
			WaveDelay:     c.Backfill.WaveDelay,
		},
		Reconcile: reconcile.Config{
			Interval:  c.Reconcile.Interval,
			Holdoff:   c.Reconcile.Holdoff,
			BatchSize: c.Reconcile.BatchSize,
		},
		Storage: service.StorageConfig{
			Driver:           c.Storage.Driver,
			DataDir:          c.Storage.DataDir,
			PostgresURL:      c.Storage.PostgresURL,
			PostgresMaxConns: c.Storage.PostgresMaxConns,
		},
	}
}

// ServerConfig maps the server section onto the status API.
func (c *Config) ServerConfig() statusapi.Config {
	return statusapi.Config{
		BindAddress:  c.Server.Host,
		Port:         c.Server.Port,
		ReadTimeout:  c.Server.ReadTimeout,
		WriteTimeout: c.Server.WriteTimeout,
		IdleTimeout:  c.Server.IdleTimeout,
	}
}

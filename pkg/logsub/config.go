package logsub

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/fortiblox/X1-Ledgersync/internal/types"
)

// Default configuration values.
const (
	// DefaultReconnectMinDelay is the minimum delay before reconnecting.
	DefaultReconnectMinDelay = 1 * time.Second

	// DefaultReconnectMaxDelay is the maximum delay before reconnecting.
	DefaultReconnectMaxDelay = 60 * time.Second

	// DefaultChannelSize is the buffer size of the notification channel.
	DefaultChannelSize = 256

	// DefaultPingInterval is the interval between websocket pings.
	DefaultPingInterval = 15 * time.Second

	// DefaultHandshakeTimeout bounds dialing plus the subscribe round trip.
	DefaultHandshakeTimeout = 10 * time.Second
)

// Configuration errors.
var (
	ErrNoEndpoint    = errors.New("websocket endpoint is required")
	ErrNoProgram     = errors.New("program id is required")
	ErrInvalidConfig = errors.New("invalid subscription configuration")
)

// Config holds the configuration for the log subscription client.
type Config struct {
	// Endpoint is the websocket URL (e.g. "wss://rpc.mainnet.x1.xyz").
	// Required.
	Endpoint string

	// ProgramID is the program whose mentions are subscribed to.
	// Required.
	ProgramID string

	// Commitment is the commitment level of notifications.
	// Defaults to confirmed.
	Commitment types.CommitmentLevel

	// ReconnectMinDelay is the initial backoff after a disconnect.
	ReconnectMinDelay time.Duration

	// ReconnectMaxDelay caps the exponential backoff.
	ReconnectMaxDelay time.Duration

	// MaxReconnects bounds consecutive reconnect attempts. Zero means unlimited.
	MaxReconnects int

	// ChannelSize is the notification buffer. When full, notifications are
	// dropped; the polling path recovers them.
	ChannelSize int

	// PingInterval is the keepalive interval. The connection is considered
	// dead after two intervals without traffic.
	PingInterval time.Duration

	// HandshakeTimeout bounds dialing and subscribing.
	HandshakeTimeout time.Duration

	// OnDisconnect is called when the connection drops.
	OnDisconnect func(err error)

	// OnReconnect is called after a successful reconnect.
	OnReconnect func(attempt int)
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Commitment:        types.CommitmentConfirmed,
		ReconnectMinDelay: DefaultReconnectMinDelay,
		ReconnectMaxDelay: DefaultReconnectMaxDelay,
		ChannelSize:       DefaultChannelSize,
		PingInterval:      DefaultPingInterval,
		HandshakeTimeout:  DefaultHandshakeTimeout,
	}
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Commitment == "" {
		c.Commitment = d.Commitment
	}
	if c.ReconnectMinDelay <= 0 {
		c.ReconnectMinDelay = d.ReconnectMinDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = d.ReconnectMaxDelay
	}
	if c.ChannelSize <= 0 {
		c.ChannelSize = d.ChannelSize
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	return c
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return ErrNoEndpoint
	}
	if c.ProgramID == "" {
		return ErrNoProgram
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("%w: endpoint: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: endpoint scheme must be ws or wss, got %q", ErrInvalidConfig, u.Scheme)
	}
	if c.ReconnectMaxDelay < c.ReconnectMinDelay {
		return fmt.Errorf("%w: reconnect max delay below min delay", ErrInvalidConfig)
	}
	return nil
}

// Package logsub streams program log notifications over a websocket
// logsSubscribe subscription.
//
// Notifications are a latency optimization only. Delivery is best-effort:
// anything missed while disconnected, or dropped because the consumer is
// slow, is picked up by the polling path.
package logsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fortiblox/X1-Ledgersync/internal/types"
)

// Client errors.
var (
	ErrNotConnected     = errors.New("log subscription not connected")
	ErrAlreadyConnected = errors.New("log subscription already connected")
	ErrReconnecting     = errors.New("log subscription reconnecting")
	ErrClosed           = errors.New("log subscription closed")
	ErrSubscribeFailed  = errors.New("logsSubscribe request failed")
	ErrMaxReconnects    = errors.New("max reconnection attempts reached")
)

// Notification is one logsNotification for the subscribed program.
type Notification struct {
	Signature  string
	Slot       uint64
	Failed     bool
	Logs       []string
	ReceivedAt time.Time
}

// Reference converts the notification to a ledger reference.
func (n Notification) Reference() types.Reference {
	return types.Reference{Signature: n.Signature, Slot: n.Slot, Failed: n.Failed}
}

// ClientHealth contains health information about the subscription.
type ClientHealth struct {
	Connected      bool      `json:"connected"`
	LastSlot       uint64    `json:"last_slot"`
	LastUpdate     time.Time `json:"last_update"`
	Endpoint       string    `json:"endpoint"`
	ReconnectCount int       `json:"reconnect_count"`
	Dropped        uint64    `json:"dropped"`
	LastError      string    `json:"last_error,omitempty"`
}

// Client maintains a logsSubscribe subscription and reconnects with
// exponential backoff when it drops.
type Client struct {
	config Config
	logger *zap.Logger
	dialer *websocket.Dialer

	notifications chan Notification

	mu             sync.Mutex
	conn           *websocket.Conn
	connected      atomic.Bool
	closed         atomic.Bool
	reconnecting   atomic.Bool
	lastSlot       atomic.Uint64
	lastUpdate     atomic.Int64 // Unix nano timestamp
	reconnectCount atomic.Int32
	dropped        atomic.Uint64
	lastError      error
	lastErrorMu    sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a new subscription client. Call Connect to start it.
func NewClient(config Config, logger *zap.Logger) (*Client, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		config:        config,
		logger:        logger.Named("logsub"),
		dialer:        &websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout},
		notifications: make(chan Notification, config.ChannelSize),
	}, nil
}

// Connect dials the endpoint and establishes the subscription. A failed
// first attempt is returned and then retried in the background like any
// later disconnect, until Close.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.connected.Load() {
		return ErrAlreadyConnected
	}
	if c.reconnecting.Load() {
		return ErrReconnecting
	}

	c.mu.Lock()
	if c.ctx == nil {
		c.ctx, c.cancel = context.WithCancel(context.Background())
	}
	c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		c.setLastError(err)
		c.scheduleReconnect()
		return err
	}
	c.startLoops()
	return nil
}

// connect dials and subscribes. On success the connection is installed and
// marked connected.
func (c *Client) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(ctx, c.config.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.config.Endpoint, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	if err := c.subscribe(conn); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.connected.Store(true)
	c.lastUpdate.Store(time.Now().UnixNano())
	c.logger.Info("log subscription established",
		zap.String("endpoint", c.config.Endpoint),
		zap.String("program", c.config.ProgramID))
	return nil
}

// subscribe sends logsSubscribe and waits for the confirmation.
func (c *Client) subscribe(conn *websocket.Conn) error {
	req := wsRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "logsSubscribe",
		Params: []interface{}{
			map[string]interface{}{"mentions": []string{c.config.ProgramID}},
			map[string]interface{}{"commitment": c.config.Commitment},
		},
	}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("%w: write: %v", ErrSubscribeFailed, err)
	}

	var resp wsMessage
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("%w: read: %v", ErrSubscribeFailed, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%w: %s (code %d)", ErrSubscribeFailed, resp.Error.Message, resp.Error.Code)
	}
	var subID uint64
	if err := json.Unmarshal(resp.Result, &subID); err != nil {
		return fmt.Errorf("%w: unexpected result: %v", ErrSubscribeFailed, err)
	}
	return nil
}

func (c *Client) startLoops() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	c.wg.Add(2)
	go c.receiveLoop(conn)
	go c.pingLoop(conn)
}

// receiveLoop reads notifications until the connection fails.
func (c *Client) receiveLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	stale := 2 * c.config.PingInterval
	conn.SetReadDeadline(time.Now().Add(stale))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(stale))
	})

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(stale))

		if msg.Method != "logsNotification" || msg.Params == nil {
			continue
		}

		var value logsResult
		if err := json.Unmarshal(msg.Params.Result, &value); err != nil {
			c.logger.Debug("malformed notification", zap.Error(err))
			continue
		}
		c.deliver(value)
	}
}

func (c *Client) deliver(r logsResult) {
	n := Notification{
		Signature:  r.Value.Signature,
		Slot:       r.Context.Slot,
		Failed:     r.Value.Err != nil,
		Logs:       r.Value.Logs,
		ReceivedAt: time.Now(),
	}
	c.lastSlot.Store(n.Slot)
	c.lastUpdate.Store(n.ReceivedAt.UnixNano())

	select {
	case c.notifications <- n:
	default:
		c.dropped.Add(1)
	}
}

// pingLoop keeps the connection alive until it is replaced or closed.
func (c *Client) pingLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			c.mu.Unlock()
			if current != conn {
				return
			}
			deadline := time.Now().Add(c.config.PingInterval)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// The receive loop observes the failure and reconnects.
				conn.Close()
				return
			}
		}
	}
}

// handleDisconnect tears down conn and schedules a reconnect.
func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return // Already replaced
	}
	c.conn = nil
	c.mu.Unlock()

	conn.Close()
	if !c.connected.CompareAndSwap(true, false) {
		return // Already disconnected
	}
	if c.closed.Load() {
		return
	}

	c.setLastError(err)
	c.logger.Warn("log subscription dropped", zap.Error(err))
	if c.config.OnDisconnect != nil {
		c.config.OnDisconnect(err)
	}

	c.scheduleReconnect()
}

// scheduleReconnect starts the reconnect loop unless one is already running.
func (c *Client) scheduleReconnect() {
	if c.closed.Load() || !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go c.reconnect()
}

// reconnect retries connect with exponential backoff and, once connected,
// starts the receive and ping loops.
func (c *Client) reconnect() {
	defer c.wg.Done()

	attempt, ok := c.redial()
	if !ok {
		return
	}
	c.startLoops()
	if c.config.OnReconnect != nil {
		c.config.OnReconnect(attempt)
	}
}

// redial runs the backoff loop. The reconnecting flag is cleared before it
// returns, so a connection that drops right away can schedule the next
// reconnect.
func (c *Client) redial() (int, bool) {
	defer c.reconnecting.Store(false)

	backoff := c.config.ReconnectMinDelay
	attempt := 0

	for !c.closed.Load() {
		attempt++
		c.reconnectCount.Add(1)

		if c.config.MaxReconnects > 0 && attempt > c.config.MaxReconnects {
			c.setLastError(ErrMaxReconnects)
			c.logger.Error("giving up on log subscription", zap.Int("attempts", attempt-1))
			return attempt, false
		}

		select {
		case <-c.ctx.Done():
			return attempt, false
		case <-time.After(backoff):
		}

		if err := c.connect(c.ctx); err != nil {
			c.setLastError(err)
			c.logger.Debug("reconnect failed",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			backoff = minDuration(backoff*2, c.config.ReconnectMaxDelay)
			continue
		}

		if c.closed.Load() {
			c.mu.Lock()
			if c.conn != nil {
				c.conn.Close()
			}
			c.mu.Unlock()
			return attempt, false
		}
		return attempt, true
	}
	return attempt, false
}

// Notifications returns the notification channel. It is closed by Close.
func (c *Client) Notifications() <-chan Notification {
	return c.notifications
}

// Connected reports whether the subscription is currently live.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Health returns the current subscription health.
func (c *Client) Health() ClientHealth {
	h := ClientHealth{
		Connected:      c.connected.Load(),
		LastSlot:       c.lastSlot.Load(),
		Endpoint:       c.config.Endpoint,
		ReconnectCount: int(c.reconnectCount.Load()),
		Dropped:        c.dropped.Load(),
	}
	if ts := c.lastUpdate.Load(); ts > 0 {
		h.LastUpdate = time.Unix(0, ts)
	}
	if err := c.getLastError(); err != nil {
		h.LastError = err.Error()
	}
	return h
}

// Close unsubscribes, stops reconnecting and closes the notification channel.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil // Already closed
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}

	c.wg.Wait()
	c.connected.Store(false)
	close(c.notifications)
	return nil
}

func (c *Client) setLastError(err error) {
	c.lastErrorMu.Lock()
	c.lastError = err
	c.lastErrorMu.Unlock()
}

func (c *Client) getLastError() error {
	c.lastErrorMu.RLock()
	defer c.lastErrorMu.RUnlock()
	return c.lastError
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// wsRequest represents a JSON-RPC 2.0 request over the websocket.
type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// wsMessage is either a response or a subscription notification.
type wsMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int            `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  *wsParams       `json:"params,omitempty"`
}

type wsError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type wsParams struct {
	Result       json.RawMessage `json:"result"`
	Subscription uint64          `json:"subscription"`
}

// logsResult is the payload of a logsNotification.
type logsResult struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value struct {
		Signature string      `json:"signature"`
		Err       interface{} `json:"err"`
		Logs      []string    `json:"logs"`
	} `json:"value"`
}

// Package rpcpool provides a failover gateway over a set of ledger RPC endpoints.
//
// Every outbound ledger call goes through Pool.Execute, which runs the call
// against the next healthy endpoint (round-robin) and fails over to the other
// healthy endpoints when the attempt fails. Endpoints accumulate consecutive
// failures; at the failure threshold they are excluded from selection until a
// background probe sees them answer again.
//
// Usage:
//
//	pool := rpcpool.NewPool(rpcpool.Config{
//	    Endpoints: []string{"https://rpc.mainnet.x1.xyz", "https://rpc-2.example.com"},
//	}, logger)
//	pool.Start(ctx)
//	defer pool.Stop()
//
//	slot, err := rpcpool.Do(ctx, pool, "getSlot", func(ctx context.Context, endpoint string) (uint64, error) {
//	    return client.For(endpoint).GetSlot(ctx)
//	})
package rpcpool

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Pool errors.
var (
	ErrNoHealthyEndpoints = errors.New("no healthy endpoints available")
	ErrNoEndpoints        = errors.New("no endpoints configured")
	ErrAttemptTimeout     = errors.New("endpoint attempt timed out")
	ErrRateLimited        = errors.New("endpoint rate limit exceeded")
)

// Default configuration values.
const (
	DefaultFailureThreshold  = 3
	DefaultHealthCheckPeriod = 30 * time.Second
	DefaultRequestTimeout    = 10 * time.Second
)

// Config configures a Pool.
type Config struct {
	// Endpoints is the ordered list of upstream RPC URLs.
	Endpoints []string

	// FailureThreshold is the number of consecutive failures after which an
	// endpoint is excluded from selection.
	FailureThreshold int

	// HealthCheckPeriod is the interval between background probes.
	HealthCheckPeriod time.Duration

	// RequestTimeout bounds every single attempt, including probes.
	RequestTimeout time.Duration

	// RateLimit is the per-endpoint request rate in requests/second.
	// Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the limiter burst size. Defaults to 1 when RateLimit is set.
	RateBurst int
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = DefaultHealthCheckPeriod
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	return c
}

// endpointState is the live health record of one endpoint.
type endpointState struct {
	url       string
	healthy   atomic.Bool
	failCount atomic.Int32
	lastCheck atomic.Int64 // Unix nano timestamp
	lastError atomic.Value // string
	limiter   *rate.Limiter
}

func (ep *endpointState) setLastError(err error) {
	if err == nil {
		ep.lastError.Store("")
		return
	}
	ep.lastError.Store(err.Error())
}

func (ep *endpointState) getLastError() string {
	s, _ := ep.lastError.Load().(string)
	return s
}

// Pool is the failover gateway. It is safe for concurrent use.
type Pool struct {
	cfg    Config
	logger *zap.Logger

	endpoints []*endpointState
	mu        sync.RWMutex

	// Round-robin selection
	nextIndex atomic.Uint64

	// HTTP client used by the prober
	client *http.Client

	// Prober lifecycle. The prober may be started again after Stop.
	proberMu sync.Mutex
	probing  bool
	cancel   func()
	wg       sync.WaitGroup

	// Callbacks
	onHealthChange func(url string, healthy bool)
	onAttempt      func(label, url string, err error, elapsed time.Duration)
}

// NewPool creates a gateway over cfg.Endpoints. All endpoints start healthy.
// The background prober does not run until Start is called.
func NewPool(cfg Config, logger *zap.Logger) *Pool {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		cfg:    cfg,
		logger: logger.Named("rpcpool"),
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, url := range cfg.Endpoints {
		p.addEndpoint(url)
	}
	return p
}

// SetOnHealthChange sets a callback invoked when an endpoint flips between
// healthy and unhealthy. Must be called before Start.
func (p *Pool) SetOnHealthChange(callback func(url string, healthy bool)) {
	p.onHealthChange = callback
}

// SetOnAttempt sets a callback invoked after every attempt made by Execute.
// Must be called before the pool is used.
func (p *Pool) SetOnAttempt(callback func(label, url string, err error, elapsed time.Duration)) {
	p.onAttempt = callback
}

// HTTPClient returns the pooled HTTP client, for callers that issue their
// own requests inside an Operation.
func (p *Pool) HTTPClient() *http.Client {
	return p.client
}

// FailureThreshold returns the configured consecutive-failure threshold.
func (p *Pool) FailureThreshold() int {
	return p.cfg.FailureThreshold
}

func (p *Pool) addEndpoint(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ep := range p.endpoints {
		if ep.url == url {
			return
		}
	}

	ep := &endpointState{url: url}
	ep.healthy.Store(true)
	ep.lastError.Store("")
	if p.cfg.RateLimit > 0 {
		ep.limiter = rate.NewLimiter(rate.Limit(p.cfg.RateLimit), p.cfg.RateBurst)
	}
	p.endpoints = append(p.endpoints, ep)
}

// healthyRotation returns the endpoints healthy right now, rotated so the
// round-robin pick comes first.
func (p *Pool) healthyRotation() []*endpointState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var healthy []*endpointState
	for _, ep := range p.endpoints {
		if ep.healthy.Load() {
			healthy = append(healthy, ep)
		}
	}
	if len(healthy) == 0 {
		return nil
	}

	start := int((p.nextIndex.Add(1) - 1) % uint64(len(healthy)))
	rotated := make([]*endpointState, 0, len(healthy))
	rotated = append(rotated, healthy[start:]...)
	rotated = append(rotated, healthy[:start]...)
	return rotated
}

// recordSuccess clears the failure streak of ep.
func (p *Pool) recordSuccess(ep *endpointState) {
	ep.lastCheck.Store(time.Now().UnixNano())
	ep.failCount.Store(0)
	ep.setLastError(nil)
	p.setHealthy(ep, true)
}

// recordFailure extends the failure streak of ep, excluding it once the
// threshold is reached.
func (p *Pool) recordFailure(ep *endpointState, err error) {
	ep.lastCheck.Store(time.Now().UnixNano())
	ep.setLastError(err)
	if int(ep.failCount.Add(1)) >= p.cfg.FailureThreshold {
		p.setHealthy(ep, false)
	}
}

func (p *Pool) setHealthy(ep *endpointState, healthy bool) {
	was := ep.healthy.Swap(healthy)
	if was == healthy {
		return
	}

	if healthy {
		p.logger.Info("endpoint recovered", zap.String("endpoint", ep.url))
	} else {
		p.logger.Warn("endpoint marked unhealthy",
			zap.String("endpoint", ep.url),
			zap.Int32("consecutive_failures", ep.failCount.Load()),
			zap.String("last_error", ep.getLastError()))
	}

	if p.onHealthChange != nil {
		p.onHealthChange(ep.url, healthy)
	}
}

// HealthyCount returns the number of currently healthy endpoints.
func (p *Pool) HealthyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	count := 0
	for _, ep := range p.endpoints {
		if ep.healthy.Load() {
			count++
		}
	}
	return count
}

// TotalCount returns the total number of endpoints in the pool.
func (p *Pool) TotalCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.endpoints)
}

// Status returns a snapshot of every endpoint record.
func (p *Pool) Status() []EndpointInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	infos := make([]EndpointInfo, len(p.endpoints))
	for i, ep := range p.endpoints {
		info := EndpointInfo{
			URL:                 ep.url,
			Healthy:             ep.healthy.Load(),
			ConsecutiveFailures: int(ep.failCount.Load()),
			LastError:           ep.getLastError(),
		}
		if ts := ep.lastCheck.Load(); ts > 0 {
			info.LastCheck = time.Unix(0, ts)
		}
		infos[i] = info
	}
	return infos
}

// EndpointInfo contains status information about an endpoint.
type EndpointInfo struct {
	URL                 string    `json:"url"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCheck           time.Time `json:"last_checked_at"`
	LastError           string    `json:"last_error,omitempty"`
}

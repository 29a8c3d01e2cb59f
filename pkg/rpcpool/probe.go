package rpcpool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// methodNotFound is the JSON-RPC code for an unsupported method.
const methodNotFound = -32601

// Start launches the background health prober. It returns immediately; the
// prober runs until Stop is called or ctx is cancelled. Start after Stop
// launches a new prober; Start while one is running is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.proberMu.Lock()
	defer p.proberMu.Unlock()
	if p.probing {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.probing = true

	p.wg.Add(1)
	go p.healthCheckLoop(ctx)
}

// Stop stops the prober and waits for it to exit. The pool keeps serving
// Execute with the last known health records.
func (p *Pool) Stop() {
	p.proberMu.Lock()
	defer p.proberMu.Unlock()
	if !p.probing {
		return
	}

	p.cancel()
	p.probing = false
	p.wg.Wait()
}

// Probing reports whether the background prober is running.
func (p *Pool) Probing() bool {
	p.proberMu.Lock()
	defer p.proberMu.Unlock()
	return p.probing
}

// healthCheckLoop periodically probes all endpoints.
func (p *Pool) healthCheckLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce probes every endpoint concurrently and updates its record.
// A successful probe resets the failure streak and restores the endpoint.
func (p *Pool) ProbeOnce(ctx context.Context) {
	p.mu.RLock()
	endpoints := make([]*endpointState, len(p.endpoints))
	copy(endpoints, p.endpoints)
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, ep := range endpoints {
		wg.Add(1)
		go func(ep *endpointState) {
			defer wg.Done()
			p.probeEndpoint(ctx, ep)
		}(ep)
	}
	wg.Wait()
}

// probeEndpoint checks the liveness of a single endpoint.
func (p *Pool) probeEndpoint(ctx context.Context, ep *endpointState) {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	err := p.ping(probeCtx, ep.url)
	if ctx.Err() != nil {
		// Shutting down; leave the record alone.
		return
	}
	if err != nil {
		p.recordFailure(ep, fmt.Errorf("probe: %w", err))
		return
	}
	p.recordSuccess(ep)
}

// ping issues getHealth, falling back to getSlot for nodes that do not
// implement it.
func (p *Pool) ping(ctx context.Context, url string) error {
	_, rpcErr, err := p.call(ctx, url, "getHealth")
	if err != nil {
		return err
	}
	if rpcErr == nil {
		return nil
	}
	if rpcErr.Code != methodNotFound {
		return fmt.Errorf("getHealth: %s (code %d)", rpcErr.Message, rpcErr.Code)
	}

	result, rpcErr, err := p.call(ctx, url, "getSlot")
	if err != nil {
		return err
	}
	if rpcErr != nil {
		return fmt.Errorf("getSlot: %s (code %d)", rpcErr.Message, rpcErr.Code)
	}
	var slot uint64
	if err := json.Unmarshal(result, &slot); err != nil {
		return fmt.Errorf("getSlot: unexpected result: %w", err)
	}
	return nil
}

// call performs a parameterless JSON-RPC request.
func (p *Pool) call(ctx context.Context, url, method string) (json.RawMessage, *jsonRPCError, error) {
	body, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024)) // 1MB limit
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return rpcResp.Result, rpcResp.Error, nil
}

// jsonRPCRequest represents a JSON-RPC 2.0 request.
type jsonRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// jsonRPCResponse represents a JSON-RPC 2.0 response.
type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

// jsonRPCError represents a JSON-RPC 2.0 error.
type jsonRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

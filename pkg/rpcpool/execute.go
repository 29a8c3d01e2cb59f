package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Operation is one ledger call made against a specific endpoint URL.
// The context carries the per-attempt timeout.
type Operation func(ctx context.Context, endpoint string) error

// EndpointFaulter is implemented by errors that know whether they indicate a
// broken endpoint. A JSON-RPC "invalid params" error, for example, would be
// returned by every endpoint alike and must not trigger failover.
type EndpointFaulter interface {
	EndpointFault() bool
}

// IsEndpointFault reports whether err should count against the endpoint that
// produced it. Errors that do not classify themselves are endpoint faults.
func IsEndpointFault(err error) bool {
	if err == nil {
		return false
	}
	var f EndpointFaulter
	if errors.As(err, &f) {
		return f.EndpointFault()
	}
	return true
}

// Execute runs op against the next healthy endpoint, failing over to the
// remaining healthy endpoints on endpoint faults. Each endpoint healthy at
// call start is tried at most once. The returned error is wrapped with label.
func (p *Pool) Execute(ctx context.Context, label string, op Operation) error {
	if p.TotalCount() == 0 {
		return fmt.Errorf("%s: %w", label, ErrNoEndpoints)
	}

	candidates := p.healthyRotation()
	if len(candidates) == 0 {
		return fmt.Errorf("%s: %w", label, ErrNoHealthyEndpoints)
	}

	var lastErr error
	for _, ep := range candidates {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", label, err)
		}
		// A concurrent call may have excluded it since the snapshot.
		if !ep.healthy.Load() {
			continue
		}

		err := p.attempt(ctx, label, ep, op)
		if err == nil {
			p.recordSuccess(ep)
			return nil
		}

		// Caller cancellation is not the endpoint's fault.
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", label, ctx.Err())
		}
		if errors.Is(err, ErrRateLimited) {
			lastErr = err
			continue
		}
		if !IsEndpointFault(err) {
			return fmt.Errorf("%s: %w", label, err)
		}

		p.recordFailure(ep, err)
		lastErr = err
	}

	if lastErr == nil {
		return fmt.Errorf("%s: %w", label, ErrNoHealthyEndpoints)
	}
	return fmt.Errorf("%s: all endpoints failed: %w", label, lastErr)
}

// attempt runs op once against ep under the per-attempt timeout.
func (p *Pool) attempt(ctx context.Context, label string, ep *endpointState, op Operation) error {
	if ep.limiter != nil {
		if err := ep.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	err := op(attemptCtx, ep.url)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %v", ErrAttemptTimeout, p.cfg.RequestTimeout, err)
	}

	if p.onAttempt != nil {
		p.onAttempt(label, ep.url, err, time.Since(start))
	}
	return err
}

// Do is Execute for operations that produce a value.
func Do[T any](ctx context.Context, p *Pool, label string, fn func(ctx context.Context, endpoint string) (T, error)) (T, error) {
	var result T
	err := p.Execute(ctx, label, func(ctx context.Context, endpoint string) error {
		v, err := fn(ctx, endpoint)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

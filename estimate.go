package querygate

import (
	"context"
	"fmt"
	"time"
)

// CostEstimator returns the relative cost of running a query.
// Estimates are unit-less and must be non-negative.
type CostEstimator interface {
	Estimate(ctx context.Context, identity Identity, q Query) (int64, error)
}

// EstimatorFunc adapts a function to CostEstimator.
type EstimatorFunc func(ctx context.Context, identity Identity, q Query) (int64, error)

func (f EstimatorFunc) Estimate(ctx context.Context, identity Identity, q Query) (int64, error) {
	return f(ctx, identity, q)
}

// boundedEstimate runs est within timeout and degrades to fallback on error,
// timeout, panic or a negative result. The returned error describes why the
// fallback was used; it is never surfaced to callers.
func boundedEstimate(ctx context.Context, est CostEstimator, timeout time.Duration, fallback int64, identity Identity, q Query) (int64, error) {
	if timeout <= 0 {
		timeout = DefaultEstimateTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		cost int64
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("estimator panic: %v", r)}
			}
		}()
		cost, err := est.Estimate(ctx, identity, q)
		ch <- result{cost: cost, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return fallback, r.err
		}
		if r.cost < 0 {
			return fallback, fmt.Errorf("estimator returned negative cost %d", r.cost)
		}
		return r.cost, nil
	case <-ctx.Done():
		return fallback, fmt.Errorf("estimator: %w", ctx.Err())
	}
}

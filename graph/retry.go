package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/smallnest/gradeflow/fault"
)

// RetryPolicy configures bounded retry with exponential backoff. Delays are
// monotonically non-decreasing per attempt: d(n+1) = min(d(n) * Multiplier,
// MaxDelay).
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// Retryable decides whether an error warrants another attempt.
	// Defaults to fault.IsRetryable (timeouts, transient, rate-limit).
	Retryable func(error) bool
}

// DefaultRetryPolicy returns the grading default: 3 attempts, 1s initial
// delay, doubling, capped at 60s.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	}
}

func (p *RetryPolicy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return fault.IsRetryable(err)
}

// Retry runs fn up to p.MaxAttempts times, sleeping with capped exponential
// backoff between attempts. Non-retryable errors and context cancellation
// abort immediately.
func Retry[T any](ctx context.Context, p *RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if p == nil {
		p = DefaultRetryPolicy()
	}

	var lastErr error
	delay := p.InitialDelay

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !p.retryable(err) {
			return zero, err
		}
		if attempt == p.MaxAttempts {
			break
		}

		select {
		case <-time.After(delay):
			delay = min(time.Duration(float64(delay)*p.Multiplier), p.MaxDelay)
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled during backoff: %w", ctx.Err())
		}
	}

	return zero, fmt.Errorf("max attempts (%d) exceeded: %w", p.MaxAttempts, lastErr)
}

// runWithTimeout invokes a node function under its wall-clock limit. A
// timeout surfaces as a fault.Timeout error so retry policies treat it as
// retryable.
func runWithTimeout[S any](ctx context.Context, n *Node[S], state S, fallback time.Duration) (Result[S], error) {
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = fallback
	}
	if timeout <= 0 {
		return n.Function(ctx, state)
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res Result[S]
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		res, err := n.Function(tctx, state)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-tctx.Done():
		var zero Result[S]
		if ctx.Err() != nil {
			// Parent cancelled, not a node timeout.
			return zero, ctx.Err()
		}
		return zero, fault.Timeout(fmt.Errorf("node %s timed out after %v", n.Name, timeout))
	}
}

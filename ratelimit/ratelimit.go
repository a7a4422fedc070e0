// Package ratelimit bounds the rate of outbound grading calls. The limiter
// is a sliding window over wall-clock time shared by every goroutine of a
// worker process.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smallnest/gradeflow/fault"
)

// Limiter admits at most Limit acquisitions per Window.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time // acquisition times inside the current window

	now func() time.Time // test hook
}

// NewLimiter creates a sliding-window limiter. limit <= 0 disables limiting.
func NewLimiter(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow reports whether a call may proceed now, consuming a slot if so.
func (l *Limiter) Allow() bool {
	if l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evict(now)
	if len(l.stamps) >= l.limit {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}

// Wait blocks until a slot frees up or the context expires. Context expiry
// surfaces as a rate-limited fault so callers' retry policies treat the
// saturation as retryable.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		if l.Allow() {
			return nil
		}

		delay := l.retryAfter()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fault.RateLimited(fmt.Errorf("rate limiter saturated: %w", ctx.Err()))
		}
	}
}

// retryAfter is how long until the oldest in-window stamp expires.
func (l *Limiter) retryAfter() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.stamps) == 0 {
		return time.Millisecond
	}
	d := l.window - l.now().Sub(l.stamps[0])
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

func (l *Limiter) evict(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

package graph_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/gradeflow/fault"
	"github.com/smallnest/gradeflow/graph"
)

func TestRetryBackoffIsMonotonic(t *testing.T) {
	policy := &graph.RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
	}

	var stamps []time.Time
	_, err := graph.Retry(context.Background(), policy, func(ctx context.Context) (int, error) {
		stamps = append(stamps, time.Now())
		return 0, fault.Transientf("still down")
	})
	require.Error(t, err)
	require.Len(t, stamps, 3)

	d1 := stamps[1].Sub(stamps[0])
	d2 := stamps[2].Sub(stamps[1])
	assert.GreaterOrEqual(t, d1, 20*time.Millisecond)
	assert.GreaterOrEqual(t, d2, d1)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	_, err := graph.Retry(context.Background(), graph.DefaultRetryPolicy(), func(ctx context.Context) (int, error) {
		attempts++
		return 0, fault.Invalid(errors.New("bad rubric"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	policy := &graph.RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}

	attempts := 0
	v, err := graph.Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", fault.Transientf("blip %d", attempts)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, attempts)
}

func TestRetryAbortsOnContextCancel(t *testing.T) {
	policy := &graph.RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Hour,
		MaxDelay:     time.Hour,
		Multiplier:   2.0,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := graph.Retry(ctx, policy, func(ctx context.Context) (int, error) {
		return 0, fault.Transientf("down")
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"transient", Transient(errors.New("x")), KindTransient},
		{"rate limited", RateLimited(errors.New("x")), KindRateLimited},
		{"timeout", Timeout(errors.New("x")), KindTimeout},
		{"invalid", Invalid(errors.New("x")), KindInvalid},
		{"permanent", Permanent(errors.New("x")), KindPermanent},
		{"deadline exceeded", context.DeadlineExceeded, KindTimeout},
		{"wrapped", fmt.Errorf("outer: %w", Transient(errors.New("x"))), KindTransient},
		{"plain", errors.New("x"), KindUnknown},
		{"nil", nil, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Transient(errors.New("x"))))
	assert.True(t, IsRetryable(RateLimited(errors.New("x"))))
	assert.True(t, IsRetryable(Timeout(errors.New("x"))))
	assert.False(t, IsRetryable(Invalid(errors.New("x"))))
	assert.False(t, IsRetryable(Permanent(errors.New("x"))))
	assert.False(t, IsRetryable(errors.New("x")))
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("root cause")
	err := Transient(fmt.Errorf("wrap: %w", inner))
	assert.ErrorIs(t, err, inner)
}

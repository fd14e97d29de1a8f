package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := DefaultRetryPolicy()

	tests := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{"nil error", nil, 1, false},
		{"plain error", errors.New("boom"), 1, true},
		{"last attempt", errors.New("boom"), 3, false},
		{"timeout", NewTimeoutError("slow", nil), 2, true},
		{"deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), 1, true},
		{"postcondition", NewPostconditionError("missing image"), 1, true},
		{"circuit open", NewCircuitOpenError("casa", nil), 1, false},
		{"cancelled", context.Canceled, 1, false},
		{"validation", NewValidationError("no input"), 1, false},
		{"permanent", Permanent(errors.New("corrupt file")), 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.ShouldRetry(tt.err, tt.attempt))
		})
	}
}

func TestRetryPolicy_RetryableKindsRestrict(t *testing.T) {
	p := DefaultRetryPolicy()
	p.RetryableKinds = []ErrorKind{KindTimeout}

	assert.False(t, p.ShouldRetry(errors.New("boom"), 1))
	assert.True(t, p.ShouldRetry(NewTimeoutError("slow", nil), 1))

	p.RetryableKinds = append(p.RetryableKinds, KindCircuitOpen)
	assert.False(t, p.ShouldRetry(NewCircuitOpenError("casa", nil), 1), "circuit open is never retried")
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
	}

	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 5*time.Second, p.Backoff(4), "capped at max backoff")

	p.Jitter = 0.25
	assert.Equal(t, 750*time.Millisecond, p.backoff(1, func() float64 { return 0 }))
	assert.Equal(t, 1250*time.Millisecond, p.backoff(1, func() float64 { return 1 }))

	for i := 0; i < 100; i++ {
		d := p.Backoff(2)
		assert.GreaterOrEqual(t, d, 1500*time.Millisecond)
		assert.LessOrEqual(t, d, 2500*time.Millisecond)
	}

	assert.Zero(t, RetryPolicy{MaxAttempts: 1}.Backoff(1))
}

func TestRetryPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultRetryPolicy().Validate())
	assert.NoError(t, NoRetry().Validate())

	bad := []RetryPolicy{
		{MaxAttempts: 0},
		{MaxAttempts: 1, InitialBackoff: -time.Second},
		{MaxAttempts: 1, InitialBackoff: time.Minute, MaxBackoff: time.Second},
		{MaxAttempts: 1, Multiplier: 0.5},
		{MaxAttempts: 1, Jitter: 2},
		{MaxAttempts: 1, RetryableKinds: []ErrorKind{"Bogus"}},
	}
	for i, p := range bad {
		assert.Error(t, p.Validate(), "policy %d", i)
	}
}

func TestRetryPolicy_IsZero(t *testing.T) {
	assert.True(t, RetryPolicy{}.IsZero())
	assert.False(t, NoRetry().IsZero())
}

package engine

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"time"
)

// RetryPolicy is the single place retry decisions are made.
// Stage authors never write their own retry loops.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`

	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`

	// Multiplier scales the delay after each attempt.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`

	// Jitter is the fraction of the delay randomized in both directions (0.25 = ±25%).
	Jitter float64 `json:"jitter" yaml:"jitter"`

	// RetryableKinds lists the error kinds that may be retried.
	RetryableKinds []ErrorKind `json:"retryable_kinds" yaml:"retryable_kinds"`
}

// DefaultRetryPolicy returns the policy used when a definition leaves it unset.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		Multiplier:     2,
		Jitter:         0.25,
		RetryableKinds: []ErrorKind{KindExecutionFailed, KindPostconditionFailed, KindTimeout},
	}
}

// NoRetry returns a policy with a single attempt.
func NoRetry() RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxAttempts = 1
	return p
}

// IsZero reports whether the policy was left unset.
func (p RetryPolicy) IsZero() bool {
	return p.MaxAttempts == 0 && p.InitialBackoff == 0 && p.MaxBackoff == 0 &&
		p.Multiplier == 0 && p.Jitter == 0 && len(p.RetryableKinds) == 0
}

// Validate checks the policy for consistency.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.InitialBackoff < 0 || p.MaxBackoff < 0 {
		return fmt.Errorf("backoff durations must not be negative")
	}
	if p.MaxBackoff > 0 && p.InitialBackoff > p.MaxBackoff {
		return fmt.Errorf("initial backoff %s exceeds max backoff %s", p.InitialBackoff, p.MaxBackoff)
	}
	if p.Multiplier != 0 && p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >= 1, got %f", p.Multiplier)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("jitter must be between 0 and 1, got %f", p.Jitter)
	}
	for _, k := range p.RetryableKinds {
		if err := k.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Retryable reports whether errors of kind may be retried under this policy.
func (p RetryPolicy) Retryable(kind ErrorKind) bool {
	switch kind {
	case KindCircuitOpen, KindCancelled, KindValidationFailed, KindInvalidGraph, KindInvalidDefinition:
		return false
	}
	return slices.Contains(p.RetryableKinds, kind)
}

// ShouldRetry reports whether a new attempt follows the failed attempt number attempt (1-based).
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	return p.Retryable(KindOf(err))
}

// Backoff returns the delay before the attempt following attempt (1-based).
// It grows exponentially from InitialBackoff, is capped at MaxBackoff and jittered.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	return p.backoff(attempt, rand.Float64)
}

func (p RetryPolicy) backoff(attempt int, random func() float64) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(p.InitialBackoff) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxBackoff > 0 && delay > float64(p.MaxBackoff) {
		delay = float64(p.MaxBackoff)
	}

	if p.Jitter > 0 {
		// uniform in [-jitter, +jitter]
		delay += delay * p.Jitter * (2*random() - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

package looper

import (
	"math/rand"
	"time"

	"github.com/geobrowser/taskforge/internal/coreerr"
)

// RetryStrategy selects the delay growth curve.
type RetryStrategy string

const (
	RetryLinear      RetryStrategy = "linear"
	RetryExponential RetryStrategy = "exponential"
)

// RetryPolicy decides whether and when a failed task runs again.
// Task metadata overrides these per task; the policy overrides the
// engine's defaults.
type RetryPolicy struct {
	MaxRetries        int           `json:"max_retries" yaml:"max_retries"`
	InitialDelay      time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay" yaml:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`

	// Jitter in [0,1] scales each delay by 1 + U(−j/2, +j/2).
	Jitter   float64       `json:"jitter" yaml:"jitter"`
	Strategy RetryStrategy `json:"strategy" yaml:"strategy"`

	// RetryableErrors are the error kinds worth another attempt.
	RetryableErrors []coreerr.Kind `json:"retryable_errors" yaml:"retryable_errors"`
}

// DefaultRetryPolicy retries exhaustion-style failures twice with
// exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        2,
		InitialDelay:      5 * time.Second,
		MaxDelay:          2 * time.Minute,
		BackoffMultiplier: 2,
		Strategy:          RetryExponential,
		RetryableErrors: []coreerr.Kind{
			coreerr.KindAllModelsExhausted,
			coreerr.KindSpawnFailed,
			coreerr.KindTimeout,
		},
	}
}

// Validate rejects malformed policies at startup.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return coreerr.New(coreerr.KindConfigInvalid, "retry: max_retries must not be negative")
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return coreerr.New(coreerr.KindConfigInvalid, "retry: jitter must be in [0,1], got %v", p.Jitter)
	}
	switch p.Strategy {
	case RetryLinear, RetryExponential, "":
	default:
		return coreerr.New(coreerr.KindConfigInvalid, "retry: unknown strategy %q", p.Strategy)
	}
	if p.Strategy == RetryExponential && p.BackoffMultiplier < 1 && p.BackoffMultiplier != 0 {
		return coreerr.New(coreerr.KindConfigInvalid, "retry: backoff_multiplier must be ≥ 1")
	}
	return nil
}

// Retryable reports whether the error kind is worth another attempt.
// The attempt budget is the caller's: it compares against the effective
// max retries, which task metadata may raise or lower past MaxRetries.
func (p RetryPolicy) Retryable(kind coreerr.Kind) bool {
	for _, k := range p.RetryableErrors {
		if k == kind {
			return true
		}
	}
	return false
}

// Delay computes the wait before retry number attempt (zero-based).
// Linear grows as base·(attempt+1); exponential as base·multiplier^attempt,
// capped at MaxDelay. Jitter, when configured, randomizes around the
// capped value. With no jitter the sequence is monotonically
// non-decreasing.
func (p RetryPolicy) Delay(attempt int, rng *rand.Rand) time.Duration {
	base := p.InitialDelay
	if base <= 0 {
		return 0
	}

	var delay time.Duration
	switch p.Strategy {
	case RetryLinear:
		delay = base * time.Duration(attempt+1)
	default: // exponential
		mult := p.BackoffMultiplier
		if mult == 0 {
			mult = 2
		}
		f := float64(base)
		for i := 0; i < attempt; i++ {
			f *= mult
			if p.MaxDelay > 0 && f > float64(p.MaxDelay) {
				f = float64(p.MaxDelay)
				break
			}
		}
		delay = time.Duration(f)
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 && rng != nil {
		spread := (rng.Float64() - 0.5) * p.Jitter // U(−j/2, +j/2)
		delay = time.Duration(float64(delay) * (1 + spread))
	}
	return delay
}

package looper

import (
	"math/rand"
	"testing"
	"time"

	"github.com/geobrowser/taskforge/internal/coreerr"
)

func TestExponentialBackoffMonotonic(t *testing.T) {
	p := RetryPolicy{
		MaxRetries:        10,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		Strategy:          RetryExponential,
	}

	prev := time.Duration(0)
	for n := 0; n < 10; n++ {
		d := p.Delay(n, nil)
		if d < prev {
			t.Errorf("delay(%d) = %v < delay(%d) = %v", n, d, n-1, prev)
		}
		if d > p.MaxDelay {
			t.Errorf("delay(%d) = %v exceeds cap %v", n, d, p.MaxDelay)
		}
		prev = d
	}

	// The curve actually grows before the cap.
	if p.Delay(1, nil) != 2*time.Second || p.Delay(2, nil) != 4*time.Second {
		t.Errorf("exponential growth wrong: %v, %v", p.Delay(1, nil), p.Delay(2, nil))
	}
	if p.Delay(9, nil) != p.MaxDelay {
		t.Errorf("delay(9) = %v, want capped at %v", p.Delay(9, nil), p.MaxDelay)
	}
}

func TestLinearBackoff(t *testing.T) {
	p := RetryPolicy{
		InitialDelay: 2 * time.Second,
		Strategy:     RetryLinear,
		MaxDelay:     7 * time.Second,
	}

	want := []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second, 7 * time.Second}
	for n, w := range want {
		if got := p.Delay(n, nil); got != w {
			t.Errorf("linear delay(%d) = %v, want %v", n, got, w)
		}
	}
}

func TestJitterStaysInBand(t *testing.T) {
	p := RetryPolicy{
		InitialDelay: 10 * time.Second,
		Strategy:     RetryExponential,
		Jitter:       0.5,
	}
	rng := rand.New(rand.NewSource(7))

	// jitter 0.5 → multiplier in [0.75, 1.25].
	lo, hi := 7500*time.Millisecond, 12500*time.Millisecond
	for i := 0; i < 200; i++ {
		d := p.Delay(0, rng)
		if d < lo || d > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", d, lo, hi)
		}
	}
}

func TestRetryable(t *testing.T) {
	p := RetryPolicy{
		MaxRetries:      2,
		RetryableErrors: []coreerr.Kind{coreerr.KindTimeout, coreerr.KindAllModelsExhausted},
	}

	// Kind membership only — the attempt budget is enforced by the loop,
	// where task metadata may override MaxRetries in either direction.
	if !p.Retryable(coreerr.KindTimeout) || !p.Retryable(coreerr.KindAllModelsExhausted) {
		t.Error("listed kinds should be retryable")
	}
	if p.Retryable(coreerr.KindQuota) {
		t.Error("unlisted kind must not retry")
	}
}

func TestPolicyValidation(t *testing.T) {
	bad := []RetryPolicy{
		{MaxRetries: -1},
		{Jitter: 1.5},
		{Jitter: -0.1},
		{Strategy: "fibonacci"},
		{Strategy: RetryExponential, BackoffMultiplier: 0.5},
	}
	for i, p := range bad {
		if err := p.Validate(); err == nil {
			t.Errorf("policy %d should be rejected: %+v", i, p)
		}
	}

	if err := DefaultRetryPolicy().Validate(); err != nil {
		t.Errorf("default policy invalid: %v", err)
	}
}

func TestZeroInitialDelay(t *testing.T) {
	p := RetryPolicy{Strategy: RetryExponential}
	if got := p.Delay(3, nil); got != 0 {
		t.Errorf("no initial delay should mean zero wait, got %v", got)
	}
}

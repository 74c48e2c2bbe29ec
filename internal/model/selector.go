package model

import (
	"math/rand"
	"sync"

	"github.com/geobrowser/taskforge/internal/coreerr"
)

// Strategy picks which model a pool hands out next.
type Strategy string

const (
	// StrategyRoundRobin advances a per-pool index modulo pool length.
	StrategyRoundRobin Strategy = "round-robin"

	// StrategyPriority always returns the first model in the pool.
	StrategyPriority Strategy = "priority"

	// StrategyCostAware returns the model with the smallest cost weight.
	StrategyCostAware Strategy = "cost-aware"

	// StrategyRandom returns a uniformly random model.
	StrategyRandom Strategy = "random"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyRoundRobin, StrategyPriority, StrategyCostAware, StrategyRandom:
		return true
	}
	return false
}

// Selector holds a primary and a fallback pool of model configs and hands
// out the next candidate under the configured strategy. The fallback
// switch is one-way: once flipped, selection stays on the fallback pool
// until an explicit Reset (test harnesses only — normal execution never
// resets).
//
// Safe for concurrent use, though normal execution calls it from the loop
// thread only.
type Selector struct {
	mu          sync.Mutex
	primary     []Config
	fallback    []Config
	strategy    Strategy
	primaryIdx  int
	fallbackIdx int
	inFallback  bool
	rng         *rand.Rand
}

// NewSelector builds a selector over the enabled members of the two pools.
// Disabled configs are filtered out up front so every strategy sees only
// selectable models.
func NewSelector(primary, fallback []Config, strategy Strategy, seed int64) (*Selector, error) {
	if !strategy.Valid() {
		return nil, coreerr.New(coreerr.KindConfigInvalid, "unknown selection strategy %q", strategy)
	}
	for _, c := range append(append([]Config{}, primary...), fallback...) {
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}
	return &Selector{
		primary:  enabledOnly(primary),
		fallback: enabledOnly(fallback),
		strategy: strategy,
		rng:      rand.New(rand.NewSource(seed)),
	}, nil
}

func enabledOnly(pool []Config) []Config {
	out := make([]Config, 0, len(pool))
	for _, c := range pool {
		if c.IsEnabled() {
			out = append(out, c)
		}
	}
	return out
}

// GetNext returns the next model from the current pool, or nil when the
// current pool is empty.
func (s *Selector) GetNext() *Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	pool := s.primary
	idx := &s.primaryIdx
	if s.inFallback {
		pool = s.fallback
		idx = &s.fallbackIdx
	}
	if len(pool) == 0 {
		return nil
	}

	var picked Config
	switch s.strategy {
	case StrategyRoundRobin:
		picked = pool[*idx%len(pool)]
		*idx++
	case StrategyPriority:
		picked = pool[0]
	case StrategyCostAware:
		picked = pool[0]
		for _, c := range pool[1:] {
			if c.EffectiveCost() < picked.EffectiveCost() {
				picked = c
			}
		}
	case StrategyRandom:
		picked = pool[s.rng.Intn(len(pool))]
	}

	out := picked
	return &out
}

// SwitchToFallback flips the one-way fallback switch and resets the
// fallback index so rotation starts at the front of the pool. Calling it
// again while already in fallback is a no-op.
func (s *Selector) SwitchToFallback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFallback {
		return
	}
	s.inFallback = true
	s.fallbackIdx = 0
}

// InFallback reports whether the selector has switched pools.
func (s *Selector) InFallback() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFallback
}

// Reset returns the selector to the primary pool and zeroes both indices.
// Exists for test harnesses and operator tooling; the loop never calls it.
func (s *Selector) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFallback = false
	s.primaryIdx = 0
	s.fallbackIdx = 0
}

// TotalCount returns the number of enabled models across both pools —
// the engine's attempt budget for one task.
func (s *Selector) TotalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.primary) + len(s.fallback)
}

// PrimaryCount returns the number of enabled primary models.
func (s *Selector) PrimaryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.primary)
}

// Cursor returns the current pool indices and fallback flag for
// checkpointing mid-task selector position.
func (s *Selector) Cursor() (primaryIdx, fallbackIdx int, inFallback bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primaryIdx, s.fallbackIdx, s.inFallback
}

// RestoreCursor reinstates a checkpointed selector position.
func (s *Selector) RestoreCursor(primaryIdx, fallbackIdx int, inFallback bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.primaryIdx = primaryIdx
	s.fallbackIdx = fallbackIdx
	s.inFallback = inFallback
}

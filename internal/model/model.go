// Package model maps generic model names to concrete CLI invocations and
// implements the primary/fallback selector the engine rotates through.
package model

import (
	"time"

	"github.com/geobrowser/taskforge/internal/coreerr"
)

// DefaultCostWeight is assumed when a config doesn't set one.
const DefaultCostWeight = 50

// Config maps a generic model name (e.g. "gemini-flash") to the concrete
// CLI and model string used to run it.
type Config struct {
	// Name is the generic model name tasks and agents refer to.
	Name string `json:"name" yaml:"name"`

	// CLI is the invoker name this model runs under ("claude", "opencode", ...).
	CLI string `json:"cli" yaml:"cli"`

	// ModelString is the concrete identifier passed to the CLI's model flag.
	ModelString string `json:"model" yaml:"model"`

	// Timeout overrides the caller's default timeout when non-zero.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// CostWeight orders models under the cost-aware strategy.
	// Zero means DefaultCostWeight.
	CostWeight int `json:"cost_weight,omitempty" yaml:"cost_weight,omitempty"`

	// Args are extra CLI arguments appended after the invoker-built argv.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`

	// Env overrides applied to the child process for this model.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Enabled excludes the model from selection when explicitly false.
	// Unset means enabled.
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the model participates in selection.
func (c Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// EffectiveCost returns the cost weight with the default applied.
func (c Config) EffectiveCost() int {
	if c.CostWeight == 0 {
		return DefaultCostWeight
	}
	return c.CostWeight
}

// Validate checks the fields a selector needs.
func (c Config) Validate() error {
	if c.Name == "" {
		return coreerr.New(coreerr.KindConfigInvalid, "model config: name must not be empty")
	}
	if c.CLI == "" {
		return coreerr.New(coreerr.KindConfigInvalid, "model %q: cli must not be empty", c.Name)
	}
	if c.ModelString == "" {
		return coreerr.New(coreerr.KindConfigInvalid, "model %q: model string must not be empty", c.Name)
	}
	if c.Timeout < 0 {
		return coreerr.New(coreerr.KindConfigInvalid, "model %q: timeout must not be negative", c.Name)
	}
	return nil
}

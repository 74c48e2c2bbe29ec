// Package agent defines immutable agent role definitions — the system
// instructions, tool allowlist, and model preference used to prompt one
// agent role.
package agent

import (
	"maps"
	"slices"
	"time"

	"github.com/geobrowser/taskforge/internal/coreerr"
)

// Definition describes how to prompt one agent role. Definitions are
// immutable after construction: New copies every nested container and the
// accessors return copies, so no caller can mutate a shared definition.
type Definition struct {
	name        string
	description string
	prompt      string
	tools       []string
	model       string
	env         map[string]string
	timeout     time.Duration
}

// Spec is the construction input for a Definition.
type Spec struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Prompt      string            `json:"prompt" yaml:"prompt"`
	Tools       []string          `json:"tools,omitempty" yaml:"tools,omitempty"`
	Model       string            `json:"model,omitempty" yaml:"model,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// New validates a spec and freezes it into a Definition.
// Rejects empty name, empty prompt, and negative timeout. A zero timeout
// means "inherit the caller's default".
func New(spec Spec) (*Definition, error) {
	if spec.Name == "" {
		return nil, coreerr.New(coreerr.KindConfigInvalid, "agent name must not be empty")
	}
	if spec.Prompt == "" {
		return nil, coreerr.New(coreerr.KindConfigInvalid, "agent %q: prompt must not be empty", spec.Name)
	}
	if spec.Timeout < 0 {
		return nil, coreerr.New(coreerr.KindConfigInvalid, "agent %q: timeout must not be negative, got %v", spec.Name, spec.Timeout)
	}

	return &Definition{
		name:        spec.Name,
		description: spec.Description,
		prompt:      spec.Prompt,
		tools:       slices.Clone(spec.Tools),
		model:       spec.Model,
		env:         maps.Clone(spec.Env),
		timeout:     spec.Timeout,
	}, nil
}

func (d *Definition) Name() string        { return d.name }
func (d *Definition) Description() string { return d.description }
func (d *Definition) Prompt() string      { return d.prompt }
func (d *Definition) Model() string       { return d.model }

// Timeout returns the agent's timeout override, 0 when unset.
func (d *Definition) Timeout() time.Duration { return d.timeout }

// Tools returns a copy of the tool allowlist.
func (d *Definition) Tools() []string { return slices.Clone(d.tools) }

// Env returns a copy of the environment overrides.
func (d *Definition) Env() map[string]string { return maps.Clone(d.env) }

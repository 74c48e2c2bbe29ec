// Package invoker adapts agent CLIs. Each descriptor knows one CLI's argv
// shape — non-interactive flags, model flag, how the prompt is delivered,
// tool allowlists — and the registry maps model strings to the descriptor
// that accepts them.
package invoker

import (
	"fmt"
	"os/exec"
	"strings"
)

// BuildOptions is the input to a descriptor's argv builder.
type BuildOptions struct {
	// Model is the concrete model string after prefix stripping and alias
	// mapping.
	Model string

	// Prompt is the composed prompt text. Ignored by builders for
	// stdin-fed CLIs — the engine writes it to the child's stdin instead.
	Prompt string

	// Tools is the allowlist from the agent definition. Only CLIs that
	// support tool restriction render it.
	Tools []string

	// ExtraArgs are appended verbatim after the built argv (from the
	// model config).
	ExtraArgs []string
}

// Descriptor describes one agent CLI.
type Descriptor struct {
	// Name identifies the CLI family ("claude", "opencode", "droid").
	Name string

	// Command is the executable to locate (defaults to Name).
	Command string

	// SupportedModels are the model strings this CLI accepts.
	SupportedModels []string

	// PromptViaStdin is true when the prompt is written to the child's
	// stdin rather than carried in argv.
	PromptViaStdin bool

	// BuildArgs encodes the CLI's argv shape. Pure: same options, same argv.
	BuildArgs func(opts BuildOptions) []string

	// IsAvailable probes whether the CLI can run here. Nil means "probe by
	// locating Command on PATH".
	IsAvailable func() bool
}

// Available runs the availability probe, defaulting to a PATH lookup.
func (d *Descriptor) Available() bool {
	if d.IsAvailable != nil {
		return d.IsAvailable()
	}
	cmd := d.Command
	if cmd == "" {
		cmd = d.Name
	}
	_, err := exec.LookPath(cmd)
	return err == nil
}

// DefaultClaudeAliases maps the short claude aliases to full model
// identifiers. Override via NewClaude when the deployed CLI expects
// different pins.
var DefaultClaudeAliases = map[string]string{
	"opus":   "claude-opus-4-1",
	"sonnet": "claude-sonnet-4-5",
	"haiku":  "claude-3-5-haiku",
}

// resolveClaudeAlias maps opus|sonnet|haiku (case-insensitive) through the
// alias table. Unknown names pass through unchanged.
func resolveClaudeAlias(aliases map[string]string, model string) string {
	if full, ok := aliases[strings.ToLower(model)]; ok {
		return full
	}
	return model
}

// NewClaude builds the descriptor for the claude CLI family:
// `claude --print --model <id> [--allowedTools a,b,c] <prompt>`.
// aliases may be nil to use DefaultClaudeAliases.
func NewClaude(aliases map[string]string) *Descriptor {
	if aliases == nil {
		aliases = DefaultClaudeAliases
	}
	supported := make([]string, 0, len(aliases)*2)
	for short, full := range aliases {
		supported = append(supported, short, full)
	}
	return &Descriptor{
		Name:            "claude",
		Command:         "claude",
		SupportedModels: supported,
		BuildArgs: func(opts BuildOptions) []string {
			args := []string{"--print", "--model", resolveClaudeAlias(aliases, opts.Model)}
			if len(opts.Tools) > 0 {
				args = append(args, "--allowedTools", strings.Join(opts.Tools, ","))
			}
			args = append(args, opts.ExtraArgs...)
			// Prompt is the positional last argument.
			args = append(args, opts.Prompt)
			return args
		},
	}
}

// NewOpencode builds the descriptor for the opencode CLI family:
// `opencode --yes --model <id> --prompt <string>`.
func NewOpencode() *Descriptor {
	return &Descriptor{
		Name:    "opencode",
		Command: "opencode",
		SupportedModels: []string{
			"gpt-5", "gpt-5-mini", "grok-code", "qwen-coder",
		},
		BuildArgs: func(opts BuildOptions) []string {
			args := []string{"--yes", "--model", opts.Model, "--prompt", opts.Prompt}
			return append(args, opts.ExtraArgs...)
		},
	}
}

// NewDroid builds the descriptor for the droid CLI family:
// `droid -m <id> -p <string>`.
func NewDroid() *Descriptor {
	return &Descriptor{
		Name:    "droid",
		Command: "droid",
		SupportedModels: []string{
			"gemini-flash", "gemini-pro",
		},
		BuildArgs: func(opts BuildOptions) []string {
			args := []string{"-m", opts.Model, "-p", opts.Prompt}
			return append(args, opts.ExtraArgs...)
		},
	}
}

// Validate checks a descriptor before registration.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("invoker name must not be empty")
	}
	if d.BuildArgs == nil {
		return fmt.Errorf("invoker %q: BuildArgs must not be nil", d.Name)
	}
	return nil
}

// Package config assembles the loop's configuration from three sources in
// priority order: CLI flags (set by the command layer), environment
// variables (TASKFORGE_*), and the YAML config file. Defaults fill
// whatever remains.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/geobrowser/taskforge/internal/agent"
	"github.com/geobrowser/taskforge/internal/coreerr"
	"github.com/geobrowser/taskforge/internal/looper"
	"github.com/geobrowser/taskforge/internal/model"
	"github.com/geobrowser/taskforge/internal/pool"
	"github.com/geobrowser/taskforge/internal/state"
)

// DefaultConfigFile is looked up relative to the working directory.
const DefaultConfigFile = ".taskforge.yaml"

// EngineConfig is the execution engine's tunable subset.
type EngineConfig struct {
	PreferPty          bool          `yaml:"prefer_pty"`
	RateLimitWait      time.Duration `yaml:"rate_limit_wait"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	MaxDelay           time.Duration `yaml:"max_delay"`
	RetrySameModel     bool          `yaml:"retry_same_model"`
	MaxRetriesPerModel int           `yaml:"max_retries_per_model"`
	GracePeriod        time.Duration `yaml:"grace_period"`
}

// LoopConfig is the loop driver's tunable subset.
type LoopConfig struct {
	MaxIterations       int                `yaml:"max_iterations"`
	DefaultTimeout      time.Duration      `yaml:"default_timeout"`
	CheckpointInterval  time.Duration      `yaml:"checkpoint_interval"`
	RemediationTasks    bool               `yaml:"remediation_tasks"`
	AbortOnBackendError bool               `yaml:"abort_on_backend_error"`
	Retry               looper.RetryPolicy `yaml:"retry"`
}

// ServerConfig is the observability surface's subset.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Config is the whole assembly.
type Config struct {
	Namespace   string `yaml:"namespace"`
	StateDir    string `yaml:"state_dir"`
	BacklogPath string `yaml:"backlog_path"`

	Models struct {
		Primary  []model.Config `yaml:"primary"`
		Fallback []model.Config `yaml:"fallback"`
		Strategy model.Strategy `yaml:"strategy"`
	} `yaml:"models"`

	Agents       []agent.Spec `yaml:"agents"`
	DefaultAgent string       `yaml:"default_agent"`

	Pools          []pool.Config `yaml:"pools"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// CliPaths overrides executable locations per invoker name.
	CliPaths map[string]string `yaml:"cli_paths"`

	// ClaudeAliases overrides the opus/sonnet/haiku pin table.
	ClaudeAliases map[string]string `yaml:"claude_aliases"`

	Engine EngineConfig `yaml:"engine"`
	Loop   LoopConfig   `yaml:"loop"`
	Server ServerConfig `yaml:"server"`
}

// Load reads the config file (missing file is fine — defaults apply),
// overlays TASKFORGE_* environment variables, fills defaults, and
// validates. Flag values should be applied by the caller before Load via
// the returned struct's zero-checks, or after, at its discretion.
func Load(path string) (*Config, error) {
	var cfg Config

	if path == "" {
		path = DefaultConfigFile
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, coreerr.Wrap(coreerr.KindConfigInvalid, err, "reading config file %s", path)
		}
	} else if err := decodeYAML(data, &cfg); err != nil {
		return nil, coreerr.Wrap(coreerr.KindConfigInvalid, err, "parsing config file %s", path)
	}

	cfg.applyEnv(viper.New())
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// decodeYAML parses the file into a generic tree, then decodes it through
// mapstructure keyed on the yaml tags with a duration hook, so "90s"
// style values land in time.Duration fields (plain yaml.v3 decoding has
// no duration support).
func decodeYAML(data []byte, into *Config) error {
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return err
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "yaml",
		Result:           into,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(tree)
}

// applyEnv overlays TASKFORGE_* variables onto scalar settings. CLI path
// overrides (TASKFORGE_<CLI>_PATH) are handled separately by the invoker
// resolver so they stay existence-checked.
func (c *Config) applyEnv(v *viper.Viper) {
	v.SetEnvPrefix("TASKFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if s := v.GetString("namespace"); s != "" {
		c.Namespace = s
	}
	if s := v.GetString("state_dir"); s != "" {
		c.StateDir = s
	}
	if s := v.GetString("backlog_path"); s != "" {
		c.BacklogPath = s
	}
	if s := v.GetString("server_addr"); s != "" {
		c.Server.Addr = s
		c.Server.Enabled = true
	}
	if v.IsSet("max_iterations") {
		if n := v.GetInt("max_iterations"); n > 0 {
			c.Loop.MaxIterations = n
		}
	}
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.StateDir == "" {
		c.StateDir = state.DefaultDirName
	}
	if c.BacklogPath == "" {
		c.BacklogPath = "tasks.json"
	}
	if c.Models.Strategy == "" {
		c.Models.Strategy = model.StrategyRoundRobin
	}
	if len(c.Pools) == 0 {
		c.Pools = pool.DefaultConfigs()
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:7433"
	}
	if c.Engine.GracePeriod == 0 {
		c.Engine.GracePeriod = 5 * time.Second
	}
	if c.Loop.DefaultTimeout == 0 {
		c.Loop.DefaultTimeout = 10 * time.Minute
	}
	if c.Loop.CheckpointInterval == 0 {
		c.Loop.CheckpointInterval = 60 * time.Second
	}
	if c.Loop.Retry.MaxRetries == 0 && len(c.Loop.Retry.RetryableErrors) == 0 {
		c.Loop.Retry = looper.DefaultRetryPolicy()
	}
}

// Validate checks cross-field constraints. Call after ApplyDefaults.
func (c *Config) Validate() error {
	if len(c.Models.Primary) == 0 {
		return coreerr.New(coreerr.KindConfigInvalid,
			"at least one primary model is required").
			WithRemediation("add models.primary entries to " + DefaultConfigFile)
	}
	if !c.Models.Strategy.Valid() {
		return coreerr.New(coreerr.KindConfigInvalid, "unknown selection strategy %q", c.Models.Strategy)
	}
	for _, m := range append(append([]model.Config{}, c.Models.Primary...), c.Models.Fallback...) {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	if c.Engine.RetrySameModel && c.Engine.MaxRetriesPerModel <= 0 {
		return coreerr.New(coreerr.KindConfigInvalid,
			"engine.retry_same_model requires engine.max_retries_per_model").
			WithRemediation("set engine.max_retries_per_model to a positive value")
	}
	if err := c.Loop.Retry.Validate(); err != nil {
		return err
	}
	if c.DefaultAgent != "" {
		found := false
		for _, a := range c.Agents {
			if a.Name == c.DefaultAgent {
				found = true
				break
			}
		}
		if !found {
			return coreerr.New(coreerr.KindConfigInvalid,
				"default_agent %q is not defined under agents", c.DefaultAgent)
		}
	}
	return nil
}

// Example renders a commented starter config.
func Example() string {
	return fmt.Sprintf(`# taskforge configuration
namespace: default
state_dir: %s
backlog_path: tasks.json

models:
  strategy: round-robin
  primary:
    - name: sonnet
      cli: claude
      model: sonnet
    - name: gpt-5
      cli: opencode
      model: gpt-5
  fallback:
    - name: haiku
      cli: claude
      model: haiku
      cost_weight: 10

agents:
  - name: worker
    prompt: |
      You are the implementer. Complete the task end to end.
default_agent: worker

engine:
  prefer_pty: true
  rate_limit_wait: 30s
  retry_same_model: true
  max_retries_per_model: 3

loop:
  default_timeout: 10m
  retry:
    max_retries: 2
    initial_delay: 5s
    max_delay: 2m
    strategy: exponential
    retryable_errors: [ALL_MODELS_EXHAUSTED, TIMEOUT, SPAWN_FAILED]

server:
  enabled: true
  addr: 127.0.0.1:7433
`, state.DefaultDirName)
}

// Package state persists the loop's durable records under the hidden
// project directory (.taskforge by default): per-namespace loop state,
// checkpoints, the monitor registry, and per-run log paths. All writes
// are atomic (temp file + rename) so readers never observe a partial
// file.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// DefaultDirName is the hidden directory holding all persisted state.
const DefaultDirName = ".taskforge"

// Metrics are the loop's cumulative counters.
type Metrics struct {
	Completed     int              `json:"completed"`
	Failed        int              `json:"failed"`
	Skipped       int              `json:"skipped"`
	TokensByModel map[string]int64 `json:"tokens_by_model,omitempty"`
}

// AddTokens accumulates a model's token usage, allocating lazily.
func (m *Metrics) AddTokens(model string, tokens int64) {
	if m.TokensByModel == nil {
		m.TokensByModel = make(map[string]int64)
	}
	m.TokensByModel[model] += tokens
}

// LoopState is the process-wide persisted loop position. The loop driver
// is the only writer.
type LoopState struct {
	LastTaskID      string         `json:"LAST_TASK_ID"`
	LastIteration   int            `json:"LAST_ITERATION"`
	PerModelRetries map[string]int `json:"per_model_retries,omitempty"`
	InFallback      bool           `json:"in_fallback,omitempty"`
	Metrics         Metrics        `json:"metrics"`
}

// MonitorEntry describes one live loop for external dashboards.
type MonitorEntry struct {
	Namespace string    `json:"namespace"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
	LogFile   string    `json:"logFile"`
	Args      []string  `json:"args"`
}

// Store reads and writes the persisted state layout.
type Store struct {
	dir string
}

// NewStore roots a store at dir, creating it (and checkpoints/) if
// needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		dir = DefaultDirName
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving state dir %q: %w", dir, err)
	}
	if err := os.MkdirAll(filepath.Join(abs, "checkpoints"), 0700); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	return &Store{dir: abs}, nil
}

// Dir returns the absolute state root.
func (s *Store) Dir() string { return s.dir }

// statePath maps a namespace to its state file. The empty namespace uses
// the shared state.json.
func (s *Store) statePath(namespace string) string {
	if namespace == "" {
		return filepath.Join(s.dir, "state.json")
	}
	return filepath.Join(s.dir, fmt.Sprintf("state-%s.json", filepath.Base(namespace)))
}

// SaveState atomically writes a namespace's loop state.
func (s *Store) SaveState(namespace string, st LoopState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling loop state: %w", err)
	}
	if err := renameio.WriteFile(s.statePath(namespace), data, 0600); err != nil {
		return fmt.Errorf("writing loop state: %w", err)
	}
	return nil
}

// LoadState reads a namespace's loop state. A missing file returns the
// zero state.
func (s *Store) LoadState(namespace string) (LoopState, error) {
	data, err := os.ReadFile(s.statePath(namespace))
	if err != nil {
		if os.IsNotExist(err) {
			return LoopState{}, nil
		}
		return LoopState{}, fmt.Errorf("reading loop state: %w", err)
	}
	var st LoopState
	if err := json.Unmarshal(data, &st); err != nil {
		return LoopState{}, fmt.Errorf("parsing loop state: %w", err)
	}
	return st, nil
}

// monitorPath is the registry of live loops.
func (s *Store) monitorPath() string {
	return filepath.Join(s.dir, "monitor-state.json")
}

// RegisterMonitor adds (or replaces) this loop's entry in the monitor
// registry.
func (s *Store) RegisterMonitor(entry MonitorEntry) error {
	entries, err := s.loadMonitors()
	if err != nil {
		return err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Namespace != entry.Namespace {
			out = append(out, e)
		}
	}
	out = append(out, entry)
	return s.saveMonitors(out)
}

// UnregisterMonitor removes a namespace's entry. Unknown namespaces are
// a no-op.
func (s *Store) UnregisterMonitor(namespace string) error {
	entries, err := s.loadMonitors()
	if err != nil {
		return err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Namespace != namespace {
			out = append(out, e)
		}
	}
	return s.saveMonitors(out)
}

// Monitors returns the registered live loops.
func (s *Store) Monitors() ([]MonitorEntry, error) {
	return s.loadMonitors()
}

func (s *Store) loadMonitors() ([]MonitorEntry, error) {
	data, err := os.ReadFile(s.monitorPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading monitor state: %w", err)
	}
	var entries []MonitorEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing monitor state: %w", err)
	}
	return entries, nil
}

func (s *Store) saveMonitors(entries []MonitorEntry) error {
	if entries == nil {
		entries = []MonitorEntry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling monitor state: %w", err)
	}
	if err := renameio.WriteFile(s.monitorPath(), data, 0600); err != nil {
		return fmt.Errorf("writing monitor state: %w", err)
	}
	return nil
}

// RunLogPath returns the per-attempt output file for a task:
// runs/<namespace>/<timestamp>/logs/<taskID>-<status>.log. The directory
// is created on demand. taskID is sanitized against path traversal.
func (s *Store) RunLogPath(namespace string, runStarted time.Time, taskID, status string) (string, error) {
	ns := filepath.Base(namespace)
	if namespace == "" {
		ns = "default"
	}
	dir := filepath.Join(s.dir, "runs", ns, runStarted.UTC().Format("20060102-150405"), "logs")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("creating run log dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s.log", filepath.Base(taskID), status)
	return filepath.Join(dir, name), nil
}

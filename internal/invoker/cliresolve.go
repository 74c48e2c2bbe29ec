package invoker

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/geobrowser/taskforge/internal/coreerr"
)

// EnvPrefix is the product prefix for CLI path override variables,
// e.g. TASKFORGE_CLAUDE_PATH.
const EnvPrefix = "TASKFORGE"

// Resolver locates agent CLI executables. The function fields are seams
// for testing — zero values fall back to the real OS.
type Resolver struct {
	// ConfigPaths maps invoker name to a configured executable path.
	ConfigPaths map[string]string

	Getenv   func(string) string
	Stat     func(string) (os.FileInfo, error)
	LookPath func(string) (string, error)
	Home     string
}

func (r *Resolver) getenv(key string) string {
	if r.Getenv != nil {
		return r.Getenv(key)
	}
	return os.Getenv(key)
}

func (r *Resolver) stat(path string) (os.FileInfo, error) {
	if r.Stat != nil {
		return r.Stat(path)
	}
	return os.Stat(path)
}

func (r *Resolver) lookPath(name string) (string, error) {
	if r.LookPath != nil {
		return r.LookPath(name)
	}
	return exec.LookPath(name)
}

func (r *Resolver) home() string {
	if r.Home != "" {
		return r.Home
	}
	home, _ := os.UserHomeDir()
	return home
}

// EnvVarFor returns the override variable name for an invoker,
// e.g. "claude" → "TASKFORGE_CLAUDE_PATH".
func EnvVarFor(name string) string {
	return fmt.Sprintf("%s_%s_PATH", EnvPrefix, strings.ToUpper(name))
}

// knownLocations are the built-in install locations probed last.
func (r *Resolver) knownLocations(command string) []string {
	home := r.home()
	return []string{
		filepath.Join(home, ".local", "bin", command),
		filepath.Join(home, "bin", command),
		filepath.Join(home, "."+command, "local", command),
		filepath.Join("/usr/local/bin", command),
		filepath.Join("/opt/homebrew/bin", command),
	}
}

// Resolve locates one CLI. Resolution order: env var override, configured
// path, PATH lookup, built-in known locations. Returns the resolved path
// and the list of candidates checked (for error reporting).
func (r *Resolver) Resolve(d *Descriptor) (path string, checked []string, err error) {
	command := d.Command
	if command == "" {
		command = d.Name
	}

	if override := r.getenv(EnvVarFor(d.Name)); override != "" {
		checked = append(checked, override+" ($"+EnvVarFor(d.Name)+")")
		if _, serr := r.stat(override); serr == nil {
			return override, checked, nil
		}
	}

	if configured := r.ConfigPaths[d.Name]; configured != "" {
		checked = append(checked, configured+" (config)")
		if _, serr := r.stat(configured); serr == nil {
			return configured, checked, nil
		}
	}

	checked = append(checked, command+" (PATH)")
	if found, lerr := r.lookPath(command); lerr == nil {
		return found, checked, nil
	}

	for _, candidate := range r.knownLocations(command) {
		checked = append(checked, candidate)
		if _, serr := r.stat(candidate); serr == nil {
			return candidate, checked, nil
		}
	}

	return "", checked, fmt.Errorf("%s not found", command)
}

// ResolveAll locates every registered CLI and returns a name→path map of
// the ones found. When none resolve, returns a CliNotFound error that
// enumerates every candidate path checked.
func (r *Resolver) ResolveAll(descriptors []*Descriptor) (map[string]string, error) {
	paths := make(map[string]string)
	var allChecked []string

	for _, d := range descriptors {
		path, checked, err := r.Resolve(d)
		allChecked = append(allChecked, checked...)
		if err != nil {
			continue
		}
		paths[d.Name] = path
	}

	if len(paths) == 0 {
		return nil, coreerr.New(coreerr.KindCliNotFound,
			"no agent CLI found; checked: %s", strings.Join(allChecked, ", ")).
			WithRemediation(
				"install at least one agent CLI (claude, opencode, droid)",
				"set "+EnvPrefix+"_<CLI>_PATH to an existing executable",
				"add cli_paths entries to the config file",
			)
	}
	return paths, nil
}

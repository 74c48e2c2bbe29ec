// Package engine executes a composed prompt against the model pool:
// spawn the right CLI, stream its output, time it out, classify the exit,
// and rotate primary→fallback models with bounded retry.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/geobrowser/taskforge/internal/coreerr"
	"github.com/geobrowser/taskforge/internal/hooks"
	"github.com/geobrowser/taskforge/internal/invoker"
	"github.com/geobrowser/taskforge/internal/model"
	"github.com/geobrowser/taskforge/internal/pool"
	"github.com/geobrowser/taskforge/internal/protocol"
	"github.com/geobrowser/taskforge/internal/resource"
	"github.com/geobrowser/taskforge/internal/task"
)

const (
	// DefaultGracePeriod is how long a terminated child gets before
	// force-kill.
	DefaultGracePeriod = 5 * time.Second

	// DefaultBackoffBase seeds the exponential rate-limit backoff.
	DefaultBackoffBase = time.Second

	// DefaultMaxDelay caps the rate-limit backoff.
	DefaultMaxDelay = 60 * time.Second
)

// AvailableMemoryFunc reads how much memory the OS could hand out.
type AvailableMemoryFunc func(ctx context.Context) (uint64, error)

// SleepFunc waits for a duration or until the context cancels.
type SleepFunc func(ctx context.Context, d time.Duration) error

func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Config assembles an Engine. Selector, Registry, Pools, Bus, and
// CliPaths come from the top-level assembler.
type Config struct {
	Selector *model.Selector
	Registry *invoker.Registry
	Pools    *pool.Manager
	Bus      *hooks.Bus

	// CliPaths maps invoker name to resolved executable path. Models whose
	// CLI has no entry are skipped silently during rotation.
	CliPaths map[string]string

	// PreferPty spawns under a PTY when the platform offers one, merging
	// stdout and stderr line-buffered. Pipes otherwise.
	PreferPty bool

	// RateLimitWait is the fixed delay after a rate-limit classification.
	// Zero selects exponential backoff (BackoffBase·2^retry, capped at
	// MaxDelay).
	RateLimitWait time.Duration
	BackoffBase   time.Duration
	MaxDelay      time.Duration

	// RetrySameModel keeps hammering the rate-limited model until
	// MaxRetriesPerModel is spent, instead of advancing the selector.
	// MaxRetriesPerModel is mandatory when this is set.
	RetrySameModel     bool
	MaxRetriesPerModel int

	// GracePeriod between graceful-terminate and force-kill.
	GracePeriod time.Duration

	// Seams. Zero values use the real OS.
	Spawner  Spawner
	AvailMem AvailableMemoryFunc
	Sleep    SleepFunc

	Logger *slog.Logger
}

// Attempt records one (cli, model) try for the final failure report.
type Attempt struct {
	CLI        string         `json:"cli"`
	Model      string         `json:"model"`
	ExitCode   int            `json:"exit_code"`
	DurationMs int64          `json:"duration_ms"`
	TimedOut   bool           `json:"timed_out"`
	Class      Classification `json:"class"`
}

// Result is the structured outcome of one Execute call.
type Result struct {
	ExitCode          int       `json:"exit_code"`
	Output            string    `json:"output"` // tail of the last attempt's output
	OutputBytes       int64     `json:"output_bytes"`
	DurationMs        int64     `json:"duration_ms"`
	TimedOut          bool      `json:"timed_out"`
	ResourceExhausted string    `json:"resource_exhausted,omitempty"`
	Model             string    `json:"model,omitempty"`
	CLI               string    `json:"cli,omitempty"`
	Attempts          []Attempt `json:"attempts"`
}

// Request is one execution of a composed prompt.
type Request struct {
	Prompt     string
	OutputFile string

	// DefaultTimeout applies when neither the model config nor the agent
	// sets one.
	DefaultTimeout time.Duration

	// AgentTimeout is the agent definition's override, consulted after
	// the model config's.
	AgentTimeout time.Duration

	Tools    []string

	// AgentEnv comes from the agent definition; model config overrides
	// win over it, and the caller's Env wins over both.
	AgentEnv map[string]string

	TaskID   string
	Priority task.Priority
	Feature  string
	Env      map[string]string
	Dir      string
}

// Engine is the model-aware CLI executor. Owns the set of live child
// processes and the record of PIDs the resource governor condemned.
type Engine struct {
	cfg   Config
	log   *slog.Logger
	names *protocol.NameGenerator

	mu        sync.Mutex
	procs     map[int]Proc
	exhausted map[int]string // pid → termination reason
}

// New validates the config and builds an engine. Fails when
// RetrySameModel is set without MaxRetriesPerModel — an unbounded
// same-model retry loop is a config error, not a runtime surprise.
func New(cfg Config) (*Engine, error) {
	if cfg.Selector == nil || cfg.Registry == nil || cfg.Pools == nil || cfg.Bus == nil {
		return nil, coreerr.New(coreerr.KindConfigInvalid, "engine requires selector, registry, pools, and bus")
	}
	if cfg.RetrySameModel && cfg.MaxRetriesPerModel <= 0 {
		return nil, coreerr.New(coreerr.KindConfigInvalid,
			"retry_same_model requires a positive max_retries_per_model").
			WithRemediation("set max_retries_per_model in the engine config")
	}
	if len(cfg.CliPaths) == 0 {
		return nil, coreerr.New(coreerr.KindCliNotFound, "engine constructed with no resolved CLI paths")
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.Spawner == nil {
		cfg.Spawner = ExecSpawner
	}
	if cfg.AvailMem == nil {
		cfg.AvailMem = func(ctx context.Context) (uint64, error) {
			return resource.AvailableMemory(ctx, nil)
		}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = ctxSleep
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		log:       cfg.Logger,
		names:     protocol.NewNameGenerator(),
		procs:     make(map[int]Proc),
		exhausted: make(map[int]string),
	}, nil
}

// HandleTermination is the pool governor's callback: record the reason
// and force-kill the condemned process. Wire it as pool.Options.OnTerminate.
func (e *Engine) HandleTermination(pid int, reason string) {
	e.mu.Lock()
	e.exhausted[pid] = reason
	proc := e.procs[pid]
	e.mu.Unlock()

	if proc != nil {
		_ = proc.Kill()
	}
}

func (e *Engine) takeExhausted(pid int) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	reason := e.exhausted[pid]
	delete(e.exhausted, pid)
	return reason
}

// Execute runs the prompt against the model pool. Per-attempt failures
// rotate models; the returned error is non-nil only for whole-execution
// failures (pool slot timeout, memory floor, all models exhausted,
// cancellation). The Result is populated either way.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	poolName := e.cfg.Pools.PoolNameFor(req.Feature, req.Priority)
	slot, err := e.cfg.Pools.Acquire(ctx, poolName, req.TaskID)
	if err != nil {
		return &Result{}, err
	}
	defer e.cfg.Pools.Release(slot)

	e.cfg.Bus.Emit(hooks.Event{Kind: hooks.KindExecutionStart, TaskID: req.TaskID})
	start := time.Now()
	result := &Result{}
	defer func() {
		result.DurationMs = time.Since(start).Milliseconds()
		e.cfg.Bus.Emit(hooks.Event{
			Kind:       hooks.KindExecutionEnd,
			TaskID:     req.TaskID,
			DurationMs: result.DurationMs,
			ExitCode:   result.ExitCode,
			TimedOut:   result.TimedOut,
		})
	}()

	total := e.cfg.Selector.TotalCount()
	attemptNo := 0
	primaryTried := 0

	for modelsTried := 0; modelsTried < total; modelsTried++ {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		cfg := e.cfg.Selector.GetNext()
		if cfg == nil {
			break
		}
		if !e.cfg.Selector.InFallback() {
			primaryTried++
		}
		// After this model — attempted or skipped — flip to fallback once
		// the primary pool is spent.
		advance := func() {
			if !e.cfg.Selector.InFallback() && primaryTried >= e.cfg.Selector.PrimaryCount() {
				e.cfg.Selector.SwitchToFallback()
			}
		}

		inv, err := e.cfg.Registry.Get(cfg.CLI)
		if err != nil {
			e.log.Debug("skipping model with unknown invoker", "model", cfg.Name, "cli", cfg.CLI)
			advance()
			continue
		}
		cliPath := e.cfg.CliPaths[inv.Name]
		if cliPath == "" {
			// Command not locatable — skip silently per rotation contract.
			e.log.Debug("skipping model, cli not resolved", "model", cfg.Name, "cli", inv.Name)
			advance()
			continue
		}

		sameModelRetries := 0
	retrySameModel:
		for {
			attempt, err := e.runAttempt(ctx, attemptNo, poolName, cfg, inv, cliPath, req)
			attemptNo++
			result.Attempts = append(result.Attempts, attempt.record)
			result.TimedOut = attempt.record.TimedOut
			result.ExitCode = attempt.record.ExitCode
			result.Output = attempt.tail
			result.OutputBytes += attempt.bytes
			result.ResourceExhausted = attempt.exhaustedReason

			if err != nil {
				// Memory floor and cancellation abort the whole execution.
				return result, err
			}

			switch attempt.record.Class {
			case ClassOK:
				result.Model = cfg.Name
				result.CLI = inv.Name
				return result, nil

			case ClassRateLimit:
				delay := e.rateLimitDelay(sameModelRetries)
				e.log.Warn("rate limited",
					"task_id", req.TaskID,
					"model", cfg.Name,
					"delay", delay,
				)
				if err := e.cfg.Sleep(ctx, delay); err != nil {
					return result, err
				}
				if e.cfg.RetrySameModel && sameModelRetries < e.cfg.MaxRetriesPerModel {
					sameModelRetries++
					continue retrySameModel
				}
				// Budget spent — advance the selector.

			case ClassQuota:
				e.log.Warn("quota exhausted, switching to fallback pool",
					"task_id", req.TaskID,
					"model", cfg.Name,
				)
				e.cfg.Selector.SwitchToFallback()

			case ClassTimeout, ClassError, ClassResourceExhausted, ClassSpawnFailed:
				// Advance to the next model.
			}
			break
		}

		advance()
	}

	tried := make([]string, 0, len(result.Attempts))
	for _, a := range result.Attempts {
		tried = append(tried, fmt.Sprintf("%s/%s", a.CLI, a.Model))
	}
	return result, coreerr.New(coreerr.KindAllModelsExhausted,
		"all model configurations failed for task %s (tried: %s)",
		req.TaskID, strings.Join(tried, ", ")).
		WithRemediation(
			"check the output log for per-attempt failures",
			"add fallback models or raise rate-limit budgets",
		)
}

func (e *Engine) rateLimitDelay(retry int) time.Duration {
	if e.cfg.RateLimitWait > 0 {
		return e.cfg.RateLimitWait
	}
	delay := e.cfg.BackoffBase << uint(retry)
	if delay > e.cfg.MaxDelay || delay <= 0 {
		return e.cfg.MaxDelay
	}
	return delay
}

type attemptOutcome struct {
	record          Attempt
	tail            string
	bytes           int64
	exhaustedReason string
}

// runAttempt spawns one (cli, model) try and classifies its exit. The
// returned error is reserved for whole-execution aborts; per-attempt
// failures come back in the outcome's classification.
func (e *Engine) runAttempt(ctx context.Context, attemptNo int, poolName string, cfg *model.Config, inv *invoker.Descriptor, cliPath string, req Request) (attemptOutcome, error) {
	out := attemptOutcome{record: Attempt{CLI: inv.Name, Model: cfg.Name}}

	e.cfg.Bus.Emit(hooks.Event{
		Kind:    hooks.KindModelSelected,
		TaskID:  req.TaskID,
		Model:   cfg.Name,
		CLI:     inv.Name,
		Attempt: attemptNo,
	})

	effTimeout := cfg.Timeout
	if effTimeout == 0 {
		effTimeout = req.AgentTimeout
	}
	if effTimeout == 0 {
		effTimeout = req.DefaultTimeout
	}

	// Pre-spawn memory guard: refuse to spawn below the hard floor.
	if avail, err := e.cfg.AvailMem(ctx); err == nil && avail < resource.MinAvailableBytes {
		out.record.Class = ClassSpawnFailed
		return out, coreerr.New(coreerr.KindSpawnFailed,
			"available memory %d MiB below the %d MiB floor",
			avail>>20, uint64(resource.MinAvailableBytes)>>20).
			WithRemediation("free memory or lower the loop's concurrency")
	}

	args := inv.BuildArgs(invoker.BuildOptions{
		Model:     invoker.StripModelPrefix(cfg.ModelString),
		Prompt:    req.Prompt,
		Tools:     req.Tools,
		ExtraArgs: cfg.Args,
	})

	env := os.Environ()
	env = append(env, envSlice(req.AgentEnv)...)
	env = append(env, envSlice(cfg.Env)...)
	env = append(env, envSlice(req.Env)...)

	logFile, err := openOutputFile(req.OutputFile)
	if err != nil {
		out.record.Class = ClassSpawnFailed
		e.log.Error("failed to open output file", "task_id", req.TaskID, "error", err)
		return out, nil
	}
	defer logFile.Close()

	spec := SpawnSpec{
		Path:      cliPath,
		Args:      args,
		Env:       env,
		Dir:       req.Dir,
		Nice:      e.cfg.Pools.Nice(poolName),
		PreferPty: e.cfg.PreferPty,
	}
	if inv.PromptViaStdin {
		spec.StdinData = req.Prompt
	}

	workerID := e.names.Generate()
	defer e.names.Release(workerID)

	e.cfg.Bus.Emit(hooks.Event{
		Kind:    hooks.KindCliSpawnStart,
		TaskID:  req.TaskID,
		Model:   cfg.Name,
		CLI:     inv.Name,
		Attempt: attemptNo,
		Data:    map[string]any{"worker_id": workerID.String()},
	})

	attemptStart := time.Now()
	proc, err := e.cfg.Spawner(ctx, spec)
	if err != nil {
		out.record.Class = ClassSpawnFailed
		e.log.Error("spawn failed",
			"task_id", req.TaskID,
			"cli", inv.Name,
			"model", cfg.Name,
			"error", err,
		)
		e.cfg.Bus.Emit(hooks.Event{
			Kind:    hooks.KindCliSpawnEnd,
			TaskID:  req.TaskID,
			Model:   cfg.Name,
			CLI:     inv.Name,
			Attempt: attemptNo,
		})
		return out, nil
	}

	pid := proc.PID()
	e.log.Info("agent spawned",
		"worker_id", workerID,
		"task_id", req.TaskID,
		"cli", inv.Name,
		"model", cfg.Name,
		"pid", pid,
	)
	e.mu.Lock()
	e.procs[pid] = proc
	e.mu.Unlock()
	if err := e.cfg.Pools.TrackProcess(pid, poolName, req.TaskID, workerID.String()); err != nil {
		e.log.Warn("failed to track process", "pid", pid, "error", err)
	}

	// Tee child output to the log file and the event bus.
	teeDone := make(chan struct{})
	var streamed int64
	go func() {
		defer close(teeDone)
		streamed = e.streamOutput(proc.Output(), logFile, req.TaskID)
	}()

	waitErr, timedOut := e.waitWithTimeout(ctx, proc, effTimeout)
	<-teeDone
	out.bytes = streamed

	e.cfg.Pools.UntrackProcess(pid)
	e.mu.Lock()
	delete(e.procs, pid)
	e.mu.Unlock()

	out.record.DurationMs = time.Since(attemptStart).Milliseconds()
	out.record.TimedOut = timedOut
	out.record.ExitCode = exitCodeOf(waitErr)
	out.exhaustedReason = e.takeExhausted(pid)
	out.tail = ReadTail(req.OutputFile)
	// Every attempt appends to the same output file; classify only the
	// bytes this attempt wrote.
	if int64(len(out.tail)) > streamed {
		out.tail = out.tail[int64(len(out.tail))-streamed:]
	}

	if out.exhaustedReason != "" {
		out.record.Class = ClassResourceExhausted
	} else {
		out.record.Class = Classify(out.tail, out.record.ExitCode, timedOut)
	}

	e.cfg.Bus.Emit(hooks.Event{
		Kind:       hooks.KindCliSpawnEnd,
		TaskID:     req.TaskID,
		Model:      cfg.Name,
		CLI:        inv.Name,
		Attempt:    attemptNo,
		DurationMs: out.record.DurationMs,
	})
	e.cfg.Bus.Emit(hooks.Event{
		Kind:       hooks.KindCliResult,
		TaskID:     req.TaskID,
		Model:      cfg.Name,
		CLI:        inv.Name,
		Attempt:    attemptNo,
		DurationMs: out.record.DurationMs,
		ExitCode:   out.record.ExitCode,
		TimedOut:   timedOut,
		Message:    string(out.record.Class),
	})

	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	return out, nil
}

// waitWithTimeout waits for natural exit, sending graceful-terminate at
// the effective timeout and force-kill after the grace period. A zero
// timeout waits indefinitely (until cancellation).
func (e *Engine) waitWithTimeout(ctx context.Context, proc Proc, timeout time.Duration) (waitErr error, timedOut bool) {
	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case err := <-done:
		return err, false
	case <-timeoutCh:
		return e.terminate(proc, done), true
	case <-ctx.Done():
		return e.terminate(proc, done), false
	}
}

// terminate sends SIGTERM, waits the grace period, then SIGKILLs.
func (e *Engine) terminate(proc Proc, done <-chan error) error {
	_ = proc.Terminate()
	grace := time.NewTimer(e.cfg.GracePeriod)
	defer grace.Stop()
	select {
	case err := <-done:
		return err
	case <-grace.C:
		_ = proc.Kill()
		return <-done
	}
}

// streamOutput copies the child's merged output to the log file, emitting
// partial agent_response events as bytes arrive. Returns bytes streamed.
func (e *Engine) streamOutput(r io.Reader, w io.Writer, taskID string) int64 {
	var total int64
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			total += int64(n)
			if _, werr := w.Write(buf[:n]); werr != nil {
				e.log.Warn("output file write failed", "task_id", taskID, "error", werr)
			}
			e.cfg.Bus.Emit(hooks.Event{
				Kind:    hooks.KindAgentResponse,
				TaskID:  taskID,
				Message: string(buf[:n]),
			})
		}
		if err != nil {
			// EOF or EIO (PTY master after child exit) both end the stream.
			return total
		}
	}
}

func openOutputFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening output file %s: %w", path, err)
	}
	return f, nil
}

func envSlice(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}

// exitCodeOf maps a Wait error to an exit code: nil → 0, exec.ExitError →
// the child's code, anything else → -1. Fakes may implement ExitCode().
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	if coder, ok := err.(interface{ ExitCode() int }); ok {
		return coder.ExitCode()
	}
	return -1
}

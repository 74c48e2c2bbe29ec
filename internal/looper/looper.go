// Package looper drives the iteration: fetch the next ready task, compose
// its prompt, execute through the engine, classify the outcome, persist
// state, and fire lifecycle hooks. One looper instance owns its LoopState
// and checkpoints — it is the only writer.
package looper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/geobrowser/taskforge/internal/agent"
	"github.com/geobrowser/taskforge/internal/backend"
	"github.com/geobrowser/taskforge/internal/coreerr"
	"github.com/geobrowser/taskforge/internal/engine"
	"github.com/geobrowser/taskforge/internal/hooks"
	"github.com/geobrowser/taskforge/internal/model"
	"github.com/geobrowser/taskforge/internal/prompt"
	"github.com/geobrowser/taskforge/internal/state"
	"github.com/geobrowser/taskforge/internal/task"
)

// Executor runs one composed prompt. Satisfied by *engine.Engine; faked
// in tests.
type Executor interface {
	Execute(ctx context.Context, req engine.Request) (*engine.Result, error)
}

// Config assembles a Looper.
type Config struct {
	Backend  backend.Backend
	Executor Executor
	Agents   *agent.Registry
	Bus      *hooks.Bus
	Store    *state.Store

	// Selector is consulted for the checkpoint cursor; nil skips cursor
	// persistence.
	Selector *model.Selector

	Namespace string

	// MaxIterations stops the loop once the iteration counter reaches N.
	// The counter starts from the persisted LastIteration, and skipped
	// iterations (backend errors) count toward N. Zero means unbounded.
	MaxIterations int

	// DefaultTimeout applies when neither task metadata, agent, nor model
	// config sets one.
	DefaultTimeout time.Duration

	Retry RetryPolicy

	// CheckpointInterval throttles mid-task checkpoints. Task-boundary
	// checkpoints are always written. Zero means 60s.
	CheckpointInterval time.Duration

	// RemediationTasks enqueues a follow-up task when a task exhausts its
	// retries, provided the backend can create tasks.
	RemediationTasks bool

	// AbortOnBackendError unwinds the loop on backend failures instead of
	// recording a skipped iteration. Set when an essential plugin demands
	// a consistent backend view.
	AbortOnBackendError bool

	Logger *slog.Logger

	// Sleep seam for retry backoff; nil sleeps against the context.
	Sleep func(ctx context.Context, d time.Duration) error

	// Seed for retry jitter. Zero uses a time-based seed.
	Seed int64
}

// Looper is the loop driver.
type Looper struct {
	cfg        Config
	log        *slog.Logger
	rng        *rand.Rand
	state      state.LoopState
	runStarted time.Time
	lastCkpt   time.Time
	stop       chan struct{}
}

// New validates the config and builds a looper.
func New(cfg Config) (*Looper, error) {
	if cfg.Backend == nil || cfg.Executor == nil || cfg.Bus == nil || cfg.Store == nil {
		return nil, coreerr.New(coreerr.KindConfigInvalid, "looper requires backend, executor, bus, and store")
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, err
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = 60 * time.Second
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Looper{
		cfg:        cfg,
		log:        cfg.Logger,
		rng:        rand.New(rand.NewSource(seed)),
		runStarted: time.Now(),
		stop:       make(chan struct{}),
	}, nil
}

// Stop signals the loop to finish after the current task.
func (l *Looper) Stop() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
}

// Metrics returns the loop's cumulative counters.
func (l *Looper) Metrics() state.Metrics { return l.state.Metrics }

// State returns a copy of the current loop state.
func (l *Looper) State() state.LoopState { return l.state }

// Run iterates until max iterations, an explicit stop, cancellation, or
// an empty backlog. Returns nil when the loop ended cleanly — the caller
// decides exit status from Metrics().
func (l *Looper) Run(ctx context.Context) error {
	if err := l.resume(ctx); err != nil {
		return err
	}

	l.cfg.Bus.Emit(hooks.Event{Kind: hooks.KindLoopStart, Data: map[string]any{"namespace": l.cfg.Namespace}})
	l.cfg.Bus.Emit(hooks.Event{Kind: hooks.KindBackendReady})
	defer l.cfg.Bus.Emit(hooks.Event{Kind: hooks.KindLoopEnd})
	defer l.persist(true)

	for iteration := l.state.LastIteration; ; iteration++ {
		if l.cfg.MaxIterations > 0 && iteration >= l.cfg.MaxIterations {
			l.log.Info("max iterations reached", "iterations", iteration)
			return nil
		}
		select {
		case <-l.stop:
			l.log.Info("stop requested")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		l.cfg.Bus.Emit(hooks.Event{Kind: hooks.KindStep, Data: map[string]any{"iteration": iteration}})

		next, err := l.cfg.Backend.FindNextTask(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if l.cfg.AbortOnBackendError {
				return coreerr.Wrap(coreerr.KindBackendError, err, "finding next task")
			}
			l.log.Error("backend error, recording skipped iteration", "error", err)
			l.state.Metrics.Skipped++
			l.persist(false)
			continue
		}
		if next == nil {
			l.log.Info("no ready tasks, loop complete",
				"completed", l.state.Metrics.Completed,
				"failed", l.state.Metrics.Failed,
			)
			return nil
		}

		if err := l.runTask(ctx, *next, iteration); err != nil {
			return err
		}

		l.state.LastTaskID = next.ID
		l.state.LastIteration = iteration + 1
		if l.cfg.Selector != nil {
			_, _, l.state.InFallback = l.cfg.Selector.Cursor()
		}
		l.persist(true)
	}
}

// runTask executes one task through the retry policy. Only cancellation
// and fatal errors propagate; task failures are recorded and absorbed.
func (l *Looper) runTask(ctx context.Context, t task.Task, iteration int) error {
	def := l.resolveAgent(t)

	if _, err := l.cfg.Backend.UpdateTaskStatus(ctx, t.ID, task.StatusInProgress, nil); err != nil {
		l.log.Error("failed to mark task in-progress", "task_id", t.ID, "error", err)
		l.state.Metrics.Skipped++
		return nil
	}
	l.cfg.Bus.Emit(hooks.Event{Kind: hooks.KindTaskStart, TaskID: t.ID})

	maxRetries := t.MetaInt("max_retries", l.cfg.Retry.MaxRetries)
	timeout := t.MetaDuration("timeout")
	if timeout == 0 {
		timeout = l.cfg.DefaultTimeout
	}

	retryContext := ""
	for attempt := 0; ; attempt++ {
		outputFile, err := l.cfg.Store.RunLogPath(l.cfg.Namespace, l.runStarted, t.ID, fmt.Sprintf("attempt-%d", attempt))
		if err != nil {
			return err
		}

		req := engine.Request{
			Prompt:         l.composePrompt(t, def, retryContext),
			OutputFile:     outputFile,
			DefaultTimeout: timeout,
			TaskID:         t.ID,
			Priority:       t.Priority,
			Feature:        t.Feature,
		}
		if def != nil {
			req.AgentTimeout = def.Timeout()
			req.Tools = def.Tools()
			req.AgentEnv = def.Env()
		}

		res, err := l.cfg.Executor.Execute(ctx, req)
		if err == nil {
			l.complete(ctx, t, res)
			return nil
		}

		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Interrupted, not failed — hand the task back for a resumed
			// loop to retry.
			l.abort(t)
			return ctx.Err()
		}

		kind := coreerr.KindOf(err)
		if coreerr.Fatal(kind) {
			return err
		}

		policy := l.cfg.Retry
		if policy.Retryable(kind) && attempt < maxRetries {
			delay := policy.Delay(attempt, l.rng)
			retryContext = fmt.Sprintf("Attempt %d failed (%s): %v", attempt+1, kind, err)
			l.log.Warn("task failed, retrying",
				"task_id", t.ID,
				"attempt", attempt+1,
				"kind", kind,
				"delay", delay,
			)
			l.cfg.Bus.Emit(hooks.Event{
				Kind:    hooks.KindTaskRetry,
				TaskID:  t.ID,
				Attempt: attempt + 1,
				Message: string(kind),
			})
			l.checkpointThrottled(t.ID, attempt+1)
			if serr := l.cfg.Sleep(ctx, delay); serr != nil {
				l.abort(t)
				return serr
			}
			continue
		}

		l.fail(ctx, t, err, kind)
		return nil
	}
}

func (l *Looper) resolveAgent(t task.Task) *agent.Definition {
	if l.cfg.Agents == nil {
		return nil
	}
	if name := t.MetaString("agent"); name != "" {
		if def := l.cfg.Agents.Get(name); def != nil {
			return def
		}
		l.log.Warn("task names unknown agent, using default", "task_id", t.ID, "agent", name)
	}
	return l.cfg.Agents.Default()
}

func (l *Looper) composePrompt(t task.Task, def *agent.Definition, retryContext string) string {
	return prompt.Build(prompt.Input{Task: t, Agent: def, RetryContext: retryContext})
}

func (l *Looper) complete(ctx context.Context, t task.Task, res *engine.Result) {
	if _, err := l.cfg.Backend.UpdateTaskStatus(ctx, t.ID, task.StatusCompleted, nil); err != nil {
		l.log.Error("failed to mark task completed", "task_id", t.ID, "error", err)
	}
	l.state.Metrics.Completed++
	if res.Model != "" && res.OutputBytes > 0 {
		// Rough token accounting from streamed bytes; CLIs don't report
		// usage on their exit path.
		l.state.Metrics.AddTokens(res.Model, res.OutputBytes/4)
	}
	l.cfg.Bus.Emit(hooks.Event{
		Kind:       hooks.KindTaskComplete,
		TaskID:     t.ID,
		Model:      res.Model,
		CLI:        res.CLI,
		DurationMs: res.DurationMs,
	})
	l.log.Info("task completed",
		"task_id", t.ID,
		"model", res.Model,
		"duration_ms", res.DurationMs,
	)
}

func (l *Looper) fail(ctx context.Context, t task.Task, cause error, kind coreerr.Kind) {
	fields := &backend.UpdateFields{Metadata: map[string]any{
		"failure_kind":  string(kind),
		"failure_error": cause.Error(),
	}}
	if _, err := l.cfg.Backend.UpdateTaskStatus(ctx, t.ID, task.StatusFailed, fields); err != nil {
		l.log.Error("failed to mark task failed", "task_id", t.ID, "error", err)
	}
	l.state.Metrics.Failed++
	l.cfg.Bus.Emit(hooks.Event{
		Kind:    hooks.KindTaskFailed,
		TaskID:  t.ID,
		Message: cause.Error(),
	})
	l.log.Error("task failed", "task_id", t.ID, "kind", kind, "error", cause)

	if l.cfg.RemediationTasks {
		l.enqueueRemediation(ctx, t, cause)
	}
}

// abort returns an interrupted task to pending so a resumed loop retries
// it, and emits task_abort.
func (l *Looper) abort(t task.Task) {
	// The run context is already cancelled; give the status write its own
	// short deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := l.cfg.Backend.UpdateTaskStatus(ctx, t.ID, task.StatusPending, nil); err != nil {
		l.log.Error("failed to return aborted task to pending", "task_id", t.ID, "error", err)
	}
	l.cfg.Bus.Emit(hooks.Event{Kind: hooks.KindTaskAbort, TaskID: t.ID})
}

func (l *Looper) enqueueRemediation(ctx context.Context, t task.Task, cause error) {
	creator, ok := l.cfg.Backend.(backend.Creator)
	if !ok {
		return
	}
	_, err := creator.CreateTask(ctx, backend.CreateInput{
		Title:       fmt.Sprintf("Investigate failure of %s", t.ID),
		Description: fmt.Sprintf("Task %q (%s) failed: %v", t.Title, t.ID, cause),
		Priority:    task.PriorityLow,
		Feature:     t.Feature,
		Metadata:    map[string]any{"remediation_for": t.ID},
	})
	if err != nil {
		l.log.Error("failed to enqueue remediation task", "task_id", t.ID, "error", err)
		return
	}
	l.log.Info("remediation task enqueued", "for_task", t.ID)
}

// Quarantine dead-letters a task; only an explicit Requeue returns it to
// the backlog.
func (l *Looper) Quarantine(ctx context.Context, taskID, reason string) error {
	fields := &backend.UpdateFields{Metadata: map[string]any{"quarantine_reason": reason}}
	_, err := l.cfg.Backend.UpdateTaskStatus(ctx, taskID, task.StatusQuarantined, fields)
	return err
}

// Requeue is the operator action returning a quarantined task to pending.
func (l *Looper) Requeue(ctx context.Context, taskID string) error {
	_, err := l.cfg.Backend.UpdateTaskStatus(ctx, taskID, task.StatusPending, nil)
	return err
}

// resume restores loop position from the newest valid checkpoint. A
// checkpointed in-flight task still marked in-progress goes back to
// pending so this run retries it.
func (l *Looper) resume(ctx context.Context) error {
	st, err := l.cfg.Store.LoadState(l.cfg.Namespace)
	if err != nil {
		return err
	}
	l.state = st

	cp, err := l.cfg.Store.LoadLatestCheckpoint()
	if err != nil {
		return err
	}
	if cp == nil {
		return nil
	}

	l.state = cp.LoopState
	if l.cfg.Selector != nil {
		l.cfg.Selector.RestoreCursor(cp.SelectorPrimaryIdx, cp.SelectorFallbackIdx, cp.SelectorInFallback)
	}

	if cp.InFlightTaskID == "" {
		return nil
	}
	inflight, err := l.cfg.Backend.GetTask(ctx, cp.InFlightTaskID)
	if err != nil || inflight == nil {
		return nil
	}
	if inflight.Status == task.StatusInProgress {
		l.log.Info("resuming: returning in-flight task to pending",
			"task_id", inflight.ID,
			"attempt_index", cp.AttemptIndex,
		)
		if _, err := l.cfg.Backend.UpdateTaskStatus(ctx, inflight.ID, task.StatusPending, nil); err != nil {
			l.log.Error("failed to requeue in-flight task", "task_id", inflight.ID, "error", err)
		}
	}
	return nil
}

// persist writes loop state, and a checkpoint when boundary (always on
// task boundaries) or the throttle allows.
func (l *Looper) persist(boundary bool) {
	if err := l.cfg.Store.SaveState(l.cfg.Namespace, l.state); err != nil {
		l.log.Error("failed to save loop state", "error", err)
	}
	if boundary {
		l.writeCheckpoint("", 0)
	}
}

// checkpointThrottled writes a mid-task checkpoint at most once per
// interval.
func (l *Looper) checkpointThrottled(inFlightTaskID string, attempt int) {
	if time.Since(l.lastCkpt) < l.cfg.CheckpointInterval {
		return
	}
	l.writeCheckpoint(inFlightTaskID, attempt)
}

func (l *Looper) writeCheckpoint(inFlightTaskID string, attempt int) {
	cp := state.Checkpoint{
		LoopState:      l.state,
		InFlightTaskID: inFlightTaskID,
		AttemptIndex:   attempt,
	}
	if l.cfg.Selector != nil {
		cp.SelectorPrimaryIdx, cp.SelectorFallbackIdx, cp.SelectorInFallback = l.cfg.Selector.Cursor()
	}
	if err := l.cfg.Store.SaveCheckpoint(cp); err != nil {
		l.log.Error("failed to write checkpoint", "error", err)
		return
	}
	l.lastCkpt = time.Now()
}

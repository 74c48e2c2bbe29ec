// Package hooks is the lifecycle event surface. The loop and the engine
// emit a fixed enumeration of event kinds; plugins register a handler set
// (optional functions keyed by kind) and are dispatched sequentially in
// registration order. A failing handler never aborts the loop.
package hooks

import (
	"log/slog"
	"sync"
	"time"
)

// Kind enumerates every lifecycle event the core emits.
type Kind string

const (
	KindConfigLoad   Kind = "config_load"
	KindLoopStart    Kind = "loop_start"
	KindLoopEnd      Kind = "loop_end"
	KindStep         Kind = "step"
	KindBackendReady Kind = "backend_ready"

	KindTaskStart    Kind = "task_start"
	KindTaskComplete Kind = "task_complete"
	KindTaskFailed   Kind = "task_failed"
	KindTaskRetry    Kind = "task_retry"
	KindTaskAbort    Kind = "task_abort"

	KindExecutionStart Kind = "execution_start"
	KindModelSelected  Kind = "model_selected"
	KindCliSpawnStart  Kind = "cli_spawn_start"
	KindCliSpawnEnd    Kind = "cli_spawn_end"
	KindCliResult      Kind = "cli_result"
	KindExecutionEnd   Kind = "execution_end"

	KindAgentResponse Kind = "agent_response"
	KindToolCall      Kind = "tool_call"
)

// Event is the payload delivered to handlers. Fields beyond Kind and Time
// are populated as appropriate for the kind.
type Event struct {
	Kind       Kind           `json:"kind"`
	Time       time.Time      `json:"time"`
	TaskID     string         `json:"task_id,omitempty"`
	Model      string         `json:"model,omitempty"`
	CLI        string         `json:"cli,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	ExitCode   int            `json:"exit_code,omitempty"`
	TimedOut   bool           `json:"timed_out,omitempty"`
	Message    string         `json:"message,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Handler handles one event. A non-nil error marks the plugin degraded
// but never propagates to the emitter.
type Handler func(Event) error

// HandlerSet is a plugin's subscription: one optional function per kind.
// Nil entries are skipped.
type HandlerSet struct {
	OnConfigLoad   Handler
	OnLoopStart    Handler
	OnLoopEnd      Handler
	OnStep         Handler
	OnBackendReady Handler

	OnTaskStart    Handler
	OnTaskComplete Handler
	OnTaskFailed   Handler
	OnTaskRetry    Handler
	OnTaskAbort    Handler

	OnExecutionStart Handler
	OnModelSelected  Handler
	OnCliSpawnStart  Handler
	OnCliSpawnEnd    Handler
	OnCliResult      Handler
	OnExecutionEnd   Handler

	OnAgentResponse Handler
	OnToolCall      Handler
}

func (h *HandlerSet) handlerFor(kind Kind) Handler {
	switch kind {
	case KindConfigLoad:
		return h.OnConfigLoad
	case KindLoopStart:
		return h.OnLoopStart
	case KindLoopEnd:
		return h.OnLoopEnd
	case KindStep:
		return h.OnStep
	case KindBackendReady:
		return h.OnBackendReady
	case KindTaskStart:
		return h.OnTaskStart
	case KindTaskComplete:
		return h.OnTaskComplete
	case KindTaskFailed:
		return h.OnTaskFailed
	case KindTaskRetry:
		return h.OnTaskRetry
	case KindTaskAbort:
		return h.OnTaskAbort
	case KindExecutionStart:
		return h.OnExecutionStart
	case KindModelSelected:
		return h.OnModelSelected
	case KindCliSpawnStart:
		return h.OnCliSpawnStart
	case KindCliSpawnEnd:
		return h.OnCliSpawnEnd
	case KindCliResult:
		return h.OnCliResult
	case KindExecutionEnd:
		return h.OnExecutionEnd
	case KindAgentResponse:
		return h.OnAgentResponse
	case KindToolCall:
		return h.OnToolCall
	}
	return nil
}

type plugin struct {
	name     string
	handlers HandlerSet
	errors   int
	degraded bool
}

// degradeThreshold is how many handler errors mark a plugin degraded.
const degradeThreshold = 3

// Bus dispatches events to registered plugins and fans them out to
// channel subscribers (the observability surface). Plugin dispatch is
// synchronous and sequential; channel delivery is non-blocking — a slow
// subscriber drops events rather than stalling the loop.
type Bus struct {
	mu          sync.Mutex
	plugins     []*plugin
	subscribers map[chan Event]struct{}
	log         *slog.Logger
}

// NewBus creates a hook bus.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		subscribers: make(map[chan Event]struct{}),
		log:         log,
	}
}

// Register adds a plugin's handler set. Plugins are dispatched in
// registration order.
func (b *Bus) Register(name string, handlers HandlerSet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.plugins = append(b.plugins, &plugin{name: name, handlers: handlers})
}

// Emit delivers the event to every plugin with a handler for its kind,
// then to channel subscribers. Handler errors are logged and counted; a
// plugin past the error threshold is marked degraded but keeps receiving
// events.
func (b *Bus) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	plugins := append([]*plugin(nil), b.plugins...)
	b.mu.Unlock()

	for _, p := range plugins {
		h := p.handlers.handlerFor(ev.Kind)
		if h == nil {
			continue
		}
		if err := h(ev); err != nil {
			b.mu.Lock()
			p.errors++
			if p.errors >= degradeThreshold && !p.degraded {
				p.degraded = true
				b.log.Warn("plugin marked degraded",
					"plugin", p.name,
					"errors", p.errors,
				)
			}
			b.mu.Unlock()
			b.log.Error("hook handler failed",
				"plugin", p.name,
				"kind", ev.Kind,
				"error", err,
			)
		}
	}

	b.mu.Lock()
	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full — drop rather than block the loop.
		}
	}
	b.mu.Unlock()
}

// Subscribe returns a buffered channel of events. Callers must
// Unsubscribe when done.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, 256)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	_, ok := b.subscribers[ch]
	delete(b.subscribers, ch)
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Degraded returns the names of plugins past the error threshold.
func (b *Bus) Degraded() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, p := range b.plugins {
		if p.degraded {
			out = append(out, p.name)
		}
	}
	return out
}

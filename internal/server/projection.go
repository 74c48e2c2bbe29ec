// Package server is the read-only observability surface: an HTTP API over
// the loop's in-memory projection, an SSE stream of hook events, and a
// file watcher that folds external state changes into the same stream.
package server

import (
	"sync"

	"github.com/geobrowser/taskforge/internal/hooks"
	"github.com/geobrowser/taskforge/internal/state"
)

// ringSize bounds the recent-event ring.
const ringSize = 256

// Projection is the in-memory view of loop progress, maintained from hook
// events. Read-only to HTTP handlers.
type Projection struct {
	mu sync.RWMutex

	currentTaskID string
	lastTaskID    string
	iteration     int
	metrics       state.Metrics

	events []hooks.Event // ring, oldest first
}

// NewProjection creates an empty projection.
func NewProjection() *Projection {
	return &Projection{}
}

// Apply folds one hook event into the projection.
func (p *Projection) Apply(ev hooks.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Kind {
	case hooks.KindTaskStart:
		p.currentTaskID = ev.TaskID
	case hooks.KindTaskComplete:
		p.metrics.Completed++
		p.finishTask(ev.TaskID)
	case hooks.KindTaskFailed:
		p.metrics.Failed++
		p.finishTask(ev.TaskID)
	case hooks.KindTaskAbort:
		p.finishTask(ev.TaskID)
	case hooks.KindStep:
		if n, ok := ev.Data["iteration"].(int); ok {
			p.iteration = n
		}
	}

	if len(p.events) >= ringSize {
		copy(p.events, p.events[1:])
		p.events[len(p.events)-1] = ev
	} else {
		p.events = append(p.events, ev)
	}
}

func (p *Projection) finishTask(taskID string) {
	if p.currentTaskID == taskID {
		p.currentTaskID = ""
	}
	p.lastTaskID = taskID
}

// Stats is the projection snapshot served by /api/tasks/stats.
type Stats struct {
	CurrentTaskID string        `json:"current_task_id,omitempty"`
	LastTaskID    string        `json:"last_task_id,omitempty"`
	Iteration     int           `json:"iteration"`
	Metrics       state.Metrics `json:"metrics"`
	EventCount    int           `json:"event_count"`
}

// Snapshot returns the current stats.
func (p *Projection) Snapshot() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{
		CurrentTaskID: p.currentTaskID,
		LastTaskID:    p.lastTaskID,
		Iteration:     p.iteration,
		Metrics:       p.metrics,
		EventCount:    len(p.events),
	}
}

// CurrentTaskID returns the in-flight task, "" when idle.
func (p *Projection) CurrentTaskID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentTaskID
}

// RecentEvents returns a copy of the event ring, oldest first.
func (p *Projection) RecentEvents() []hooks.Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]hooks.Event, len(p.events))
	copy(out, p.events)
	return out
}

// Package backend defines the task source contract the loop consumes,
// plus a file-backed implementation for standalone use and tests. The
// core never caches backend state beyond a single iteration.
package backend

import (
	"context"

	"github.com/geobrowser/taskforge/internal/task"
)

// Backend is the minimal task source the loop requires. FindNextTask
// returns nil (no error) when nothing is ready; a "ready" task is pending
// with every dependency completed.
type Backend interface {
	FindNextTask(ctx context.Context) (*task.Task, error)
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListPendingTasks(ctx context.Context) ([]task.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status task.Status, fields *UpdateFields) (*task.Task, error)
}

// UpdateFields carries optional extras for a status update.
type UpdateFields struct {
	// Metadata entries are merged into the task's metadata.
	Metadata map[string]any
}

// Creator is the optional task-creation capability (remediation tasks,
// operator tooling).
type Creator interface {
	CreateTask(ctx context.Context, input CreateInput) (*task.Task, error)
}

// Lister is the optional history capability.
type Lister interface {
	ListCompletedTasks(ctx context.Context) ([]task.Task, error)
	ListFailedTasks(ctx context.Context) ([]task.Task, error)
}

// CreateInput is the caller-supplied part of a new task.
type CreateInput struct {
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Priority     task.Priority  `json:"priority,omitempty"`
	Feature      string         `json:"feature,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

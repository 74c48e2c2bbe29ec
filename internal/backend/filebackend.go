package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/geobrowser/taskforge/internal/coreerr"
	"github.com/geobrowser/taskforge/internal/task"
)

// FileBackend stores the whole backlog in one JSON file with atomic
// rewrites. Suitable for a single loop per file; a lock serializes
// in-process access, and the rename keeps external readers consistent.
type FileBackend struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
	id   func() string
}

// NewFileBackend opens (or initializes) a backlog file.
func NewFileBackend(path string) (*FileBackend, error) {
	b := &FileBackend{
		path: path,
		now:  time.Now,
		id:   func() string { return "tf-" + uuid.NewString()[:8] },
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := b.save(nil); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// priorityRank orders ready tasks: critical first, background last.
var priorityRank = map[task.Priority]int{
	task.PriorityCritical:   0,
	task.PriorityHigh:       1,
	task.PriorityMedium:     2,
	task.PriorityLow:        3,
	task.PriorityBackground: 4,
}

func (b *FileBackend) load() ([]task.Task, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, coreerr.Wrap(coreerr.KindBackendError, err, "reading backlog %s", b.path)
	}
	var tasks []task.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, coreerr.Wrap(coreerr.KindBackendError, err, "parsing backlog %s", b.path)
	}
	return tasks, nil
}

func (b *FileBackend) save(tasks []task.Task) error {
	if tasks == nil {
		tasks = []task.Task{}
	}
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return coreerr.Wrap(coreerr.KindBackendError, err, "marshaling backlog")
	}
	if err := renameio.WriteFile(b.path, data, 0600); err != nil {
		return coreerr.Wrap(coreerr.KindBackendError, err, "writing backlog %s", b.path)
	}
	return nil
}

// FindNextTask returns the highest-priority pending task whose
// dependencies are all completed, oldest first within a priority band.
func (b *FileBackend) FindNextTask(ctx context.Context) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	tasks, err := b.load()
	if err != nil {
		return nil, err
	}

	byID := make(map[string]task.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var ready []task.Task
	for _, t := range tasks {
		if t.Status != task.StatusPending {
			continue
		}
		if depsDone(t, byID) {
			ready = append(ready, t)
		}
	}
	if len(ready) == 0 {
		return nil, nil
	}

	sort.SliceStable(ready, func(i, j int) bool {
		ri, rj := priorityRank[ready[i].Priority], priorityRank[ready[j].Priority]
		if ri != rj {
			return ri < rj
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	next := ready[0]
	return &next, nil
}

func depsDone(t task.Task, byID map[string]task.Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := byID[dep]
		if !ok || d.Status != task.StatusCompleted {
			return false
		}
	}
	return true
}

// GetTask returns a task by ID, nil when unknown.
func (b *FileBackend) GetTask(ctx context.Context, id string) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	tasks, err := b.load()
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.ID == id {
			found := t
			return &found, nil
		}
	}
	return nil, nil
}

// ListPendingTasks returns every pending task, ready or not.
func (b *FileBackend) ListPendingTasks(ctx context.Context) ([]task.Task, error) {
	return b.listByStatus(ctx, task.StatusPending)
}

// ListCompletedTasks returns every completed task.
func (b *FileBackend) ListCompletedTasks(ctx context.Context) ([]task.Task, error) {
	return b.listByStatus(ctx, task.StatusCompleted)
}

// ListFailedTasks returns every failed task.
func (b *FileBackend) ListFailedTasks(ctx context.Context) ([]task.Task, error) {
	return b.listByStatus(ctx, task.StatusFailed)
}

func (b *FileBackend) listByStatus(ctx context.Context, status task.Status) ([]task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	tasks, err := b.load()
	if err != nil {
		return nil, err
	}
	var out []task.Task
	for _, t := range tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

// CreateTask appends a new pending task with a generated ID.
func (b *FileBackend) CreateTask(ctx context.Context, input CreateInput) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if input.Title == "" {
		return nil, coreerr.New(coreerr.KindBackendError, "task title must not be empty")
	}
	priority := input.Priority
	if priority == "" {
		priority = task.PriorityMedium
	}
	if !priority.Valid() {
		return nil, coreerr.New(coreerr.KindBackendError, "unknown priority %q", priority)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tasks, err := b.load()
	if err != nil {
		return nil, err
	}

	now := b.now()
	t := task.Task{
		ID:           b.id(),
		Title:        input.Title,
		Description:  input.Description,
		Status:       task.StatusPending,
		Priority:     priority,
		Feature:      input.Feature,
		Dependencies: input.Dependencies,
		Metadata:     input.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tasks = append(tasks, t)
	if err := b.save(tasks); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTaskStatus transitions a task, stamping started/completed times
// and merging metadata fields. Illegal transitions are rejected.
func (b *FileBackend) UpdateTaskStatus(ctx context.Context, id string, status task.Status, fields *UpdateFields) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	tasks, err := b.load()
	if err != nil {
		return nil, err
	}

	for i := range tasks {
		if tasks[i].ID != id {
			continue
		}
		if err := task.ValidateTransition(tasks[i].Status, status); err != nil {
			return nil, coreerr.Wrap(coreerr.KindBackendError, err, "task %s", id)
		}

		now := b.now()
		tasks[i].Status = status
		tasks[i].UpdatedAt = now
		switch status {
		case task.StatusInProgress:
			started := now
			tasks[i].StartedAt = &started
		case task.StatusCompleted, task.StatusFailed, task.StatusCancelled:
			completed := now
			tasks[i].CompletedAt = &completed
		case task.StatusPending:
			// Requeued — clear the stale start marker.
			tasks[i].StartedAt = nil
		}
		if fields != nil && len(fields.Metadata) > 0 {
			if tasks[i].Metadata == nil {
				tasks[i].Metadata = make(map[string]any, len(fields.Metadata))
			}
			for k, v := range fields.Metadata {
				tasks[i].Metadata[k] = v
			}
		}

		if err := b.save(tasks); err != nil {
			return nil, err
		}
		updated := tasks[i]
		return &updated, nil
	}
	return nil, coreerr.New(coreerr.KindBackendError, "task %s not found", id)
}

// Path returns the backlog file location (for the observability watcher).
func (b *FileBackend) Path() string { return b.path }

// String implements fmt.Stringer for log output.
func (b *FileBackend) String() string {
	return fmt.Sprintf("file-backend(%s)", b.path)
}

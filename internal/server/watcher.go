package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/geobrowser/taskforge/internal/hooks"
)

// Watcher observes the persisted state files (checkpoints, per-namespace
// state, pid registry) and rebroadcasts their changes as events, so
// dashboards see updates whether they come from the in-process bus or
// from another loop writing the same files.
type Watcher struct {
	fsw   *fsnotify.Watcher
	emit  func(hooks.Event)
	log   *slog.Logger
	paths []string
}

// NewWatcher watches the given files and directories. emit receives one
// KindFileChange event per observed write/create/remove/rename.
func NewWatcher(paths []string, emit func(hooks.Event), log *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	w := &Watcher{fsw: fsw, emit: emit, log: log, paths: paths}
	for _, path := range paths {
		if err := fsw.Add(path); err != nil {
			// A path may not exist yet (first run); log and move on.
			log.Debug("watch failed", "path", path, "error", err)
		}
	}
	return w, nil
}

// Run pumps filesystem events until the context cancels. Call in its own
// goroutine.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.emit(hooks.Event{
				Kind:    KindFileChange,
				Time:    time.Now(),
				Message: ev.Name,
				Data:    map[string]any{"op": ev.Op.String()},
			})
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("file watcher error", "error", err)
		}
	}
}

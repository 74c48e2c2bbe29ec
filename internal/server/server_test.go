package server

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/geobrowser/taskforge/internal/backend"
	"github.com/geobrowser/taskforge/internal/hooks"
	"github.com/geobrowser/taskforge/internal/task"
)

func testServer(t *testing.T) (*Server, *backend.FileBackend) {
	t.Helper()
	be, err := backend.NewFileBackend(filepath.Join(t.TempDir(), "tasks.json"))
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(Config{
		Addr:      "127.0.0.1:0",
		Bus:       hooks.NewBus(slog.Default()),
		Backend:   be,
		Heartbeat: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s, be
}

func getJSON(t *testing.T, h http.Handler, path string) map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET %s = %d: %s", path, rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Errorf("GET %s content type = %q", path, ct)
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return out
}

func TestHealth(t *testing.T) {
	s, _ := testServer(t)
	out := getJSON(t, s.Handler(), "/health")
	if out["status"] != "ok" {
		t.Errorf("health = %v", out)
	}
	if out["timestamp"] == "" {
		t.Error("health should carry a timestamp")
	}
}

func TestTaskEndpoints(t *testing.T) {
	s, be := testServer(t)
	ctx := context.Background()

	a, _ := be.CreateTask(ctx, backend.CreateInput{Title: "ready", Priority: task.PriorityHigh})
	b, _ := be.CreateTask(ctx, backend.CreateInput{Title: "done"})
	_, _ = be.UpdateTaskStatus(ctx, b.ID, task.StatusInProgress, nil)
	_, _ = be.UpdateTaskStatus(ctx, b.ID, task.StatusCompleted, nil)

	next := getJSON(t, s.Handler(), "/api/tasks/next")
	if next["task"].(map[string]any)["id"] != a.ID {
		t.Errorf("next = %v", next)
	}

	pending := getJSON(t, s.Handler(), "/api/tasks/pending")
	if len(pending["tasks"].([]any)) != 1 {
		t.Errorf("pending = %v", pending)
	}

	completed := getJSON(t, s.Handler(), "/api/tasks/completed")
	if len(completed["tasks"].([]any)) != 1 {
		t.Errorf("completed = %v", completed)
	}
}

func TestCurrentTracksProjection(t *testing.T) {
	s, be := testServer(t)
	ctx := context.Background()

	created, _ := be.CreateTask(ctx, backend.CreateInput{Title: "running"})
	_, _ = be.UpdateTaskStatus(ctx, created.ID, task.StatusInProgress, nil)

	// Idle before any events.
	out := getJSON(t, s.Handler(), "/api/tasks/current")
	if out["task"] != nil {
		t.Errorf("current before events = %v", out)
	}

	s.dispatch(hooks.Event{Kind: hooks.KindTaskStart, TaskID: created.ID})
	out = getJSON(t, s.Handler(), "/api/tasks/current")
	if out["task"].(map[string]any)["id"] != created.ID {
		t.Errorf("current = %v", out)
	}

	s.dispatch(hooks.Event{Kind: hooks.KindTaskComplete, TaskID: created.ID})
	out = getJSON(t, s.Handler(), "/api/tasks/current")
	if out["task"] != nil {
		t.Errorf("current after complete = %v", out)
	}
}

func TestStats(t *testing.T) {
	s, _ := testServer(t)

	s.dispatch(hooks.Event{Kind: hooks.KindTaskStart, TaskID: "t1"})
	s.dispatch(hooks.Event{Kind: hooks.KindTaskComplete, TaskID: "t1"})
	s.dispatch(hooks.Event{Kind: hooks.KindTaskStart, TaskID: "t2"})
	s.dispatch(hooks.Event{Kind: hooks.KindTaskFailed, TaskID: "t2"})

	out := getJSON(t, s.Handler(), "/api/tasks/stats")
	metrics := out["metrics"].(map[string]any)
	if metrics["completed"].(float64) != 1 || metrics["failed"].(float64) != 1 {
		t.Errorf("stats = %v", out)
	}
	if out["last_task_id"] != "t2" {
		t.Errorf("last task = %v", out["last_task_id"])
	}
}

func TestCORSPermissive(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://dashboard.example")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestSSEStreamAndFilter(t *testing.T) {
	s, _ := testServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/events?events=task_complete")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	// Consume the connected comment.
	if line, err := reader.ReadString('\n'); err != nil || !strings.HasPrefix(line, ":") {
		t.Fatalf("expected comment, got %q (%v)", line, err)
	}

	// Give the client time to register before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.hub.mu.Lock()
		n := len(s.hub.clients)
		s.hub.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("SSE client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A filtered-out kind is not delivered; the subscribed kind is.
	s.dispatch(hooks.Event{Kind: hooks.KindAgentResponse, TaskID: "noise"})
	s.dispatch(hooks.Event{Kind: hooks.KindTaskComplete, TaskID: "t42"})

	done := make(chan string, 1)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "event: ") {
				done <- strings.TrimSpace(strings.TrimPrefix(line, "event: "))
				return
			}
		}
	}()

	select {
	case kind := <-done:
		if kind != "task_complete" {
			t.Errorf("first delivered event = %q, want task_complete (filter applied)", kind)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no SSE event delivered")
	}
}

func TestEventFilterParsing(t *testing.T) {
	if parseEventFilter("") != nil {
		t.Error("empty filter should be nil (all kinds)")
	}
	f := parseEventFilter("task_start, task_complete")
	if !f[hooks.KindTaskStart] || !f[hooks.KindTaskComplete] || f[hooks.KindStep] {
		t.Errorf("filter = %v", f)
	}
}

func TestWatcherEmitsFileChanges(t *testing.T) {
	dir := t.TempDir()

	events := make(chan hooks.Event, 10)
	w, err := NewWatcher([]string{dir}, func(ev hooks.Event) { events <- ev }, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Let the watcher settle, then touch a file.
	time.Sleep(50 * time.Millisecond)
	if err := writeTestFile(filepath.Join(dir, "state.json"), `{"LAST_ITERATION":1}`); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		if ev.Kind != KindFileChange {
			t.Errorf("kind = %q", ev.Kind)
		}
		if !strings.Contains(ev.Message, "state.json") {
			t.Errorf("message = %q", ev.Message)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no file change event")
	}
}

func writeTestFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0600)
}

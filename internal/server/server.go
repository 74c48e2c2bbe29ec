package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/geobrowser/taskforge/internal/backend"
	"github.com/geobrowser/taskforge/internal/hooks"
)

// Config assembles the observability server.
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:7433".
	Addr string

	Bus     *hooks.Bus
	Backend backend.Backend

	// WatchPaths are state files/dirs whose external changes are folded
	// into the event stream. Optional.
	WatchPaths []string

	// Heartbeat interval for SSE streams. Zero means DefaultHeartbeat.
	Heartbeat time.Duration

	Logger *slog.Logger
}

// Server exposes the read-only dashboard API.
type Server struct {
	cfg       Config
	log       *slog.Logger
	proj      *Projection
	hub       *hub
	heartbeat time.Duration
	httpSrv   *http.Server
	watcher   *Watcher
}

// New builds the server and its router.
func New(cfg Config) (*Server, error) {
	if cfg.Bus == nil || cfg.Backend == nil {
		return nil, errors.New("server requires bus and backend")
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		log:       cfg.Logger,
		proj:      NewProjection(),
		hub:       newHub(),
		heartbeat: cfg.Heartbeat,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	// Permissive by default — dashboards run on their own origins.
	r.Use(cors.AllowAll().Handler)

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/tasks/current", s.handleCurrent)
		r.Get("/tasks/next", s.handleNext)
		r.Get("/tasks/pending", s.handlePending)
		r.Get("/tasks/completed", s.handleCompleted)
		r.Get("/tasks/stats", s.handleStats)
		r.Get("/events", s.handleEvents)
	})

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if len(cfg.WatchPaths) > 0 {
		w, err := NewWatcher(cfg.WatchPaths, s.dispatch, cfg.Logger)
		if err != nil {
			return nil, err
		}
		s.watcher = w
	}
	return s, nil
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// dispatch folds an event into the projection and fans it out to SSE
// clients.
func (s *Server) dispatch(ev hooks.Event) {
	s.proj.Apply(ev)
	s.hub.broadcast(ev)
}

// Run serves HTTP, pumps bus events, and runs the file watcher until the
// context cancels.
func (s *Server) Run(ctx context.Context) error {
	events := s.cfg.Bus.Subscribe()
	defer s.cfg.Bus.Unsubscribe(events)

	go func() {
		for ev := range events {
			s.dispatch(ev)
		}
	}()

	if s.watcher != nil {
		go s.watcher.Run(ctx)
	}

	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return err
	}
	s.log.Info("observability server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	id := s.proj.CurrentTaskID()
	if id == "" {
		writeJSON(w, http.StatusOK, map[string]any{"task": nil})
		return
	}
	t, err := s.cfg.Backend.GetTask(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": t})
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	t, err := s.cfg.Backend.FindNextTask(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": t})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.cfg.Backend.ListPendingTasks(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleCompleted(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.cfg.Backend.(backend.Lister)
	if !ok {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"error": "backend does not list completed tasks"})
		return
	}
	tasks, err := lister.ListCompletedTasks(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.proj.Snapshot())
}

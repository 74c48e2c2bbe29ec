package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/geobrowser/taskforge/internal/hooks"
)

// KindFileChange is the observability-only event kind the file watcher
// injects alongside the loop's hook events.
const KindFileChange = hooks.Kind("file_change")

// DefaultHeartbeat is the interval between SSE heartbeat comments.
const DefaultHeartbeat = 30 * time.Second

// sseClient is one connected stream with an optional event-type filter.
type sseClient struct {
	ch     chan hooks.Event
	filter map[hooks.Kind]bool // nil means all kinds
}

func (c *sseClient) wants(kind hooks.Kind) bool {
	return c.filter == nil || c.filter[kind]
}

// hub fans events out to connected SSE clients. Slow clients drop events
// rather than stalling the broadcaster.
type hub struct {
	mu      sync.Mutex
	clients map[*sseClient]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[*sseClient]struct{})}
}

func (h *hub) add(c *sseClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *hub) remove(c *sseClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

func (h *hub) broadcast(ev hooks.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(ev.Kind) {
			continue
		}
		select {
		case c.ch <- ev:
		default:
		}
	}
}

// parseEventFilter reads the ?events=kind1,kind2 query parameter.
// An empty parameter means no filtering.
func parseEventFilter(raw string) map[hooks.Kind]bool {
	if raw == "" {
		return nil
	}
	filter := make(map[hooks.Kind]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			filter[hooks.Kind(part)] = true
		}
	}
	if len(filter) == 0 {
		return nil
	}
	return filter
}

// handleEvents is the GET /api/events SSE endpoint.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := &sseClient{
		ch:     make(chan hooks.Event, 100),
		filter: parseEventFilter(r.URL.Query().Get("events")),
	}
	s.hub.add(client)
	defer s.hub.remove(client)

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev := <-client.ch:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}

package web

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/dontdude/runnerd/internal/domain"
)

// recentLimit bounds how many finished results are kept for late watchers.
const recentLimit = 1024

// Upgrader (Gorilla)
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // Allow all origins for dev
}

// watcher serializes writes to one websocket connection.
type watcher struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *watcher) send(result domain.JobResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(result)
}

// Hub routes job results to the websocket clients watching that job.
type Hub struct {
	mu       sync.RWMutex
	watchers map[string]map[*watcher]struct{}

	// recent results, so a client that connects after the job finished still gets it.
	recent map[string]domain.JobResult
	order  []string
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		watchers: make(map[string]map[*watcher]struct{}),
		recent:   make(map[string]domain.JobResult),
	}
}

func (h *Hub) add(jobID string, w *watcher) (domain.JobResult, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.watchers[jobID]
	if !ok {
		set = make(map[*watcher]struct{})
		h.watchers[jobID] = set
	}
	set[w] = struct{}{}
	res, done := h.recent[jobID]
	return res, done
}

func (h *Hub) remove(jobID string, w *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.watchers[jobID]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(h.watchers, jobID)
		}
	}
}

// Watchers returns the number of connections watching jobID.
func (h *Hub) Watchers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers[jobID])
}

// Deliver remembers result and writes it to every watcher of its job.
func (h *Hub) Deliver(result domain.JobResult) {
	h.mu.Lock()
	if _, seen := h.recent[result.JobID]; !seen {
		h.order = append(h.order, result.JobID)
		if len(h.order) > recentLimit {
			delete(h.recent, h.order[0])
			h.order = h.order[1:]
		}
	}
	h.recent[result.JobID] = result
	targets := make([]*watcher, 0, len(h.watchers[result.JobID]))
	for w := range h.watchers[result.JobID] {
		targets = append(targets, w)
	}
	h.mu.Unlock()

	for _, w := range targets {
		if err := w.send(result); err != nil {
			slog.Warn("Failed to write to websocket", "jobID", result.JobID, "error", err)
			w.conn.Close()
		}
	}
}

// Forward delivers every result from results until the channel closes or ctx is done.
func (h *Hub) Forward(ctx context.Context, results <-chan domain.JobResult) {
	slog.Info("Starting result broadcaster")
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			h.Deliver(res)
		}
	}
}

// ServeWS upgrades the request and streams results for the job_id query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		http.Error(w, "job_id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}
	slog.Info("Client connected via WebSocket", "jobID", jobID, "remoteAddr", conn.RemoteAddr())

	wt := &watcher{conn: conn}
	if res, done := h.add(jobID, wt); done {
		if err := wt.send(res); err != nil {
			slog.Warn("Failed to write to websocket", "jobID", jobID, "error", err)
		}
	}
	defer func() {
		h.remove(jobID, wt)
		conn.Close()
		slog.Info("Client disconnected", "jobID", jobID)
	}()

	// Read until the client goes away; inbound messages are ignored.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

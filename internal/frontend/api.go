package frontend

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/dontdude/runnerd/internal/cluster"
	"github.com/dontdude/runnerd/internal/domain"
	"github.com/dontdude/runnerd/internal/platform/web"
)

// maxBodyBytes caps a submission body.
const maxBodyBytes = 1 << 20

// NodeLister exposes the runners currently known to the front-end.
type NodeLister interface {
	Nodes() []cluster.Node
}

// API serves the HTTP front-end. Queue and Hub are optional; without them
// the async endpoints are not mounted.
type API struct {
	Executor *Executor
	Nodes    NodeLister
	Limiter  *web.RateLimiter
	Queue    domain.JobQueue
	Hub      *web.Hub
}

// Handler returns the routed, CORS-enabled HTTP handler.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	run := a.handleRun
	if a.Limiter != nil {
		run = a.Limiter.RateLimitMiddleware(run)
	}
	mux.HandleFunc("POST /api/run", run)
	mux.HandleFunc("GET /api/nodes", a.handleNodes)
	mux.HandleFunc("GET /healthz", a.handleHealth)

	if a.Queue != nil {
		submit := a.handleSubmit
		if a.Limiter != nil {
			submit = a.Limiter.RateLimitMiddleware(submit)
		}
		mux.HandleFunc("POST /api/jobs", submit)
	}
	if a.Hub != nil {
		mux.HandleFunc("GET /api/ws", a.Hub.ServeWS)
	}

	return web.EnableCORS(mux)
}

type submitRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

func decodeSubmission(w http.ResponseWriter, r *http.Request) (Submission, error) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		return Submission{}, errors.New("invalid request body")
	}
	if req.Code == "" {
		return Submission{}, errors.New("code is required")
	}
	if req.Language == "" {
		req.Language = domain.LanguageRust.String()
	}
	lang, err := domain.ParseLanguage(req.Language)
	if err != nil {
		return Submission{}, err
	}
	return Submission{Language: lang, Code: req.Code}, nil
}

// handleRun executes a submission synchronously on one runner.
func (a *API) handleRun(w http.ResponseWriter, r *http.Request) {
	sub, err := decodeSubmission(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reply, err := a.Executor.Run(r.Context(), sub)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, reply)
	case errors.Is(err, domain.ErrNoRunners):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, domain.ErrTransport):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   NotRunMessage,
			"node_id": reply.NodeID,
		})
	default:
		slog.Error("Run failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

// handleSubmit enqueues a submission for asynchronous dispatch.
func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	sub, err := decodeSubmission(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID := uuid.New().String()
	job := domain.Job{ID: jobID, Code: sub.Code, Language: sub.Language}

	slog.Info("Received submission", "jobID", jobID, "language", sub.Language)
	if err := a.Queue.Publish(r.Context(), job); err != nil {
		slog.Error("Failed to publish job", "jobID", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": "queued",
	})
}

type nodeView struct {
	ID   int32  `json:"id"`
	Host string `json:"host"`
	Port string `json:"port"`
}

func (a *API) handleNodes(w http.ResponseWriter, r *http.Request) {
	nodes := a.Nodes.Nodes()
	out := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeView{ID: n.ID, Host: n.Host, Port: n.Port})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"nodes":  len(a.Nodes.Nodes()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

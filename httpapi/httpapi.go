// Package httpapi exposes the run engine's HTTP surface (§6.1) on top of
// go-chi/chi, matching the router+middleware shape used for the Gateway-like
// services elsewhere in the stack (CORS via go-chi/cors, structured request
// logging, panic recovery).
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/flowcore/runengine/coordinator"
	"github.com/flowcore/runengine/event"
	"github.com/flowcore/runengine/projection"
	"github.com/flowcore/runengine/telemetry"
	"github.com/flowcore/runengine/workflow"
)

// Server wires the HTTP handlers to the run engine's components.
type Server struct {
	coord     *coordinator.Coordinator
	events    *event.Store
	projector *projection.Projector
	wfStore   workflow.Store
	logger    telemetry.Logger
}

// Config configures a new Server.
type Config struct {
	Coordinator     *coordinator.Coordinator
	Events          *event.Store
	Projector       *projection.Projector
	WorkflowStore   workflow.Store
	Logger          telemetry.Logger
}

// New builds a Server from cfg.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Server{
		coord: cfg.Coordinator, events: cfg.Events,
		projector: cfg.Projector, wfStore: cfg.WorkflowStore, logger: logger,
	}
}

// Router builds the chi router with every §6.1 endpoint wired.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/runs", s.handleStartRun)
	r.Get("/runs/{id}/events", s.handleStreamEvents)
	r.Get("/runs/{id}/log", s.handleLog)
	r.Get("/runs/{id}/state", s.handleState)
	r.Get("/runs/{id}/workflow", s.handleWorkflow)
	r.Post("/runs/{id}/approval", s.handleApproval)

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info(r.Context(), "http: request",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type startRunRequest struct {
	Message   string  `json:"message"`
	Context   string  `json:"context"`
	Mode      string  `json:"mode"`
	TenantID  string  `json:"tenant_id"`
	UserID    string  `json:"user_id"`
	CostLimit float64 `json:"cost_limit"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var body startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	runID, err := s.coord.Start(r.Context(), coordinator.StartRequest{
		RunID: uuid.NewString(), Message: body.Message, Context: body.Context,
		Mode: body.Mode, TenantID: body.TenantID, UserID: body.UserID, CostLimit: body.CostLimit,
	})
	if err != nil {
		if refused, ok := err.(*coordinator.ErrRefused); ok {
			status := http.StatusTooManyRequests
			if refused.Scope == "validation" {
				status = http.StatusBadRequest
			}
			writeError(w, status, refused.Error())
			return
		}
		s.logger.Error(r.Context(), "http: start run failed", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"run_id": runID})
}

// handleStreamEvents serves the run's event stream as Server-Sent Events: a
// full history replay followed by live events, ending when the run reaches
// a terminal state (§6.1 mirrors event.Store.Subscribe's contract directly).
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, cancel, err := s.events.Subscribe(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for ev := range ch {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, payload)
		flusher.Flush()
	}
}

// handleLog serves a paginated slice of persisted history, for clients that
// prefer polling over SSE (§6.1 GET /runs/{id}/log?cursor=&limit=).
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	cursor, _ := strconv.ParseInt(r.URL.Query().Get("cursor"), 10, 64)
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 100
	}

	history, err := s.events.History(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}

	var page []event.Event
	for _, ev := range history {
		if ev.Seq <= cursor {
			continue
		}
		page = append(page, ev)
		if len(page) >= limit {
			break
		}
	}
	nextCursor := cursor
	if len(page) > 0 {
		nextCursor = page[len(page)-1].Seq
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": page, "next_cursor": nextCursor})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	state, ok, err := s.projector.Load(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load state")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	state, ok, err := s.wfStore.Load(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load workflow state")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type approvalRequest struct {
	Decision string `json:"decision"` // "approved" | "rejected"
	Reason   string `json:"reason,omitempty"`
}

// handleApproval records a human decision for a run suspended at
// maybe_approve. Appending workflow.approval.recorded is all this needs to
// do: workflow.Engine.watchForWake re-enqueues the run the moment the event
// is observed on the bus.
func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	var body approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Decision != "approved" && body.Decision != "rejected" {
		writeError(w, http.StatusBadRequest, "decision must be \"approved\" or \"rejected\"")
		return
	}
	if _, err := s.events.Append(r.Context(), runID, event.TypeWorkflowApprovalRecord, map[string]any{
		"decision": body.Decision, "reason": body.Reason,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record approval")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manthysbr/quickloan-kb/internal/config"
	"github.com/manthysbr/quickloan-kb/internal/core/domain"
	"github.com/manthysbr/quickloan-kb/internal/core/services"
)

const defaultToolTimeout = 30 * time.Second

// TraceStore serves traces that have left the collector's ring buffer.
type TraceStore interface {
	GetTrace(ctx context.Context, id domain.TraceID) (*domain.Trace, error)
	ListTraces(ctx context.Context, limit int) ([]domain.TraceSummary, error)
}

// Deps are the services behind the HTTP API. Settings and Traces are optional.
type Deps struct {
	Agent       *services.AgentService
	EventBus    *services.EventBus
	Tracer      *services.TraceCollector
	Traces      TraceStore
	Settings    *config.SettingsStore
	ToolTimeout time.Duration
	Metrics     bool
}

type Server struct {
	logger      *slog.Logger
	agent       *services.AgentService
	eventBus    *services.EventBus
	tracer      *services.TraceCollector
	traces      TraceStore
	settings    *config.SettingsStore
	toolTimeout time.Duration
	metrics     bool
	doc         *openapi3.T
}

// NewServer wires the HTTP API. It fails only if the embedded API document is invalid.
func NewServer(logger *slog.Logger, deps Deps) (*Server, error) {
	doc, err := loadOpenAPI()
	if err != nil {
		return nil, err
	}
	timeout := deps.ToolTimeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	return &Server{
		logger:      logger,
		agent:       deps.Agent,
		eventBus:    deps.EventBus,
		tracer:      deps.Tracer,
		traces:      deps.Traces,
		settings:    deps.Settings,
		toolTimeout: timeout,
		metrics:     deps.Metrics,
		doc:         doc,
	}, nil
}

// Handler returns the http.Handler for the server: routes behind request validation.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /v1/openapi.yaml", s.handleOpenAPI)
	if s.metrics {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	// Sessions and the agent loop
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /v1/sessions/{id}/ask", s.handleAsk)
	mux.HandleFunc("POST /v1/sessions/{id}/clarify", s.handleClarify)
	mux.HandleFunc("GET /v1/sessions/{id}/turns", s.handleListTurns)
	mux.HandleFunc("GET /v1/sessions/{id}/runs", s.handleListRuns)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)

	// Event streams
	mux.HandleFunc("GET /v1/sessions/{id}/events", s.handleSessionSSE)
	mux.HandleFunc("GET /v1/events", s.handleBroadcastSSE)

	// Tools
	mux.HandleFunc("GET /v1/tools", s.handleListTools)
	mux.HandleFunc("POST /v1/tools/{name}/run", s.handleRunTool)

	// Tracing
	mux.HandleFunc("GET /v1/traces", s.handleListTraces)
	mux.HandleFunc("GET /v1/traces/{id}", s.handleGetTrace)

	// Settings
	mux.HandleFunc("GET /v1/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /v1/settings", s.handleUpdateSettings)

	validate, err := requestValidator(s.doc)
	if err != nil {
		// the document was validated in NewServer
		s.logger.Error("request validation disabled", "error", err)
		return mux
	}
	return validate(mux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(openapiSpec)
}

// --- Tools API ---

type toolDTO struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputHint   string `json:"input_hint,omitempty"`
	Kind        string `json:"kind"`
}

// handleListTools returns the registered tools.
// GET /v1/tools
func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	tools := s.agent.Tools().List()
	dtos := make([]toolDTO, 0, len(tools))
	for _, t := range tools {
		dtos = append(dtos, toolDTO{
			Name:        t.Name,
			Description: t.Description,
			InputHint:   t.InputHint,
			Kind:        string(t.Kind),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tools": dtos,
		"count": len(dtos),
	})
}

// handleRunTool executes a tool outside the agent loop.
// POST /v1/tools/{name}/run
// Body: {"input": "..."}
func (s *Server) handleRunTool(w http.ResponseWriter, r *http.Request) {
	name, err := pathParam(r, "name")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var body struct {
		Input string `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.toolTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.agent.Tools().Invoke(ctx, name, body.Input)
	elapsed := time.Since(start).Milliseconds()

	var unknown *domain.UnknownToolError
	switch {
	case errors.As(err, &unknown):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		s.logger.Warn("tool run failed", "tool", name, "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"ok":          false,
			"tool":        name,
			"error":       err.Error(),
			"duration_ms": elapsed,
		})
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":          true,
			"tool":        name,
			"result":      result,
			"duration_ms": elapsed,
		})
	}
}

// --- Tracing API ---

// handleListTraces returns recent traces, from the collector or, after a
// restart, from storage.
// GET /v1/traces?limit=50
func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	traces := s.tracer.ListTraces(limit)
	if len(traces) == 0 && s.traces != nil {
		stored, err := s.traces.ListTraces(r.Context(), limit)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		traces = stored
	}
	if traces == nil {
		traces = []domain.TraceSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"traces": traces,
		"count":  len(traces),
	})
}

// handleGetTrace returns a single trace with all spans.
// GET /v1/traces/{id}
func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	id, err := pathParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	trace, err := s.tracer.GetTrace(domain.TraceID(id))
	if errors.Is(err, domain.ErrTraceNotFound) && s.traces != nil {
		trace, err = s.traces.GetTrace(r.Context(), domain.TraceID(id))
	}
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var unknownTool *domain.UnknownToolError
	switch {
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrRunNotFound),
		errors.Is(err, domain.ErrTraceNotFound),
		errors.As(err, &unknownTool):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrClarificationPending),
		errors.Is(err, domain.ErrNoPendingClarification):
		return http.StatusConflict
	case errors.Is(err, domain.ErrEmptyQuery),
		errors.Is(err, config.ErrInvalidConfig):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeErr logs unexpected failures and hides their detail from the caller.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

// decodeBody decodes an optional JSON body into v; an empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// Package api exposes the case manager over HTTP with JSON envelopes.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	case_manager "go-net-flow/internal/case"
	"go-net-flow/internal/events"
	"go-net-flow/internal/models"
)

// Server represents the API server
type Server struct {
	manager  *case_manager.Manager
	bus      events.EventBus
	parser   *models.NetParser
	validate *validator.Validate
	logger   *slog.Logger
	health   func(r *http.Request) error
	started  time.Time
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the request logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithEventBus enables the event stream endpoint
func WithEventBus(bus events.EventBus) Option {
	return func(s *Server) { s.bus = bus }
}

// WithHealthCheck adds a dependency probe to /api/health
func WithHealthCheck(check func(r *http.Request) error) Option {
	return func(s *Server) { s.health = check }
}

// NewServer creates a new API server over the manager
func NewServer(manager *case_manager.Manager, opts ...Option) *Server {
	s := &Server{
		manager:  manager,
		parser:   models.NewNetParser(),
		validate: validator.New(),
		logger:   slog.Default(),
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Response structures

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Routes sets up the HTTP routes for the API server
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Specs
	mux.HandleFunc("/api/specs/load", s.corsMiddleware(s.LoadSpec))
	mux.HandleFunc("/api/specs/list", s.corsMiddleware(s.ListSpecs))
	mux.HandleFunc("/api/specs/get", s.corsMiddleware(s.GetSpec))
	mux.HandleFunc("/api/specs/delete", s.corsMiddleware(s.DeleteSpec))

	// Cases
	mux.HandleFunc("/api/cases/launch", s.corsMiddleware(s.LaunchCase))
	mux.HandleFunc("/api/cases/get", s.corsMiddleware(s.GetCase))
	mux.HandleFunc("/api/cases/query", s.corsMiddleware(s.QueryCases))
	mux.HandleFunc("/api/cases/list", s.corsMiddleware(s.QueryCases))
	mux.HandleFunc("/api/cases/statistics", s.corsMiddleware(s.GetCaseStatistics))
	mux.HandleFunc("/api/cases/cancel", s.corsMiddleware(s.CancelCase))
	mux.HandleFunc("/api/cases/suspend", s.corsMiddleware(s.SuspendCase))
	mux.HandleFunc("/api/cases/resume", s.corsMiddleware(s.ResumeCase))
	mux.HandleFunc("/api/cases/workitems", s.corsMiddleware(s.GetCaseWorkItems))

	// Work items
	mux.HandleFunc("/api/workitems/enabled", s.corsMiddleware(s.ListEnabledWorkItems))
	mux.HandleFunc("/api/workitems/get", s.corsMiddleware(s.GetWorkItem))
	mux.HandleFunc("/api/workitems/start", s.corsMiddleware(s.StartWorkItem))
	mux.HandleFunc("/api/workitems/complete", s.corsMiddleware(s.CompleteWorkItem))
	mux.HandleFunc("/api/workitems/cancel", s.corsMiddleware(s.CancelWorkItem))
	mux.HandleFunc("/api/workitems/fail", s.corsMiddleware(s.FailWorkItem))
	mux.HandleFunc("/api/workitems/rollback", s.corsMiddleware(s.RollbackWorkItem))
	mux.HandleFunc("/api/workitems/addinstance", s.corsMiddleware(s.AddWorkItemInstance))

	mux.HandleFunc("/api/events/stream", s.corsMiddleware(s.StreamEvents))
	mux.HandleFunc("/api/events/lag", s.corsMiddleware(s.EventLag))
	mux.HandleFunc("/api/health", s.corsMiddleware(s.HealthCheck))

	return s.logRequests(mux)
}

// corsMiddleware adds CORS headers to allow cross-origin requests
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.DebugContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(started),
		)
	})
}

// HealthCheck returns the health status of the API
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	if s.health != nil {
		if err := s.health(r); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, "unhealthy", err.Error())
			return
		}
	}
	stats := s.manager.GetCaseStatistics()
	s.writeSuccess(w, map[string]interface{}{
		"status":  "healthy",
		"service": "go-net-flow",
		"specs":   len(s.manager.Specs()),
		"cases":   stats["total"],
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	}, "Service is healthy")
}

// Helper functions

func (s *Server) allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	s.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only "+method+" method is allowed")
	return false
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", "Failed to parse JSON: "+err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	return true
}

func (s *Server) requireParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		s.writeError(w, http.StatusBadRequest, "missing_parameter", "Parameter "+name+" is required")
		return "", false
	}
	return v, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err string, message string) {
	s.writeJSON(w, status, ErrorResponse{
		Error:   err,
		Message: message,
	})
}

func (s *Server) writeSuccess(w http.ResponseWriter, data interface{}, message string) {
	s.writeJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}

// writeEngineError maps engine error kinds onto HTTP statuses
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, models.ErrCancellationRace):
		s.writeError(w, http.StatusConflict, "cancellation_race", err.Error())
	case errors.Is(err, models.ErrStateTransition):
		s.writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, models.ErrDataValidation):
		s.writeError(w, http.StatusUnprocessableEntity, "invalid_data", err.Error())
	case errors.Is(err, models.ErrSpecModel):
		s.writeError(w, http.StatusBadRequest, "invalid_spec", err.Error())
	case errors.Is(err, models.ErrCaseClosed):
		s.writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, "engine_error", err.Error())
	}
}

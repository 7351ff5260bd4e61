package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/joescharf/triage/internal/forge"
	"github.com/joescharf/triage/internal/models"
	"github.com/joescharf/triage/internal/orchestrator"
	"github.com/joescharf/triage/internal/store"
)

// Facade is the orchestration surface the API exposes.
type Facade interface {
	Scope(ctx context.Context, req orchestrator.Request) (*models.Session, error)
	Execute(ctx context.Context, req orchestrator.Request) (*models.Session, error)
	Session(ctx context.Context, id string, refresh bool) (*models.Session, error)
	Sessions(ctx context.Context, filter store.SessionFilter, refresh bool) ([]*models.Session, error)
	Events(ctx context.Context, id string) ([]*models.Event, error)
	Issue(ctx context.Context, repo string, number int) (*models.Issue, error)
	Issues(ctx context.Context, repo string, opts forge.ListOptions) ([]*models.Issue, error)
}

// Server provides the REST API handlers.
type Server struct {
	svc     Facade
	logger  *slog.Logger
	version string
}

// NewServer creates a new API server. A nil logger uses slog.Default.
func NewServer(svc Facade, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, logger: logger, version: version}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(CORS)
	r.Use(RequestID)
	r.Use(Logger(s.logger))
	r.Use(Recovery(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.health)

		r.Get("/issues/{owner}/{repo}", s.listIssues)
		r.Get("/issues/{owner}/{repo}/{number}", s.getIssue)

		r.Post("/scope", s.scope)
		r.Post("/execute", s.execute)

		r.Get("/sessions", s.listSessions)
		r.Get("/sessions/{id}", s.getSession)
		r.Get("/sessions/{id}/events", s.listEvents)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps facade errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest),
		errors.Is(err, store.ErrFilterIssueWithoutRepo):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, forge.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrSubmitFailed),
		errors.Is(err, orchestrator.ErrIssueFetch):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, err.Error())
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

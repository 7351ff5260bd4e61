// Package orchestrator is the scope/execute/status facade shared by the CLI,
// the HTTP API and the MCP server.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joescharf/triage/internal/agent"
	"github.com/joescharf/triage/internal/forge"
	"github.com/joescharf/triage/internal/models"
	"github.com/joescharf/triage/internal/sessions"
	"github.com/joescharf/triage/internal/store"
	"github.com/joescharf/triage/internal/telemetry"
)

var (
	// ErrInvalidRequest is returned for malformed input.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrIssueFetch is returned when the issue cannot be read from the forge.
	ErrIssueFetch = errors.New("issue fetch failed")
	// ErrSubmitFailed is returned, together with the persisted failed
	// session, when the agent refuses or cannot accept a submission.
	ErrSubmitFailed = errors.New("agent submission failed")
)

// IssueSource reads issues from the forge.
type IssueSource interface {
	FetchIssue(ctx context.Context, repo string, number int) (*models.Issue, error)
	ListIssues(ctx context.Context, repo string, opts forge.ListOptions) ([]*models.Issue, error)
}

// Request selects the issue to work on.
type Request struct {
	Repo        string `json:"repository"`
	IssueNumber int    `json:"issue_number"`
	Wait        bool   `json:"wait"`
}

func (r Request) validate() error {
	if _, _, err := models.SplitRepo(r.Repo); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if r.IssueNumber <= 0 {
		return fmt.Errorf("%w: issue number must be positive, got %d", ErrInvalidRequest, r.IssueNumber)
	}
	return nil
}

// Service implements the facade.
type Service struct {
	store   store.Store
	issues  IssueSource
	client  agent.Client
	machine *sessions.Machine
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// New wires a Service. A nil logger uses slog.Default.
func New(st store.Store, issues IssueSource, client agent.Client, machine *sessions.Machine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   st,
		issues:  issues,
		client:  client,
		machine: machine,
		logger:  logger,
		tracer:  telemetry.Tracer("github.com/joescharf/triage/internal/orchestrator"),
		now:     time.Now,
	}
}

// Scope submits a scoping session for an issue.
func (s *Service) Scope(ctx context.Context, req Request) (*models.Session, error) {
	return s.start(ctx, models.PhaseScope, req)
}

// Execute submits an execution session for an issue, passing along the plan
// of the latest successful scoping session when there is one.
func (s *Service) Execute(ctx context.Context, req Request) (*models.Session, error) {
	return s.start(ctx, models.PhaseExec, req)
}

func (s *Service) start(ctx context.Context, phase models.Phase, req Request) (_ *models.Session, err error) {
	runID := models.NewULID()
	ctx, span := s.tracer.Start(ctx, "triage."+string(phase), trace.WithAttributes(
		attribute.String("triage.run_id", runID),
		attribute.String("triage.repository", req.Repo),
		attribute.Int("triage.issue_number", req.IssueNumber),
		attribute.Bool("triage.wait", req.Wait),
	))
	defer func() { endSpan(span, err) }()

	if err := req.validate(); err != nil {
		return nil, err
	}
	log := s.logger.With("run_id", runID, "phase", phase, "repository", req.Repo, "issue", req.IssueNumber)

	issue, err := s.issues.FetchIssue(ctx, req.Repo, req.IssueNumber)
	if err != nil {
		log.Warn("issue fetch failed", "error", err)
		ev := models.NewIssueEvent(req.Repo, req.IssueNumber, models.EventIssueFetchFailed,
			map[string]string{"run_id": runID, "phase": string(phase), "error": err.Error()})
		if aerr := s.store.AppendEvent(ctx, ev); aerr != nil {
			log.Error("record issue fetch failure", "error", aerr)
		}
		return nil, fmt.Errorf("%w: %w", ErrIssueFetch, err)
	}
	if err := s.store.UpsertIssue(ctx, issue); err != nil {
		return nil, fmt.Errorf("cache issue %s: %w", issue.Ref(), err)
	}

	var areq agent.CreateRequest
	var prior *priorScope
	if phase == models.PhaseScope {
		areq = agent.ScopeRequest(issue)
	} else {
		prior = s.lookupPriorScope(ctx, req.Repo, req.IssueNumber)
		areq = agent.ExecRequest(issue, prior.plan)
	}

	created, err := s.client.CreateSession(ctx, areq)
	now := s.now().UTC()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return s.submitFailed(ctx, log, phase, req, runID, prior, now, err)
	}

	sess := &models.Session{
		ID:          created.ID,
		Phase:       phase,
		Repo:        req.Repo,
		IssueNumber: req.IssueNumber,
		Status:      models.SessionStatusCreated,
		URL:         created.URL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	events := []*models.Event{
		models.NewEvent(sess, models.EventSessionCreated, map[string]string{"run_id": runID, "title": areq.Title}),
	}
	if prior != nil {
		events = append(events, prior.event(sess, runID))
	}
	if err := s.store.UpsertSession(ctx, sess, events...); err != nil {
		return nil, fmt.Errorf("persist session %s: %w", sess.ID, err)
	}
	span.SetAttributes(attribute.String("triage.session_id", sess.ID))
	log.Info("session created", "session_id", sess.ID, "url", sess.URL)

	if !req.Wait {
		return sess, nil
	}
	return s.machine.Wait(ctx, sess)
}

func (s *Service) submitFailed(ctx context.Context, log *slog.Logger, phase models.Phase, req Request, runID string, prior *priorScope, now time.Time, cause error) (*models.Session, error) {
	reason := models.ReasonSubmitUnavailable
	if errors.Is(cause, agent.ErrRemoteRejected) {
		reason = models.ReasonSubmitRejected
	}
	sess := &models.Session{
		ID:            models.LocalSessionID(),
		Phase:         phase,
		Repo:          req.Repo,
		IssueNumber:   req.IssueNumber,
		Status:        models.SessionStatusFailed,
		FailureReason: reason,
		CreatedAt:     now,
		UpdatedAt:     now,
		CompletedAt:   &now,
	}
	events := []*models.Event{
		models.NewEvent(sess, models.EventSubmitFailed, map[string]string{"run_id": runID, "error": cause.Error()}),
	}
	if prior != nil {
		events = append(events, prior.event(sess, runID))
	}
	log.Warn("submission failed", "session_id", sess.ID, "reason", reason, "error", cause)
	if err := s.store.UpsertSession(ctx, sess, events...); err != nil {
		return nil, errors.Join(fmt.Errorf("%w: %w", ErrSubmitFailed, cause), err)
	}
	return sess, fmt.Errorf("%w: %w", ErrSubmitFailed, cause)
}

type priorScope struct {
	plan   []string
	detail map[string]any
}

func (p *priorScope) event(sess *models.Session, runID string) *models.Event {
	p.detail["run_id"] = runID
	if p.plan != nil {
		return models.NewEvent(sess, models.EventPriorScopeUsed, p.detail)
	}
	return models.NewEvent(sess, models.EventPriorScopeUnavailable, p.detail)
}

// lookupPriorScope looks up the latest scoping session. Its plan is used only when
// that session succeeded; a missing or unfinished scope never blocks execution.
func (s *Service) lookupPriorScope(ctx context.Context, repo string, number int) *priorScope {
	latest, err := s.store.LatestSession(ctx, repo, number, models.PhaseScope)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &priorScope{detail: map[string]any{"reason": "no scope session"}}
	case err != nil:
		s.logger.Warn("prior scope lookup failed", "repository", repo, "issue", number, "error", err)
		return &priorScope{detail: map[string]any{"reason": "lookup failed", "error": err.Error()}}
	}

	detail := map[string]any{"scope_session_id": latest.ID, "status": string(latest.Status)}
	out := latest.ScopeOutcome()
	if latest.Status != models.SessionStatusSucceeded || out == nil {
		detail["reason"] = "latest scope session did not succeed"
		return &priorScope{detail: detail}
	}
	plan := append([]string{}, out.Plan...)
	detail["steps"] = len(plan)
	return &priorScope{plan: plan, detail: detail}
}

// Session returns a persisted session. With refresh, a non-terminal session is
// fetched from the remote once before returning.
func (s *Service) Session(ctx context.Context, id string, refresh bool) (_ *models.Session, err error) {
	ctx, span := s.tracer.Start(ctx, "triage.status", trace.WithAttributes(
		attribute.String("triage.session_id", id),
		attribute.Bool("triage.refresh", refresh),
	))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidRequest)
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !refresh {
		return sess, nil
	}
	return s.machine.Refresh(ctx, sess)
}

// Sessions lists persisted sessions, newest first. With refresh, each
// non-terminal session is fetched once.
func (s *Service) Sessions(ctx context.Context, filter store.SessionFilter, refresh bool) (_ []*models.Session, err error) {
	ctx, span := s.tracer.Start(ctx, "triage.list", trace.WithAttributes(
		attribute.String("triage.repository", filter.Repo),
		attribute.Int("triage.issue_number", filter.IssueNumber),
		attribute.Bool("triage.refresh", refresh),
	))
	defer func() { endSpan(span, err) }()

	if filter.IssueNumber != 0 && filter.Repo == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, store.ErrFilterIssueWithoutRepo)
	}
	list, err := s.store.ListSessions(ctx, filter)
	if err != nil {
		return nil, err
	}
	if !refresh {
		return list, nil
	}
	for i, sess := range list {
		if sess.Status.Terminal() {
			continue
		}
		updated, err := s.machine.Refresh(ctx, sess)
		if err != nil {
			return nil, err
		}
		list[i] = updated
	}
	return list, nil
}

// Events returns a session's audit trail, oldest first.
func (s *Service) Events(ctx context.Context, id string) ([]*models.Event, error) {
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, store.EventFilter{SessionID: id})
}

// Issue reads an issue through the local cache. When the forge cannot be
// reached the cached copy is returned if there is one.
func (s *Service) Issue(ctx context.Context, repo string, number int) (*models.Issue, error) {
	if err := (Request{Repo: repo, IssueNumber: number}).validate(); err != nil {
		return nil, err
	}
	issue, err := s.issues.FetchIssue(ctx, repo, number)
	if err != nil {
		if cached, cerr := s.store.GetIssue(ctx, repo, number); cerr == nil {
			s.logger.Warn("serving cached issue", "repository", repo, "issue", number, "error", err)
			return cached, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrIssueFetch, err)
	}
	if err := s.store.UpsertIssue(ctx, issue); err != nil {
		return nil, err
	}
	return issue, nil
}

// Issues lists issues straight from the forge.
func (s *Service) Issues(ctx context.Context, repo string, opts forge.ListOptions) ([]*models.Issue, error) {
	if _, _, err := models.SplitRepo(repo); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	issues, err := s.issues.ListIssues(ctx, repo, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIssueFetch, err)
	}
	return issues, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

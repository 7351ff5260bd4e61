// Package sessions drives remote agent sessions to a terminal state and
// records every transition.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/joescharf/triage/internal/agent"
	"github.com/joescharf/triage/internal/models"
	"github.com/joescharf/triage/internal/result"
	"github.com/joescharf/triage/internal/store"
	"github.com/joescharf/triage/internal/telemetry"
)

const (
	DefaultPollInterval = 15 * time.Second
	DefaultTimeout      = 30 * time.Minute
)

// Config is the polling policy.
type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Store is the subset of store.Store the machine writes through.
type Store interface {
	UpdateSession(ctx context.Context, expected models.SessionStatus, s *models.Session, events ...*models.Event) (*models.Session, error)
	AppendEvent(ctx context.Context, e *models.Event) error
}

// Machine advances sessions by polling the remote agent.
type Machine struct {
	store  Store
	client agent.Client
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	group singleflight.Group

	polls       metric.Int64Counter
	transitions metric.Int64Counter
	latency     metric.Float64Histogram
}

// NewMachine creates a machine. A nil logger uses slog.Default.
func NewMachine(st Store, client agent.Client, cfg Config, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("github.com/joescharf/triage/internal/sessions")
	polls, _ := meter.Int64Counter("triage.session.polls",
		metric.WithDescription("Remote status fetches by result"))
	transitions, _ := meter.Int64Counter("triage.session.transitions",
		metric.WithDescription("Session status transitions by target status"))
	latency, _ := meter.Float64Histogram("triage.session.poll.duration",
		metric.WithDescription("Remote status fetch latency"), metric.WithUnit("s"))

	return &Machine{
		store:       st,
		client:      client,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		now:         time.Now,
		polls:       polls,
		transitions: transitions,
		latency:     latency,
	}
}

// Config returns the effective polling policy.
func (m *Machine) Config() Config { return m.cfg }

// Wait polls until the session is terminal or its deadline (creation time plus
// the configured timeout) passes. The first fetch happens immediately.
// Transient remote errors are recorded and polling continues. If ctx is
// cancelled the wait is abandoned and ctx.Err() returned along with the last
// persisted state.
func (m *Machine) Wait(ctx context.Context, sess *models.Session) (*models.Session, error) {
	cur := sess.Clone()
	if cur.Status.Terminal() {
		return cur, nil
	}
	deadline := cur.CreatedAt.Add(m.cfg.Timeout)

	for {
		next, err := m.poll(ctx, cur)
		if err != nil {
			return next, err
		}
		cur = next
		if cur.Status.Terminal() {
			return cur, nil
		}

		remaining := deadline.Sub(m.now())
		if remaining <= 0 {
			return m.timeOut(ctx, cur)
		}
		wait := m.cfg.PollInterval
		if remaining < wait {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return cur, ctx.Err()
		case <-timer.C:
		}
	}
}

// Refresh performs at most one fetch for a non-terminal session. Terminal
// sessions are returned unchanged without contacting the remote.
func (m *Machine) Refresh(ctx context.Context, sess *models.Session) (*models.Session, error) {
	cur := sess.Clone()
	if cur.Status.Terminal() {
		return cur, nil
	}
	return m.poll(ctx, cur)
}

// poll fetches the remote status once and applies it. It returns an error only
// for context cancellation and storage failures.
func (m *Machine) poll(ctx context.Context, cur *models.Session) (*models.Session, error) {
	start := m.now()
	v, err, _ := m.group.Do(cur.ID, func() (any, error) {
		return m.client.FetchStatus(ctx, cur.ID)
	})
	m.latency.Record(ctx, m.now().Sub(start).Seconds())

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return cur, ctxErr
		}
		if errors.Is(err, agent.ErrSessionNotFound) {
			m.countPoll(ctx, "not_found")
			return m.transition(ctx, cur, models.SessionStatusFailed, models.ReasonSessionNotFound,
				models.NewEvent(cur, models.EventSessionNotFound, map[string]string{"error": err.Error()}))
		}
		m.countPoll(ctx, "error")
		m.logger.Warn("poll failed", "session_id", cur.ID, "error", err)
		if err := m.store.AppendEvent(ctx, models.NewEvent(cur, models.EventPollError, map[string]string{"error": err.Error()})); err != nil {
			return cur, err
		}
		return cur, nil
	}

	st := v.(*agent.Status)
	m.countPoll(ctx, string(st.State))
	m.logger.Debug("polled session", "session_id", cur.ID, "state", st.State, "raw_status", st.RawStatus, "has_output", st.HasOutput())

	next := cur.Clone()
	if st.URL != "" {
		next.URL = st.URL
	}

	switch {
	case st.State == agent.StateFailed:
		return m.remoteFailed(ctx, next, st)
	case st.State == agent.StateFinished || st.HasOutput():
		return m.complete(ctx, cur, next, st)
	}
	return m.ensureRunning(ctx, cur, next)
}

// ensureRunning moves a created session to running. A running session is only
// rewritten when the remote reports a new URL.
func (m *Machine) ensureRunning(ctx context.Context, prev, next *models.Session) (*models.Session, error) {
	if next.Status == models.SessionStatusCreated {
		return m.transition(ctx, next, models.SessionStatusRunning, "")
	}
	if next.URL == prev.URL {
		return prev, nil
	}
	next.UpdatedAt = m.now().UTC()
	written, err := m.store.UpdateSession(ctx, prev.Status, next)
	if err != nil {
		if current, ok := m.superseded(prev, written, err); ok {
			return current, nil
		}
		return prev, fmt.Errorf("update url for session %s: %w", next.ID, err)
	}
	return written, nil
}

func (m *Machine) complete(ctx context.Context, prev, next *models.Session, st *agent.Status) (*models.Session, error) {
	next.RawOutput = st.Output

	res, err := result.Parse(next.Phase, st.Output)
	if err != nil {
		detail := map[string]any{"error": err.Error(), "raw_status": st.RawStatus, "raw": string(st.Output)}
		return m.transition(ctx, next, models.SessionStatusFailed, models.ReasonParseError,
			models.NewEvent(next, models.EventParseFailed, detail))
	}
	if err := next.SetOutcome(res.Outcome); err != nil {
		return next, err
	}
	events := adjustmentEvents(next, res)
	events = append(events, models.NewEvent(next, models.EventOutcomePersisted, next.Outcome))

	if next.Phase == models.PhaseScope {
		return m.transition(ctx, next, models.SessionStatusSucceeded, "", events...)
	}

	exec := next.ExecOutcome()
	switch exec.Status {
	case models.ExecStatusDone:
		return m.transition(ctx, next, models.SessionStatusSucceeded, "", events...)
	case models.ExecStatusFailed:
		return m.transition(ctx, next, models.SessionStatusFailed, models.ReasonExecutionFailed, events...)
	}
	if st.Terminal() {
		return m.transition(ctx, next, models.SessionStatusFailed, models.ReasonExecutionIncomplete, events...)
	}

	// Still in progress: keep polling without recording an outcome.
	next.Outcome = nil
	next.RawOutput = prev.RawOutput
	return m.ensureRunning(ctx, prev, next)
}

func (m *Machine) remoteFailed(ctx context.Context, next *models.Session, st *agent.Status) (*models.Session, error) {
	var events []*models.Event
	if st.HasOutput() {
		next.RawOutput = st.Output
		if res, err := result.Parse(next.Phase, st.Output); err == nil {
			if err := next.SetOutcome(res.Outcome); err != nil {
				return next, err
			}
			events = append(events, adjustmentEvents(next, res)...)
		}
	}
	events = append([]*models.Event{
		models.NewEvent(next, models.EventRemoteFailed, map[string]string{"raw_status": st.RawStatus}),
	}, events...)
	return m.transition(ctx, next, models.SessionStatusFailed, models.ReasonRemoteFailed, events...)
}

func (m *Machine) timeOut(ctx context.Context, cur *models.Session) (*models.Session, error) {
	detail := map[string]any{
		"timeout":  m.cfg.Timeout.String(),
		"deadline": cur.CreatedAt.Add(m.cfg.Timeout).UTC(),
	}
	m.logger.Warn("session timed out", "session_id", cur.ID, "timeout", m.cfg.Timeout)
	return m.transition(ctx, cur, models.SessionStatusTimedOut, models.ReasonPollTimeout,
		models.NewEvent(cur, models.EventPollTimeout, detail))
}

// transition writes the new status together with a status_changed event and
// any extra events in one store call. The write only lands if the persisted
// status is still s.Status; when another caller got there first, nothing is
// written and the persisted session is returned.
func (m *Machine) transition(ctx context.Context, s *models.Session, to models.SessionStatus, reason string, extra ...*models.Event) (*models.Session, error) {
	from := s.Status
	next := s.Clone()
	now := m.now().UTC()
	next.Status = to
	next.FailureReason = reason
	next.UpdatedAt = now
	if to.Terminal() {
		next.CompletedAt = &now
	}

	detail := map[string]string{"from": string(from), "to": string(to)}
	if reason != "" {
		detail["reason"] = reason
	}
	events := append([]*models.Event{models.NewEvent(next, models.EventStatusChanged, detail)}, extra...)

	written, err := m.store.UpdateSession(ctx, from, next, events...)
	if err != nil {
		if current, ok := m.superseded(s, written, err); ok {
			return current, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return s, ctxErr
		}
		return s, fmt.Errorf("persist %s -> %s for session %s: %w", from, to, s.ID, err)
	}
	next = written

	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("phase", string(next.Phase)),
		attribute.String("status", string(to)),
	))
	m.logger.Info("session transition", "session_id", next.ID, "phase", next.Phase, "from", from, "to", to, "reason", reason)
	return next, nil
}

// superseded reports whether err means the session moved on underneath the
// caller, returning the persisted state to continue from.
func (m *Machine) superseded(prev, current *models.Session, err error) (*models.Session, bool) {
	if !errors.Is(err, store.ErrStaleSession) || current == nil {
		return nil, false
	}
	m.logger.Debug("session changed concurrently", "session_id", prev.ID, "expected", prev.Status, "found", current.Status)
	return current, true
}

func (m *Machine) countPoll(ctx context.Context, res string) {
	m.polls.Add(ctx, 1, metric.WithAttributes(attribute.String("result", res)))
}

func adjustmentEvents(s *models.Session, res *result.Result) []*models.Event {
	var events []*models.Event
	if clamped := res.Filter(result.Clamped); len(clamped) > 0 {
		events = append(events, models.NewEvent(s, models.EventOutcomeClamped, clamped))
	}
	if defaulted := res.Filter(result.Defaulted); len(defaulted) > 0 {
		events = append(events, models.NewEvent(s, models.EventOutcomeDefaulted, defaulted))
	}
	return events
}

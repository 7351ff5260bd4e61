package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/triage/internal/agent"
	"github.com/joescharf/triage/internal/models"
	"github.com/joescharf/triage/internal/result"
	"github.com/joescharf/triage/internal/store"
)

type step struct {
	st  *agent.Status
	err error
}

// scriptedClient replays steps in order and repeats the last one.
type scriptedClient struct {
	mu    sync.Mutex
	steps []step
	calls int
}

func (c *scriptedClient) CreateSession(_ context.Context, _ agent.CreateRequest) (*agent.Created, error) {
	return &agent.Created{ID: "unused"}, nil
}

func (c *scriptedClient) FetchStatus(_ context.Context, _ string) (*agent.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	if i >= len(c.steps) {
		i = len(c.steps) - 1
	}
	c.calls++
	s := c.steps[i]
	if s.err != nil {
		return nil, s.err
	}
	cp := *s.st
	return &cp, nil
}

func (c *scriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func running() step {
	return step{st: &agent.Status{State: agent.StateRunning, RawStatus: "running", URL: "https://agent.example/s/1"}}
}

func finished(output string) step {
	return step{st: &agent.Status{State: agent.StateFinished, RawStatus: "finished", Output: json.RawMessage(output)}}
}

func failed(err error) step { return step{err: err} }

const scopeOutput = `{"summary":"fix it","plan":["a","b"],"risk_level":"low","est_effort_hours":2,"confidence":0.9}`

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func newCreated(t *testing.T, st *store.SQLiteStore, phase models.Phase) *models.Session {
	t.Helper()
	now := time.Now().UTC()
	sess := &models.Session{
		ID:          "sess-" + string(phase),
		Phase:       phase,
		Repo:        "acme/widgets",
		IssueNumber: 7,
		Status:      models.SessionStatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, st.UpsertSession(context.Background(), sess, models.NewEvent(sess, models.EventSessionCreated, nil)))
	return sess
}

func fastConfig() Config {
	return Config{PollInterval: 5 * time.Millisecond, Timeout: 5 * time.Second}
}

func eventKinds(t *testing.T, st *store.SQLiteStore, id string) []models.EventKind {
	t.Helper()
	events, err := st.ListEvents(context.Background(), store.EventFilter{SessionID: id})
	require.NoError(t, err)
	kinds := make([]models.EventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	return kinds
}

func TestWait_ScopeRunsToSuccess(t *testing.T) {
	st := newTestStore(t)
	client := &scriptedClient{steps: []step{running(), running(), finished(scopeOutput)}}
	m := NewMachine(st, client, fastConfig(), nil)
	sess := newCreated(t, st, models.PhaseScope)

	got, err := m.Wait(context.Background(), sess)
	require.NoError(t, err)

	assert.Equal(t, 3, client.Calls())
	assert.Equal(t, models.SessionStatusSucceeded, got.Status)
	assert.Equal(t, "https://agent.example/s/1", got.URL)
	require.NotNil(t, got.ScopeOutcome())
	assert.Equal(t, []string{"a", "b"}, got.ScopeOutcome().Plan)
	require.NotNil(t, got.CompletedAt)

	persisted, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusSucceeded, persisted.Status)
	assert.Equal(t, got.ScopeOutcome(), persisted.ScopeOutcome())
	assert.JSONEq(t, scopeOutput, string(persisted.RawOutput))

	assert.Equal(t, []models.EventKind{
		models.EventSessionCreated,
		models.EventStatusChanged, // created -> running
		models.EventStatusChanged, // running -> succeeded
		models.EventOutcomePersisted,
	}, eventKinds(t, st, sess.ID))
}

func TestWait_CreatedCanFinishDirectly(t *testing.T) {
	st := newTestStore(t)
	m := NewMachine(st, &scriptedClient{steps: []step{finished(scopeOutput)}}, fastConfig(), nil)

	got, err := m.Wait(context.Background(), newCreated(t, st, models.PhaseScope))
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusSucceeded, got.Status)
}

func TestWait_TimesOut(t *testing.T) {
	st := newTestStore(t)
	client := &scriptedClient{steps: []step{running()}}
	m := NewMachine(st, client, Config{PollInterval: 5 * time.Millisecond, Timeout: 40 * time.Millisecond}, nil)
	sess := newCreated(t, st, models.PhaseScope)

	got, err := m.Wait(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusTimedOut, got.Status)
	assert.Equal(t, models.ReasonPollTimeout, got.FailureReason)
	assert.Contains(t, eventKinds(t, st, sess.ID), models.EventPollTimeout)

	// A later read without refresh leaves the session as it was.
	calls := client.Calls()
	persisted, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusTimedOut, persisted.Status)

	again, err := m.Refresh(context.Background(), persisted)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusTimedOut, again.Status)
	assert.Equal(t, calls, client.Calls(), "terminal sessions are never fetched")
}

func TestWait_SessionNotFound(t *testing.T) {
	st := newTestStore(t)
	notFound := &agent.APIError{StatusCode: 404, Message: "gone", Kind: agent.ErrSessionNotFound}
	m := NewMachine(st, &scriptedClient{steps: []step{running(), failed(notFound)}}, fastConfig(), nil)
	sess := newCreated(t, st, models.PhaseExec)

	got, err := m.Wait(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusFailed, got.Status)
	assert.Equal(t, models.ReasonSessionNotFound, got.FailureReason)
	assert.NotEqual(t, models.ReasonPollTimeout, got.FailureReason)
	assert.Contains(t, eventKinds(t, st, sess.ID), models.EventSessionNotFound)
}

func TestWait_TransientErrorsKeepPolling(t *testing.T) {
	st := newTestStore(t)
	unavailable := &agent.APIError{StatusCode: 503, Message: "busy", Kind: agent.ErrRemoteUnavailable}
	client := &scriptedClient{steps: []step{failed(unavailable), failed(fmt.Errorf("weird")), finished(scopeOutput)}}
	m := NewMachine(st, client, fastConfig(), nil)
	sess := newCreated(t, st, models.PhaseScope)

	got, err := m.Wait(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusSucceeded, got.Status)

	kinds := eventKinds(t, st, sess.ID)
	var pollErrors int
	for _, k := range kinds {
		if k == models.EventPollError {
			pollErrors++
		}
	}
	assert.Equal(t, 2, pollErrors)
}

func TestWait_ParseErrorFails(t *testing.T) {
	st := newTestStore(t)
	m := NewMachine(st, &scriptedClient{steps: []step{finished(`{"unexpected":true}`)}}, fastConfig(), nil)
	sess := newCreated(t, st, models.PhaseScope)

	got, err := m.Wait(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusFailed, got.Status)
	assert.Equal(t, models.ReasonParseError, got.FailureReason)
	assert.Nil(t, got.Outcome)

	events, err := st.ListEvents(context.Background(), store.EventFilter{SessionID: sess.ID, Kind: models.EventParseFailed})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, string(events[0].Detail), "unexpected")
}

func TestWait_ClampedConfidenceIsRecorded(t *testing.T) {
	st := newTestStore(t)
	out := `{"summary":"s","plan":["x"],"risk_level":"high","est_effort_hours":3,"confidence":1.5}`
	m := NewMachine(st, &scriptedClient{steps: []step{finished(out)}}, fastConfig(), nil)
	sess := newCreated(t, st, models.PhaseScope)

	got, err := m.Wait(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusSucceeded, got.Status)
	assert.Equal(t, 1.0, got.ScopeOutcome().Confidence)

	events, err := st.ListEvents(context.Background(), store.EventFilter{SessionID: sess.ID, Kind: models.EventOutcomeClamped})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `[{"field":"confidence","kind":"clamped","from":1.5,"to":1}]`, string(events[0].Detail))
}

func TestWait_ExecOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		steps      []step
		wantStatus models.SessionStatus
		wantReason string
	}{
		{
			name:       "done",
			steps:      []step{finished(`{"status":"done","branch":"fix-issue-7-x","pr_url":"https://github.com/acme/widgets/pull/3","tests_passed":4}`)},
			wantStatus: models.SessionStatusSucceeded,
		},
		{
			name:       "failed",
			steps:      []step{finished(`{"status":"failed","branch":"fix-issue-7-x"}`)},
			wantStatus: models.SessionStatusFailed,
			wantReason: models.ReasonExecutionFailed,
		},
		{
			name:       "blocked on a finished remote",
			steps:      []step{running(), finished(`{"status":"blocked"}`)},
			wantStatus: models.SessionStatusFailed,
			wantReason: models.ReasonExecutionIncomplete,
		},
		{
			name: "in progress output while remote runs",
			steps: []step{
				{st: &agent.Status{State: agent.StateRunning, RawStatus: "running", Output: json.RawMessage(`{"status":"in_progress"}`)}},
				finished(`{"status":"done","pr_url":"https://github.com/acme/widgets/pull/4"}`),
			},
			wantStatus: models.SessionStatusSucceeded,
		},
		{
			name:       "remote failed",
			steps:      []step{{st: &agent.Status{State: agent.StateFailed, RawStatus: "error"}}},
			wantStatus: models.SessionStatusFailed,
			wantReason: models.ReasonRemoteFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newTestStore(t)
			m := NewMachine(st, &scriptedClient{steps: tt.steps}, fastConfig(), nil)

			got, err := m.Wait(context.Background(), newCreated(t, st, models.PhaseExec))
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantReason, got.FailureReason)
		})
	}
}

func TestWait_ExecDefaultsPending(t *testing.T) {
	st := newTestStore(t)
	m := NewMachine(st, &scriptedClient{steps: []step{finished(`{"status":"done"}`)}}, fastConfig(), nil)
	sess := newCreated(t, st, models.PhaseExec)

	got, err := m.Wait(context.Background(), sess)
	require.NoError(t, err)
	require.NotNil(t, got.ExecOutcome())
	assert.Equal(t, models.Pending, got.ExecOutcome().Branch)
	assert.Equal(t, models.Pending, got.ExecOutcome().PRURL)
	assert.Contains(t, eventKinds(t, st, sess.ID), models.EventOutcomeDefaulted)
}

func TestWait_ContextCancelLeavesStateAsIs(t *testing.T) {
	st := newTestStore(t)
	client := &scriptedClient{steps: []step{running()}}
	m := NewMachine(st, client, Config{PollInterval: time.Hour, Timeout: 2 * time.Hour}, nil)
	sess := newCreated(t, st, models.PhaseScope)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			s, err := st.GetSession(context.Background(), sess.ID)
			if err == nil && s.Status == models.SessionStatusRunning {
				break
			}
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	got, err := m.Wait(ctx, sess)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.SessionStatusRunning, got.Status)

	persisted, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRunning, persisted.Status)
}

func TestRefresh_FetchesAtMostOnce(t *testing.T) {
	st := newTestStore(t)
	client := &scriptedClient{steps: []step{running(), finished(scopeOutput)}}
	m := NewMachine(st, client, fastConfig(), nil)
	sess := newCreated(t, st, models.PhaseScope)

	got, err := m.Refresh(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, 1, client.Calls())
	assert.Equal(t, models.SessionStatusRunning, got.Status)

	got, err = m.Refresh(context.Background(), got)
	require.NoError(t, err)
	assert.Equal(t, 2, client.Calls())
	assert.Equal(t, models.SessionStatusSucceeded, got.Status)
}

func TestRefresh_RunningWithoutChangeDoesNotWrite(t *testing.T) {
	st := newTestStore(t)
	client := &scriptedClient{steps: []step{running()}}
	m := NewMachine(st, client, fastConfig(), nil)
	sess := newCreated(t, st, models.PhaseScope)

	first, err := m.Refresh(context.Background(), sess)
	require.NoError(t, err)
	before := len(eventKinds(t, st, sess.ID))

	second, err := m.Refresh(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
	assert.Len(t, eventKinds(t, st, sess.ID), before)
}

func TestWait_InfiniteEffortIsClamped(t *testing.T) {
	st := newTestStore(t)
	out := `{"summary":"x","plan":["a"],"risk_level":"low","est_effort_hours":"Infinity","confidence":"-Infinity"}`
	m := NewMachine(st, &scriptedClient{steps: []step{finished(out)}}, fastConfig(), nil)
	sess := newCreated(t, st, models.PhaseScope)

	got, err := m.Wait(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusSucceeded, got.Status)
	assert.Equal(t, float64(result.MaxEffortHours), got.ScopeOutcome().EffortHours)
	assert.Equal(t, 0.0, got.ScopeOutcome().Confidence)

	persisted, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusSucceeded, persisted.Status)
	assert.Contains(t, eventKinds(t, st, sess.ID), models.EventOutcomeClamped)
}

func TestRefresh_StaleSnapshotAfterWait(t *testing.T) {
	st := newTestStore(t)
	client := &scriptedClient{steps: []step{finished(scopeOutput)}}
	m := NewMachine(st, client, fastConfig(), nil)
	sess := newCreated(t, st, models.PhaseScope)
	ctx := context.Background()

	_, err := m.Wait(ctx, sess)
	require.NoError(t, err)
	before, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)

	// sess still says created.
	got, err := m.Refresh(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusSucceeded, got.Status)
	assert.Equal(t, before.CompletedAt, got.CompletedAt)

	after, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, before.CompletedAt, after.CompletedAt)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, []models.EventKind{
		models.EventSessionCreated,
		models.EventStatusChanged,
		models.EventOutcomePersisted,
	}, eventKinds(t, st, sess.ID))
}

func TestWaitAndRefresh_ConcurrentPersistOutcomeOnce(t *testing.T) {
	st := newTestStore(t)
	m := NewMachine(st, &scriptedClient{steps: []step{finished(scopeOutput)}}, fastConfig(), nil)
	sess := newCreated(t, st, models.PhaseScope)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*models.Session, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				results[i], errs[i] = m.Wait(ctx, sess)
			} else {
				results[i], errs[i] = m.Refresh(ctx, sess)
			}
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, models.SessionStatusSucceeded, results[i].Status)
	}
	assert.Equal(t, []models.EventKind{
		models.EventSessionCreated,
		models.EventStatusChanged,
		models.EventOutcomePersisted,
	}, eventKinds(t, st, sess.ID))
}

func TestWait_TimeoutYieldsToConcurrentCompletion(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := newCreated(t, st, models.PhaseScope)

	// Another caller drives the session to success first.
	done := NewMachine(st, &scriptedClient{steps: []step{finished(scopeOutput)}}, fastConfig(), nil)
	_, err := done.Wait(ctx, sess)
	require.NoError(t, err)

	// This caller still holds a running snapshot and its deadline has passed.
	stale := sess.Clone()
	stale.Status = models.SessionStatusRunning
	stale.URL = running().st.URL
	late := NewMachine(st, &scriptedClient{steps: []step{running()}}, Config{PollInterval: time.Millisecond, Timeout: time.Nanosecond}, nil)

	got, err := late.Wait(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusSucceeded, got.Status)
	assert.Empty(t, got.FailureReason)
	assert.NotContains(t, eventKinds(t, st, sess.ID), models.EventPollTimeout)
}

func TestConfig_Defaults(t *testing.T) {
	m := NewMachine(newTestStore(t), &scriptedClient{steps: []step{running()}}, Config{}, nil)
	assert.Equal(t, DefaultPollInterval, m.Config().PollInterval)
	assert.Equal(t, DefaultTimeout, m.Config().Timeout)
}

package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/joescharf/triage/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Conn.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single pooled connection
	// serializes access within this process; BEGIN IMMEDIATE plus the busy
	// timeout serializes writers across processes.
	db.SetMaxOpenConns(1)

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p.what, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if err := s.withTx(ctx, func(q querier) error {
			if _, err := q.ExecContext(ctx, string(data)); err != nil {
				return err
			}
			_, err := q.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name)
			return err
		}); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a BEGIN IMMEDIATE transaction on a dedicated
// connection. The write lock is taken up front so a read-check-write inside fn
// cannot race another writer. fn must only use the querier it is given.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(q querier) error) (err error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return storageErr("acquire connection", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return storageErr("begin transaction", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Background context so the rollback still runs if ctx is cancelled.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(conn); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return storageErr("commit transaction", err)
	}
	committed = true
	return nil
}

// --- Sessions ---

const sessionColumns = `id, phase, repo, issue_number, status, url, failure_reason, outcome, raw_output, created_at, updated_at, completed_at`

// UpsertSession inserts or updates a session and appends events, all in one
// transaction. Repeating the call with the same values leaves a single,
// unchanged row. The session's phase and creation time are fixed by the first
// write; status may only move forward.
func (s *SQLiteStore) UpsertSession(ctx context.Context, sess *models.Session, events ...*models.Event) error {
	row, err := encodeSession(sess)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(q querier) error {
		existing, err := getSession(ctx, q, sess.ID)
		switch {
		case err == nil:
			if err := checkUpdate(existing, sess); err != nil {
				return err
			}
		case errors.Is(err, ErrNotFound):
			if sess.CreatedAt.IsZero() {
				sess.CreatedAt = time.Now().UTC()
			}
		default:
			return err
		}
		return writeSession(ctx, q, sess, row, events)
	})
}

// UpdateSession writes sess and appends events only while the persisted row
// still has the expected status. Otherwise nothing is written and the
// persisted session is returned with ErrStaleSession.
func (s *SQLiteStore) UpdateSession(ctx context.Context, expected models.SessionStatus, sess *models.Session, events ...*models.Event) (*models.Session, error) {
	row, err := encodeSession(sess)
	if err != nil {
		return nil, err
	}
	var current *models.Session
	err = s.withTx(ctx, func(q querier) error {
		existing, err := getSession(ctx, q, sess.ID)
		if err != nil {
			return err
		}
		if existing.Status != expected {
			current = existing
			return fmt.Errorf("session %s: %w (expected %s, found %s)", sess.ID, ErrStaleSession, expected, existing.Status)
		}
		if err := checkUpdate(existing, sess); err != nil {
			return err
		}
		return writeSession(ctx, q, sess, row, events)
	})
	if err != nil {
		return current, err
	}
	return sess, nil
}

type encodedSession struct {
	outcome sql.NullString
	raw     sql.NullString
}

func encodeSession(sess *models.Session) (encodedSession, error) {
	var row encodedSession
	if sess.ID == "" {
		return row, fmt.Errorf("upsert session: missing id")
	}
	if !sess.Phase.Valid() {
		return row, fmt.Errorf("upsert session %s: invalid phase %q", sess.ID, sess.Phase)
	}
	if !sess.Status.Valid() {
		return row, fmt.Errorf("upsert session %s: invalid status %q", sess.ID, sess.Status)
	}
	if sess.Outcome != nil && sess.Outcome.Phase() != sess.Phase {
		return row, fmt.Errorf("upsert session %s: %w", sess.ID, models.ErrOutcomePhase)
	}
	if sess.Outcome != nil {
		b, err := json.Marshal(sess.Outcome)
		if err != nil {
			return row, fmt.Errorf("encode outcome: %w", err)
		}
		row.outcome = sql.NullString{String: string(b), Valid: true}
	}
	if len(sess.RawOutput) > 0 {
		row.raw = sql.NullString{String: string(sess.RawOutput), Valid: true}
	}
	return row, nil
}

// checkUpdate enforces the immutable phase and the forward-only status, and
// carries the original creation time over to sess.
func checkUpdate(existing, sess *models.Session) error {
	if existing.Phase != sess.Phase {
		return fmt.Errorf("session %s: %w (%s -> %s)", sess.ID, ErrPhaseMismatch, existing.Phase, sess.Phase)
	}
	if !models.CanTransition(existing.Status, sess.Status) {
		return fmt.Errorf("session %s: %w (%s -> %s)", sess.ID, ErrInvalidTransition, existing.Status, sess.Status)
	}
	sess.CreatedAt = existing.CreatedAt
	return nil
}

func writeSession(ctx context.Context, q querier, sess *models.Session, row encodedSession, events []*models.Event) error {
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			url = excluded.url,
			failure_reason = excluded.failure_reason,
			outcome = excluded.outcome,
			raw_output = excluded.raw_output,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at`,
		sess.ID, string(sess.Phase), sess.Repo, sess.IssueNumber, string(sess.Status),
		sess.URL, sess.FailureReason, row.outcome, row.raw,
		sess.CreatedAt, sess.UpdatedAt, sess.CompletedAt,
	)
	if err != nil {
		return storageErr("upsert session", err)
	}

	for _, e := range events {
		if err := insertEvent(ctx, q, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return getSession(ctx, s.db, id)
}

func getSession(ctx context.Context, q querier, id string) (*models.Session, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get session", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*models.Session, error) {
	if filter.IssueNumber != 0 && filter.Repo == "" {
		return nil, ErrFilterIssueWithoutRepo
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any

	if filter.Repo != "" {
		query += " AND repo = ?"
		args = append(args, filter.Repo)
	}
	if filter.IssueNumber != 0 {
		query += " AND issue_number = ?"
		args = append(args, filter.IssueNumber)
	}
	if filter.Phase != "" {
		query += " AND phase = ?"
		args = append(args, string(filter.Phase))
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, storageErr("scan session", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list sessions", err)
	}
	return sessions, nil
}

// LatestSession returns the most recently created session of the given phase
// for an issue, whatever its status.
func (s *SQLiteStore) LatestSession(ctx context.Context, repo string, number int, phase models.Phase) (*models.Session, error) {
	sessions, err := s.ListSessions(ctx, SessionFilter{Repo: repo, IssueNumber: number, Phase: phase, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("%s session for %s#%d: %w", phase, repo, number, ErrNotFound)
	}
	return sessions[0], nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	sess := &models.Session{}
	var phase, status string
	var outcome, raw sql.NullString
	var completedAt sql.NullTime

	if err := row.Scan(&sess.ID, &phase, &sess.Repo, &sess.IssueNumber, &status,
		&sess.URL, &sess.FailureReason, &outcome, &raw,
		&sess.CreatedAt, &sess.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}

	sess.Phase = models.Phase(phase)
	sess.Status = models.SessionStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		sess.CompletedAt = &t
	}
	if raw.Valid {
		sess.RawOutput = json.RawMessage(raw.String)
	}
	if outcome.Valid {
		o, err := models.DecodeOutcome(sess.Phase, []byte(outcome.String))
		if err != nil {
			return nil, err
		}
		sess.Outcome = o
	}
	return sess, nil
}

// --- Events ---

func (s *SQLiteStore) AppendEvent(ctx context.Context, e *models.Event) error {
	return insertEvent(ctx, s.db, e)
}

func insertEvent(ctx context.Context, q querier, e *models.Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var sessionID sql.NullString
	if e.SessionID != "" {
		sessionID = sql.NullString{String: e.SessionID, Valid: true}
	}
	var detail sql.NullString
	if len(e.Detail) > 0 {
		detail = sql.NullString{String: string(e.Detail), Valid: true}
	}

	res, err := q.ExecContext(ctx,
		`INSERT INTO events (session_id, repo, issue_number, kind, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, e.Repo, e.IssueNumber, string(e.Kind), detail, e.CreatedAt,
	)
	if err != nil {
		return storageErr("append event", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// ListEvents returns events oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]*models.Event, error) {
	query := `SELECT id, session_id, repo, issue_number, kind, detail, created_at FROM events WHERE 1=1`
	var args []any

	if filter.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.Repo != "" {
		query += " AND repo = ?"
		args = append(args, filter.Repo)
	}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list events", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*models.Event
	for rows.Next() {
		e := &models.Event{}
		var sessionID, detail sql.NullString
		var kind string
		if err := rows.Scan(&e.ID, &sessionID, &e.Repo, &e.IssueNumber, &kind, &detail, &e.CreatedAt); err != nil {
			return nil, storageErr("scan event", err)
		}
		e.SessionID = sessionID.String
		e.Kind = models.EventKind(kind)
		if detail.Valid {
			e.Detail = json.RawMessage(detail.String)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list events", err)
	}
	return events, nil
}

// --- Issues ---

func (s *SQLiteStore) UpsertIssue(ctx context.Context, issue *models.Issue) error {
	issue.CachedAt = time.Now().UTC()
	labels, err := json.Marshal(issue.Labels)
	if err != nil {
		labels = []byte("[]")
	}
	var updatedAt sql.NullTime
	if !issue.UpdatedAt.IsZero() {
		updatedAt = sql.NullTime{Time: issue.UpdatedAt, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO issues (repo, number, title, body, state, labels, comment_count, html_url, updated_at, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repo, number) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			state = excluded.state,
			labels = excluded.labels,
			comment_count = excluded.comment_count,
			html_url = excluded.html_url,
			updated_at = excluded.updated_at,
			cached_at = excluded.cached_at`,
		issue.Repo, issue.Number, issue.Title, issue.Body, string(issue.State), string(labels),
		issue.CommentCount, issue.HTMLURL, updatedAt, issue.CachedAt,
	)
	if err != nil {
		return storageErr("upsert issue", err)
	}
	return nil
}

func (s *SQLiteStore) GetIssue(ctx context.Context, repo string, number int) (*models.Issue, error) {
	issue := &models.Issue{}
	var state, labels string
	var updatedAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT repo, number, title, body, state, labels, comment_count, html_url, updated_at, cached_at
		FROM issues WHERE repo = ? AND number = ?`, repo, number,
	).Scan(&issue.Repo, &issue.Number, &issue.Title, &issue.Body, &state, &labels,
		&issue.CommentCount, &issue.HTMLURL, &updatedAt, &issue.CachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("issue %s#%d: %w", repo, number, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get issue", err)
	}

	issue.State = models.IssueState(state)
	_ = json.Unmarshal([]byte(labels), &issue.Labels)
	if updatedAt.Valid {
		issue.UpdatedAt = updatedAt.Time
	}
	return issue, nil
}

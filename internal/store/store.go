package store

import (
	"context"
	"errors"

	"github.com/joescharf/triage/internal/models"
)

var (
	// ErrNotFound is returned when a session or issue does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStorage wraps every failure of the underlying database.
	ErrStorage = errors.New("storage error")
	// ErrPhaseMismatch is returned when an upsert would change a session's phase.
	ErrPhaseMismatch = errors.New("session phase is immutable")
	// ErrInvalidTransition is returned when an upsert would move a session's
	// status backwards or out of a terminal status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrStaleSession is returned by UpdateSession when the persisted status no
	// longer matches the status the caller expected.
	ErrStaleSession = errors.New("session changed since it was read")
	// ErrFilterIssueWithoutRepo is returned when filtering by issue number alone.
	ErrFilterIssueWithoutRepo = errors.New("issue number filter requires a repository")
)

// DefaultListLimit caps ListSessions when no limit is given.
const DefaultListLimit = 20

// SessionFilter specifies filters for listing sessions.
type SessionFilter struct {
	Repo        string
	IssueNumber int // requires Repo
	Phase       models.Phase
	Status      models.SessionStatus
	Limit       int
}

// EventFilter specifies filters for listing events.
type EventFilter struct {
	SessionID string
	Repo      string
	Kind      models.EventKind
	Limit     int
}

// Store defines the persistence interface for triage.
type Store interface {
	// Sessions
	UpsertSession(ctx context.Context, s *models.Session, events ...*models.Event) error
	UpdateSession(ctx context.Context, expected models.SessionStatus, s *models.Session, events ...*models.Event) (*models.Session, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*models.Session, error)
	LatestSession(ctx context.Context, repo string, number int, phase models.Phase) (*models.Session, error)

	// Events
	AppendEvent(ctx context.Context, e *models.Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*models.Event, error)

	// Issues
	UpsertIssue(ctx context.Context, issue *models.Issue) error
	GetIssue(ctx context.Context, repo string, number int) (*models.Issue, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

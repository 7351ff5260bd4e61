package models

import (
	"encoding/json"
	"time"
)

// EventKind tags an audit trail entry.
type EventKind string

const (
	EventSessionCreated        EventKind = "session_created"
	EventSubmitFailed          EventKind = "submit_failed"
	EventStatusChanged         EventKind = "status_changed"
	EventPollError             EventKind = "poll_error"
	EventPollTimeout           EventKind = "poll_timeout"
	EventSessionNotFound       EventKind = "session_not_found"
	EventOutcomePersisted      EventKind = "outcome_persisted"
	EventOutcomeClamped        EventKind = "outcome_clamped"
	EventOutcomeDefaulted      EventKind = "outcome_defaulted"
	EventParseFailed           EventKind = "parse_failed"
	EventRemoteFailed          EventKind = "remote_failed"
	EventIssueFetchFailed      EventKind = "issue_fetch_failed"
	EventPriorScopeUsed        EventKind = "prior_scope_used"
	EventPriorScopeUnavailable EventKind = "prior_scope_unavailable"
)

// Event is one append-only audit entry. SessionID is empty for events that
// concern only an issue.
type Event struct {
	ID          int64           `json:"id"`
	SessionID   string          `json:"session_id,omitempty"`
	Repo        string          `json:"repository,omitempty"`
	IssueNumber int             `json:"issue_number,omitempty"`
	Kind        EventKind       `json:"kind"`
	Detail      json.RawMessage `json:"detail,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewEvent builds an event for a session. detail is marshalled to JSON; a value
// that cannot be marshalled is dropped rather than failing the write.
func NewEvent(s *Session, kind EventKind, detail any) *Event {
	e := &Event{Kind: kind, Detail: marshalDetail(detail)}
	if s != nil {
		e.SessionID = s.ID
		e.Repo = s.Repo
		e.IssueNumber = s.IssueNumber
	}
	return e
}

// NewIssueEvent builds an event that is not tied to a session.
func NewIssueEvent(repo string, number int, kind EventKind, detail any) *Event {
	return &Event{Repo: repo, IssueNumber: number, Kind: kind, Detail: marshalDetail(detail)}
}

func marshalDetail(detail any) json.RawMessage {
	if detail == nil {
		return nil
	}
	if raw, ok := detail.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(detail)
	if err != nil {
		return nil
	}
	return b
}

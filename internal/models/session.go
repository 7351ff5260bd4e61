package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Phase is the kind of work a session performs.
type Phase string

const (
	PhaseScope Phase = "scope"
	PhaseExec  Phase = "exec"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p == PhaseScope || p == PhaseExec
}

// ParsePhase accepts the stored names plus "execute" as an alias for exec.
func ParsePhase(s string) (Phase, error) {
	switch s {
	case "scope":
		return PhaseScope, nil
	case "exec", "execute":
		return PhaseExec, nil
	}
	return "", fmt.Errorf("unknown phase %q (want scope or exec)", s)
}

// SessionStatus is the local lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusCreated   SessionStatus = "created"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusSucceeded SessionStatus = "succeeded"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusTimedOut  SessionStatus = "timed_out"
)

// Terminal reports whether no further transition can leave s.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusSucceeded, SessionStatusFailed, SessionStatusTimedOut:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	return s.rank() >= 0
}

func (s SessionStatus) rank() int {
	switch s {
	case SessionStatusCreated:
		return 0
	case SessionStatusRunning:
		return 1
	case SessionStatusSucceeded, SessionStatusFailed, SessionStatusTimedOut:
		return 2
	}
	return -1
}

// CanTransition reports whether moving from one status to another keeps the
// lifecycle monotonic. Staying in the same status is always allowed so that
// repeated writes converge; leaving a terminal status never is.
func CanTransition(from, to SessionStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	return to.rank() > from.rank()
}

// Failure reasons recorded on failed sessions.
const (
	ReasonSubmitRejected      = "remote_rejected"
	ReasonSubmitUnavailable   = "remote_unavailable"
	ReasonSessionNotFound     = "session_not_found"
	ReasonParseError          = "parse_error"
	ReasonRemoteFailed        = "remote_failed"
	ReasonExecutionFailed     = "execution_failed"
	ReasonExecutionIncomplete = "execution_incomplete"
	ReasonPollTimeout         = "poll_timeout"
)

// ErrOutcomePhase is returned when an outcome of the wrong shape is attached.
var ErrOutcomePhase = errors.New("outcome does not match session phase")

// Session is one remotely executed unit of agent work tracked locally.
type Session struct {
	ID            string
	Phase         Phase
	Repo          string
	IssueNumber   int
	Status        SessionStatus
	URL           string
	FailureReason string
	Outcome       Outcome
	RawOutput     json.RawMessage
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// SetOutcome attaches o after checking it matches the session's phase.
func (s *Session) SetOutcome(o Outcome) error {
	if o == nil {
		s.Outcome = nil
		return nil
	}
	if o.Phase() != s.Phase {
		return fmt.Errorf("%w: %s outcome on %s session", ErrOutcomePhase, o.Phase(), s.Phase)
	}
	s.Outcome = o
	return nil
}

// ScopeOutcome returns the scoping outcome, or nil.
func (s *Session) ScopeOutcome() *ScopeOutcome {
	o, _ := s.Outcome.(*ScopeOutcome)
	return o
}

// ExecOutcome returns the execution outcome, or nil.
func (s *Session) ExecOutcome() *ExecOutcome {
	o, _ := s.Outcome.(*ExecOutcome)
	return o
}

// Clone returns a copy safe to mutate independently.
func (s *Session) Clone() *Session {
	c := *s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	if s.RawOutput != nil {
		c.RawOutput = append(json.RawMessage(nil), s.RawOutput...)
	}
	c.Outcome = CloneOutcome(s.Outcome)
	return &c
}

type sessionJSON struct {
	ID            string          `json:"session_id"`
	Phase         Phase           `json:"phase"`
	Repo          string          `json:"repository"`
	IssueNumber   int             `json:"issue_number"`
	Status        SessionStatus   `json:"status"`
	URL           string          `json:"url,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Outcome       json.RawMessage `json:"outcome,omitempty"`
	RawOutput     json.RawMessage `json:"raw_output,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// MarshalJSON encodes the outcome according to the session's phase.
func (s Session) MarshalJSON() ([]byte, error) {
	out := sessionJSON{
		ID:            s.ID,
		Phase:         s.Phase,
		Repo:          s.Repo,
		IssueNumber:   s.IssueNumber,
		Status:        s.Status,
		URL:           s.URL,
		FailureReason: s.FailureReason,
		RawOutput:     s.RawOutput,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
		CompletedAt:   s.CompletedAt,
	}
	if s.Outcome != nil {
		b, err := json.Marshal(s.Outcome)
		if err != nil {
			return nil, err
		}
		out.Outcome = b
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the outcome into the shape selected by phase.
func (s *Session) UnmarshalJSON(data []byte) error {
	var in sessionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*s = Session{
		ID:            in.ID,
		Phase:         in.Phase,
		Repo:          in.Repo,
		IssueNumber:   in.IssueNumber,
		Status:        in.Status,
		URL:           in.URL,
		FailureReason: in.FailureReason,
		RawOutput:     in.RawOutput,
		CreatedAt:     in.CreatedAt,
		UpdatedAt:     in.UpdatedAt,
		CompletedAt:   in.CompletedAt,
	}
	o, err := DecodeOutcome(in.Phase, in.Outcome)
	if err != nil {
		return err
	}
	s.Outcome = o
	return nil
}

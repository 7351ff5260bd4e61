// Package agent talks to the remote AI agent that scopes and executes issues.
package agent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/joescharf/triage/internal/models"
)

// CreateRequest describes a session to submit.
type CreateRequest struct {
	Phase   models.Phase
	Title   string
	Prompt  string
	RepoURL string
	Schema  map[string]any
}

// Created is the remote's acknowledgement of a new session.
type Created struct {
	ID  string
	URL string
}

// RemoteState is the normalized remote session state.
type RemoteState string

const (
	StateRunning  RemoteState = "running"
	StateBlocked  RemoteState = "blocked"
	StateFinished RemoteState = "finished"
	StateFailed   RemoteState = "failed"
)

// Status is one observation of a remote session.
type Status struct {
	State     RemoteState
	RawStatus string
	URL       string
	Output    json.RawMessage
}

// Terminal reports whether the remote has stopped working on the session.
func (s *Status) Terminal() bool {
	return s.State == StateFinished || s.State == StateFailed
}

// HasOutput reports whether the remote attached structured output.
func (s *Status) HasOutput() bool {
	o := strings.TrimSpace(string(s.Output))
	return o != "" && o != "null" && o != "{}"
}

// Client is the boundary to a remote agent.
type Client interface {
	CreateSession(ctx context.Context, req CreateRequest) (*Created, error)
	FetchStatus(ctx context.Context, id string) (*Status, error)
}

// NormalizeState maps a remote status string onto a RemoteState. A session
// that already carries structured output counts as finished unless the remote
// reports it failed.
func NormalizeState(raw string, hasOutput bool) RemoteState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "finished", "completed", "done", "idle", "succeeded", "stopped":
		return StateFinished
	case "error", "failed":
		return StateFailed
	case "blocked":
		if hasOutput {
			return StateFinished
		}
		return StateBlocked
	}
	if hasOutput {
		return StateFinished
	}
	return StateRunning
}

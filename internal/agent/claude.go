package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/triage/internal/models"
)

// DefaultClaudeModel is used when no model is configured.
const DefaultClaudeModel = "claude-sonnet-4-5"

// claudeRetention is how long a finished run stays fetchable.
const claudeRetention = time.Hour

// ClaudeRunner implements Client by running each session as a single
// Anthropic Messages call in the background. Sessions live in memory only, so
// IDs from a previous process, or runs finished longer than the retention
// ago, report ErrSessionNotFound.
type ClaudeRunner struct {
	api       *anthropic.Client
	model     anthropic.Model
	timeout   time.Duration
	retention time.Duration
	now       func() time.Time

	mu   sync.Mutex
	runs map[string]*claudeRun
}

type claudeRun struct {
	state    RemoteState
	raw      string
	output   json.RawMessage
	finished time.Time
}

// NewClaudeRunner creates a runner. Extra request options are passed to the
// Anthropic client (base URL, retries).
func NewClaudeRunner(apiKey, model string, opts ...option.RequestOption) *ClaudeRunner {
	if apiKey != "" {
		opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	}
	if model == "" {
		model = DefaultClaudeModel
	}
	client := anthropic.NewClient(opts...)
	return &ClaudeRunner{
		api:       &client,
		model:     anthropic.Model(model),
		timeout:   10 * time.Minute,
		retention: claudeRetention,
		now:       time.Now,
		runs:      make(map[string]*claudeRun),
	}
}

// CreateSession starts the run and returns immediately.
func (r *ClaudeRunner) CreateSession(ctx context.Context, req CreateRequest) (*Created, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &APIError{Message: "empty prompt", Kind: ErrRemoteRejected}
	}

	id := "claude-" + models.NewULID()
	r.mu.Lock()
	r.pruneLocked()
	r.runs[id] = &claudeRun{state: StateRunning, raw: "running"}
	r.mu.Unlock()

	go r.run(id, req)
	return &Created{ID: id}, nil
}

// FetchStatus reports the run's state.
func (r *ClaudeRunner) FetchStatus(ctx context.Context, id string) (*Status, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked()
	run, ok := r.runs[id]
	if !ok {
		return nil, &APIError{StatusCode: 404, Message: "unknown session " + id, Kind: ErrSessionNotFound}
	}
	return &Status{State: run.state, RawStatus: run.raw, Output: run.output}, nil
}

func (r *ClaudeRunner) run(id string, req CreateRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	schema, err := json.MarshalIndent(req.Schema, "", "  ")
	if err != nil {
		r.finish(id, StateFailed, "error", nil)
		return
	}
	system := fmt.Sprintf(`You are a senior engineer working on the repository %s.
Return ONLY a JSON object matching this JSON schema, with no markdown fencing or explanation:

%s`, req.RepoURL, schema)

	msg, err := r.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     r.model,
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		slog.Warn("claude run failed", "session_id", id, "error", err)
		r.finish(id, StateFailed, "error", nil)
		return
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	text = stripFence(text)
	if text == "" {
		r.finish(id, StateFailed, "error", nil)
		return
	}

	output := json.RawMessage(text)
	if !json.Valid(output) {
		// Hand the text on as a JSON string; the result parser decides whether
		// it is usable.
		output, _ = json.Marshal(text)
	}
	r.finish(id, StateFinished, "finished", output)
}

func (r *ClaudeRunner) finish(id string, state RemoteState, raw string, output json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[id]; ok {
		run.state = state
		run.raw = raw
		run.output = output
		run.finished = r.now()
	}
}

// pruneLocked drops runs that finished before the retention window.
func (r *ClaudeRunner) pruneLocked() {
	cutoff := r.now().Add(-r.retention)
	for id, run := range r.runs {
		if !run.finished.IsZero() && run.finished.Before(cutoff) {
			delete(r.runs, id)
		}
	}
}

// stripFence removes a surrounding markdown code fence.
func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}

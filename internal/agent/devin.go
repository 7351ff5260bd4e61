package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultDevinURL is the public Devin API base.
const DefaultDevinURL = "https://api.devin.ai/v1"

// DevinClient implements Client against the Devin REST API.
type DevinClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewDevinClient returns a client for the API at baseURL (DefaultDevinURL if
// empty).
func NewDevinClient(baseURL, apiKey string) *DevinClient {
	if baseURL == "" {
		baseURL = DefaultDevinURL
	}
	return &DevinClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

type devinCreateBody struct {
	Prompt                 string         `json:"prompt"`
	Title                  string         `json:"title,omitempty"`
	RepoURL                string         `json:"repo_url,omitempty"`
	StructuredOutputSchema map[string]any `json:"structured_output_schema,omitempty"`
}

type devinSession struct {
	SessionID        string          `json:"session_id"`
	Status           string          `json:"status"`
	StatusEnum       string          `json:"status_enum"`
	URL              string          `json:"url"`
	StructuredOutput json.RawMessage `json:"structured_output"`
}

// CreateSession submits a new session.
func (c *DevinClient) CreateSession(ctx context.Context, req CreateRequest) (*Created, error) {
	body := devinCreateBody{
		Prompt:                 req.Prompt,
		Title:                  req.Title,
		RepoURL:                req.RepoURL,
		StructuredOutputSchema: req.Schema,
	}

	var resp devinSession
	if err := c.do(ctx, http.MethodPost, "/sessions", body, &resp, false); err != nil {
		return nil, err
	}
	if resp.SessionID == "" {
		return nil, &APIError{Message: "response has no session_id", Kind: ErrRemoteUnavailable}
	}
	slog.Debug("devin session created", "session_id", resp.SessionID, "url", resp.URL)
	return &Created{ID: resp.SessionID, URL: resp.URL}, nil
}

// FetchStatus reads the current state of a session.
func (c *DevinClient) FetchStatus(ctx context.Context, id string) (*Status, error) {
	var resp devinSession
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &resp, true); err != nil {
		return nil, err
	}

	raw := resp.StatusEnum
	if raw == "" {
		raw = resp.Status
	}
	st := &Status{RawStatus: raw, URL: resp.URL, Output: resp.StructuredOutput}
	st.State = NormalizeState(raw, st.HasOutput())
	return st, nil
}

func (c *DevinClient) do(ctx context.Context, method, path string, in, out any, fetch bool) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &APIError{Message: err.Error(), Kind: ErrRemoteUnavailable}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: "read body: " + err.Error(), Kind: ErrRemoteUnavailable}
	}

	if resp.StatusCode >= 400 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(data), Kind: classify(resp.StatusCode, fetch)}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: "decode response: " + err.Error(), Kind: ErrRemoteUnavailable}
	}
	return nil
}

func errorMessage(data []byte) string {
	var e struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil {
		for _, m := range []string{e.Message, e.Detail, e.Error} {
			if m != "" {
				return m
			}
		}
	}
	if s := strings.TrimSpace(string(data)); s != "" {
		return s
	}
	return "unknown error"
}

// Package forge reads issues from GitHub.
package forge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/joescharf/triage/internal/models"
)

const (
	DefaultAPIURL = "https://api.github.com"
	apiVersion    = "2022-11-28"
	maxPerPage    = 100
)

// ErrNotFound is returned for a missing repository or issue.
var ErrNotFound = errors.New("not found on GitHub")

// HTTPError is a non-2xx GitHub response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("github: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// ListOptions filters ListIssues.
type ListOptions struct {
	State    string // open, closed or all; default open
	Labels   []string
	Assignee string
	Page     int
	PerPage  int
}

// Client is a minimal GitHub REST v3 client for issues.
type Client struct {
	baseURL    string
	token      string
	http       *http.Client
	maxElapsed time.Duration
}

// New returns a client. An empty baseURL means api.github.com; an empty token
// makes unauthenticated requests.
func New(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		http:       &http.Client{Timeout: 30 * time.Second},
		maxElapsed: 30 * time.Second,
	}
}

// WithRetryWindow bounds how long transient failures are retried.
func (c *Client) WithRetryWindow(d time.Duration) *Client {
	c.maxElapsed = d
	return c
}

type ghIssue struct {
	Number   int    `json:"number"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	State    string `json:"state"`
	Comments int    `json:"comments"`
	HTMLURL  string `json:"html_url"`
	Labels   []struct {
		Name string `json:"name"`
	} `json:"labels"`
	UpdatedAt   time.Time       `json:"updated_at"`
	PullRequest json.RawMessage `json:"pull_request"`
}

func (g *ghIssue) toModel(repo string) *models.Issue {
	labels := make([]string, 0, len(g.Labels))
	for _, l := range g.Labels {
		labels = append(labels, l.Name)
	}
	return &models.Issue{
		Repo:         repo,
		Number:       g.Number,
		Title:        g.Title,
		Body:         g.Body,
		State:        models.IssueState(g.State),
		Labels:       labels,
		CommentCount: g.Comments,
		HTMLURL:      g.HTMLURL,
		UpdatedAt:    g.UpdatedAt,
	}
}

// GetIssue fetches one issue without its comments.
func (c *Client) GetIssue(ctx context.Context, repo string, number int) (*models.Issue, error) {
	owner, name, err := models.SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	var gi ghIssue
	if err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/issues/%d", owner, name, number), nil, &gi); err != nil {
		return nil, fmt.Errorf("get issue %s#%d: %w", repo, number, err)
	}
	return gi.toModel(repo), nil
}

// ListComments returns the bodies of the first page of comments.
func (c *Client) ListComments(ctx context.Context, repo string, number int) ([]string, error) {
	owner, name, err := models.SplitRepo(repo)
	if err != nil {
		return nil, err
	}
	var comments []struct {
		Body string `json:"body"`
	}
	q := url.Values{"per_page": {strconv.Itoa(maxPerPage)}}
	if err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, name, number), q, &comments); err != nil {
		return nil, fmt.Errorf("list comments %s#%d: %w", repo, number, err)
	}
	out := make([]string, 0, len(comments))
	for _, cm := range comments {
		out = append(out, cm.Body)
	}
	return out, nil
}

// FetchIssue returns an issue together with its comments.
func (c *Client) FetchIssue(ctx context.Context, repo string, number int) (*models.Issue, error) {
	issue, err := c.GetIssue(ctx, repo, number)
	if err != nil {
		return nil, err
	}
	if issue.CommentCount > 0 {
		comments, err := c.ListComments(ctx, repo, number)
		if err != nil {
			return nil, err
		}
		issue.Comments = comments
	}
	return issue, nil
}

// ListIssues lists issues sorted by last update. Pull requests are dropped.
func (c *Client) ListIssues(ctx context.Context, repo string, opts ListOptions) ([]*models.Issue, error) {
	owner, name, err := models.SplitRepo(repo)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	state := opts.State
	if state == "" {
		state = "open"
	}
	q.Set("state", state)
	q.Set("sort", "updated")
	page := opts.Page
	if page < 1 {
		page = 1
	}
	q.Set("page", strconv.Itoa(page))
	perPage := opts.PerPage
	if perPage < 1 {
		perPage = 30
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	q.Set("per_page", strconv.Itoa(perPage))
	if len(opts.Labels) > 0 {
		q.Set("labels", strings.Join(opts.Labels, ","))
	}
	if opts.Assignee != "" {
		q.Set("assignee", opts.Assignee)
	}

	var raw []ghIssue
	if err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/issues", owner, name), q, &raw); err != nil {
		return nil, fmt.Errorf("list issues %s: %w", repo, err)
	}

	issues := make([]*models.Issue, 0, len(raw))
	for i := range raw {
		if len(raw[i].PullRequest) > 0 && string(raw[i].PullRequest) != "null" {
			continue
		}
		issues = append(issues, raw[i].toModel(repo))
	}
	return issues, nil
}

// get performs a GET, retrying network errors, 5xx and 429 with exponential
// backoff. Other 4xx responses fail immediately.
func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = c.maxElapsed

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", apiVersion)
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			slog.Debug("github request failed, retrying", "url", u, "error", err)
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return err
		}

		if resp.StatusCode >= 400 {
			herr := &HTTPError{StatusCode: resp.StatusCode, Message: githubMessage(body)}
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				slog.Debug("github transient error, retrying", "url", u, "status", resp.StatusCode)
				return herr
			}
			return backoff.Permanent(herr)
		}

		if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining == "0" {
			slog.Warn("github rate limit exhausted", "reset", resp.Header.Get("X-RateLimit-Reset"))
		}

		if err := json.Unmarshal(body, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

func githubMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil && e.Message != "" {
		return e.Message
	}
	return strings.TrimSpace(string(body))
}

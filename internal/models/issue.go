package models

import (
	"fmt"
	"strings"
	"time"
)

// IssueState mirrors the forge's open/closed state.
type IssueState string

const (
	IssueStateOpen   IssueState = "open"
	IssueStateClosed IssueState = "closed"
)

// Issue is a read-through copy of a forge issue. It is keyed by (Repo, Number)
// and only ever refreshed from the forge, never edited locally.
type Issue struct {
	Repo         string     `json:"repository"`
	Number       int        `json:"number"`
	Title        string     `json:"title"`
	Body         string     `json:"body,omitempty"`
	State        IssueState `json:"state"`
	Labels       []string   `json:"labels"`
	CommentCount int        `json:"comment_count"`
	Comments     []string   `json:"comments,omitempty"` // not persisted
	HTMLURL      string     `json:"html_url,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CachedAt     time.Time  `json:"cached_at"`
}

// Ref returns the conventional "owner/repo#number" reference.
func (i *Issue) Ref() string {
	return fmt.Sprintf("%s#%d", i.Repo, i.Number)
}

// SplitRepo splits "owner/name" into its parts.
func SplitRepo(repo string) (owner, name string, err error) {
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository %q: expected owner/name", repo)
	}
	return parts[0], parts[1], nil
}

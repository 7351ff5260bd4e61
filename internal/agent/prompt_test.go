package agent

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joescharf/triage/internal/models"
)

func TestScopePrompt_CapsComments(t *testing.T) {
	issue := &models.Issue{Repo: "acme/widgets", Number: 3, Title: "Slow startup"}
	for i := 1; i <= 8; i++ {
		issue.Comments = append(issue.Comments, fmt.Sprintf("comment %d", i))
	}

	p := ScopePrompt(issue)
	assert.Contains(t, p, "**Discussion (8 comments):**")
	assert.Contains(t, p, "5. comment 5")
	assert.NotContains(t, p, "comment 6")
	assert.Contains(t, p, "No description provided")
}

func TestExecPrompt_IncludesPlan(t *testing.T) {
	issue := &models.Issue{Repo: "acme/widgets", Number: 12, Title: "Crash", Body: "Stack trace"}

	with := ExecPrompt(issue, []string{"Reproduce", "Fix nil map"})
	assert.Contains(t, with, "**Implementation Plan:**\n1. Reproduce\n2. Fix nil map\n")
	assert.Contains(t, with, "`fix-issue-12-<descriptive-name>`")
	assert.Contains(t, with, "https://github.com/acme/widgets")

	without := ExecPrompt(issue, nil)
	assert.NotContains(t, without, "Implementation Plan")
}

func TestRequests_CarryPhaseAndSchema(t *testing.T) {
	issue := &models.Issue{Repo: "acme/widgets", Number: 1, Title: "t"}

	scope := ScopeRequest(issue)
	assert.Equal(t, models.PhaseScope, scope.Phase)
	assert.Equal(t, []string{"summary", "plan", "risk_level", "est_effort_hours", "confidence"}, scope.Schema["required"])

	exec := ExecRequest(issue, nil)
	assert.Equal(t, models.PhaseExec, exec.Phase)
	assert.Equal(t, []string{"status"}, exec.Schema["required"])
}

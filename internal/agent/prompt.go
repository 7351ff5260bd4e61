package agent

import (
	"fmt"
	"strings"

	"github.com/joescharf/triage/internal/models"
)

// MaxPromptComments caps how many issue comments go into a scoping prompt.
const MaxPromptComments = 5

// RepoURL returns the GitHub URL for an "owner/name" repository.
func RepoURL(repo string) string {
	return "https://github.com/" + repo
}

// ScopeSchema is the structured output requested from scoping sessions.
func ScopeSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"summary": map[string]any{
				"type":        "string",
				"description": "Brief summary of issue and recommended approach",
			},
			"plan": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Step-by-step implementation plan (3-7 steps)",
			},
			"risk_level": map[string]any{
				"type":        "string",
				"enum":        []string{"low", "medium", "high"},
				"description": "Risk level for implementing this fix",
			},
			"est_effort_hours": map[string]any{
				"type":        "number",
				"description": "Estimated effort in hours",
			},
			"confidence": map[string]any{
				"type":        "number",
				"minimum":     0.0,
				"maximum":     1.0,
				"description": "Confidence score (0.0 = no confidence, 1.0 = very confident)",
			},
		},
		"required": []string{"summary", "plan", "risk_level", "est_effort_hours", "confidence"},
	}
}

// ExecSchema is the structured output requested from execution sessions.
func ExecSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"status": map[string]any{
				"type":        "string",
				"enum":        []string{"done", "failed", "blocked"},
				"description": "Implementation status",
			},
			"branch": map[string]any{
				"type":        "string",
				"description": "Git branch name where changes were made",
			},
			"pr_url": map[string]any{
				"type":        "string",
				"description": "URL of the pull request created",
			},
			"tests_passed": map[string]any{
				"type":        "integer",
				"description": "Number of tests that passed",
			},
			"tests_failed": map[string]any{
				"type":        "integer",
				"description": "Number of tests that failed",
			},
		},
		"required": []string{"status"},
	}
}

// ScopeRequest builds the submission for scoping an issue.
func ScopeRequest(issue *models.Issue) CreateRequest {
	return CreateRequest{
		Phase:   models.PhaseScope,
		Title:   fmt.Sprintf("Scope %s: %s", issue.Ref(), issue.Title),
		Prompt:  ScopePrompt(issue),
		RepoURL: RepoURL(issue.Repo),
		Schema:  ScopeSchema(),
	}
}

// ExecRequest builds the submission for executing an issue. plan may be nil.
func ExecRequest(issue *models.Issue, plan []string) CreateRequest {
	return CreateRequest{
		Phase:   models.PhaseExec,
		Title:   fmt.Sprintf("Fix %s: %s", issue.Ref(), issue.Title),
		Prompt:  ExecPrompt(issue, plan),
		RepoURL: RepoURL(issue.Repo),
		Schema:  ExecSchema(),
	}
}

func description(body string) string {
	if strings.TrimSpace(body) == "" {
		return "No description provided"
	}
	return body
}

// ScopePrompt asks the agent to analyze an issue and return a plan.
func ScopePrompt(issue *models.Issue) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are analyzing GitHub issue #%d from repository %s.\n\n", issue.Number, issue.Repo)
	fmt.Fprintf(&sb, "**Issue Title:** %s\n\n", issue.Title)
	fmt.Fprintf(&sb, "**Issue Description:**\n%s\n\n", description(issue.Body))

	if len(issue.Comments) > 0 {
		fmt.Fprintf(&sb, "**Discussion (%d comments):**\n", len(issue.Comments))
		for i, c := range issue.Comments {
			if i == MaxPromptComments {
				break
			}
			fmt.Fprintf(&sb, "%d. %s\n\n", i+1, c)
		}
	}

	sb.WriteString(`**Your Task:**
Analyze this issue and provide a structured implementation plan.

Please respond with:
1. **Summary**: Brief overview of the issue and your recommended approach
2. **Plan**: Step-by-step implementation plan (3-7 concrete steps)
3. **Risk Level**: Assess risk as "low", "medium", or "high"
4. **Estimated Effort**: Hours needed to implement
5. **Confidence**: Your confidence in this plan (0.0 to 1.0)

Consider:
- Code complexity
- Testing requirements
- Potential edge cases
- Dependencies and breaking changes
- Documentation needs

Provide your response in the structured format specified.
`)
	return sb.String()
}

// ExecPrompt asks the agent to implement a fix and open a pull request.
func ExecPrompt(issue *models.Issue, plan []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are implementing a fix for GitHub issue #%d.\n\n", issue.Number)
	fmt.Fprintf(&sb, "**Repository:** %s\n\n", RepoURL(issue.Repo))
	fmt.Fprintf(&sb, "**Issue Title:** %s\n\n", issue.Title)
	fmt.Fprintf(&sb, "**Issue Description:**\n%s\n\n", description(issue.Body))

	if len(plan) > 0 {
		sb.WriteString("**Implementation Plan:**\n")
		for i, step := range plan {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, step)
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, `**Your Task:**
1. Clone the repository (if needed)
2. Create a feature branch (name: `+"`fix-issue-%d-<descriptive-name>`"+`)
3. Implement the fix following the repository's conventions
4. Write/update tests as needed
5. Ensure all tests pass
6. Create a Pull Request with:
   - Clear title referencing the issue
   - Description explaining your changes
   - Link back to the original issue

**Requirements:**
- Follow the repository's coding style
- Update documentation if needed
- Ensure backward compatibility
- Run linters and formatters

Please respond with structured output containing:
- Status (done/failed/blocked)
- Branch name
- PR URL
- Test results (passed/failed counts)
`, issue.Number)
	return sb.String()
}

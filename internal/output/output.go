package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/joescharf/triage/internal/models"
)

// UI provides colored output and respects verbose mode.
type UI struct {
	Verbose bool
	Out     io.Writer
	ErrOut  io.Writer
}

// New creates a UI with default stdout/stderr writers.
func New() *UI {
	return &UI{
		Out:    os.Stdout,
		ErrOut: os.Stderr,
	}
}

var (
	infoPrefix    = color.New(color.FgHiBlue).Sprint("i")
	successPrefix = color.New(color.FgHiGreen).Sprint("✓")
	warningPrefix = color.New(color.FgHiYellow).Sprint("⚠")
	errorPrefix   = color.New(color.FgHiRed).Sprint("✗")
	verbosePrefix = color.New(color.FgHiBlue).Sprint("  →")
	cyan          = color.New(color.FgHiCyan).SprintFunc()
	green         = color.New(color.FgHiGreen).SprintFunc()
	yellow        = color.New(color.FgHiYellow).SprintFunc()
	red           = color.New(color.FgHiRed).SprintFunc()
	bold          = color.New(color.Bold).SprintFunc()
)

// Cyan returns a cyan-colored string.
func Cyan(s string) string { return cyan(s) }

// Green returns a green-colored string.
func Green(s string) string { return green(s) }

// Yellow returns a yellow-colored string.
func Yellow(s string) string { return yellow(s) }

// Red returns a red-colored string.
func Red(s string) string { return red(s) }

// StatusColor returns the session status colored by lifecycle stage.
func StatusColor(status models.SessionStatus) string {
	s := string(status)
	switch status {
	case models.SessionStatusCreated:
		return cyan(s)
	case models.SessionStatusRunning:
		return yellow(s)
	case models.SessionStatusSucceeded:
		return green(s)
	case models.SessionStatusFailed, models.SessionStatusTimedOut:
		return red(s)
	default:
		return s
	}
}

// RiskColor returns the risk level colored by severity.
func RiskColor(risk models.RiskLevel) string {
	s := string(risk)
	switch risk {
	case models.RiskLow:
		return green(s)
	case models.RiskMedium:
		return yellow(s)
	case models.RiskHigh:
		return red(s)
	default:
		return s
	}
}

// ConfidenceColor returns a 0..1 confidence as a colored percentage.
func ConfidenceColor(c float64) string {
	s := fmt.Sprintf("%.0f%%", c*100)
	switch {
	case c >= 0.8:
		return green(s)
	case c >= 0.5:
		return yellow(s)
	default:
		return red(s)
	}
}

func (u *UI) Info(format string, a ...any) {
	fmt.Fprintf(u.Out, "%s %s\n", infoPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Success(format string, a ...any) {
	fmt.Fprintf(u.Out, "%s %s\n", successPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Warning(format string, a ...any) {
	fmt.Fprintf(u.ErrOut, "%s %s\n", warningPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Error(format string, a ...any) {
	fmt.Fprintf(u.ErrOut, "%s %s\n", errorPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) VerboseLog(format string, a ...any) {
	if u.Verbose {
		fmt.Fprintf(u.Out, "%s %s\n", verbosePrefix, fmt.Sprintf(format, a...))
	}
}

// JSON writes v as indented JSON.
func (u *UI) JSON(v any) error {
	enc := json.NewEncoder(u.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Table creates a new tablewriter configured with consistent styling.
func (u *UI) Table(headers []string) *tablewriter.Table {
	table := tablewriter.NewTable(u.Out,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header(headers)
	return table
}

// Sessions renders a session list, newest first as given.
func (u *UI) Sessions(list []*models.Session) error {
	if len(list) == 0 {
		u.Info("No sessions found")
		return nil
	}
	table := u.Table([]string{"ID", "PHASE", "ISSUE", "STATUS", "REASON", "UPDATED"})
	for _, s := range list {
		if err := table.Append([]string{
			s.ID,
			string(s.Phase),
			fmt.Sprintf("%s#%d", s.Repo, s.IssueNumber),
			StatusColor(s.Status),
			s.FailureReason,
			timeAgo(s.UpdatedAt),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

// Session renders one session with its outcome.
func (u *UI) Session(s *models.Session) {
	fmt.Fprintf(u.Out, "%s  %s\n", bold(s.ID), StatusColor(s.Status))
	fmt.Fprintf(u.Out, "  Phase:    %s\n", s.Phase)
	fmt.Fprintf(u.Out, "  Issue:    %s#%d\n", s.Repo, s.IssueNumber)
	if s.URL != "" {
		fmt.Fprintf(u.Out, "  URL:      %s\n", s.URL)
	}
	if s.FailureReason != "" {
		fmt.Fprintf(u.Out, "  Reason:   %s\n", red(s.FailureReason))
	}
	fmt.Fprintf(u.Out, "  Created:  %s\n", s.CreatedAt.Local().Format(time.DateTime))
	if s.CompletedAt != nil {
		fmt.Fprintf(u.Out, "  Finished: %s (%s)\n", s.CompletedAt.Local().Format(time.DateTime),
			s.CompletedAt.Sub(s.CreatedAt).Round(time.Second))
	}

	switch o := s.Outcome.(type) {
	case *models.ScopeOutcome:
		fmt.Fprintf(u.Out, "\n  Summary:    %s\n", o.Summary)
		fmt.Fprintf(u.Out, "  Risk:       %s\n", RiskColor(o.Risk))
		fmt.Fprintf(u.Out, "  Effort:     %.1fh\n", o.EffortHours)
		fmt.Fprintf(u.Out, "  Confidence: %s\n", ConfidenceColor(o.Confidence))
		if len(o.Plan) > 0 {
			fmt.Fprintln(u.Out, "  Plan:")
			for i, step := range o.Plan {
				fmt.Fprintf(u.Out, "    %d. %s\n", i+1, step)
			}
		}
	case *models.ExecOutcome:
		fmt.Fprintf(u.Out, "\n  Result:  %s\n", o.Status)
		fmt.Fprintf(u.Out, "  Branch:  %s\n", o.Branch)
		fmt.Fprintf(u.Out, "  PR:      %s\n", o.PRURL)
		fmt.Fprintf(u.Out, "  Tests:   %s passed, %s failed\n",
			green(fmt.Sprint(o.TestsPassed)), failedCount(o.TestsFailed))
	}
}

// Events renders a session's audit trail in recorded order.
func (u *UI) Events(events []*models.Event) error {
	if len(events) == 0 {
		u.Info("No events recorded")
		return nil
	}
	table := u.Table([]string{"#", "TIME", "KIND", "DETAIL"})
	for _, e := range events {
		if err := table.Append([]string{
			fmt.Sprint(e.ID),
			e.CreatedAt.Local().Format(time.TimeOnly),
			string(e.Kind),
			truncate(string(e.Detail), 80),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func failedCount(n int) string {
	if n > 0 {
		return red(fmt.Sprint(n))
	}
	return fmt.Sprint(n)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func timeAgo(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/triage/internal/models"
	"github.com/joescharf/triage/internal/orchestrator"
	"github.com/joescharf/triage/internal/store"
)

var (
	statusRepo    string
	statusIssue   int
	statusPhase   string
	statusState   string
	statusLimit   int
	statusRefresh bool
)

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show sessions",
	Long: `Show one session in detail, or list recent sessions newest first.

With --refresh, non-terminal sessions are polled once before display.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return statusShowRun(args[0])
		}
		return statusListRun()
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events <session-id>",
	Short: "Show the audit trail of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return eventsRun(args[0])
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusRepo, "repo", "", "Filter by repository (owner/name)")
	statusCmd.Flags().IntVar(&statusIssue, "issue", 0, "Filter by issue number (requires --repo)")
	statusCmd.Flags().StringVar(&statusPhase, "phase", "", "Filter by phase (scope or exec)")
	statusCmd.Flags().StringVar(&statusState, "state", "", "Filter by status (created, running, succeeded, failed, timed_out)")
	statusCmd.Flags().IntVar(&statusLimit, "limit", store.DefaultListLimit, "Maximum sessions to list")
	statusCmd.Flags().BoolVar(&statusRefresh, "refresh", false, "Poll non-terminal sessions once")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(eventsCmd)
}

func statusFilter() (store.SessionFilter, error) {
	f := store.SessionFilter{Repo: statusRepo, IssueNumber: statusIssue, Limit: statusLimit}
	if statusIssue > 0 && statusRepo == "" {
		return f, store.ErrFilterIssueWithoutRepo
	}
	if statusPhase != "" {
		p, err := models.ParsePhase(statusPhase)
		if err != nil {
			return f, err
		}
		f.Phase = p
	}
	if statusState != "" {
		f.Status = models.SessionStatus(statusState)
		if !f.Status.Valid() {
			return f, fmt.Errorf("unknown status %q", statusState)
		}
	}
	return f, nil
}

func statusListRun() error {
	filter, err := statusFilter()
	if err != nil {
		return err
	}
	svc, err := statusService()
	if err != nil {
		return err
	}

	list, err := svc.Sessions(context.Background(), filter, statusRefresh)
	if err != nil {
		return err
	}
	if jsonOutput() {
		if list == nil {
			list = []*models.Session{}
		}
		return ui.JSON(list)
	}
	return ui.Sessions(list)
}

func statusShowRun(id string) error {
	svc, err := statusService()
	if err != nil {
		return err
	}
	sess, err := svc.Session(context.Background(), id, statusRefresh)
	if err != nil {
		return err
	}
	printSession(sess)
	return nil
}

func eventsRun(id string) error {
	svc, err := statusService()
	if err != nil {
		return err
	}
	events, err := svc.Events(context.Background(), id)
	if err != nil {
		return err
	}
	if jsonOutput() {
		if events == nil {
			events = []*models.Event{}
		}
		return ui.JSON(events)
	}
	return ui.Events(events)
}

// statusService needs agent credentials only when refreshing.
func statusService() (*orchestrator.Service, error) {
	if statusRefresh {
		return getService()
	}
	return readService()
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/joescharf/triage/internal/models"
	"github.com/joescharf/triage/internal/orchestrator"
)

var (
	scopeWait   bool
	executeWait bool
)

var scopeCmd = &cobra.Command{
	Use:   "scope <owner/repo> <issue-number>",
	Short: "Ask the agent to scope an issue",
	Long: `Start a scope session for a GitHub issue.

The agent returns a summary, an implementation plan, a risk level, an effort
estimate in hours and a confidence score. By default the command waits for
the session to finish; use --no-wait to return right after submission.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitRun(cmd, models.PhaseScope, args, scopeWait)
	},
}

var executeCmd = &cobra.Command{
	Use:   "execute <owner/repo> <issue-number>",
	Short: "Ask the agent to implement an issue and open a PR",
	Long: `Start an execute session for a GitHub issue.

The latest successful scope plan for the issue, if any, is included in the
prompt. By default the command returns right after submission; use --wait
to poll until the session finishes.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitRun(cmd, models.PhaseExec, args, executeWait)
	},
}

func init() {
	scopeCmd.Flags().BoolVar(&scopeWait, "wait", true, "Wait for the session to finish (--no-wait to return immediately)")
	executeCmd.Flags().BoolVar(&executeWait, "wait", false, "Wait for the session to finish")
	for _, c := range []*cobra.Command{scopeCmd, executeCmd} {
		c.Flags().Bool("no-wait", false, "Return right after submission")
		rootCmd.AddCommand(c)
	}
}

func parseIssueArgs(args []string) (orchestrator.Request, error) {
	n, err := strconv.Atoi(args[1])
	if err != nil || n <= 0 {
		return orchestrator.Request{}, fmt.Errorf("invalid issue number %q", args[1])
	}
	return orchestrator.Request{Repo: args[0], IssueNumber: n}, nil
}

func submitRun(cmd *cobra.Command, phase models.Phase, args []string, wait bool) error {
	req, err := parseIssueArgs(args)
	if err != nil {
		return err
	}
	if noWait, _ := cmd.Flags().GetBool("no-wait"); noWait {
		wait = false
	}
	req.Wait = wait

	svc, err := getService()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	shutdown, err := initTelemetry(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	if wait {
		ui.Info("Submitting %s session for %s#%d and waiting (Ctrl-C to stop waiting)", phase, req.Repo, req.IssueNumber)
	}

	submit := svc.Scope
	if phase == models.PhaseExec {
		submit = svc.Execute
	}
	sess, err := submit(ctx, req)
	if err != nil {
		if sess != nil {
			printSession(sess)
		}
		if errors.Is(err, context.Canceled) {
			ui.Warning("Stopped waiting; the session keeps running remotely. Check it with 'triage status --refresh'")
			return nil
		}
		return err
	}

	printSession(sess)
	if sess.Status == models.SessionStatusFailed || sess.Status == models.SessionStatusTimedOut {
		return fmt.Errorf("session %s ended %s: %s", sess.ID, sess.Status, sess.FailureReason)
	}
	return nil
}

func printSession(sess *models.Session) {
	if jsonOutput() {
		_ = ui.JSON(sess)
		return
	}
	ui.Session(sess)
}

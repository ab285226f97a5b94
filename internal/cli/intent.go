package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/autopilot/internal/daemon"
	"github.com/KafClaw/autopilot/internal/intent"
)

var (
	callerUser string
	callerRole string
	runData    []string
	runUrgency int
	decideBy   string
	decideNote string
	listStatus string
	listLimit  int
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <text...>",
	Short: "Classify text, analyze patterns and execute the intent when confident",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAnalyze,
}

var runCmd = &cobra.Command{
	Use:   "run <intent>",
	Short: "Execute an intent directly under the execution rules",
	Args:  cobra.ExactArgs(1),
	RunE:  runIntent,
}

var approveCmd = &cobra.Command{
	Use:   "approve <execution-id>",
	Short: "Approve a pending execution and run it",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprove,
}

var rejectCmd = &cobra.Command{
	Use:   "reject <execution-id>",
	Short: "Reject a pending execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runReject,
}

var feedbackCmd = &cobra.Command{
	Use:   "feedback <execution-id> <correct|wrong>",
	Short: "Record whether an execution was correct",
	Args:  cobra.ExactArgs(2),
	RunE:  runFeedback,
}

var executionsCmd = &cobra.Command{
	Use:   "executions",
	Short: "List intent executions",
	RunE:  runExecutions,
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List execution rules",
	RunE:  runRules,
}

var thresholdCmd = &cobra.Command{
	Use:   "threshold [value]",
	Short: "Show or set the confidence threshold",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runThreshold,
}

func init() {
	for _, c := range []*cobra.Command{analyzeCmd, runCmd, approveCmd, rejectCmd} {
		c.Flags().StringVar(&callerUser, "user", currentUser(), "Caller user ID")
		c.Flags().StringVar(&callerRole, "role", "admin", "Caller role")
	}
	runCmd.Flags().StringSliceVar(&runData, "data", nil, "Request data as key=value (repeatable)")
	runCmd.Flags().IntVar(&runUrgency, "urgency", 0, "Request urgency 0-10")
	rejectCmd.Flags().StringVar(&decideNote, "note", "", "Rejection note")
	feedbackCmd.Flags().StringVar(&decideNote, "note", "", "Feedback note")
	approveCmd.Flags().StringVar(&decideBy, "by", "", "Approver (default --user)")
	rejectCmd.Flags().StringVar(&decideBy, "by", "", "Rejecter (default --user)")
	executionsCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status")
	executionsCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum rows")

	rulesCmd.AddCommand(thresholdCmd)
	rootCmd.AddCommand(analyzeCmd, runCmd, approveCmd, rejectCmd, feedbackCmd, executionsCmd, rulesCmd)
}

func caller() intent.Caller {
	return intent.Caller{UserID: callerUser, Role: callerRole, UserAgent: "autopilot-cli/" + version}
}

func decider() string {
	if decideBy != "" {
		return decideBy
	}
	return callerUser
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	text := strings.Join(args, " ")
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		res, err := d.Executor.ProcessInput(ctx, text, caller())
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if asJSON {
			return printJSON(w, res)
		}
		fmt.Fprintf(w, "Intent:     %s (confidence %.2f)\n", res.Classification.Intent, res.Classification.Confidence)
		fmt.Fprintf(w, "Urgency:    %d\n", res.Urgency)
		if len(res.Patterns) > 0 {
			fmt.Fprintf(w, "Patterns:   %s\n", strings.Join(res.Patterns, ", "))
		}
		if !res.Understood {
			fmt.Fprintln(w, color.YellowString(res.Message))
			return nil
		}
		printExecuteResult(w, res.Execution)
		return nil
	})
}

func runIntent(cmd *cobra.Command, args []string) error {
	data, err := parseData(runData)
	if err != nil {
		return err
	}
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		res, err := d.Executor.ExecuteRequest(ctx, intent.Request{
			Intent:     args[0],
			Data:       data,
			Caller:     caller(),
			Confidence: 1,
			Urgency:    runUrgency,
		})
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), res)
		}
		printExecuteResult(cmd.OutOrStdout(), res)
		return nil
	})
}

func runApprove(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		res, err := d.Executor.ApproveExecution(ctx, args[0], decider())
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), res)
		}
		printExecuteResult(cmd.OutOrStdout(), res)
		return nil
	})
}

func runReject(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		if err := d.Executor.RejectExecution(ctx, args[0], decider(), decideNote); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Execution %s rejected\n", args[0])
		return nil
	})
}

func runFeedback(cmd *cobra.Command, args []string) error {
	var correct bool
	switch strings.ToLower(args[1]) {
	case "correct", "yes", "true":
		correct = true
	case "wrong", "no", "false":
	default:
		return fmt.Errorf("verdict %q: want correct or wrong", args[1])
	}
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		fb, err := d.Executor.RecordFeedback(ctx, args[0], correct, decideNote)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), fb)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Feedback recorded. Confidence threshold: %.2f\n", d.Executor.ConfidenceThreshold())
		return nil
	})
}

func runExecutions(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		rows, err := d.Executor.ListExecutions(ctx, intent.Status(listStatus), listLimit)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if asJSON {
			return printJSON(w, rows)
		}
		if len(rows) == 0 {
			fmt.Fprintln(w, "No executions")
			return nil
		}
		for _, ex := range rows {
			fmt.Fprintf(w, "%s  %-16s %-18s %-22s %s\n", ex.ID, ex.Status, ex.Intent, ex.Reason, ex.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	})
}

func runRules(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		rules, err := d.Executor.ListRules(ctx)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if asJSON {
			return printJSON(w, rules)
		}
		sort.Slice(rules, func(i, j int) bool { return rules[i].IntentPattern < rules[j].IntentPattern })
		for _, r := range rules {
			mode := "auto"
			switch {
			case !r.AutoExecute:
				mode = "manual"
			case r.RequiresApproval:
				mode = "approval"
			}
			roles := "any"
			if len(r.Conditions.AllowedRoles) > 0 {
				roles = strings.Join(r.Conditions.AllowedRoles, ",")
			}
			fmt.Fprintf(w, "%-22s %-22s %-9s roles=%s\n", r.IntentPattern, r.Action, mode, roles)
		}
		return nil
	})
}

func runThreshold(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		if len(args) == 1 {
			v, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("threshold %q: %w", args[0], err)
			}
			if err := d.Executor.SetConfidenceThreshold(ctx, v); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Confidence threshold: %.2f\n", d.Executor.ConfidenceThreshold())
		return nil
	})
}

func printExecuteResult(w io.Writer, res *intent.ExecuteResult) {
	if res == nil {
		return
	}
	status := string(res.Status)
	switch {
	case res.Status == intent.StatusCompleted:
		status = color.GreenString(status)
	case res.RequiresApproval:
		status = color.YellowString(status)
	case res.Status == intent.StatusFailed || res.Status == intent.StatusRejected:
		status = color.RedString(status)
	}
	fmt.Fprintf(w, "Execution:  %s\n", res.ExecutionID)
	fmt.Fprintf(w, "Status:     %s\n", status)
	if res.Reason != "" {
		fmt.Fprintf(w, "Reason:     %s\n", res.Reason)
	}
	if res.Error != "" {
		fmt.Fprintf(w, "Error:      %s\n", res.Error)
	}
	if res.RequiresApproval {
		fmt.Fprintf(w, "Approve with: autopilot approve %s\n", res.ExecutionID)
	}
}

package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/autopilot/internal/daemon"
	"github.com/KafClaw/autopilot/internal/workflow"
)

var (
	workflowInput []string
	historyLimit  int
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Inspect and run workflows",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflow definitions",
	RunE:  runWorkflowList,
}

var workflowShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a workflow definition and its recent executions",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowShow,
}

var workflowRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Execute a workflow now",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowRun,
}

var workflowEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setWorkflowEnabled(cmd, args[0], true) },
}

var workflowDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setWorkflowEnabled(cmd, args[0], false) },
}

var workflowLogsCmd = &cobra.Command{
	Use:   "logs <execution-id>",
	Short: "Show the step log of an execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowLogs,
}

func init() {
	workflowRunCmd.Flags().StringSliceVar(&workflowInput, "input", nil, "Execution input as key=value (repeatable)")
	workflowShowCmd.Flags().IntVar(&historyLimit, "limit", 10, "Executions to show")
	workflowCmd.AddCommand(workflowListCmd, workflowShowCmd, workflowRunCmd, workflowEnableCmd, workflowDisableCmd, workflowLogsCmd)
	rootCmd.AddCommand(workflowCmd)
}

func lookupWorkflow(ctx context.Context, d *daemon.Daemon, name string) (*workflow.Definition, error) {
	def, err := d.Workflows.GetWorkflowByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, fmt.Errorf("workflow %q not found", name)
	}
	return def, nil
}

func runWorkflowList(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		defs, err := d.Workflows.ListWorkflows(ctx)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if asJSON {
			return printJSON(w, defs)
		}
		for _, def := range defs {
			state := color.GreenString("enabled ")
			if !def.Enabled {
				state = color.HiBlackString("disabled")
			}
			fmt.Fprintf(w, "%-30s %s %-9s %s\n", def.Name, state, def.TriggerType, triggerSummary(def))
		}
		return nil
	})
}

func triggerSummary(def workflow.Definition) string {
	switch {
	case def.Trigger.Event != "":
		return "on " + def.Trigger.Event
	case def.Trigger.Cron != "":
		return "cron " + def.Trigger.Cron
	case def.Trigger.IntervalMs > 0:
		return fmt.Sprintf("every %dms", def.Trigger.IntervalMs)
	}
	return ""
}

func runWorkflowShow(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		def, err := lookupWorkflow(ctx, d, args[0])
		if err != nil {
			return err
		}
		execs, err := d.Workflows.ListExecutions(ctx, def.ID, historyLimit)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if asJSON {
			return printJSON(w, map[string]any{"workflow": def, "executions": execs})
		}
		fmt.Fprintf(w, "Name:        %s (v%d)\n", def.Name, def.Version)
		fmt.Fprintf(w, "Description: %s\n", def.Description)
		fmt.Fprintf(w, "Trigger:     %s %s\n", def.TriggerType, triggerSummary(*def))
		fmt.Fprintf(w, "Enabled:     %t\n", def.Enabled)
		fmt.Fprintf(w, "Retries:     auto=%t max=%d\n", def.AutoRetry, def.MaxRetries)
		fmt.Fprintln(w, "Steps:")
		for i, s := range def.Steps {
			fmt.Fprintf(w, "  %d. %s (%s)\n", i+1, s.Name, s.Action)
		}
		if len(execs) > 0 {
			fmt.Fprintln(w, "Executions:")
			for _, x := range execs {
				fmt.Fprintf(w, "  %s  %-9s retries=%d %s\n", x.ID, x.Status, x.RetryCount, x.Error)
			}
		}
		return nil
	})
}

func runWorkflowRun(cmd *cobra.Command, args []string) error {
	input, err := parseData(workflowInput)
	if err != nil {
		return err
	}
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		res, err := d.Workflows.ExecuteWorkflowByName(ctx, args[0], input)
		if err != nil {
			return err
		}
		if res == nil {
			return fmt.Errorf("workflow %q is unknown or disabled", args[0])
		}
		w := cmd.OutOrStdout()
		if asJSON {
			return printJSON(w, res)
		}
		fmt.Fprintf(w, "Execution: %s\n", res.ExecutionID)
		fmt.Fprintf(w, "Status:    %s\n", res.Status)
		if res.Error != "" {
			fmt.Fprintf(w, "Error:     %s\n", res.Error)
		}
		return nil
	})
}

func setWorkflowEnabled(cmd *cobra.Command, name string, enabled bool) error {
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		def, err := lookupWorkflow(ctx, d, name)
		if err != nil {
			return err
		}
		if err := d.Workflows.SetEnabled(ctx, def.ID, enabled); err != nil {
			return err
		}
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s %s\n", name, state)
		return nil
	})
}

func runWorkflowLogs(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		logs, err := d.Workflows.ListStepLogs(ctx, args[0])
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if asJSON {
			return printJSON(w, logs)
		}
		if len(logs) == 0 {
			fmt.Fprintln(w, "No step logs")
			return nil
		}
		for _, l := range logs {
			fmt.Fprintf(w, "attempt=%d step=%d %-20s %-9s %s\n", l.Attempt, l.StepIndex, l.StepName, l.Status, l.Error)
		}
		return nil
	})
}

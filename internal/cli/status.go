package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/KafClaw/autopilot/internal/config"
	"github.com/KafClaw/autopilot/internal/daemon"
	"github.com/KafClaw/autopilot/internal/intent"
	"github.com/KafClaw/autopilot/internal/pattern"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and store status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(versionCmd, statusCmd)
}

type statusReport struct {
	Version             string  `json:"version"`
	ConfigPath          string  `json:"config_path"`
	ConfigFound         bool    `json:"config_found"`
	StorePath           string  `json:"store_path"`
	Workflows           int     `json:"workflows"`
	EnabledWorkflows    int     `json:"enabled_workflows"`
	Rules               int     `json:"rules"`
	PendingApprovals    int     `json:"pending_approvals"`
	OpenPatterns        int     `json:"open_patterns"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	Scheduler           bool    `json:"scheduler"`
	KafkaAudit          bool    `json:"kafka_audit"`
	Slack               bool    `json:"slack"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		p, err := config.ConfigPath()
		if err != nil {
			return err
		}
		path = p
	}
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		rep := statusReport{
			Version:             version,
			ConfigPath:          path,
			StorePath:           d.Config.Store.Path,
			ConfidenceThreshold: d.Executor.ConfidenceThreshold(),
			Scheduler:           d.Config.Scheduler.Enabled,
			KafkaAudit:          d.Config.Audit.KafkaEnabled(),
			Slack:               d.Config.Notify.SlackEnabled(),
		}
		if _, err := os.Stat(path); err == nil {
			rep.ConfigFound = true
		}
		defs, err := d.Workflows.ListWorkflows(ctx)
		if err != nil {
			return err
		}
		rep.Workflows = len(defs)
		for _, def := range defs {
			if def.Enabled {
				rep.EnabledWorkflows++
			}
		}
		rules, err := d.Executor.ListRules(ctx)
		if err != nil {
			return err
		}
		rep.Rules = len(rules)
		pending, err := d.Executor.ListExecutions(ctx, intent.StatusPendingApproval, 1000)
		if err != nil {
			return err
		}
		rep.PendingApprovals = len(pending)
		open, err := d.Patterns.ListRecords(ctx, pattern.Filter{Unresolved: true, Limit: 1000})
		if err != nil {
			return err
		}
		rep.OpenPatterns = len(open)

		w := cmd.OutOrStdout()
		if asJSON {
			return printJSON(w, rep)
		}
		printHeader(w, "📊 Autopilot Status")
		check := func(ok bool) string {
			if ok {
				return "✓"
			}
			return "✗"
		}
		fmt.Fprintf(w, "Version:    %s\n", rep.Version)
		fmt.Fprintf(w, "Config:     %s %s\n", check(rep.ConfigFound), rep.ConfigPath)
		fmt.Fprintf(w, "Store:      %s\n", rep.StorePath)
		fmt.Fprintf(w, "Workflows:  %d (%d enabled)\n", rep.Workflows, rep.EnabledWorkflows)
		fmt.Fprintf(w, "Rules:      %d, threshold %.2f\n", rep.Rules, rep.ConfidenceThreshold)
		fmt.Fprintf(w, "Approvals:  %d pending\n", rep.PendingApprovals)
		fmt.Fprintf(w, "Patterns:   %d unresolved\n", rep.OpenPatterns)
		fmt.Fprintf(w, "Scheduler:  %s\n", check(rep.Scheduler))
		fmt.Fprintf(w, "Kafka:      %s\n", check(rep.KafkaAudit))
		fmt.Fprintf(w, "Slack:      %s\n", check(rep.Slack))
		return nil
	})
}

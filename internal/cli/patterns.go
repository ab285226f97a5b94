package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/KafClaw/autopilot/internal/daemon"
	"github.com/KafClaw/autopilot/internal/pattern"
)

var (
	patternType       string
	patternMinUrgency int
	patternOpen       bool
	patternLimit      int
)

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "List recorded patterns",
	RunE:  runPatterns,
}

var patternsShowCmd = &cobra.Command{
	Use:   "show <pattern-id>",
	Short: "Show a pattern with its occurrences, escalations and resolutions",
	Args:  cobra.ExactArgs(1),
	RunE:  runPatternsShow,
}

var patternsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one background sweep now",
	RunE:  runPatternsSweep,
}

func init() {
	patternsCmd.Flags().StringVar(&patternType, "type", "", "Filter by pattern type")
	patternsCmd.Flags().IntVar(&patternMinUrgency, "min-urgency", 0, "Minimum urgency level")
	patternsCmd.Flags().BoolVar(&patternOpen, "unresolved", false, "Only patterns not auto-resolved")
	patternsCmd.Flags().IntVar(&patternLimit, "limit", 50, "Maximum rows")
	patternsCmd.AddCommand(patternsShowCmd, patternsSweepCmd)
	rootCmd.AddCommand(patternsCmd)
}

func runPatterns(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		recs, err := d.Patterns.ListRecords(ctx, pattern.Filter{
			Type:       pattern.Type(patternType),
			MinUrgency: patternMinUrgency,
			Unresolved: patternOpen,
			Limit:      patternLimit,
		})
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if asJSON {
			return printJSON(w, recs)
		}
		if len(recs) == 0 {
			fmt.Fprintln(w, "No patterns")
			return nil
		}
		for _, r := range recs {
			resolved := "-"
			if r.ResolutionAction != nil {
				resolved = *r.ResolutionAction
			}
			fmt.Fprintf(w, "%s  %-20s urgency=%-2d freq=%-4d aggr=%.2f %s\n",
				r.ID, r.Type, r.UrgencyLevel, r.Frequency, r.AggressionScore, resolved)
		}
		return nil
	})
}

func runPatternsShow(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		rec, err := d.Patterns.GetRecord(ctx, args[0])
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("pattern %q not found", args[0])
		}
		occ, err := d.Patterns.ListOccurrences(ctx, rec.ID)
		if err != nil {
			return err
		}
		esc, err := d.Patterns.ListEscalations(ctx, rec.ID)
		if err != nil {
			return err
		}
		res, err := d.Patterns.ListResolutions(ctx, rec.ID)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if asJSON {
			return printJSON(w, map[string]any{
				"pattern": rec, "occurrences": occ, "escalations": esc, "resolutions": res,
			})
		}
		fmt.Fprintf(w, "Pattern:     %s (%s)\n", rec.ID, rec.Type)
		fmt.Fprintf(w, "Urgency:     %d\n", rec.UrgencyLevel)
		fmt.Fprintf(w, "Frequency:   %d\n", rec.Frequency)
		fmt.Fprintf(w, "Aggression:  %.2f\n", rec.AggressionScore)
		fmt.Fprintf(w, "Seen:        %s .. %s\n", rec.FirstSeen.Format("2006-01-02 15:04"), rec.LastSeen.Format("2006-01-02 15:04"))
		fmt.Fprintf(w, "Occurrences: %d  Escalations: %d  Resolutions: %d\n", len(occ), len(esc), len(res))
		return nil
	})
}

func runPatternsSweep(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		report, err := d.Patterns.Sweep(ctx)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), report)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "High priority: %d  Aggression: %d  Anomalies: %d  Purged: %d occurrences, %d records\n",
			report.HighPriority, report.Aggression, report.Anomalies, report.PurgedOccurrences, report.PurgedRecords)
		return nil
	})
}

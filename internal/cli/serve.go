package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/KafClaw/autopilot/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the event bus, triggers, scheduler and sweeps until interrupted",
	RunE:  runServe,
}

// serveSignalContext is replaced in tests.
var serveSignalContext = func(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, cmd.ErrOrStderr())
	slog.SetDefault(logger)
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := serveSignalContext(parent)
	defer stop()

	d, err := daemon.New(ctx, cfg, daemon.WithLogger(logger))
	if err != nil {
		return err
	}
	defer d.Close()

	if !asJSON {
		printHeader(cmd.OutOrStdout(), "🛫 Autopilot "+version)
	}
	if err := d.Run(ctx); err != nil {
		return err
	}
	logger.Info("Autopilot stopped")
	return nil
}

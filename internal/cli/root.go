package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/autopilot/internal/config"
	"github.com/KafClaw/autopilot/internal/daemon"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/autopilot/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"              _              _ _       _\n" +
		"   __ _ _   _| |_ ___  _ __ (_) | ___ | |_\n" +
		"  / _` | | | | __/ _ \\| '_ \\| | |/ _ \\| __|\n" +
		" | (_| | |_| | || (_) | |_) | | | (_) | |_\n" +
		"  \\__,_|\\__,_|\\__\\___/| .__/|_|_|\\___/ \\__|\n" +
		"                      |_|\n"
)

var (
	configPath string
	logLevel   string
	asJSON     bool
)

var rootCmd = &cobra.Command{
	Use:   "autopilot",
	Short: "Autopilot - pattern-driven automation core",
	Long:  color.CyanString(logo) + "\nDetects urgency patterns, runs workflows and executes intents under policy.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.autopilot/config.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Output machine-readable JSON")
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, color.CyanString(logo))
	if title != "" {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, "─────────────────────")
	}
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if strings.TrimSpace(configPath) != "" {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// withDaemon builds and starts the components for a one-shot command. The
// bus dispatcher and background loops do not run; events published during
// the command are discarded with the process.
func withDaemon(cmd *cobra.Command, fn func(ctx context.Context, d *daemon.Daemon) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, cmd.ErrOrStderr())
	slog.SetDefault(logger)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	d, err := daemon.New(ctx, cfg, daemon.WithLogger(logger), daemon.WithoutScheduler())
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, d)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseData turns key=value pairs into a map. Values that parse as JSON
// numbers, booleans or objects keep their type.
func parseData(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid data %q: want key=value", p)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			out[k] = decoded
			continue
		}
		out[k] = v
	}
	return out, nil
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

// Package daemon wires the automation components together and runs their
// background loops.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/KafClaw/autopilot/internal/audit"
	"github.com/KafClaw/autopilot/internal/bus"
	"github.com/KafClaw/autopilot/internal/config"
	"github.com/KafClaw/autopilot/internal/intent"
	"github.com/KafClaw/autopilot/internal/notify"
	"github.com/KafClaw/autopilot/internal/pattern"
	"github.com/KafClaw/autopilot/internal/scheduler"
	"github.com/KafClaw/autopilot/internal/store"
	"github.com/KafClaw/autopilot/internal/workflow"
)

// approvalSweepInterval is how often stale approvals are expired.
const approvalSweepInterval = 10 * time.Minute

// Daemon holds every component built from one configuration.
type Daemon struct {
	Config    *config.Config
	DB        *store.DB
	Bus       *bus.EventBus
	Audit     audit.Sink
	Patterns  *pattern.Engine
	Scheduler *scheduler.Scheduler
	Workflows *workflow.Engine
	Executor  *intent.Executor
	Notifier  *notify.SlackNotifier

	kafka   *audit.KafkaSink
	logger  *slog.Logger
	started bool
}

// Option configures New.
type Option func(*options)

type options struct {
	logger        *slog.Logger
	auditSink     audit.Sink
	workflowOpts  []workflow.Option
	patternOpts   []pattern.Option
	executorOpts  []intent.Option
	slackAPIURL   string
	skipScheduler bool
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithAuditSink adds a sink next to the configured ones.
func WithAuditSink(s audit.Sink) Option {
	return func(o *options) { o.auditSink = s }
}

// WithWorkflowOptions appends workflow engine options.
func WithWorkflowOptions(opts ...workflow.Option) Option {
	return func(o *options) { o.workflowOpts = append(o.workflowOpts, opts...) }
}

// WithPatternOptions appends pattern engine options.
func WithPatternOptions(opts ...pattern.Option) Option {
	return func(o *options) { o.patternOpts = append(o.patternOpts, opts...) }
}

// WithExecutorOptions appends intent executor options.
func WithExecutorOptions(opts ...intent.Option) Option {
	return func(o *options) { o.executorOpts = append(o.executorOpts, opts...) }
}

// WithSlackAPIURL points the notifier at another Slack API base.
func WithSlackAPIURL(u string) Option {
	return func(o *options) { o.slackAPIURL = u }
}

// WithoutScheduler leaves cron triggers recorded but unevaluated.
func WithoutScheduler() Option {
	return func(o *options) { o.skipScheduler = true }
}

// New opens the store and builds every component. Nothing runs until
// Start and Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Daemon, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	d := &Daemon{Config: cfg, DB: db, logger: logger}
	ok := false
	defer func() {
		if !ok {
			d.Close()
		}
	}()

	d.Bus = bus.New(cfg.Bus.BufferSize, logger.With("component", "bus"))

	var sinks audit.MultiSink
	if cfg.Audit.Log {
		sinks = append(sinks, audit.LogSink{Logger: logger.With("component", "audit")})
	}
	if cfg.Audit.KafkaEnabled() {
		d.kafka = audit.NewKafkaSink(audit.KafkaConfig{
			Brokers:      cfg.Audit.KafkaBrokers,
			Topic:        cfg.Audit.KafkaTopic,
			BufferSize:   cfg.Audit.BufferSize,
			WriteTimeout: cfg.Audit.WriteTimeout,
		}, logger)
		sinks = append(sinks, d.kafka)
	}
	if o.auditSink != nil {
		sinks = append(sinks, o.auditSink)
	}
	d.Audit = sinks

	d.Patterns, err = pattern.New(db, d.Bus, append([]pattern.Option{
		pattern.WithLogger(logger.With("component", "pattern")),
		pattern.WithAudit(d.Audit),
		pattern.WithSweepInterval(cfg.Patterns.SweepInterval),
		pattern.WithHistorySize(cfg.Patterns.HistorySize),
	}, o.patternOpts...)...)
	if err != nil {
		return nil, err
	}

	if cfg.Scheduler.Enabled && !o.skipScheduler {
		d.Scheduler = scheduler.New(scheduler.Config{
			TickInterval:       cfg.Scheduler.TickInterval,
			MaxConcWorkflow:    cfg.Scheduler.MaxConcWorkflow,
			MaxConcMaintenance: cfg.Scheduler.MaxConcMaintenance,
			MaxConcDefault:     cfg.Scheduler.MaxConcDefault,
			LockPath:           lockPath(cfg),
		}, logger.With("component", "scheduler"))
	}

	seeds := workflow.DefaultDefinitions()
	if cfg.Workflows.DefinitionsFile != "" {
		extra, err := workflow.LoadDefinitionsFile(cfg.Workflows.DefinitionsFile)
		if err != nil {
			return nil, err
		}
		seeds = workflow.MergeDefinitions(seeds, extra)
	}
	wopts := []workflow.Option{
		workflow.WithLogger(logger.With("component", "workflow")),
		workflow.WithAudit(d.Audit),
		workflow.WithBackoffUnit(cfg.Workflows.BackoffUnit),
		workflow.WithSeeds(seeds),
		workflow.WithBackupDir(cfg.Store.BackupDir),
	}
	if d.Scheduler != nil {
		wopts = append(wopts, workflow.WithScheduler(d.Scheduler))
	}
	d.Workflows, err = workflow.New(db, d.Bus, append(wopts, o.workflowOpts...)...)
	if err != nil {
		return nil, err
	}

	rules := intent.DefaultRules()
	if cfg.Intent.RulesFile != "" {
		extra, err := intent.LoadRulesFile(cfg.Intent.RulesFile)
		if err != nil {
			return nil, err
		}
		rules = intent.MergeRules(rules, extra)
	}
	d.Executor, err = intent.New(ctx, db, d.Bus, append([]intent.Option{
		intent.WithLogger(logger.With("component", "intent")),
		intent.WithAudit(d.Audit),
		intent.WithPatternAnalyzer(d.Patterns),
		intent.WithWorkflowRunner(d.Workflows),
		intent.WithSeeds(rules),
		intent.WithConfidenceThreshold(cfg.Intent.ConfidenceThreshold),
	}, o.executorOpts...)...)
	if err != nil {
		return nil, err
	}

	if cfg.Notify.SlackEnabled() {
		d.Notifier, err = notify.NewSlackNotifier(notify.Config{
			Token:   cfg.Notify.SlackToken,
			Channel: cfg.Notify.SlackChannel,
			APIURL:  o.slackAPIURL,
		}, logger.With("component", "notify"))
		if err != nil {
			return nil, err
		}
		d.Notifier.Subscribe(d.Bus)
	}

	ok = true
	return d, nil
}

func lockPath(cfg *config.Config) string {
	if cfg.Scheduler.LockPath != "" {
		return cfg.Scheduler.LockPath
	}
	return filepath.Join(filepath.Dir(cfg.Store.Path), "scheduler.lock")
}

// Start seeds workflows and registers their triggers.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.Workflows.Start(ctx); err != nil {
		return fmt.Errorf("start workflows: %w", err)
	}
	d.started = true
	return nil
}

// Run closes workflow executions an earlier process left open, then runs
// the event bus, the pattern sweep, the scheduler, the notifier and
// approval expiry until ctx is cancelled. Workflow triggers are stopped
// before Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.started {
		if err := d.Start(ctx); err != nil {
			return err
		}
	}
	if _, err := d.Workflows.RecoverInterrupted(ctx); err != nil {
		return fmt.Errorf("recover workflows: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Bus.Run(gctx) })
	g.Go(func() error { return d.Patterns.Run(gctx) })
	if d.Scheduler != nil {
		g.Go(func() error { return d.Scheduler.Run(gctx) })
	}
	if d.Notifier != nil {
		g.Go(func() error { return d.Notifier.Run(gctx) })
	}
	if ttl := d.Config.Intent.ApprovalTTL; ttl > 0 {
		g.Go(func() error { return d.expireApprovals(gctx, ttl) })
	}
	d.logger.Info("Autopilot running", "db", d.DB.Path(), "scheduler", d.Scheduler != nil, "slack", d.Notifier != nil)

	<-gctx.Done()
	d.Workflows.Stop()
	err := g.Wait()
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return nil
	}
	return err
}

func (d *Daemon) expireApprovals(ctx context.Context, ttl time.Duration) error {
	ticker := time.NewTicker(approvalSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.Executor.ExpireStaleApprovals(ctx, ttl); err != nil {
				d.logger.Warn("Approval expiry failed", "error", err)
			}
		}
	}
}

// Close stops the workflow engine and releases the store and Kafka writer.
func (d *Daemon) Close() error {
	if d.Notifier != nil {
		d.Notifier.Unsubscribe()
	}
	if d.Workflows != nil {
		d.Workflows.Stop()
	}
	var errs []error
	if d.kafka != nil {
		errs = append(errs, d.kafka.Close())
	}
	if d.DB != nil {
		errs = append(errs, d.DB.Close())
	}
	return errors.Join(errs...)
}

// Package config loads the autopilot configuration.
package config

import (
	"time"
)

// Config is the root configuration.
type Config struct {
	Store     StoreConfig     `json:"store"`
	Log       LogConfig       `json:"log"`
	Bus       BusConfig       `json:"bus"`
	Patterns  PatternsConfig  `json:"patterns"`
	Workflows WorkflowsConfig `json:"workflows"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Intent    IntentConfig    `json:"intent"`
	Audit     AuditConfig     `json:"audit"`
	Notify    NotifyConfig    `json:"notify"`
}

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

// StoreConfig locates the sqlite database.
type StoreConfig struct {
	Path      string `json:"path" split_words:"true"`
	BackupDir string `json:"backupDir" split_words:"true"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `json:"level" split_words:"true"`  // debug, info, warn, error
	Format string `json:"format" split_words:"true"` // text, json
}

// BusConfig sizes the in-process event bus.
type BusConfig struct {
	BufferSize int `json:"bufferSize" split_words:"true"`
}

// ---------------------------------------------------------------------------
// Components
// ---------------------------------------------------------------------------

// PatternsConfig tunes the pattern engine.
type PatternsConfig struct {
	SweepInterval time.Duration `json:"sweepInterval" split_words:"true"`
	HistorySize   int           `json:"historySize" split_words:"true"`
}

// WorkflowsConfig tunes the workflow engine.
type WorkflowsConfig struct {
	// DefinitionsFile is a YAML file merged over the built-in definitions
	// when the workflow table is seeded.
	DefinitionsFile string        `json:"definitionsFile" split_words:"true"`
	BackoffUnit     time.Duration `json:"backoffUnit" split_words:"true"`
}

// SchedulerConfig configures cron evaluation for scheduled workflows.
type SchedulerConfig struct {
	Enabled            bool          `json:"enabled" split_words:"true"`
	TickInterval       time.Duration `json:"tickInterval" split_words:"true"`
	MaxConcWorkflow    int           `json:"maxConcWorkflow" split_words:"true"`
	MaxConcMaintenance int           `json:"maxConcMaintenance" split_words:"true"`
	MaxConcDefault     int           `json:"maxConcDefault" split_words:"true"`
	LockPath           string        `json:"lockPath" split_words:"true"`
}

// IntentConfig tunes the intent executor.
type IntentConfig struct {
	ConfidenceThreshold float64 `json:"confidenceThreshold" split_words:"true"`
	// RulesFile is a YAML file merged over the built-in rules when the rule
	// table is seeded.
	RulesFile string `json:"rulesFile" split_words:"true"`
	// ApprovalTTL rejects approvals left pending longer than this. Zero
	// keeps them forever.
	ApprovalTTL time.Duration `json:"approvalTTL" split_words:"true"`
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// AuditConfig selects the audit sinks.
type AuditConfig struct {
	Log          bool          `json:"log" split_words:"true"`
	KafkaBrokers string        `json:"kafkaBrokers" split_words:"true"`
	KafkaTopic   string        `json:"kafkaTopic" split_words:"true"`
	BufferSize   int           `json:"bufferSize" split_words:"true"`
	WriteTimeout time.Duration `json:"writeTimeout" split_words:"true"`
}

// KafkaEnabled reports whether audit events go to Kafka.
func (c AuditConfig) KafkaEnabled() bool {
	return c.KafkaBrokers != "" && c.KafkaTopic != ""
}

// NotifyConfig configures Slack alerts.
type NotifyConfig struct {
	SlackToken   string `json:"slackToken" split_words:"true"`
	SlackChannel string `json:"slackChannel" split_words:"true"`
}

// SlackEnabled reports whether Slack alerts are configured.
func (c NotifyConfig) SlackEnabled() bool {
	return c.SlackToken != "" && c.SlackChannel != ""
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path: "~/.autopilot/autopilot.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Bus: BusConfig{
			BufferSize: 256,
		},
		Patterns: PatternsConfig{
			SweepInterval: 60 * time.Second,
			HistorySize:   50,
		},
		Workflows: WorkflowsConfig{
			BackoffUnit: time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled:            true,
			TickInterval:       60 * time.Second,
			MaxConcWorkflow:    4,
			MaxConcMaintenance: 1,
			MaxConcDefault:     2,
		},
		Intent: IntentConfig{
			ConfidenceThreshold: 0.7,
			ApprovalTTL:         72 * time.Hour,
		},
		Audit: AuditConfig{
			Log:          true,
			KafkaTopic:   "autopilot.audit",
			BufferSize:   256,
			WriteTimeout: 5 * time.Second,
		},
	}
}

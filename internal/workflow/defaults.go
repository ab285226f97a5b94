package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/KafClaw/autopilot/internal/bus"
)

// DefaultDefinitions is the set seeded into an empty database.
func DefaultDefinitions() []Definition {
	event := func(name, desc string, topic bus.Topic, steps ...Step) Definition {
		return Definition{
			Name:           name,
			Description:    desc,
			TriggerType:    TriggerEvent,
			Trigger:        Trigger{Event: string(topic)},
			Steps:          steps,
			Enabled:        true,
			AutoRetry:      true,
			MaxRetries:     3,
			TimeoutSeconds: 300,
		}
	}
	schedule := func(name, desc string, trigger Trigger, steps ...Step) Definition {
		return Definition{
			Name:           name,
			Description:    desc,
			TriggerType:    TriggerSchedule,
			Trigger:        trigger,
			Steps:          steps,
			Enabled:        true,
			AutoRetry:      true,
			MaxRetries:     2,
			TimeoutSeconds: 600,
		}
	}
	step := func(name, action string, params map[string]any) Step {
		return Step{Name: name, Action: action, Params: params}
	}

	return []Definition{
		schedule("system_health_check", "Periodic health probe and metrics snapshot",
			Trigger{IntervalMs: 300000},
			step("probe", ActionCheckHealth, map[string]any{"max_db_mb": 1024}),
			step("metrics", ActionCollectMetrics, nil),
			step("report", ActionLog, map[string]any{"message": "Health check finished", "level": "debug"}),
		),
		schedule("daily_maintenance", "Nightly optimize, prune and backup",
			Trigger{Cron: "0 3 * * *"},
			step("optimize", ActionOptimizeDatabase, nil),
			step("prune", ActionPruneHistory, map[string]any{"days": 30}),
			step("backup", ActionBackupDatabase, nil),
			step("rotate_backups", ActionCleanupFiles, map[string]any{"keep": 7}),
		),
		schedule("cache_maintenance", "Hourly cache release",
			Trigger{IntervalMs: 3600000},
			step("clear", ActionClearCache, nil),
			step("metrics", ActionCollectMetrics, map[string]any{"window_hours": 1}),
		),
		schedule("database_backup", "Backup every six hours",
			Trigger{Cron: "0 */6 * * *"},
			step("backup", ActionBackupDatabase, nil),
			step("rotate_backups", ActionCleanupFiles, map[string]any{"keep": 5}),
		),
		event("self_healing", "Recover from a burst of reported errors",
			bus.TopicSystemErrorPattern,
			step("record", ActionLog, map[string]any{"message": "Self-healing for pattern ${pattern_id}", "level": "warn"}),
			step("probe", ActionCheckHealth, nil),
			step("clear", ActionClearCache, nil),
			step("notify", ActionNotify, map[string]any{"message": "Self-healing ran after repeated errors: ${input}"}),
		),
		event("failure_recovery", "React to a workflow that keeps failing",
			bus.TopicSystemRepeatedFailure,
			step("record", ActionLog, map[string]any{"message": "Workflow ${workflow_name} failed ${failures} times", "level": "error"}),
			step("probe", ActionCheckHealth, nil),
			step("notify", ActionNotify, map[string]any{"message": "Workflow ${workflow_name} is failing repeatedly"}),
		),
		event("disk_cleanup", "Reclaim space when storage runs low",
			bus.TopicSystemDiskFull,
			step("prune", ActionPruneHistory, map[string]any{"days": 7}),
			step("rotate_backups", ActionCleanupFiles, map[string]any{"keep": 2}),
			step("optimize", ActionOptimizeDatabase, nil),
			step("notify", ActionNotify, map[string]any{"message": "Disk cleanup finished"}),
		),
		event("content_distribution", "Fan out newly published content",
			bus.TopicContentPublished,
			step("validate", ActionValidateContext, map[string]any{"required": []any{"content_id"}}),
			step("distribute", ActionEmitEvent, map[string]any{"event": "content.distributed"}),
			step("notify", ActionNotify, map[string]any{"message": "Content ${content_id} distributed"}),
		),
		event("user_onboarding", "Welcome a newly registered user",
			bus.TopicUserRegistered,
			step("validate", ActionValidateContext, map[string]any{"required": []any{"user_id"}}),
			step("welcome", ActionEmitEvent, map[string]any{"event": "user.welcome_requested"}),
			step("notify", ActionNotify, map[string]any{"message": "User ${user_id} onboarded"}),
		),
		event("pattern_escalation_response", "Surface escalated request patterns",
			bus.TopicPatternEscalated,
			step("record", ActionLog, map[string]any{"message": "Pattern ${pattern_id} escalated to urgency ${urgency}", "level": "warn"}),
			step("notify", ActionNotify, map[string]any{"message": "Escalated request: ${input}"}),
		),
		event("critical_pattern_response", "Handle critical-urgency patterns",
			bus.TopicPatternCritical,
			step("record", ActionLog, map[string]any{"message": "Critical pattern ${pattern_id} (${pattern_type})", "level": "error"}),
			step("probe", ActionCheckHealth, nil),
			step("notify", ActionNotify, map[string]any{"message": "Critical ${pattern_type} pattern at urgency ${urgency}"}),
		),
	}
}

type definitionsFile struct {
	Workflows []Definition `yaml:"workflows"`
}

// LoadDefinitionsFile reads workflow definitions from a YAML file with a
// top-level workflows list.
func LoadDefinitionsFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow definitions: %w", err)
	}
	var f definitionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse workflow definitions %s: %w", path, err)
	}
	for i := range f.Workflows {
		if err := f.Workflows[i].Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return f.Workflows, nil
}

// MergeDefinitions returns base with every entry of extra added, replacing
// base entries of the same name.
func MergeDefinitions(base, extra []Definition) []Definition {
	out := make([]Definition, 0, len(base)+len(extra))
	index := make(map[string]int, len(base))
	for _, d := range base {
		index[d.Name] = len(out)
		out = append(out, d)
	}
	for _, d := range extra {
		if i, ok := index[d.Name]; ok {
			out[i] = d
			continue
		}
		index[d.Name] = len(out)
		out = append(out, d)
	}
	return out
}

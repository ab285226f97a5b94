package intent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/KafClaw/autopilot/internal/audit"
	"github.com/KafClaw/autopilot/internal/policy"
	"github.com/KafClaw/autopilot/internal/store"
)

// DefaultRules is the rule set seeded into an empty table.
func DefaultRules() []Rule {
	rule := func(intent, action string, auto, approval bool, c policy.Conditions, desc string) Rule {
		return Rule{IntentPattern: intent, Action: action, AutoExecute: auto, RequiresApproval: approval, Conditions: c, Description: desc}
	}
	operators := []string{"admin", "operator"}
	editors := []string{"admin", "editor"}
	return []Rule{
		rule(IntentSystemHealth, ActionSystemHealthCheck, true, false, policy.Conditions{},
			"Health probes are read-only"),
		rule(IntentClearCache, ActionClearCache, true, false, policy.Conditions{},
			"Cache release is safe to repeat"),
		rule(IntentBackupDatabase, ActionBackupDatabase, true, false, policy.Conditions{AllowedRoles: operators},
			"Backups are restricted to operators"),
		rule(IntentFixError, ActionFixError, true, true, policy.Conditions{AllowedRoles: operators, AutoApproveUrgency: 8},
			"Self-healing needs sign-off unless the request is critical"),
		rule(IntentPublishContent, ActionPublishContent, true, true, policy.Conditions{AllowedRoles: editors},
			"Publishing is reviewed"),
		rule(IntentDeleteContent, ActionDeleteContent, true, true, policy.Conditions{AllowedRoles: []string{"admin"}},
			"Deletion always needs an admin and a review"),
		rule(IntentCreateContent, ActionCreateContent, true, false, policy.Conditions{AllowedRoles: editors},
			"Drafts can be created directly"),
		rule(IntentUploadMedia, ActionUploadMedia, true, false, policy.Conditions{AllowedRoles: editors, MaxFileSize: 50 << 20},
			"Uploads up to 50MB"),
		rule(IntentCreateUser, ActionCreateUser, true, true, policy.Conditions{AllowedRoles: []string{"admin"}},
			"Accounts are created by admins after review"),
		rule(IntentGenerateReport, ActionGenerateReport, true, false, policy.Conditions{},
			"Reports only read execution history"),
		rule(IntentOptimizePerformance, ActionOptimizePerformance, true, false, policy.Conditions{AllowedRoles: operators, MinImpactScore: 0.5},
			"Maintenance runs only when the request carries real impact"),
		rule(IntentRunWorkflow, ActionRunWorkflow, false, true, policy.Conditions{},
			"Workflows are run by hand"),
	}
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRulesFile reads execution rules from a YAML file with a top-level
// rules list.
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read execution rules: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse execution rules %s: %w", path, err)
	}
	for _, r := range f.Rules {
		if err := validateRule(r); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return f.Rules, nil
}

func validateRule(r Rule) error {
	if !KnownIntent(r.IntentPattern) {
		return fmt.Errorf("%w: %q", ErrUnknownIntent, r.IntentPattern)
	}
	if r.Action == "" {
		return fmt.Errorf("rule %q: action is required", r.IntentPattern)
	}
	return nil
}

const ruleColumns = `id, intent_pattern, action, auto_execute, requires_approval, conditions, description, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r                  Rule
		auto, approval     int
		conditions         string
		created, updatedAt int64
	)
	if err := row.Scan(&r.ID, &r.IntentPattern, &r.Action, &auto, &approval, &conditions, &r.Description, &created, &updatedAt); err != nil {
		return nil, err
	}
	r.AutoExecute = auto == 1
	r.RequiresApproval = approval == 1
	if err := store.UnmarshalJSON(conditions, &r.Conditions); err != nil {
		return nil, fmt.Errorf("rule %s conditions: %w", r.ID, err)
	}
	r.CreatedAt = store.FromMillis(created)
	r.UpdatedAt = store.FromMillis(updatedAt)
	return &r, nil
}

// GetRule returns the rule for intent, or nil when none exists.
func (x *Executor) GetRule(ctx context.Context, intent string) (*Rule, error) {
	r, err := scanRule(x.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM execution_rules WHERE intent_pattern = ?`, intent))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rule %s: %w", intent, err)
	}
	return r, nil
}

// ListRules returns every rule ordered by intent.
func (x *Executor) ListRules(ctx context.Context) ([]Rule, error) {
	rows, err := x.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM execution_rules ORDER BY intent_pattern`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	var out []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// UpsertRule inserts or replaces the rule for r.IntentPattern.
func (x *Executor) UpsertRule(ctx context.Context, r Rule) (*Rule, error) {
	if err := validateRule(r); err != nil {
		return nil, err
	}
	if err := x.upsertRule(ctx, &r); err != nil {
		return nil, err
	}
	x.audit.Log(ctx, audit.Event{Component: "intent", Action: "rule_upserted", EntityID: r.ID,
		Details: map[string]any{"intent": r.IntentPattern, "action": r.Action, "auto_execute": r.AutoExecute}})
	return x.GetRule(ctx, r.IntentPattern)
}

func (x *Executor) upsertRule(ctx context.Context, r *Rule) error {
	conditions, err := store.MarshalJSON(r.Conditions)
	if err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = newID()
	}
	now := store.Millis(x.now())
	_, err = x.db.ExecContext(ctx, `INSERT INTO execution_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(intent_pattern) DO UPDATE SET
			action = excluded.action,
			auto_execute = excluded.auto_execute,
			requires_approval = excluded.requires_approval,
			conditions = excluded.conditions,
			description = excluded.description,
			updated_at = excluded.updated_at`,
		r.ID, r.IntentPattern, r.Action, boolInt(r.AutoExecute), boolInt(r.RequiresApproval),
		conditions, r.Description, now, now)
	if err != nil {
		return fmt.Errorf("upsert rule %s: %w", r.IntentPattern, err)
	}
	return nil
}

// seedRules fills an empty rule table.
func (x *Executor) seedRules(ctx context.Context) error {
	var n int
	if err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM execution_rules`).Scan(&n); err != nil {
		return fmt.Errorf("count rules: %w", err)
	}
	if n > 0 {
		return nil
	}
	rules := x.seeds
	if rules == nil {
		rules = DefaultRules()
	}
	for _, r := range rules {
		if err := validateRule(r); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		if err := x.upsertRule(ctx, &r); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}
	x.logger.Info("Seeded execution rules", "count", len(rules))
	return nil
}

// MergeRules returns base with every entry of extra added, replacing base
// entries for the same intent.
func MergeRules(base, extra []Rule) []Rule {
	out := make([]Rule, 0, len(base)+len(extra))
	index := make(map[string]int, len(base))
	for _, r := range base {
		index[r.IntentPattern] = len(out)
		out = append(out, r)
	}
	for _, r := range extra {
		if i, ok := index[r.IntentPattern]; ok {
			out[i] = r
			continue
		}
		index[r.IntentPattern] = len(out)
		out = append(out, r)
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

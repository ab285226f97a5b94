// Package policy decides whether a classified intent may run without a
// human in the loop.
package policy

import (
	"slices"
	"strconv"
	"time"
)

// Decision reasons.
const (
	ReasonNoRule         = "no_rule_or_disabled"
	ReasonInsufficient   = "insufficient_role"
	ReasonFileTooLarge   = "file_too_large"
	ReasonLowImpact      = "low_impact"
	ReasonUrgencyBypass  = "urgency_auto_approved"
	ReasonRequiresReview = "requires_approval"
	ReasonAllowed        = "allowed"
)

// Conditions narrow when a rule applies. Zero values disable a check.
type Conditions struct {
	AllowedRoles       []string `json:"allowed_roles,omitempty" yaml:"allowed_roles,omitempty"`
	MaxFileSize        int64    `json:"max_file_size,omitempty" yaml:"max_file_size,omitempty"`
	MinImpactScore     float64  `json:"min_impact_score,omitempty" yaml:"min_impact_score,omitempty"`
	AutoApproveUrgency int      `json:"auto_approve_urgency,omitempty" yaml:"auto_approve_urgency,omitempty"`
}

// Rule maps an intent to an action and its authorization policy.
type Rule struct {
	ID               string     `json:"id" yaml:"id,omitempty"`
	IntentPattern    string     `json:"intent_pattern" yaml:"intent_pattern"`
	Action           string     `json:"action" yaml:"action"`
	AutoExecute      bool       `json:"auto_execute" yaml:"auto_execute"`
	RequiresApproval bool       `json:"requires_approval" yaml:"requires_approval"`
	Conditions       Conditions `json:"conditions" yaml:"conditions"`
	Description      string     `json:"description,omitempty" yaml:"description,omitempty"`
	CreatedAt        time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt        time.Time  `json:"updated_at" yaml:"-"`
}

// Request holds what the caller knows about a pending execution.
type Request struct {
	Role    string
	Data    map[string]any
	Urgency int
}

// Decision is the result of a policy evaluation.
type Decision struct {
	AutoExecute      bool   `json:"auto_execute"`
	RequiresApproval bool   `json:"requires_approval"`
	Reason           string `json:"reason"`
}

// Engine evaluates whether an execution should proceed.
type Engine interface {
	Evaluate(rule *Rule, req Request) Decision
}

// DefaultEngine applies Evaluate.
type DefaultEngine struct{}

// Evaluate implements Engine.
func (DefaultEngine) Evaluate(rule *Rule, req Request) Decision { return Evaluate(rule, req) }

// Evaluate checks the rule's conditions in a fixed order: role allow-list,
// file size ceiling, impact score floor. A role denial can still be
// escalated for manual sign-off; the other denials are final.
func Evaluate(rule *Rule, req Request) Decision {
	if rule == nil || !rule.AutoExecute {
		return Decision{Reason: ReasonNoRule}
	}
	c := rule.Conditions

	if len(c.AllowedRoles) > 0 && !slices.Contains(c.AllowedRoles, req.Role) {
		return Decision{RequiresApproval: true, Reason: ReasonInsufficient}
	}
	if c.MaxFileSize > 0 {
		if size, ok := number(req.Data["file_size"]); ok && size > float64(c.MaxFileSize) {
			return Decision{Reason: ReasonFileTooLarge}
		}
	}
	if c.MinImpactScore > 0 && impactScore(req) < c.MinImpactScore {
		return Decision{Reason: ReasonLowImpact}
	}

	d := Decision{AutoExecute: true, RequiresApproval: rule.RequiresApproval, Reason: ReasonAllowed}
	if d.RequiresApproval {
		d.Reason = ReasonRequiresReview
		if c.AutoApproveUrgency > 0 && req.Urgency >= c.AutoApproveUrgency {
			d.RequiresApproval = false
			d.Reason = ReasonUrgencyBypass
		}
	}
	return d
}

// impactScore prefers an explicit impact_score and falls back to the
// pattern urgency scaled to 0..1.
func impactScore(req Request) float64 {
	if v, ok := number(req.Data["impact_score"]); ok {
		return v
	}
	return float64(req.Urgency) / 10
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

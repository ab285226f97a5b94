// Package pattern detects urgency, frustration and repetition signals in
// incoming requests, accumulates them per signature and dispatches the
// automatic responses those signals call for.
package pattern

import (
	"time"
)

// Type identifies a detector.
type Type string

const (
	TypeRepeatedRequest    Type = "repeated_request"
	TypeErrorPattern       Type = "error_pattern"
	TypeUrgencyEscalation  Type = "urgency_escalation"
	TypeFrustration        Type = "frustration"
	TypeTimePressure       Type = "time_pressure"
	TypeComplexityIncrease Type = "complexity_increase"
)

// Types lists every detector type in evaluation order.
var Types = []Type{
	TypeRepeatedRequest,
	TypeErrorPattern,
	TypeUrgencyEscalation,
	TypeFrustration,
	TypeTimePressure,
	TypeComplexityIncrease,
}

// Auto-action keys.
const (
	ActionMonitor                    = "monitor"
	ActionLogAndMonitor              = "log_and_monitor"
	ActionEscalateAndResolve         = "escalate_and_resolve"
	ActionTriggerSelfHealing         = "trigger_self_healing"
	ActionImmediateExecution         = "immediate_execution"
	ActionPrioritize                 = "prioritize"
	ActionEscalatePriorityAndResolve = "escalate_priority_and_resolve"
	ActionBreakDownAndExecute        = "break_down_and_execute"
	ActionResolveAggression          = "resolve_aggression"

	// ActionHighPriority is the resolution path run for records at or above
	// HighPriorityUrgency. It is not a detector action.
	ActionHighPriority = "high_priority_resolution"
)

const (
	MinUrgency = 1
	MaxUrgency = 10

	// HighPriorityUrgency is the urgency at which a record is handed to the
	// high-priority resolution path.
	HighPriorityUrgency = 8

	// AggressionThreshold triggers the aggression response when crossed.
	AggressionThreshold = 0.7
)

// RequestContext identifies who sent an input.
type RequestContext struct {
	UserID    string `json:"user_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// ActorKey groups inputs from the same sender.
func (rc RequestContext) ActorKey() string {
	switch {
	case rc.UserID != "":
		return "user:" + rc.UserID
	case rc.IPAddress != "":
		return "ip:" + rc.IPAddress
	default:
		return "anonymous"
	}
}

// Record is the accumulated state of one (type, signature) pair.
type Record struct {
	ID               string    `json:"id"`
	Type             Type      `json:"pattern_type"`
	Signature        string    `json:"signature"`
	Frequency        int       `json:"frequency"`
	UrgencyLevel     int       `json:"urgency_level"`
	AggressionScore  float64   `json:"aggression_score"`
	AutoResolved     bool      `json:"auto_resolved"`
	ResolutionAction *string   `json:"resolution_action,omitempty"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
}

// Occurrence is an input snapshot attached to a record.
type Occurrence struct {
	ID         string         `json:"id"`
	PatternID  string         `json:"pattern_id"`
	Input      string         `json:"input"`
	Context    map[string]any `json:"context,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Escalation records an urgency increase.
type Escalation struct {
	ID        string    `json:"id"`
	PatternID string    `json:"pattern_id"`
	FromLevel int       `json:"from_level"`
	ToLevel   int       `json:"to_level"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Resolution records the outcome of an auto-action.
type Resolution struct {
	ID        string         `json:"id"`
	PatternID string         `json:"pattern_id"`
	Action    string         `json:"action"`
	Success   bool           `json:"success"`
	Detail    map[string]any `json:"detail,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Detected is one detector hit for an input.
type Detected struct {
	Type      Type           `json:"type"`
	Urgency   int            `json:"urgency"`
	Action    string         `json:"action,omitempty"`
	Signature string         `json:"signature"`
	Details   map[string]any `json:"details,omitempty"`

	// Record is the stored state after the hit was recorded. It is nil when
	// recording failed.
	Record *Record `json:"record,omitempty"`
}

// AnalysisResult is returned by Analyze.
type AnalysisResult struct {
	Patterns                []Detected `json:"patterns"`
	HighestUrgency          int        `json:"highest_urgency"`
	RequiresImmediateAction bool       `json:"requires_immediate_action"`
}

// Has reports whether a detector of type t fired.
func (r *AnalysisResult) Has(t Type) bool {
	return r.Find(t) != nil
}

// Find returns the hit of type t, or nil.
func (r *AnalysisResult) Find(t Type) *Detected {
	if r == nil {
		return nil
	}
	for i := range r.Patterns {
		if r.Patterns[i].Type == t {
			return &r.Patterns[i]
		}
	}
	return nil
}

// Filter narrows ListRecords.
type Filter struct {
	Type       Type
	MinUrgency int
	Unresolved bool
	Limit      int
}

// SweepReport summarizes one background sweep.
type SweepReport struct {
	HighPriority      int   `json:"high_priority"`
	Aggression        int   `json:"aggression"`
	Anomalies         int   `json:"anomalies"`
	PurgedOccurrences int64 `json:"purged_occurrences"`
	PurgedRecords     int64 `json:"purged_records"`
}

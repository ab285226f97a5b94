package bus

// Topic names an event stream.
type Topic string

// Pattern topics.
const (
	TopicPatternEscalated       Topic = "pattern.escalated"
	TopicPatternCritical        Topic = "pattern.critical"
	TopicPatternHighAggression  Topic = "pattern.high_aggression"
	TopicPatternPrioritized     Topic = "pattern.prioritized"
	TopicPatternImmediateAction Topic = "pattern.immediate_action"
	TopicPatternComplexRequest  Topic = "pattern.complex_request"
	TopicPatternAnomaly         Topic = "pattern.anomaly"
)

// System topics.
const (
	TopicSystemErrorPattern    Topic = "system.error_pattern"
	TopicSystemDiskFull        Topic = "system.disk_full"
	TopicSystemRepeatedFailure Topic = "system.repeated_failure"
)

// Workflow topics.
const (
	TopicWorkflowCompleted    Topic = "workflow.completed"
	TopicWorkflowFailed       Topic = "workflow.failed"
	TopicWorkflowNotification Topic = "workflow.notification"
)

// Domain topics raised on behalf of external collaborators.
const (
	TopicContentPublished       Topic = "content.published"
	TopicContentCreateRequested Topic = "content.create_requested"
	TopicContentDeleteRequested Topic = "content.delete_requested"
	TopicMediaUploadRequested   Topic = "media.upload_requested"
	TopicUserRegistered         Topic = "user.registered"
	TopicUserCreateRequested    Topic = "user.create_requested"
)

// Payload is the closed set of event payload types. Every payload flattens
// to a plain key-value map for subscribers that only need fields.
type Payload interface {
	Fields() map[string]any
	sealed()
}

// Fields is the open payload used for domain events.
type Fields map[string]any

func (f Fields) Fields() map[string]any {
	out := make(map[string]any, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

func (Fields) sealed() {}

// PatternPayload describes a pattern record event.
type PatternPayload struct {
	PatternID   string         `json:"pattern_id"`
	PatternType string         `json:"pattern_type"`
	Signature   string         `json:"signature"`
	Urgency     int            `json:"urgency"`
	Aggression  float64        `json:"aggression"`
	Frequency   int            `json:"frequency"`
	Action      string         `json:"action,omitempty"`
	Input       string         `json:"input,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

func (p PatternPayload) Fields() map[string]any {
	out := map[string]any{
		"pattern_id":   p.PatternID,
		"pattern_type": p.PatternType,
		"signature":    p.Signature,
		"urgency":      p.Urgency,
		"aggression":   p.Aggression,
		"frequency":    p.Frequency,
	}
	if p.Action != "" {
		out["action"] = p.Action
	}
	if p.Input != "" {
		out["input"] = p.Input
	}
	for k, v := range p.Extra {
		out[k] = v
	}
	return out
}

func (PatternPayload) sealed() {}

// WorkflowPayload describes a workflow execution event.
type WorkflowPayload struct {
	WorkflowID   string `json:"workflow_id"`
	WorkflowName string `json:"workflow_name"`
	ExecutionID  string `json:"execution_id"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
	Failures     int    `json:"failures,omitempty"`
	Message      string `json:"message,omitempty"`
}

func (p WorkflowPayload) Fields() map[string]any {
	out := map[string]any{
		"workflow_id":   p.WorkflowID,
		"workflow_name": p.WorkflowName,
		"execution_id":  p.ExecutionID,
		"status":        p.Status,
	}
	if p.Error != "" {
		out["error"] = p.Error
	}
	if p.Failures > 0 {
		out["failures"] = p.Failures
	}
	if p.Message != "" {
		out["message"] = p.Message
	}
	return out
}

func (WorkflowPayload) sealed() {}

// SystemPayload describes a system-level condition.
type SystemPayload struct {
	Source  string         `json:"source"`
	Reason  string         `json:"reason"`
	Details map[string]any `json:"details,omitempty"`
}

func (p SystemPayload) Fields() map[string]any {
	out := map[string]any{"source": p.Source, "reason": p.Reason}
	for k, v := range p.Details {
		out[k] = v
	}
	return out
}

func (SystemPayload) sealed() {}

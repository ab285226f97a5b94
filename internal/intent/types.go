// Package intent turns free-text requests into authorized actions. It
// classifies the text, consults the rule table, and either runs the mapped
// handler, parks the request for approval, or rejects it.
package intent

import (
	"context"
	"errors"
	"time"

	"github.com/KafClaw/autopilot/internal/pattern"
	"github.com/KafClaw/autopilot/internal/policy"
	"github.com/KafClaw/autopilot/internal/workflow"
)

// Status is an auto-execution state.
type Status string

const (
	// StatusPending only exists between row creation and the decision.
	StatusPending         Status = "pending"
	StatusPendingApproval Status = "pending_approval"
	StatusExecuting       Status = "executing"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	// StatusRejected is the terminal not-executed state: policy denials,
	// explicit rejections and expired approvals.
	StatusRejected Status = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRejected
}

// Rejection reasons recorded beside the policy reasons.
const (
	ReasonRejected        = "rejected_by_approver"
	ReasonApprovalExpired = "approval_expired"
)

var (
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrNotPendingApproval = errors.New("execution is not pending approval")
	// ErrExecutionClosed reports a finish on a row no longer executing.
	ErrExecutionClosed = errors.New("execution already closed")
	// ErrUnknownIntent is returned by rule updates naming no intent the
	// classifier knows.
	ErrUnknownIntent = errors.New("unknown intent")
	// ErrNoHandler fails executions whose rule maps to an unregistered action.
	ErrNoHandler = errors.New("no handler for action")
)

// Caller identifies who asked.
type Caller struct {
	UserID    string `json:"user_id,omitempty"`
	Role      string `json:"role,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// PatternContext converts the caller for the pattern engine.
func (c Caller) PatternContext() pattern.RequestContext {
	return pattern.RequestContext{UserID: c.UserID, IPAddress: c.IPAddress, UserAgent: c.UserAgent}
}

// Classification is the classifier verdict for one input.
type Classification struct {
	Intent     string         `json:"intent"`
	Confidence float64        `json:"confidence"`
	Entities   map[string]any `json:"entities,omitempty"`
}

// AutoExecution is one attempt, or pending request, to run an action.
type AutoExecution struct {
	ID          string         `json:"id"`
	Intent      string         `json:"intent"`
	Action      string         `json:"action"`
	InputData   map[string]any `json:"input_data,omitempty"`
	Confidence  float64        `json:"confidence"`
	Urgency     int            `json:"urgency"`
	Status      Status         `json:"status"`
	Reason      string         `json:"reason,omitempty"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	ApprovedBy  string         `json:"approved_by,omitempty"`
	ApprovedAt  *time.Time     `json:"approved_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Feedback is a verdict on a finished execution.
type Feedback struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	WasCorrect  bool      `json:"was_correct"`
	Note        string    `json:"note,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ExecuteResult is returned by Execute and ApproveExecution. Handler errors
// are reported in Error, never as a Go error.
type ExecuteResult struct {
	ExecutionID      string `json:"execution_id"`
	Executed         bool   `json:"executed"`
	RequiresApproval bool   `json:"requires_approval,omitempty"`
	Status           Status `json:"status"`
	Reason           string `json:"reason,omitempty"`
	Result           any    `json:"result,omitempty"`
	Error            string `json:"error,omitempty"`
}

// ProcessResult is returned by ProcessInput.
type ProcessResult struct {
	Understood     bool           `json:"understood"`
	Classification Classification `json:"classification"`
	Message        string         `json:"message,omitempty"`
	Urgency        int            `json:"urgency"`
	Patterns       []string       `json:"patterns,omitempty"`
	Execution      *ExecuteResult `json:"execution,omitempty"`
}

// Rule is the execution rule type shared with the policy evaluator.
type Rule = policy.Rule

// PatternAnalyzer scores raw input for urgency signals.
type PatternAnalyzer interface {
	Analyze(ctx context.Context, input string, rc pattern.RequestContext) *pattern.AnalysisResult
}

// WorkflowRunner runs a workflow by name.
type WorkflowRunner interface {
	ExecuteWorkflowByName(ctx context.Context, name string, input map[string]any) (*workflow.ExecutionResult, error)
}

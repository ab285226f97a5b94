// Package workflow runs named, versioned multi-step workflows with retry,
// step timeouts and schedule or event triggers.
package workflow

import (
	"errors"
	"fmt"
	"time"
)

// TriggerType says what starts a workflow.
type TriggerType string

const (
	TriggerSchedule TriggerType = "schedule"
	TriggerEvent    TriggerType = "event"
)

// Trigger holds the trigger configuration. A schedule uses IntervalMs or
// Cron; an event trigger names a bus topic.
type Trigger struct {
	IntervalMs int64  `json:"interval_ms,omitempty" yaml:"interval_ms,omitempty"`
	Cron       string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Event      string `json:"event,omitempty" yaml:"event,omitempty"`
}

// Step is one action invocation.
type Step struct {
	Name   string         `json:"name" yaml:"name"`
	Action string         `json:"action" yaml:"action"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Definition describes a workflow.
type Definition struct {
	ID             string      `json:"id" yaml:"id,omitempty"`
	Name           string      `json:"name" yaml:"name"`
	Description    string      `json:"description,omitempty" yaml:"description,omitempty"`
	TriggerType    TriggerType `json:"trigger_type" yaml:"trigger_type"`
	Trigger        Trigger     `json:"trigger" yaml:"trigger"`
	Steps          []Step      `json:"steps" yaml:"steps"`
	Enabled        bool        `json:"enabled" yaml:"enabled"`
	AutoRetry      bool        `json:"auto_retry" yaml:"auto_retry"`
	MaxRetries     int         `json:"max_retries" yaml:"max_retries"`
	TimeoutSeconds int         `json:"timeout_seconds" yaml:"timeout_seconds"`
	Version        int         `json:"version" yaml:"-"`
	CreatedAt      time.Time   `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time   `json:"updated_at" yaml:"-"`
}

// DefaultStepTimeout applies when TimeoutSeconds is not positive.
const DefaultStepTimeout = 5 * time.Minute

// StepTimeout returns the per-step bound.
func (d *Definition) StepTimeout() time.Duration {
	if d.TimeoutSeconds <= 0 {
		return DefaultStepTimeout
	}
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// Validate checks the fields a workflow cannot run without.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return errors.New("workflow name is required")
	}
	switch d.TriggerType {
	case TriggerSchedule:
		if d.Trigger.IntervalMs <= 0 && d.Trigger.Cron == "" {
			return fmt.Errorf("workflow %q: schedule trigger needs interval_ms or cron", d.Name)
		}
	case TriggerEvent:
		if d.Trigger.Event == "" {
			return fmt.Errorf("workflow %q: event trigger needs an event name", d.Name)
		}
	default:
		return fmt.Errorf("workflow %q: unknown trigger type %q", d.Name, d.TriggerType)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %q: at least one step is required", d.Name)
	}
	for i, s := range d.Steps {
		if s.Action == "" {
			return fmt.Errorf("workflow %q: step %d has no action", d.Name, i)
		}
	}
	if d.MaxRetries < 0 {
		return fmt.Errorf("workflow %q: max_retries must not be negative", d.Name)
	}
	return nil
}

// Status is a workflow execution state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepStatus is a step log state.
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Execution is one run of a workflow across all of its attempts.
type Execution struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	Status      Status         `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	RetryCount  int            `json:"retry_count"`
	Error       string         `json:"error,omitempty"`
	Result      []any          `json:"result,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// StepLog records one step of one attempt.
type StepLog struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"execution_id"`
	Attempt     int        `json:"attempt"`
	StepIndex   int        `json:"step_index"`
	StepName    string     `json:"step_name"`
	Action      string     `json:"action"`
	Status      StepStatus `json:"status"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`
}

// ExecutionResult is returned by ExecuteWorkflow.
type ExecutionResult struct {
	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
	Status      Status `json:"status"`
	Result      []any  `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
	RetryCount  int    `json:"retry_count"`
}

var (
	// ErrStepTimeout is wrapped by StepTimeoutError.
	ErrStepTimeout = errors.New("step timed out")
	// ErrUnknownAction fails a step whose action key has no handler.
	ErrUnknownAction = errors.New("unknown workflow action")
	// ErrWorkflowNotFound is returned by operations that modify a workflow.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrExecutionClosed reports a transition on an execution that already
	// left the expected status, usually because another process closed it.
	ErrExecutionClosed = errors.New("execution already closed")
)

// StepTimeoutError reports a step that exceeded the workflow's timeout.
type StepTimeoutError struct {
	Step    string
	Timeout time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %q timed out after %s", e.Step, e.Timeout)
}

func (e *StepTimeoutError) Unwrap() error { return ErrStepTimeout }

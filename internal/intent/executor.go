package intent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/KafClaw/autopilot/internal/approval"
	"github.com/KafClaw/autopilot/internal/audit"
	"github.com/KafClaw/autopilot/internal/bus"
	"github.com/KafClaw/autopilot/internal/policy"
	"github.com/KafClaw/autopilot/internal/store"
)

const (
	// DefaultConfidenceThreshold is used until feedback or an operator
	// moves it.
	DefaultConfidenceThreshold = 0.7
	// MaxConfidenceThreshold caps the feedback adjustment.
	MaxConfidenceThreshold = 0.95
	// FeedbackStep is added to the threshold for every incorrect verdict.
	FeedbackStep = 0.05
)

// ClarificationMessage is returned for inputs the classifier is unsure of.
const ClarificationMessage = "I'm not sure what you want me to do. Could you rephrase the request or be more specific?"

// Request is one execution request.
type Request struct {
	Intent     string
	Data       map[string]any
	Caller     Caller
	Confidence float64
	Urgency    int
}

// Executor classifies requests, authorizes them against the rule table and
// runs the mapped action handlers.
type Executor struct {
	db        *store.DB
	events    bus.Publisher
	patterns  PatternAnalyzer
	workflows WorkflowRunner
	policy    policy.Engine
	approvals *approval.Manager
	audit     audit.Sink
	logger    *slog.Logger
	now       func() time.Time
	seeds     []Rule
	handlers  map[string]Handler

	mu        sync.RWMutex
	threshold float64
}

// Option configures an Executor.
type Option func(*Executor)

func WithLogger(l *slog.Logger) Option {
	return func(x *Executor) {
		if l != nil {
			x.logger = l
		}
	}
}

func WithAudit(s audit.Sink) Option {
	return func(x *Executor) {
		if s != nil {
			x.audit = s
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(x *Executor) {
		if now != nil {
			x.now = now
		}
	}
}

// WithPatternAnalyzer scores raw input in ProcessInput.
func WithPatternAnalyzer(p PatternAnalyzer) Option {
	return func(x *Executor) { x.patterns = p }
}

// WithWorkflowRunner backs the workflow-driven actions.
func WithWorkflowRunner(w WorkflowRunner) Option {
	return func(x *Executor) { x.workflows = w }
}

// WithPolicy replaces the rule evaluator.
func WithPolicy(p policy.Engine) Option {
	return func(x *Executor) {
		if p != nil {
			x.policy = p
		}
	}
}

// WithApprovals shares an approval manager.
func WithApprovals(m *approval.Manager) Option {
	return func(x *Executor) {
		if m != nil {
			x.approvals = m
		}
	}
}

// WithSeeds replaces the rules seeded into an empty table.
func WithSeeds(rules []Rule) Option {
	return func(x *Executor) { x.seeds = rules }
}

// WithHandlers replaces the action handler table.
func WithHandlers(h map[string]Handler) Option {
	return func(x *Executor) { x.handlers = maps.Clone(h) }
}

// WithConfidenceThreshold sets the initial threshold. A value persisted by
// earlier feedback takes precedence.
func WithConfidenceThreshold(v float64) Option {
	return func(x *Executor) {
		if v > 0 && v <= 1 {
			x.threshold = v
		}
	}
}

// New creates an executor, applies the intent schema, seeds an empty rule
// table and restores the persisted confidence threshold.
func New(ctx context.Context, db *store.DB, events bus.Publisher, opts ...Option) (*Executor, error) {
	x := &Executor{
		db:        db,
		events:    events,
		policy:    policy.DefaultEngine{},
		approvals: approval.NewManager(),
		audit:     audit.Nop{},
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		threshold: DefaultConfidenceThreshold,
	}
	for _, opt := range opts {
		opt(x)
	}
	if x.handlers == nil {
		x.handlers = x.defaultHandlers()
	}
	if err := db.EnsureSchema(Schema); err != nil {
		return nil, fmt.Errorf("intent schema: %w", err)
	}
	if err := x.seedRules(ctx); err != nil {
		return nil, err
	}
	v, ok, err := x.loadThreshold(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		x.threshold = v
	}
	return x, nil
}

// ConfidenceThreshold returns the current classification threshold.
func (x *Executor) ConfidenceThreshold() float64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.threshold
}

// SetConfidenceThreshold stores a new threshold in (0, 1].
func (x *Executor) SetConfidenceThreshold(ctx context.Context, v float64) error {
	if v <= 0 || v > 1 {
		return fmt.Errorf("confidence threshold %v out of range (0, 1]", v)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.saveSetting(ctx, settingConfidenceThreshold, strconv.FormatFloat(v, 'f', -1, 64)); err != nil {
		return err
	}
	prev := x.threshold
	x.threshold = v
	x.audit.Log(ctx, audit.Event{Component: "intent", Action: "threshold_set", EntityID: settingConfidenceThreshold,
		Details: map[string]any{"from": prev, "to": v}})
	return nil
}

// ProcessInput classifies text, scores it for urgency and, when the
// classification clears the threshold, executes the intent. Inputs below
// the threshold never create an execution row.
func (x *Executor) ProcessInput(ctx context.Context, text string, caller Caller) (*ProcessResult, error) {
	cls := AnalyzeIntent(text)
	res := &ProcessResult{Classification: cls}

	if x.patterns != nil {
		if analysis := x.patterns.Analyze(ctx, text, caller.PatternContext()); analysis != nil {
			res.Urgency = analysis.HighestUrgency
			for _, p := range analysis.Patterns {
				res.Patterns = append(res.Patterns, string(p.Type))
			}
		}
	}

	threshold := x.ConfidenceThreshold()
	if cls.Intent == IntentUnknown || cls.Confidence < threshold {
		res.Message = ClarificationMessage
		x.logger.Debug("Intent not understood", "intent", cls.Intent, "confidence", cls.Confidence, "threshold", threshold)
		return res, nil
	}
	res.Understood = true

	data := make(map[string]any, len(cls.Entities)+1)
	maps.Copy(data, cls.Entities)
	data["text"] = text

	exec, err := x.ExecuteRequest(ctx, Request{
		Intent:     cls.Intent,
		Data:       data,
		Caller:     caller,
		Confidence: cls.Confidence,
		Urgency:    res.Urgency,
	})
	if err != nil {
		return nil, err
	}
	res.Execution = exec
	return res, nil
}

// Execute runs intent on behalf of caller with full confidence.
func (x *Executor) Execute(ctx context.Context, intent string, data map[string]any, caller Caller) (*ExecuteResult, error) {
	urgency := 0
	if v, ok := data["urgency"]; ok {
		if n, err := strconv.Atoi(fmt.Sprint(v)); err == nil {
			urgency = n
		}
	}
	return x.ExecuteRequest(ctx, Request{Intent: intent, Data: data, Caller: caller, Confidence: 1, Urgency: urgency})
}

// ExecuteRequest records the request, evaluates the rule for its intent and
// then rejects it, parks it for approval, or runs the handler. Handler
// failures are reported in the result; the error return is reserved for
// storage failures.
func (x *Executor) ExecuteRequest(ctx context.Context, req Request) (*ExecuteResult, error) {
	rule, err := x.GetRule(ctx, req.Intent)
	if err != nil {
		return nil, err
	}
	action := req.Intent
	if rule != nil {
		action = rule.Action
	}

	ex := &AutoExecution{
		ID:         newID(),
		Intent:     req.Intent,
		Action:     action,
		InputData:  req.Data,
		Confidence: req.Confidence,
		Urgency:    req.Urgency,
		Status:     StatusPending,
		UserID:     req.Caller.UserID,
		CreatedAt:  x.now(),
	}
	if err := x.insertExecution(ctx, ex); err != nil {
		return nil, err
	}

	decision := x.policy.Evaluate(rule, policy.Request{Role: req.Caller.Role, Data: req.Data, Urgency: req.Urgency})
	x.audit.Log(ctx, audit.Event{Component: "intent", Action: "decision", EntityID: ex.ID,
		Details: map[string]any{
			"intent":            req.Intent,
			"action":            action,
			"confidence":        req.Confidence,
			"urgency":           req.Urgency,
			"auto_execute":      decision.AutoExecute,
			"requires_approval": decision.RequiresApproval,
			"reason":            decision.Reason,
		}})

	switch {
	case decision.RequiresApproval:
		if _, err := x.transition(ctx, ex.ID, StatusPendingApproval, decision.Reason, StatusPending); err != nil {
			return nil, err
		}
		x.approvals.Register(ex.ID)
		x.logger.Info("Execution awaiting approval", "execution", ex.ID, "intent", req.Intent, "reason", decision.Reason)
		return &ExecuteResult{
			ExecutionID:      ex.ID,
			RequiresApproval: true,
			Status:           StatusPendingApproval,
			Reason:           decision.Reason,
		}, nil

	case !decision.AutoExecute:
		if err := x.rejectExecution(ctx, ex.ID, decision.Reason); err != nil {
			return nil, err
		}
		x.logger.Info("Execution denied", "execution", ex.ID, "intent", req.Intent, "reason", decision.Reason)
		return &ExecuteResult{ExecutionID: ex.ID, Status: StatusRejected, Reason: decision.Reason}, nil
	}

	if _, err := x.transition(ctx, ex.ID, StatusExecuting, decision.Reason, StatusPending); err != nil {
		return nil, err
	}
	res, err := x.run(ctx, ex, req.Caller)
	if err != nil {
		return nil, err
	}
	res.Reason = decision.Reason
	return res, nil
}

// ApproveExecution runs a parked execution. Approval is one-shot: a second
// call fails with ErrNotPendingApproval.
func (x *Executor) ApproveExecution(ctx context.Context, id, approvedBy string) (*ExecuteResult, error) {
	if err := x.claimApproval(ctx, id, approvedBy); err != nil {
		return nil, err
	}
	ex, err := x.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if ex == nil {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	x.audit.Log(ctx, audit.Event{Component: "intent", Action: "approved", EntityID: id,
		Details: map[string]any{"approved_by": approvedBy, "intent": ex.Intent}})

	res, err := x.run(ctx, ex, Caller{UserID: ex.UserID})
	if err != nil {
		return nil, err
	}
	if err := x.approvals.Resolve(id, true); err != nil && !errors.Is(err, approval.ErrNoPending) {
		x.logger.Warn("Failed to wake approval waiter", "execution", id, "error", err)
	}
	return res, nil
}

// RejectExecution closes a parked execution without running it.
func (x *Executor) RejectExecution(ctx context.Context, id, rejectedBy, note string) error {
	if err := x.rejectPending(ctx, id, rejectedBy, ReasonRejected, note); err != nil {
		return err
	}
	x.audit.Log(ctx, audit.Event{Component: "intent", Action: "rejected", EntityID: id,
		Details: map[string]any{"rejected_by": rejectedBy, "note": note}})
	_ = x.approvals.Resolve(id, false)
	return nil
}

// AwaitApproval blocks until a parked execution is approved or rejected.
func (x *Executor) AwaitApproval(ctx context.Context, id string) (bool, error) {
	ex, err := x.GetExecution(ctx, id)
	if err != nil {
		return false, err
	}
	if ex == nil {
		return false, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	switch ex.Status {
	case StatusPendingApproval:
		x.approvals.Register(id)
		return x.approvals.Wait(ctx, id)
	case StatusRejected:
		return false, nil
	case StatusExecuting, StatusCompleted, StatusFailed:
		return ex.ApprovedBy != "", nil
	}
	return false, fmt.Errorf("%w: %s is %s", ErrNotPendingApproval, id, ex.Status)
}

// ExpireStaleApprovals rejects executions that have waited longer than
// olderThan and returns how many were closed.
func (x *Executor) ExpireStaleApprovals(ctx context.Context, olderThan time.Duration) (int, error) {
	ids, err := x.expirePending(ctx, x.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		_ = x.approvals.Resolve(id, false)
		x.audit.Log(ctx, audit.Event{Component: "intent", Action: "approval_expired", EntityID: id})
	}
	if len(ids) > 0 {
		x.logger.Info("Expired pending approvals", "count", len(ids))
	}
	return len(ids), nil
}

// RecordFeedback stores a verdict on an execution. An incorrect verdict
// raises the confidence threshold by FeedbackStep up to
// MaxConfidenceThreshold; nothing lowers it.
func (x *Executor) RecordFeedback(ctx context.Context, executionID string, wasCorrect bool, note string) (*Feedback, error) {
	ex, err := x.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if ex == nil {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	f := &Feedback{ID: newID(), ExecutionID: executionID, WasCorrect: wasCorrect, Note: note, CreatedAt: x.now()}
	if err := x.insertFeedback(ctx, f); err != nil {
		return nil, err
	}
	x.audit.Log(ctx, audit.Event{Component: "intent", Action: "feedback", EntityID: executionID,
		Details: map[string]any{"was_correct": wasCorrect}})
	if wasCorrect {
		return f, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	next := min(x.threshold+FeedbackStep, MaxConfidenceThreshold)
	if next <= x.threshold {
		return f, nil
	}
	if err := x.saveSetting(ctx, settingConfidenceThreshold, strconv.FormatFloat(next, 'f', -1, 64)); err != nil {
		return nil, err
	}
	x.logger.Info("Raised confidence threshold", "from", x.threshold, "to", next, "execution", executionID)
	x.threshold = next
	return f, nil
}

// run executes the handler for a row already in executing and stores the
// outcome.
func (x *Executor) run(ctx context.Context, ex *AutoExecution, caller Caller) (*ExecuteResult, error) {
	result, runErr := x.invoke(ctx, ActionRequest{
		ExecutionID: ex.ID,
		Intent:      ex.Intent,
		Action:      ex.Action,
		Data:        ex.InputData,
		Caller:      caller,
		Urgency:     ex.Urgency,
	})

	status, errText := StatusCompleted, ""
	if runErr != nil {
		status, errText = StatusFailed, runErr.Error()
	}
	if err := x.finishExecution(ctx, ex.ID, status, result, errText); err != nil {
		return nil, err
	}
	x.audit.Log(ctx, audit.Event{Component: "intent", Action: string(status), EntityID: ex.ID,
		Details: map[string]any{"intent": ex.Intent, "action": ex.Action, "error": errText}})
	if runErr != nil {
		x.logger.Warn("Action failed", "execution", ex.ID, "action", ex.Action, "error", runErr)
	} else {
		x.logger.Info("Action completed", "execution", ex.ID, "action", ex.Action)
	}
	return &ExecuteResult{
		ExecutionID: ex.ID,
		Executed:    runErr == nil,
		Status:      status,
		Result:      result,
		Error:       errText,
	}, nil
}

func (x *Executor) invoke(ctx context.Context, req ActionRequest) (result any, err error) {
	h, ok := x.handlers[req.Action]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, req.Action)
	}
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("action %s panicked: %v", req.Action, r)
		}
	}()
	return h(ctx, req)
}

package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"sync"
	"time"

	"github.com/KafClaw/autopilot/internal/audit"
	"github.com/KafClaw/autopilot/internal/bus"
	"github.com/KafClaw/autopilot/internal/scheduler"
	"github.com/KafClaw/autopilot/internal/store"
)

// DefaultBackoffUnit is multiplied by 2^retryCount to get the retry delay.
const DefaultBackoffUnit = time.Second

// repeatedFailureThreshold failed executions within an hour raise
// system.repeated_failure.
const repeatedFailureThreshold = 3

// EventBus is what the engine needs from the bus.
type EventBus interface {
	bus.Publisher
	bus.Subscriber
}

type pendingRetry struct {
	timer      *time.Timer
	retryCount int
}

// Engine owns workflow definitions, executions and step logs.
type Engine struct {
	db          *store.DB
	events      EventBus
	sched       *scheduler.Scheduler
	audit       audit.Sink
	logger      *slog.Logger
	now         func() time.Time
	backoffUnit time.Duration
	actions     map[string]Action
	seeds       []Definition
	backupDir   string
	created     time.Time

	runCtx context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	triggers map[string]func()
	retries  map[string]pendingRetry
	started  bool
	stopped  bool
	wg       sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithAudit sets where lifecycle transitions are recorded.
func WithAudit(s audit.Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.audit = s
		}
	}
}

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithBackoffUnit scales retry delays.
func WithBackoffUnit(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.backoffUnit = d
		}
	}
}

// WithActions replaces the step action table.
func WithActions(actions map[string]Action) Option {
	return func(e *Engine) { e.actions = maps.Clone(actions) }
}

// WithScheduler evaluates cron triggers on s. Without one, cron triggers
// are recorded but never fire.
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(e *Engine) { e.sched = s }
}

// WithSeeds replaces the definitions seeded into an empty database.
func WithSeeds(defs []Definition) Option {
	return func(e *Engine) { e.seeds = defs }
}

// WithBackupDir sets where backup_database writes and cleanup_files looks.
func WithBackupDir(dir string) Option {
	return func(e *Engine) {
		if dir != "" {
			e.backupDir = dir
		}
	}
}

// New creates an engine and applies the workflow schema. Triggers are not
// registered until Start.
func New(db *store.DB, events EventBus, opts ...Option) (*Engine, error) {
	e := &Engine{
		db:          db,
		events:      events,
		audit:       audit.Nop{},
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
		backoffUnit: DefaultBackoffUnit,
		backupDir:   filepath.Join(filepath.Dir(db.Path()), "backups"),
		triggers:    make(map[string]func()),
		retries:     make(map[string]pendingRetry),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.actions == nil {
		e.actions = e.defaultActions()
	}
	e.created = e.now()
	e.runCtx, e.cancel = context.WithCancel(context.Background())
	if err := db.EnsureSchema(Schema); err != nil {
		e.cancel()
		return nil, fmt.Errorf("workflow schema: %w", err)
	}
	return e, nil
}

// Start seeds an empty database and registers the triggers of every
// enabled workflow. Executions owned by other processes sharing the
// database are left alone.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.seed(ctx); err != nil {
		return err
	}
	defs, err := e.ListWorkflows(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return errors.New("workflow engine stopped")
	}
	e.started = true
	for i := range defs {
		e.registerLocked(&defs[i])
	}
	e.logger.Info("Workflow engine started", "workflows", len(defs), "triggers", len(e.triggers))
	return nil
}

// RecoverInterrupted marks executions that were still open when this engine
// was created as failed. Only the long-running owner of the database should
// call it; one-shot processes would close executions a live daemon is
// still driving.
func (e *Engine) RecoverInterrupted(ctx context.Context) (int64, error) {
	n, err := e.failInterrupted(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Warn("Marked interrupted workflow executions failed", "count", n)
	}
	return n, nil
}

// Stop removes every trigger, cancels pending retries and waits for
// triggered executions to return. Steps still running see their context
// cancelled.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	for id, stop := range e.triggers {
		stop()
		delete(e.triggers, id)
	}
	cancelled := make(map[string]int)
	for id, p := range e.retries {
		if p.timer.Stop() {
			cancelled[id] = p.retryCount
			e.wg.Done()
		}
		delete(e.retries, id)
	}
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	for id, retryCount := range cancelled {
		if err := e.finishExecution(context.Background(), id, StatusRetrying, StatusFailed, retryCount, nil, "retry cancelled: engine stopped"); err != nil && !errors.Is(err, ErrExecutionClosed) {
			e.logger.Warn("Failed to close cancelled execution", "execution", id, "error", err)
		}
	}
	e.logger.Info("Workflow engine stopped")
}

// ExecuteWorkflow runs the workflow with id. Unknown and disabled workflows
// return a nil result and no error. When an attempt fails and a retry is
// scheduled the call returns immediately with status retrying.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string, input map[string]any) (*ExecutionResult, error) {
	def, err := e.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return e.executeDefinition(ctx, def, workflowID, input)
}

// ExecuteWorkflowByName is ExecuteWorkflow keyed by name.
func (e *Engine) ExecuteWorkflowByName(ctx context.Context, name string, input map[string]any) (*ExecutionResult, error) {
	def, err := e.GetWorkflowByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return e.executeDefinition(ctx, def, name, input)
}

func (e *Engine) executeDefinition(ctx context.Context, def *Definition, key string, input map[string]any) (*ExecutionResult, error) {
	if def == nil {
		e.logger.Debug("Workflow not found", "workflow", key)
		return nil, nil
	}
	if !def.Enabled {
		e.logger.Debug("Workflow disabled", "workflow", def.Name)
		return nil, nil
	}

	input = maps.Clone(input)
	if input == nil {
		input = map[string]any{}
	}
	x := &Execution{
		ID:         newID(),
		WorkflowID: def.ID,
		Status:     StatusRunning,
		StartedAt:  e.now(),
		Context:    input,
	}
	if err := e.insertExecution(ctx, x); err != nil {
		return nil, err
	}
	e.logger.Info("Workflow started", "workflow", def.Name, "execution", x.ID)
	e.audit.Log(ctx, audit.Event{Component: "workflow", Action: "started", EntityID: x.ID,
		Details: map[string]any{"workflow_id": def.ID, "workflow": def.Name, "version": def.Version}})
	return e.attempt(ctx, def, x.ID, 0, input), nil
}

// attempt runs every step once and applies the completed, retrying or
// failed transition.
func (e *Engine) attempt(ctx context.Context, def *Definition, execID string, retryCount int, input map[string]any) *ExecutionResult {
	results, runErr := e.runSteps(ctx, def, execID, retryCount+1, input)
	bg := context.WithoutCancel(ctx)
	res := &ExecutionResult{ExecutionID: execID, WorkflowID: def.ID, RetryCount: retryCount}

	if runErr == nil {
		res.Status = StatusCompleted
		res.Result = results
		if err := e.finishExecution(bg, execID, StatusRunning, StatusCompleted, retryCount, results, ""); err != nil {
			if errors.Is(err, ErrExecutionClosed) {
				return e.closedResult(bg, res)
			}
			e.logger.Warn("Failed to store workflow result", "execution", execID, "error", err)
		}
		e.logger.Info("Workflow completed", "workflow", def.Name, "execution", execID, "retries", retryCount)
		e.publish(bus.TopicWorkflowCompleted, bus.WorkflowPayload{
			WorkflowID: def.ID, WorkflowName: def.Name, ExecutionID: execID, Status: string(StatusCompleted),
		})
		e.audit.Log(bg, audit.Event{Component: "workflow", Action: "completed", EntityID: execID,
			Details: map[string]any{"workflow": def.Name, "retries": retryCount}})
		return res
	}

	res.Error = runErr.Error()
	from := StatusRunning
	if def.AutoRetry && retryCount < def.MaxRetries {
		next := retryCount + 1
		if err := e.setExecutionStatus(bg, execID, StatusRunning, StatusRetrying, next, res.Error); err != nil {
			if errors.Is(err, ErrExecutionClosed) {
				return e.closedResult(bg, res)
			}
			e.logger.Warn("Failed to mark execution retrying", "execution", execID, "error", err)
		} else {
			from = StatusRetrying
		}
		if delay, ok := e.scheduleRetry(def, execID, next, input); ok {
			res.Status = StatusRetrying
			res.RetryCount = next
			e.logger.Warn("Workflow attempt failed, retrying",
				"workflow", def.Name, "execution", execID, "retry", next, "delay", delay, "error", runErr)
			e.audit.Log(bg, audit.Event{Component: "workflow", Action: "retrying", EntityID: execID,
				Details: map[string]any{"workflow": def.Name, "retry": next, "error": res.Error}})
			return res
		}
	}

	res.Status = StatusFailed
	if err := e.finishExecution(bg, execID, from, StatusFailed, retryCount, nil, res.Error); err != nil {
		if errors.Is(err, ErrExecutionClosed) {
			return e.closedResult(bg, res)
		}
		e.logger.Warn("Failed to store workflow failure", "execution", execID, "error", err)
	}
	e.logger.Error("Workflow failed", "workflow", def.Name, "execution", execID, "retries", retryCount, "error", runErr)
	e.publish(bus.TopicWorkflowFailed, bus.WorkflowPayload{
		WorkflowID: def.ID, WorkflowName: def.Name, ExecutionID: execID, Status: string(StatusFailed), Error: res.Error,
	})
	e.audit.Log(bg, audit.Event{Component: "workflow", Action: "failed", EntityID: execID,
		Details: map[string]any{"workflow": def.Name, "retries": retryCount, "error": res.Error}})
	e.checkRepeatedFailure(bg, def)
	return res
}

// closedResult reports the stored state of an execution that was closed
// while this engine was still working on it.
func (e *Engine) closedResult(ctx context.Context, res *ExecutionResult) *ExecutionResult {
	e.logger.Warn("Workflow execution closed elsewhere", "execution", res.ExecutionID)
	res.Result = nil
	if x, err := e.GetExecution(ctx, res.ExecutionID); err == nil && x != nil {
		res.Status = x.Status
		res.Error = x.Error
		res.RetryCount = x.RetryCount
	}
	return res
}

// scheduleRetry arms the backoff timer. It fails once the engine stopped.
func (e *Engine) scheduleRetry(def *Definition, execID string, retryCount int, input map[string]any) (time.Duration, bool) {
	delay := e.backoffUnit * time.Duration(1<<retryCount)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return 0, false
	}
	e.wg.Add(1)
	t := time.AfterFunc(delay, func() {
		defer e.wg.Done()
		e.mu.Lock()
		delete(e.retries, execID)
		stopped := e.stopped
		e.mu.Unlock()
		if stopped {
			if err := e.finishExecution(context.Background(), execID, StatusRetrying, StatusFailed, retryCount, nil, "retry cancelled: engine stopped"); err != nil && !errors.Is(err, ErrExecutionClosed) {
				e.logger.Warn("Failed to close cancelled execution", "execution", execID, "error", err)
			}
			return
		}
		if err := e.setExecutionStatus(e.runCtx, execID, StatusRetrying, StatusRunning, retryCount, ""); err != nil {
			if errors.Is(err, ErrExecutionClosed) {
				e.logger.Warn("Retry skipped, execution closed elsewhere", "execution", execID)
			} else {
				e.logger.Warn("Failed to mark execution running", "execution", execID, "error", err)
			}
			return
		}
		e.attempt(e.runCtx, def, execID, retryCount, input)
	})
	e.retries[execID] = pendingRetry{timer: t, retryCount: retryCount}
	return delay, true
}

func (e *Engine) runSteps(ctx context.Context, def *Definition, execID string, attempt int, input map[string]any) ([]any, error) {
	current := maps.Clone(input)
	if current == nil {
		current = map[string]any{}
	}
	results := make([]any, 0, len(def.Steps))
	bg := context.WithoutCancel(ctx)

	for i, step := range def.Steps {
		entry := &StepLog{
			ID:          newID(),
			ExecutionID: execID,
			Attempt:     attempt,
			StepIndex:   i,
			StepName:    stepName(step),
			Action:      step.Action,
			StartedAt:   e.now(),
		}
		if err := e.startStepLog(bg, entry); err != nil {
			return results, err
		}

		start := time.Now()
		out, err := e.runStep(ctx, def, execID, i, step, current)
		completed := e.now()
		entry.CompletedAt = &completed
		entry.DurationMs = time.Since(start).Milliseconds()
		if err != nil {
			entry.Status = StepFailed
			entry.Error = err.Error()
		} else {
			entry.Status = StepCompleted
			entry.Result = out
		}
		if ferr := e.finishStepLog(bg, entry); ferr != nil {
			e.logger.Warn("Failed to store step log", "execution", execID, "step", i, "error", ferr)
		}
		if err != nil {
			return results, fmt.Errorf("step %d (%s): %w", i, entry.StepName, err)
		}

		current[fmt.Sprintf("step_%d_result", i)] = out
		results = append(results, out)
	}
	return results, nil
}

func stepName(s Step) string {
	if s.Name != "" {
		return s.Name
	}
	return s.Action
}

// runStep races the action against the workflow's step timeout. The action
// receives a context that is cancelled when the timeout passes.
func (e *Engine) runStep(ctx context.Context, def *Definition, execID string, index int, step Step, current map[string]any) (any, error) {
	action, ok := e.actions[step.Action]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, step.Action)
	}

	timeout := def.StepTimeout()
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := StepRequest{
		Workflow:    def,
		ExecutionID: execID,
		Index:       index,
		Step:        step,
		Context:     maps.Clone(current),
	}
	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				o = outcome{err: fmt.Errorf("step action panicked: %v", r)}
			}
			done <- o
		}()
		o.result, o.err = action(stepCtx, req)
	}()

	timedOut := func() bool {
		return ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded)
	}
	select {
	case o := <-done:
		if o.err != nil && timedOut() {
			return nil, &StepTimeoutError{Step: stepName(step), Timeout: timeout}
		}
		return o.result, o.err
	case <-stepCtx.Done():
		if timedOut() {
			return nil, &StepTimeoutError{Step: stepName(step), Timeout: timeout}
		}
		return nil, stepCtx.Err()
	}
}

func (e *Engine) checkRepeatedFailure(ctx context.Context, def *Definition) {
	if def.TriggerType == TriggerEvent && bus.Topic(def.Trigger.Event) == bus.TopicSystemRepeatedFailure {
		return
	}
	n, err := e.countFailures(ctx, def.ID, e.now().Add(-time.Hour))
	if err != nil {
		e.logger.Warn("Failed to count workflow failures", "workflow", def.Name, "error", err)
		return
	}
	if n < repeatedFailureThreshold {
		return
	}
	e.logger.Warn("Workflow failing repeatedly", "workflow", def.Name, "failures", n)
	e.publish(bus.TopicSystemRepeatedFailure, bus.SystemPayload{
		Source: "workflow_engine",
		Reason: "repeated_failure",
		Details: map[string]any{
			"workflow_id":   def.ID,
			"workflow_name": def.Name,
			"failures":      n,
		},
	})
}

func (e *Engine) publish(topic bus.Topic, p bus.Payload) {
	if !e.events.Publish(topic, p) {
		e.logger.Warn("Workflow event dropped", "topic", topic)
	}
}

// CreateWorkflow stores a new definition at version 1 and registers its
// trigger when the engine is running.
func (e *Engine) CreateWorkflow(ctx context.Context, def Definition) (*Definition, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	now := e.now()
	if def.ID == "" {
		def.ID = newID()
	}
	def.Version = 1
	def.CreatedAt = now
	def.UpdatedAt = now

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.insertDefinition(ctx, &def); err != nil {
		return nil, err
	}
	if e.started {
		e.registerLocked(&def)
	}
	e.audit.Log(ctx, audit.Event{Component: "workflow", Action: "created", EntityID: def.ID,
		Details: map[string]any{"workflow": def.Name}})
	return &def, nil
}

// UpdateWorkflow replaces a definition, bumps its version and re-registers
// its trigger. Executions already running keep the definition they loaded.
func (e *Engine) UpdateWorkflow(ctx context.Context, def Definition) (*Definition, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	existing, err := e.GetWorkflow(ctx, def.ID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, def.ID)
	}
	def.Version = existing.Version + 1
	def.CreatedAt = existing.CreatedAt
	def.UpdatedAt = e.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.updateDefinition(ctx, &def); err != nil {
		return nil, err
	}
	e.unregisterLocked(def.ID)
	if e.started {
		e.registerLocked(&def)
	}
	e.audit.Log(ctx, audit.Event{Component: "workflow", Action: "updated", EntityID: def.ID,
		Details: map[string]any{"workflow": def.Name, "version": def.Version}})
	return &def, nil
}

// SetEnabled flips the enabled flag and registers or removes the trigger
// under the same lock, so no trigger fires for a disabled workflow.
func (e *Engine) SetEnabled(ctx context.Context, workflowID string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.setEnabledRow(ctx, workflowID, enabled); err != nil {
		return err
	}
	if !enabled {
		e.unregisterLocked(workflowID)
	} else if e.started {
		def, err := e.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if def != nil {
			e.registerLocked(def)
		}
	}
	action := "disabled"
	if enabled {
		action = "enabled"
	}
	e.audit.Log(ctx, audit.Event{Component: "workflow", Action: action, EntityID: workflowID})
	return nil
}

// HasTrigger reports whether a trigger is registered for workflowID.
func (e *Engine) HasTrigger(workflowID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.triggers[workflowID]
	return ok
}

func (e *Engine) seed(ctx context.Context) error {
	n, err := e.countWorkflows(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	seeds := e.seeds
	if seeds == nil {
		seeds = DefaultDefinitions()
	}
	now := e.now()
	for _, d := range seeds {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		if d.ID == "" {
			d.ID = newID()
		}
		d.Version = 1
		d.CreatedAt = now
		d.UpdatedAt = now
		if err := e.insertDefinition(ctx, &d); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}
	e.logger.Info("Seeded workflows", "count", len(seeds))
	return nil
}

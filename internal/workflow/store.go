package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/autopilot/internal/store"
)

const definitionColumns = `id, name, description, trigger_type, trigger_config, steps, enabled,
	auto_retry, max_retries, timeout_seconds, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*Definition, error) {
	var (
		d                Definition
		trigger, steps   string
		enabled, retry   int
		created, updated int64
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Description, &d.TriggerType, &trigger, &steps, &enabled,
		&retry, &d.MaxRetries, &d.TimeoutSeconds, &d.Version, &created, &updated); err != nil {
		return nil, err
	}
	if err := store.UnmarshalJSON(trigger, &d.Trigger); err != nil {
		return nil, err
	}
	if err := store.UnmarshalJSON(steps, &d.Steps); err != nil {
		return nil, err
	}
	d.Enabled = enabled != 0
	d.AutoRetry = retry != 0
	d.CreatedAt = store.FromMillis(created)
	d.UpdatedAt = store.FromMillis(updated)
	return &d, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (e *Engine) insertDefinition(ctx context.Context, d *Definition) error {
	trigger, err := store.MarshalJSON(d.Trigger)
	if err != nil {
		return err
	}
	steps, err := store.MarshalJSON(d.Steps)
	if err != nil {
		return err
	}
	_, err = e.db.ExecContext(ctx, `INSERT INTO workflows (`+definitionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.Description, string(d.TriggerType), trigger, steps, boolInt(d.Enabled),
		boolInt(d.AutoRetry), d.MaxRetries, d.TimeoutSeconds, d.Version,
		store.Millis(d.CreatedAt), store.Millis(d.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert workflow %q: %w", d.Name, err)
	}
	return nil
}

func (e *Engine) updateDefinition(ctx context.Context, d *Definition) error {
	trigger, err := store.MarshalJSON(d.Trigger)
	if err != nil {
		return err
	}
	steps, err := store.MarshalJSON(d.Steps)
	if err != nil {
		return err
	}
	res, err := e.db.ExecContext(ctx, `UPDATE workflows SET name = ?, description = ?, trigger_type = ?,
		trigger_config = ?, steps = ?, enabled = ?, auto_retry = ?, max_retries = ?, timeout_seconds = ?,
		version = ?, updated_at = ? WHERE id = ?`,
		d.Name, d.Description, string(d.TriggerType), trigger, steps, boolInt(d.Enabled), boolInt(d.AutoRetry),
		d.MaxRetries, d.TimeoutSeconds, d.Version, store.Millis(d.UpdatedAt), d.ID)
	if err != nil {
		return fmt.Errorf("update workflow %q: %w", d.Name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, d.ID)
	}
	return nil
}

// GetWorkflow returns the definition with id, or nil.
func (e *Engine) GetWorkflow(ctx context.Context, id string) (*Definition, error) {
	d, err := scanDefinition(e.db.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM workflows WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return d, nil
}

// GetWorkflowByName returns the definition named name, or nil.
func (e *Engine) GetWorkflowByName(ctx context.Context, name string) (*Definition, error) {
	d, err := scanDefinition(e.db.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM workflows WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow by name: %w", err)
	}
	return d, nil
}

// ListWorkflows returns every definition ordered by name.
func (e *Engine) ListWorkflows(ctx context.Context) ([]Definition, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT `+definitionColumns+` FROM workflows ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()
	var out []Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (e *Engine) countWorkflows(ctx context.Context) (int, error) {
	var n int
	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count workflows: %w", err)
	}
	return n, nil
}

func (e *Engine) setEnabledRow(ctx context.Context, id string, enabled bool) error {
	res, err := e.db.ExecContext(ctx, `UPDATE workflows SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolInt(enabled), store.Millis(e.now()), id)
	if err != nil {
		return fmt.Errorf("set workflow enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return nil
}

// execution rows

func (e *Engine) insertExecution(ctx context.Context, x *Execution) error {
	input, err := store.MarshalJSON(x.Context)
	if err != nil {
		return err
	}
	_, err = e.db.ExecContext(ctx, `INSERT INTO workflow_executions (id, workflow_id, status, started_at, retry_count, context)
		VALUES (?, ?, ?, ?, ?, ?)`, x.ID, x.WorkflowID, string(x.Status), store.Millis(x.StartedAt), x.RetryCount, input)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// setExecutionStatus moves an execution from one open status to another.
// It returns ErrExecutionClosed when the row is no longer in from.
func (e *Engine) setExecutionStatus(ctx context.Context, id string, from, to Status, retryCount int, errText string) error {
	res, err := e.db.ExecContext(ctx, `UPDATE workflow_executions SET status = ?, retry_count = ?, error = ?
		WHERE id = ? AND status = ?`,
		string(to), retryCount, errText, id, string(from))
	if err != nil {
		return fmt.Errorf("update execution %s: %w", id, err)
	}
	return transitioned(res, id)
}

// finishExecution closes an execution that is still in from.
func (e *Engine) finishExecution(ctx context.Context, id string, from, to Status, retryCount int, result []any, errText string) error {
	resJSON, err := store.MarshalJSON(result)
	if err != nil {
		return err
	}
	res, err := e.db.ExecContext(ctx, `UPDATE workflow_executions
		SET status = ?, retry_count = ?, error = ?, result = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(to), retryCount, errText, resJSON, store.Millis(e.now()), id, string(from))
	if err != nil {
		return fmt.Errorf("finish execution %s: %w", id, err)
	}
	return transitioned(res, id)
}

func transitioned(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrExecutionClosed, id)
	}
	return nil
}

const executionColumns = `id, workflow_id, status, started_at, completed_at, retry_count, error, result, context`

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		x               Execution
		status          string
		started         int64
		completed       sql.NullInt64
		result, ctxJSON string
	)
	if err := row.Scan(&x.ID, &x.WorkflowID, &status, &started, &completed, &x.RetryCount, &x.Error, &result, &ctxJSON); err != nil {
		return nil, err
	}
	x.Status = Status(status)
	x.StartedAt = store.FromMillis(started)
	x.CompletedAt = store.TimePtr(completed)
	if err := store.UnmarshalJSON(result, &x.Result); err != nil {
		return nil, err
	}
	if err := store.UnmarshalJSON(ctxJSON, &x.Context); err != nil {
		return nil, err
	}
	return &x, nil
}

// GetExecution returns the execution with id, or nil.
func (e *Engine) GetExecution(ctx context.Context, id string) (*Execution, error) {
	x, err := scanExecution(e.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return x, nil
}

// ListExecutions returns the newest executions, optionally for one workflow.
func (e *Engine) ListExecutions(ctx context.Context, workflowID string, limit int) ([]Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions`
	var args []any
	if workflowID != "" {
		query += ` WHERE workflow_id = ?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY started_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var out []Execution
	for rows.Next() {
		x, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, *x)
	}
	return out, rows.Err()
}

func (e *Engine) countFailures(ctx context.Context, workflowID string, since time.Time) (int, error) {
	var n int
	err := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflow_executions
		WHERE workflow_id = ? AND status = ? AND completed_at >= ?`,
		workflowID, string(StatusFailed), store.Millis(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count failures: %w", err)
	}
	return n, nil
}

// failInterrupted closes open executions started before this engine was
// created. Rows this engine opened are never touched.
func (e *Engine) failInterrupted(ctx context.Context) (int64, error) {
	res, err := e.db.ExecContext(ctx, `UPDATE workflow_executions
		SET status = ?, error = CASE WHEN error = '' THEN 'interrupted' ELSE error END, completed_at = ?
		WHERE status IN (?, ?, ?) AND started_at < ?`,
		string(StatusFailed), store.Millis(e.now()), string(StatusPending), string(StatusRunning), string(StatusRetrying),
		store.Millis(e.created))
	if err != nil {
		return 0, fmt.Errorf("fail interrupted executions: %w", err)
	}
	return res.RowsAffected()
}

// step logs

func (e *Engine) startStepLog(ctx context.Context, l *StepLog) error {
	_, err := e.db.ExecContext(ctx, `INSERT INTO workflow_step_logs
		(id, execution_id, attempt, step_index, step_name, action, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.ExecutionID, l.Attempt, l.StepIndex, l.StepName, l.Action, string(StepRunning), store.Millis(l.StartedAt))
	if err != nil {
		return fmt.Errorf("insert step log: %w", err)
	}
	return nil
}

func (e *Engine) finishStepLog(ctx context.Context, l *StepLog) error {
	res, err := store.MarshalJSON(l.Result)
	if err != nil {
		res = "null"
		l.Error = fmt.Sprintf("%s (result not serializable: %v)", l.Error, err)
	}
	_, err = e.db.ExecContext(ctx, `UPDATE workflow_step_logs
		SET status = ?, result = ?, error = ?, completed_at = ?, duration_ms = ?
		WHERE id = ? AND status = ?`,
		string(l.Status), res, l.Error, store.NullMillis(l.CompletedAt), l.DurationMs, l.ID, string(StepRunning))
	if err != nil {
		return fmt.Errorf("update step log: %w", err)
	}
	return nil
}

// ListStepLogs returns an execution's step logs ordered by attempt and index.
func (e *Engine) ListStepLogs(ctx context.Context, executionID string) ([]StepLog, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT id, execution_id, attempt, step_index, step_name, action, status,
		result, error, started_at, completed_at, duration_ms
		FROM workflow_step_logs WHERE execution_id = ? ORDER BY attempt, step_index`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list step logs: %w", err)
	}
	defer rows.Close()
	var out []StepLog
	for rows.Next() {
		var (
			l         StepLog
			status    string
			result    string
			started   int64
			completed sql.NullInt64
		)
		if err := rows.Scan(&l.ID, &l.ExecutionID, &l.Attempt, &l.StepIndex, &l.StepName, &l.Action, &status,
			&result, &l.Error, &started, &completed, &l.DurationMs); err != nil {
			return nil, fmt.Errorf("scan step log: %w", err)
		}
		l.Status = StepStatus(status)
		if err := store.UnmarshalJSON(result, &l.Result); err != nil {
			return nil, err
		}
		l.StartedAt = store.FromMillis(started)
		l.CompletedAt = store.TimePtr(completed)
		out = append(out, l)
	}
	return out, rows.Err()
}

func newID() string { return uuid.NewString() }

package intent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/autopilot/internal/store"
)

const executionColumns = `id, intent, action, input_data, confidence, urgency, status, reason, result, error,
	user_id, approved_by, approved_at, created_at, completed_at`

func scanExecution(row rowScanner) (*AutoExecution, error) {
	var (
		x          AutoExecution
		input      string
		status     string
		result     sql.NullString
		approvedBy sql.NullString
		approvedAt sql.NullInt64
		created    int64
		completed  sql.NullInt64
	)
	if err := row.Scan(&x.ID, &x.Intent, &x.Action, &input, &x.Confidence, &x.Urgency, &status, &x.Reason,
		&result, &x.Error, &x.UserID, &approvedBy, &approvedAt, &created, &completed); err != nil {
		return nil, err
	}
	x.Status = Status(status)
	if err := store.UnmarshalJSON(input, &x.InputData); err != nil {
		return nil, err
	}
	if result.Valid {
		if err := store.UnmarshalJSON(result.String, &x.Result); err != nil {
			return nil, err
		}
	}
	x.ApprovedBy = approvedBy.String
	x.ApprovedAt = store.TimePtr(approvedAt)
	x.CreatedAt = store.FromMillis(created)
	x.CompletedAt = store.TimePtr(completed)
	return &x, nil
}

func (x *Executor) insertExecution(ctx context.Context, ex *AutoExecution) error {
	input, err := store.MarshalJSON(ex.InputData)
	if err != nil {
		return err
	}
	_, err = x.db.ExecContext(ctx, `INSERT INTO auto_executions
		(id, intent, action, input_data, confidence, urgency, status, user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.Intent, ex.Action, input, ex.Confidence, ex.Urgency, string(ex.Status), ex.UserID, store.Millis(ex.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert auto execution: %w", err)
	}
	return nil
}

// transition moves id from one of the from states to status. It reports
// whether the row was in an accepted state.
func (x *Executor) transition(ctx context.Context, id string, status Status, reason string, from ...Status) (bool, error) {
	q := `UPDATE auto_executions SET status = ?, reason = ? WHERE id = ?`
	args := []any{string(status), reason, id}
	if len(from) > 0 {
		q += ` AND status IN (` + placeholders(len(from)) + `)`
		for _, s := range from {
			args = append(args, string(s))
		}
	}
	res, err := x.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("update auto execution %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// claimApproval is the one-shot pending_approval -> executing transition.
func (x *Executor) claimApproval(ctx context.Context, id, approvedBy string) error {
	res, err := x.db.ExecContext(ctx, `UPDATE auto_executions
		SET status = ?, approved_by = ?, approved_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusExecuting), approvedBy, store.Millis(x.now()), id, string(StatusPendingApproval))
	if err != nil {
		return fmt.Errorf("approve execution %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return x.notPendingError(ctx, id)
}

// rejectPending is the one-shot pending_approval -> rejected transition.
func (x *Executor) rejectPending(ctx context.Context, id, by, reason, note string) error {
	now := store.Millis(x.now())
	res, err := x.db.ExecContext(ctx, `UPDATE auto_executions
		SET status = ?, reason = ?, error = ?, approved_by = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusRejected), reason, note, by, now, id, string(StatusPendingApproval))
	if err != nil {
		return fmt.Errorf("reject execution %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return x.notPendingError(ctx, id)
}

func (x *Executor) notPendingError(ctx context.Context, id string) error {
	ex, err := x.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if ex == nil {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	return fmt.Errorf("%w: %s is %s", ErrNotPendingApproval, id, ex.Status)
}

func (x *Executor) finishExecution(ctx context.Context, id string, status Status, result any, errText string) error {
	var resJSON any
	if result != nil {
		s, err := store.MarshalJSON(result)
		if err != nil {
			return err
		}
		resJSON = s
	}
	res, err := x.db.ExecContext(ctx, `UPDATE auto_executions
		SET status = ?, result = ?, error = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(status), resJSON, errText, store.Millis(x.now()), id, string(StatusExecuting))
	if err != nil {
		return fmt.Errorf("finish auto execution %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: %s", ErrExecutionClosed, id)
	}
	return nil
}

// rejectExecution closes a fresh row denied by policy.
func (x *Executor) rejectExecution(ctx context.Context, id, reason string) error {
	_, err := x.db.ExecContext(ctx, `UPDATE auto_executions SET status = ?, reason = ?, completed_at = ? WHERE id = ?`,
		string(StatusRejected), reason, store.Millis(x.now()), id)
	if err != nil {
		return fmt.Errorf("reject auto execution %s: %w", id, err)
	}
	return nil
}

// GetExecution returns the execution with id, or nil when none exists.
func (x *Executor) GetExecution(ctx context.Context, id string) (*AutoExecution, error) {
	ex, err := scanExecution(x.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM auto_executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get auto execution %s: %w", id, err)
	}
	return ex, nil
}

// ListExecutions returns executions newest first, optionally filtered by
// status. A non-positive limit defaults to 100.
func (x *Executor) ListExecutions(ctx context.Context, status Status, limit int) ([]AutoExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + executionColumns + ` FROM auto_executions`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := x.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list auto executions: %w", err)
	}
	defer rows.Close()
	var out []AutoExecution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ex)
	}
	return out, rows.Err()
}

func (x *Executor) insertFeedback(ctx context.Context, f *Feedback) error {
	_, err := x.db.ExecContext(ctx, `INSERT INTO execution_feedback (id, execution_id, was_correct, note, created_at)
		VALUES (?, ?, ?, ?, ?)`, f.ID, f.ExecutionID, boolInt(f.WasCorrect), f.Note, store.Millis(f.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

// ListFeedback returns the feedback recorded for executionID, oldest first.
func (x *Executor) ListFeedback(ctx context.Context, executionID string) ([]Feedback, error) {
	rows, err := x.db.QueryContext(ctx, `SELECT id, execution_id, was_correct, note, created_at
		FROM execution_feedback WHERE execution_id = ? ORDER BY created_at, rowid`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()
	var out []Feedback
	for rows.Next() {
		var (
			f       Feedback
			correct int
			created int64
		)
		if err := rows.Scan(&f.ID, &f.ExecutionID, &correct, &f.Note, &created); err != nil {
			return nil, err
		}
		f.WasCorrect = correct == 1
		f.CreatedAt = store.FromMillis(created)
		out = append(out, f)
	}
	return out, rows.Err()
}

// expirePending rejects every pending_approval row created before cutoff
// and returns their ids.
func (x *Executor) expirePending(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := x.db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM auto_executions WHERE status = ? AND created_at < ?`,
			string(StatusPendingApproval), store.Millis(cutoff))
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE auto_executions SET status = ?, reason = ?, completed_at = ?
			WHERE status = ? AND created_at < ?`,
			string(StatusRejected), ReasonApprovalExpired, store.Millis(x.now()),
			string(StatusPendingApproval), store.Millis(cutoff))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("expire approvals: %w", err)
	}
	return ids, nil
}

const settingConfidenceThreshold = "confidence_threshold"

func (x *Executor) loadSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := x.db.QueryRowContext(ctx, `SELECT value FROM executor_settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load setting %s: %w", key, err)
	}
	return v, true, nil
}

func (x *Executor) saveSetting(ctx context.Context, key, value string) error {
	_, err := x.db.ExecContext(ctx, `INSERT INTO executor_settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, store.Millis(x.now()))
	if err != nil {
		return fmt.Errorf("save setting %s: %w", key, err)
	}
	return nil
}

func (x *Executor) loadThreshold(ctx context.Context) (float64, bool, error) {
	v, ok, err := x.loadSetting(ctx, settingConfidenceThreshold)
	if err != nil || !ok {
		return 0, false, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s: %w", settingConfidenceThreshold, err)
	}
	return f, true, nil
}

func placeholders(n int) string {
	b := make([]byte, 0, 2*n)
	for i := range n {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

func newID() string { return uuid.NewString() }

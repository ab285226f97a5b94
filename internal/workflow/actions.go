package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/KafClaw/autopilot/internal/bus"
	"github.com/KafClaw/autopilot/internal/store"
)

// StepRequest is what an action sees of the running workflow.
type StepRequest struct {
	Workflow    *Definition
	ExecutionID string
	Index       int
	Step        Step
	// Context holds the execution input plus step_<i>_result of every
	// earlier step.
	Context map[string]any
}

// Action implements a step. It must return when ctx is cancelled.
type Action func(ctx context.Context, req StepRequest) (any, error)

// Action keys.
const (
	ActionLog              = "log"
	ActionEmitEvent        = "emit_event"
	ActionValidateContext  = "validate_context"
	ActionWait             = "wait"
	ActionCheckHealth      = "check_health"
	ActionCollectMetrics   = "collect_metrics"
	ActionOptimizeDatabase = "optimize_database"
	ActionBackupDatabase   = "backup_database"
	ActionPruneHistory     = "prune_history"
	ActionClearCache       = "clear_cache"
	ActionCleanupFiles     = "cleanup_files"
	ActionNotify           = "notify"
)

func (e *Engine) defaultActions() map[string]Action {
	return map[string]Action{
		ActionLog:              e.actLog,
		ActionEmitEvent:        e.actEmitEvent,
		ActionValidateContext:  actValidateContext,
		ActionWait:             actWait,
		ActionCheckHealth:      e.actCheckHealth,
		ActionCollectMetrics:   e.actCollectMetrics,
		ActionOptimizeDatabase: e.actOptimizeDatabase,
		ActionBackupDatabase:   e.actBackupDatabase,
		ActionPruneHistory:     e.actPruneHistory,
		ActionClearCache:       e.actClearCache,
		ActionCleanupFiles:     e.actCleanupFiles,
		ActionNotify:           e.actNotify,
	}
}

// Actions lists the keys of the engine's action table.
func (e *Engine) Actions() []string {
	keys := make([]string, 0, len(e.actions))
	for k := range e.actions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func paramString(p map[string]any, key, def string) string {
	if v, ok := p[key]; ok && v != nil {
		if s := fmt.Sprint(v); s != "" {
			return s
		}
	}
	return def
}

func paramInt(p map[string]any, key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func paramStrings(p map[string]any, key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		return strings.Split(v, ",")
	}
	return nil
}

// expand replaces ${key} with the context value for key.
func expand(s string, ctx map[string]any) string {
	return os.Expand(s, func(k string) string {
		if v, ok := ctx[k]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return ""
	})
}

func (e *Engine) actLog(ctx context.Context, req StepRequest) (any, error) {
	msg := expand(paramString(req.Step.Params, "message", stepName(req.Step)), req.Context)
	level := e.logger.Info
	switch paramString(req.Step.Params, "level", "info") {
	case "warn":
		level = e.logger.Warn
	case "error":
		level = e.logger.Error
	case "debug":
		level = e.logger.Debug
	}
	level("Workflow message", "workflow", req.Workflow.Name, "execution", req.ExecutionID, "message", msg)
	return map[string]any{"message": msg}, nil
}

func (e *Engine) actEmitEvent(_ context.Context, req StepRequest) (any, error) {
	topic := paramString(req.Step.Params, "event", "")
	if topic == "" {
		return nil, errors.New("emit_event: event param is required")
	}
	fields := bus.Fields{
		"workflow":     req.Workflow.Name,
		"execution_id": req.ExecutionID,
	}
	for k, v := range req.Context {
		if !strings.HasPrefix(k, "step_") {
			fields[k] = v
		}
	}
	if data, ok := req.Step.Params["data"].(map[string]any); ok {
		for k, v := range data {
			fields[k] = v
		}
	}
	delivered := e.events.Publish(bus.Topic(topic), fields)
	return map[string]any{"event": topic, "queued": delivered}, nil
}

func actValidateContext(_ context.Context, req StepRequest) (any, error) {
	required := paramStrings(req.Step.Params, "required")
	var missing []string
	for _, k := range required {
		k = strings.TrimSpace(k)
		if v, ok := req.Context[k]; !ok || v == nil || v == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing context keys: %s", strings.Join(missing, ", "))
	}
	return map[string]any{"valid": true, "checked": len(required)}, nil
}

func actWait(ctx context.Context, req StepRequest) (any, error) {
	d := time.Duration(paramInt(req.Step.Params, "ms", 0))*time.Millisecond +
		time.Duration(paramInt(req.Step.Params, "seconds", 0))*time.Second
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return map[string]any{"waited_ms": d.Milliseconds()}, nil
	}
}

func (e *Engine) dbSize() int64 {
	var total int64
	for _, suffix := range []string{"", "-wal"} {
		if st, err := os.Stat(e.db.Path() + suffix); err == nil {
			total += st.Size()
		}
	}
	return total
}

func (e *Engine) actCheckHealth(ctx context.Context, req StepRequest) (any, error) {
	start := time.Now()
	if err := e.db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	size := e.dbSize()
	res := map[string]any{
		"status":           "healthy",
		"db_latency_ms":    time.Since(start).Milliseconds(),
		"db_size_bytes":    size,
		"goroutines":       runtime.NumGoroutine(),
		"heap_alloc_bytes": mem.HeapAlloc,
	}
	if maxMB := paramInt(req.Step.Params, "max_db_mb", 0); maxMB > 0 && size > int64(maxMB)<<20 {
		res["status"] = "degraded"
		e.publish(bus.TopicSystemDiskFull, bus.SystemPayload{
			Source: "workflow_engine",
			Reason: "database_size",
			Details: map[string]any{
				"db_size_bytes": size,
				"limit_mb":      maxMB,
				"workflow":      req.Workflow.Name,
			},
		})
	}
	return res, nil
}

func (e *Engine) actCollectMetrics(ctx context.Context, req StepRequest) (any, error) {
	hours := paramInt(req.Step.Params, "window_hours", 24)
	since := e.now().Add(-time.Duration(hours) * time.Hour)
	rows, err := e.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM workflow_executions
		WHERE started_at >= ? GROUP BY status`, store.Millis(since))
	if err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}
	defer rows.Close()
	byStatus := map[string]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("collect metrics: %w", err)
		}
		byStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	workflows, err := e.countWorkflows(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"window_hours": hours,
		"executions":   byStatus,
		"workflows":    workflows,
		"goroutines":   runtime.NumGoroutine(),
	}, nil
}

func (e *Engine) actOptimizeDatabase(ctx context.Context, _ StepRequest) (any, error) {
	for _, stmt := range []string{`PRAGMA optimize`, `ANALYZE`, `PRAGMA wal_checkpoint(TRUNCATE)`} {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return map[string]any{"optimized": true, "db_size_bytes": e.dbSize()}, nil
}

func (e *Engine) actBackupDatabase(ctx context.Context, req StepRequest) (any, error) {
	dir := paramString(req.Step.Params, "dir", e.backupDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	suffix := req.ExecutionID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	name := fmt.Sprintf("autopilot-%s-%s-%d.db", e.now().Format("20060102T150405Z"), suffix, req.Index)
	path := filepath.Join(dir, name)
	if _, err := e.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return nil, fmt.Errorf("backup database: %w", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat backup: %w", err)
	}
	return map[string]any{"path": path, "size_bytes": st.Size()}, nil
}

func (e *Engine) actPruneHistory(ctx context.Context, req StepRequest) (any, error) {
	days := paramInt(req.Step.Params, "days", 30)
	cutoff := e.now().Add(-time.Duration(days) * 24 * time.Hour)
	res, err := e.db.ExecContext(ctx, `DELETE FROM workflow_executions
		WHERE status IN (?, ?) AND completed_at < ?`,
		string(StatusCompleted), string(StatusFailed), store.Millis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("prune history: %w", err)
	}
	n, _ := res.RowsAffected()
	return map[string]any{"deleted_executions": n, "older_than_days": days}, nil
}

func (e *Engine) actClearCache(ctx context.Context, _ StepRequest) (any, error) {
	if _, err := e.db.ExecContext(ctx, `PRAGMA shrink_memory`); err != nil {
		return nil, fmt.Errorf("clear cache: %w", err)
	}
	runtime.GC()
	return map[string]any{"cleared": true}, nil
}

func (e *Engine) actCleanupFiles(_ context.Context, req StepRequest) (any, error) {
	dir := paramString(req.Step.Params, "dir", e.backupDir)
	pattern := paramString(req.Step.Params, "pattern", "autopilot-*.db")
	keep := paramInt(req.Step.Params, "keep", 5)
	maxAge := time.Duration(paramInt(req.Step.Params, "older_than_hours", 0)) * time.Hour

	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("cleanup files: %w", err)
	}
	type file struct {
		path string
		mod  time.Time
	}
	files := make([]file, 0, len(matches))
	for _, m := range matches {
		st, err := os.Stat(m)
		if err != nil || st.IsDir() {
			continue
		}
		files = append(files, file{path: m, mod: st.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })

	removed := 0
	now := time.Now()
	for i, f := range files {
		if i < keep {
			continue
		}
		if maxAge > 0 && now.Sub(f.mod) < maxAge {
			continue
		}
		if err := os.Remove(f.path); err != nil {
			e.logger.Warn("Failed to remove file", "path", f.path, "error", err)
			continue
		}
		removed++
	}
	return map[string]any{"removed": removed, "matched": len(files)}, nil
}

func (e *Engine) actNotify(_ context.Context, req StepRequest) (any, error) {
	msg := expand(paramString(req.Step.Params, "message", "Workflow "+req.Workflow.Name+" notification"), req.Context)
	delivered := e.events.Publish(bus.TopicWorkflowNotification, bus.WorkflowPayload{
		WorkflowID:   req.Workflow.ID,
		WorkflowName: req.Workflow.Name,
		ExecutionID:  req.ExecutionID,
		Status:       string(StatusRunning),
		Message:      msg,
	})
	return map[string]any{"message": msg, "queued": delivered}, nil
}

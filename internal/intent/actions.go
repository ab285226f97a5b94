package intent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/KafClaw/autopilot/internal/bus"
	"github.com/KafClaw/autopilot/internal/store"
	"github.com/KafClaw/autopilot/internal/workflow"
)

// ActionRequest is what a handler sees of an execution.
type ActionRequest struct {
	ExecutionID string
	Intent      string
	Action      string
	Data        map[string]any
	Caller      Caller
	Urgency     int
}

// Handler runs one action.
type Handler func(ctx context.Context, req ActionRequest) (any, error)

// Action keys.
const (
	ActionSystemHealthCheck   = "system_health_check"
	ActionClearCache          = "clear_cache"
	ActionBackupDatabase      = "backup_database"
	ActionFixError            = "fix_error"
	ActionOptimizePerformance = "optimize_performance"
	ActionRunWorkflow         = "run_workflow"
	ActionPublishContent      = "publish_content"
	ActionCreateContent       = "create_content"
	ActionDeleteContent       = "delete_content"
	ActionUploadMedia         = "upload_media"
	ActionCreateUser          = "create_user"
	ActionGenerateReport      = "generate_report"
)

// workflowActions maps maintenance actions to the seeded workflow that
// carries them out.
var workflowActions = map[string]string{
	ActionSystemHealthCheck:   "system_health_check",
	ActionClearCache:          "cache_maintenance",
	ActionBackupDatabase:      "database_backup",
	ActionFixError:            "self_healing",
	ActionOptimizePerformance: "daily_maintenance",
}

var errNoWorkflowRunner = errors.New("no workflow runner configured")

func (x *Executor) defaultHandlers() map[string]Handler {
	h := map[string]Handler{
		ActionRunWorkflow:    x.actRunWorkflow,
		ActionPublishContent: x.actPublishContent,
		ActionCreateContent:  x.actCreateContent,
		ActionDeleteContent:  x.actDeleteContent,
		ActionUploadMedia:    x.actUploadMedia,
		ActionCreateUser:     x.actCreateUser,
		ActionGenerateReport: x.actGenerateReport,
	}
	for action, name := range workflowActions {
		h[action] = x.workflowHandler(name)
	}
	return h
}

// Handlers lists the keys of the handler table.
func (x *Executor) Handlers() []string {
	keys := make([]string, 0, len(x.handlers))
	for k := range x.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (x *Executor) workflowHandler(name string) Handler {
	return func(ctx context.Context, req ActionRequest) (any, error) {
		return x.runWorkflow(ctx, name, req)
	}
}

func (x *Executor) actRunWorkflow(ctx context.Context, req ActionRequest) (any, error) {
	name := dataString(req.Data, "workflow")
	if name == "" {
		return nil, errors.New("workflow name is required")
	}
	return x.runWorkflow(ctx, name, req)
}

// runWorkflow starts a workflow with the request data as context. A
// workflow that failed terminally fails the action; one that is retrying
// counts as started.
func (x *Executor) runWorkflow(ctx context.Context, name string, req ActionRequest) (any, error) {
	if x.workflows == nil {
		return nil, errNoWorkflowRunner
	}
	input := map[string]any{
		"auto_execution_id": req.ExecutionID,
		"intent":            req.Intent,
		"urgency":           req.Urgency,
	}
	if req.Caller.UserID != "" {
		input["requested_by"] = req.Caller.UserID
	}
	for k, v := range req.Data {
		if _, ok := input[k]; !ok {
			input[k] = v
		}
	}
	res, err := x.workflows.ExecuteWorkflowByName(ctx, name, input)
	if err != nil {
		return nil, fmt.Errorf("run workflow %s: %w", name, err)
	}
	if res == nil {
		return nil, fmt.Errorf("workflow %q is unknown or disabled", name)
	}
	out := map[string]any{
		"workflow":     name,
		"execution_id": res.ExecutionID,
		"status":       string(res.Status),
		"retry_count":  res.RetryCount,
	}
	if res.Result != nil {
		out["result"] = res.Result
	}
	if res.Status == workflow.StatusFailed {
		return out, fmt.Errorf("workflow %s failed: %s", name, res.Error)
	}
	return out, nil
}

func (x *Executor) emit(topic bus.Topic, req ActionRequest, fields bus.Fields) map[string]any {
	fields["auto_execution_id"] = req.ExecutionID
	if req.Caller.UserID != "" {
		fields["requested_by"] = req.Caller.UserID
	}
	queued := x.events != nil && x.events.Publish(topic, fields)
	if !queued {
		x.logger.Warn("Event not queued", "topic", topic, "execution", req.ExecutionID)
	}
	return map[string]any{"event": string(topic), "queued": queued}
}

func (x *Executor) actPublishContent(_ context.Context, req ActionRequest) (any, error) {
	id := dataString(req.Data, "content_id")
	if id == "" {
		return nil, errors.New("content_id is required")
	}
	out := x.emit(bus.TopicContentPublished, req, bus.Fields{"content_id": id})
	out["content_id"] = id
	return out, nil
}

func (x *Executor) actCreateContent(_ context.Context, req ActionRequest) (any, error) {
	title := dataString(req.Data, "title")
	if title == "" {
		return nil, errors.New("title is required")
	}
	fields := bus.Fields{"title": title}
	if body := dataString(req.Data, "body"); body != "" {
		fields["body"] = body
	}
	out := x.emit(bus.TopicContentCreateRequested, req, fields)
	out["title"] = title
	return out, nil
}

func (x *Executor) actDeleteContent(_ context.Context, req ActionRequest) (any, error) {
	id := dataString(req.Data, "content_id")
	if id == "" {
		return nil, errors.New("content_id is required")
	}
	out := x.emit(bus.TopicContentDeleteRequested, req, bus.Fields{"content_id": id})
	out["content_id"] = id
	return out, nil
}

func (x *Executor) actUploadMedia(_ context.Context, req ActionRequest) (any, error) {
	fields := bus.Fields{}
	for _, k := range []string{"file_name", "url", "file_size", "title"} {
		if v, ok := req.Data[k]; ok {
			fields[k] = v
		}
	}
	if len(fields) == 0 {
		return nil, errors.New("file_name or url is required")
	}
	return x.emit(bus.TopicMediaUploadRequested, req, fields), nil
}

func (x *Executor) actCreateUser(_ context.Context, req ActionRequest) (any, error) {
	email := dataString(req.Data, "email")
	if email == "" {
		return nil, errors.New("email is required")
	}
	fields := bus.Fields{"email": email}
	if role := dataString(req.Data, "role"); role != "" {
		fields["role"] = role
	}
	out := x.emit(bus.TopicUserCreateRequested, req, fields)
	out["email"] = email
	return out, nil
}

// actGenerateReport summarizes the executor's own history.
func (x *Executor) actGenerateReport(ctx context.Context, req ActionRequest) (any, error) {
	hours := 24
	if v := dataString(req.Data, "window_hours"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			hours = n
		}
	}
	since := store.Millis(x.now().Add(-time.Duration(hours) * time.Hour))

	byStatus := map[string]int{}
	byIntent := map[string]int{}
	rows, err := x.db.QueryContext(ctx, `SELECT status, intent, COUNT(*) FROM auto_executions
		WHERE created_at >= ? GROUP BY status, intent`, since)
	if err != nil {
		return nil, fmt.Errorf("generate report: %w", err)
	}
	defer rows.Close()
	total := 0
	for rows.Next() {
		var (
			status, intent string
			n              int
		)
		if err := rows.Scan(&status, &intent, &n); err != nil {
			return nil, fmt.Errorf("generate report: %w", err)
		}
		byStatus[status] += n
		byIntent[intent] += n
		total += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var correct, incorrect int
	err = x.db.QueryRowContext(ctx, `SELECT
			COALESCE(SUM(CASE WHEN was_correct = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN was_correct = 0 THEN 1 ELSE 0 END), 0)
		FROM execution_feedback WHERE created_at >= ?`, since).Scan(&correct, &incorrect)
	if err != nil {
		return nil, fmt.Errorf("generate report feedback: %w", err)
	}
	report := map[string]any{
		"window_hours":         hours,
		"total":                total,
		"by_status":            byStatus,
		"by_intent":            byIntent,
		"feedback_correct":     correct,
		"feedback_incorrect":   incorrect,
		"confidence_threshold": x.ConfidenceThreshold(),
	}
	if correct+incorrect > 0 {
		report["accuracy"] = float64(correct) / float64(correct+incorrect)
	}
	return report, nil
}

func dataString(data map[string]any, key string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

package workflow

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/autopilot/internal/bus"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (f *fixture) call(t *testing.T, action string, step Step, ctx map[string]any) (any, error) {
	t.Helper()
	fn, ok := f.engine.actions[action]
	require.True(t, ok, "action %s", action)
	step.Action = action
	return fn(context.Background(), StepRequest{
		Workflow:    &Definition{ID: "wf-1", Name: "under_test"},
		ExecutionID: "exec-12345678",
		Step:        step,
		Context:     ctx,
	})
}

func TestDefaultActionTable(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []string{
		ActionBackupDatabase, ActionCheckHealth, ActionCleanupFiles, ActionClearCache,
		ActionCollectMetrics, ActionEmitEvent, ActionLog, ActionNotify,
		ActionOptimizeDatabase, ActionPruneHistory, ActionValidateContext, ActionWait,
	}, f.engine.Actions())
}

func TestValidateContextAction(t *testing.T) {
	f := newFixture(t)
	step := Step{Params: map[string]any{"required": []any{"user_id", "email"}}}

	out, err := f.call(t, ActionValidateContext, step, map[string]any{"user_id": "u1", "email": "a@b.c"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"valid": true, "checked": 2}, out)

	_, err = f.call(t, ActionValidateContext, step, map[string]any{"user_id": "u1", "email": ""})
	require.EqualError(t, err, "missing context keys: email")
}

func TestEmitEventAction(t *testing.T) {
	f := newFixture(t)
	var got bus.Event
	f.bus.Subscribe("content.distribute", func(evt bus.Event) { got = evt })

	out, err := f.call(t, ActionEmitEvent, Step{Params: map[string]any{
		"event": "content.distribute",
		"data":  map[string]any{"channel": "newsletter"},
	}}, map[string]any{"content_id": "c-9", "step_0_result": "hidden"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"event": "content.distribute", "queued": true}, out)

	fields := got.Payload.Fields()
	assert.Equal(t, "c-9", fields["content_id"])
	assert.Equal(t, "newsletter", fields["channel"])
	assert.Equal(t, "under_test", fields["workflow"])
	assert.NotContains(t, fields, "step_0_result")

	_, err = f.call(t, ActionEmitEvent, Step{}, nil)
	assert.Error(t, err)
}

func TestNotifyActionExpandsContext(t *testing.T) {
	f := newFixture(t)
	var got bus.Event
	f.bus.Subscribe(bus.TopicWorkflowNotification, func(evt bus.Event) { got = evt })

	out, err := f.call(t, ActionNotify, Step{Params: map[string]any{"message": "Published ${content_id} to ${missing}feed"}},
		map[string]any{"content_id": "c-7"})
	require.NoError(t, err)
	assert.Equal(t, "Published c-7 to feed", out.(map[string]any)["message"])

	p, ok := got.Payload.(bus.WorkflowPayload)
	require.True(t, ok)
	assert.Equal(t, "Published c-7 to feed", p.Message)
	assert.Equal(t, "under_test", p.WorkflowName)
}

func TestWaitActionHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := actWait(ctx, StepRequest{Step: Step{Params: map[string]any{"seconds": 30}}})
	assert.ErrorIs(t, err, context.Canceled)

	out, err := actWait(context.Background(), StepRequest{Step: Step{Params: map[string]any{"ms": 5}}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"waited_ms": int64(5)}, out)
}

func TestBackupThenCleanupKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, WithBackupDir(dir))
	ctx := context.Background()

	var paths []string
	for i := range 3 {
		fn := f.engine.actions[ActionBackupDatabase]
		out, err := fn(ctx, StepRequest{
			Workflow:    &Definition{Name: "database_backup"},
			ExecutionID: "exec-12345678",
			Index:       i,
			Step:        Step{Action: ActionBackupDatabase},
		})
		require.NoError(t, err)
		res := out.(map[string]any)
		path := res["path"].(string)
		assert.Equal(t, dir, filepath.Dir(path))
		assert.Positive(t, res["size_bytes"])
		paths = append(paths, path)
	}
	for _, p := range paths {
		assert.FileExists(t, p)
	}
	// Unrelated files are left alone.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	out, err := f.call(t, ActionCleanupFiles, Step{Params: map[string]any{"keep": 1}}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"removed": 2, "matched": 3}, out)

	left, err := filepath.Glob(filepath.Join(dir, "autopilot-*.db"))
	require.NoError(t, err)
	assert.Len(t, left, 1)
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
}

func TestCleanupRespectsMinimumAge(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, WithBackupDir(dir))
	for _, name := range []string{"autopilot-a.db", "autopilot-b.db"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}
	out, err := f.call(t, ActionCleanupFiles, Step{Params: map[string]any{"keep": 0, "older_than_hours": 24}}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"removed": 0, "matched": 2}, out)
}

func TestPruneHistoryAndCollectMetrics(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	f := newFixture(t, WithClock(clock.Now))
	ctx := context.Background()
	created := f.create(t, testDefinition("history", Step{Action: ActionLog}))

	_, err := f.engine.ExecuteWorkflow(ctx, created.ID, nil)
	require.NoError(t, err)
	clock.Advance(40 * 24 * time.Hour)
	_, err = f.engine.ExecuteWorkflow(ctx, created.ID, nil)
	require.NoError(t, err)

	out, err := f.call(t, ActionCollectMetrics, Step{}, nil)
	require.NoError(t, err)
	metrics := out.(map[string]any)
	assert.Equal(t, map[string]int{"completed": 1}, metrics["executions"])
	assert.Equal(t, 1, metrics["workflows"])

	out, err = f.call(t, ActionPruneHistory, Step{Params: map[string]any{"days": 30}}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.(map[string]any)["deleted_executions"])

	left, err := f.engine.ListExecutions(ctx, created.ID, 0)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestDatabaseMaintenanceActions(t *testing.T) {
	f := newFixture(t)
	for _, action := range []string{ActionOptimizeDatabase, ActionClearCache} {
		_, err := f.call(t, action, Step{}, nil)
		assert.NoError(t, err, action)
	}

	out, err := f.call(t, ActionCheckHealth, Step{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "healthy", out.(map[string]any)["status"])
	assert.Zero(t, f.bus.count(bus.TopicSystemDiskFull))

	out, err = f.call(t, ActionLog, Step{Params: map[string]any{"message": "Hello ${who}", "level": "warn"}},
		map[string]any{"who": "ops"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"message": "Hello ops"}, out)
}

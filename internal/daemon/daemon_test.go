package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/KafClaw/autopilot/internal/audit"
	"github.com/KafClaw/autopilot/internal/bus"
	"github.com/KafClaw/autopilot/internal/config"
	"github.com/KafClaw/autopilot/internal/intent"
	"github.com/KafClaw/autopilot/internal/store"
	"github.com/KafClaw/autopilot/internal/workflow"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Store.Path = filepath.Join(dir, "data", "autopilot.db")
	cfg.Store.BackupDir = filepath.Join(dir, "backups")
	cfg.Scheduler.Enabled = false
	cfg.Audit.Log = false
	cfg.Patterns.SweepInterval = time.Hour
	cfg.Workflows.BackoffUnit = time.Millisecond
	return cfg
}

func TestNewWiresComponents(t *testing.T) {
	cfg := testConfig(t)
	rec := &audit.Recorder{}
	d, err := New(context.Background(), cfg, WithAuditSink(rec))
	require.NoError(t, err)
	defer d.Close()

	assert.FileExists(t, cfg.Store.Path)
	assert.Nil(t, d.Scheduler)
	assert.Nil(t, d.Notifier)
	require.NoError(t, d.Start(context.Background()))

	defs, err := d.Workflows.ListWorkflows(context.Background())
	require.NoError(t, err)
	assert.Len(t, defs, len(workflow.DefaultDefinitions()))

	rules, err := d.Executor.ListRules(context.Background())
	require.NoError(t, err)
	assert.Len(t, rules, len(intent.DefaultRules()))
}

func TestHealthIntentRunsWorkflow(t *testing.T) {
	cfg := testConfig(t)
	rec := &audit.Recorder{}
	d, err := New(context.Background(), cfg, WithAuditSink(rec))
	require.NoError(t, err)
	defer d.Close()
	require.NoError(t, d.Start(context.Background()))

	res, err := d.Executor.Execute(context.Background(), intent.IntentSystemHealth, nil, intent.Caller{UserID: "u1", Role: "viewer"})
	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.Equal(t, intent.StatusCompleted, res.Status)

	def, err := d.Workflows.GetWorkflowByName(context.Background(), "system_health_check")
	require.NoError(t, err)
	execs, err := d.Workflows.ListExecutions(context.Background(), def.ID, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, workflow.StatusCompleted, execs[0].Status)
	assert.Positive(t, rec.Count("intent", "completed"))
}

func TestDefinitionsFileMerged(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "workflows.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`workflows:
  - name: nightly_report
    description: Report at night
    trigger_type: event
    trigger:
      event: report.nightly
    enabled: true
    steps:
      - name: note
        action: log
        params:
          message: nightly
`), 0o600))
	cfg.Workflows.DefinitionsFile = path

	d, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer d.Close()
	require.NoError(t, d.Start(context.Background()))

	def, err := d.Workflows.GetWorkflowByName(context.Background(), "nightly_report")
	require.NoError(t, err)
	require.NotNil(t, def)
	res, err := d.Workflows.ExecuteWorkflowByName(context.Background(), "nightly_report", nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, res.Status)
}

func TestNewFailsOnMissingRulesFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Intent.RulesFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestRunForwardsCriticalPatternToSlack(t *testing.T) {
	var posts atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/chat.postMessage" {
			posts.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1.1"}`))
	}))
	defer api.Close()

	cfg := testConfig(t)
	cfg.Notify.SlackToken = "xoxb-test"
	cfg.Notify.SlackChannel = "C1"
	d, err := New(context.Background(), cfg, WithSlackAPIURL(api.URL))
	require.NoError(t, err)
	defer d.Close()
	require.NotNil(t, d.Notifier)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return d.Bus.Publish(bus.TopicPatternCritical, bus.PatternPayload{PatternID: "p1", PatternType: "frustration", Urgency: 10})
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return posts.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLockPathDefaultsNextToStore(t *testing.T) {
	cfg := testConfig(t)
	assert.Equal(t, filepath.Join(filepath.Dir(cfg.Store.Path), "scheduler.lock"), lockPath(cfg))
	cfg.Scheduler.LockPath = "/tmp/x.lock"
	assert.Equal(t, "/tmp/x.lock", lockPath(cfg))
}

func TestOnlyRunRecoversInterruptedExecutions(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	first, err := New(ctx, cfg)
	require.NoError(t, err)
	defer first.Close()
	require.NoError(t, first.Start(ctx))

	def, err := first.Workflows.GetWorkflowByName(ctx, "system_health_check")
	require.NoError(t, err)
	_, err = first.DB.ExecContext(ctx, `INSERT INTO workflow_executions (id, workflow_id, status, started_at, retry_count, context)
		VALUES (?, ?, ?, ?, 0, '{}')`, "left-open", def.ID, string(workflow.StatusRunning), store.Millis(time.Now().Add(-time.Minute)))
	require.NoError(t, err)

	oneShot, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, oneShot.Start(ctx))
	require.NoError(t, oneShot.Close())

	x, err := first.Workflows.GetExecution(ctx, "left-open")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, x.Status)

	serving, err := New(ctx, cfg)
	require.NoError(t, err)
	defer serving.Close()
	runCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	require.NoError(t, serving.Run(runCtx))

	x, err = first.Workflows.GetExecution(ctx, "left-open")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, x.Status)
	assert.Equal(t, "interrupted", x.Error)
}

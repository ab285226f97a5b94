package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/KafClaw/autopilot/internal/intent"
)

func runRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, logLevel, asJSON = "", "", false
	callerUser, callerRole, decideBy, decideNote = "tester", "admin", "", ""
	runData, runUrgency, workflowInput = nil, 0, nil

	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	_, err := rootCmd.ExecuteC()
	rootCmd.SetArgs(nil)
	return strings.TrimSpace(buf.String()), err
}

// setupHome points the config at a temp dir and returns the --config flag.
func setupHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("AUTOPILOT_HOME", dir)
	t.Setenv("AUTOPILOT_ENV_FILE", filepath.Join(dir, "none.env"))
	t.Setenv("AUTOPILOT_STORE_PATH", filepath.Join(dir, "autopilot.db"))
	t.Setenv("AUTOPILOT_INTENT_CONFIDENCE_THRESHOLD", "")
	_ = os.Unsetenv("AUTOPILOT_INTENT_CONFIDENCE_THRESHOLD")
	cfgPath := filepath.Join(dir, "config.json")
	raw := `{
  "store": {"path": "` + filepath.ToSlash(filepath.Join(dir, "autopilot.db")) + `"},
  "scheduler": {"enabled": false},
  "audit": {"log": false},
  "log": {"level": "error"}
}`
	if err := os.WriteFile(cfgPath, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return "--config=" + cfgPath
}

func TestVersionCommand(t *testing.T) {
	out, err := runRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, version) {
		t.Fatalf("expected version %q in %q", version, out)
	}
}

func TestRunIntentCompletes(t *testing.T) {
	cfg := setupHome(t)
	out, err := runRootCommand(t, cfg, "run", "system_health", "--json")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var res intent.ExecuteResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if res.Status != intent.StatusCompleted || !res.Executed {
		t.Fatalf("expected completed execution, got %+v", res)
	}

	out, err = runRootCommand(t, cfg, "executions", "--status", "completed")
	if err != nil {
		t.Fatalf("executions: %v", err)
	}
	if !strings.Contains(out, res.ExecutionID) {
		t.Fatalf("expected %s in executions list: %q", res.ExecutionID, out)
	}
}

func TestApprovalFlow(t *testing.T) {
	cfg := setupHome(t)
	out, err := runRootCommand(t, cfg, "run", "delete_content", "--role", "editor", "--data", "content_id=42", "--json")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var pending intent.ExecuteResult
	if err := json.Unmarshal([]byte(out), &pending); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if !pending.RequiresApproval || pending.Status != intent.StatusPendingApproval {
		t.Fatalf("expected pending approval, got %+v", pending)
	}

	out, err = runRootCommand(t, cfg, "approve", pending.ExecutionID, "--by", "boss", "--json")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	var done intent.ExecuteResult
	if err := json.Unmarshal([]byte(out), &done); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if done.Status != intent.StatusCompleted {
		t.Fatalf("expected completed after approval, got %+v", done)
	}

	if _, err := runRootCommand(t, cfg, "approve", pending.ExecutionID); err == nil {
		t.Fatal("expected second approval to fail")
	}
}

func TestRejectCommand(t *testing.T) {
	cfg := setupHome(t)
	out, err := runRootCommand(t, cfg, "run", "create_user", "--data", "email=a@b.c", "--json")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var pending intent.ExecuteResult
	if err := json.Unmarshal([]byte(out), &pending); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	out, err = runRootCommand(t, cfg, "reject", pending.ExecutionID, "--note", "not now")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if !strings.Contains(out, "rejected") {
		t.Fatalf("unexpected reject output %q", out)
	}
	out, err = runRootCommand(t, cfg, "executions", "--status", "rejected")
	if err != nil {
		t.Fatalf("executions: %v", err)
	}
	if !strings.Contains(out, pending.ExecutionID) {
		t.Fatalf("expected rejected row %s in %q", pending.ExecutionID, out)
	}
}

func TestAnalyzeCommand(t *testing.T) {
	cfg := setupHome(t)
	out, err := runRootCommand(t, cfg, "analyze", "please", "clear", "the", "cache", "--json")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	var res intent.ProcessResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if !res.Understood || res.Classification.Intent != intent.IntentClearCache {
		t.Fatalf("expected clear_cache, got %+v", res)
	}
	if res.Execution == nil || res.Execution.Status != intent.StatusCompleted {
		t.Fatalf("expected completed execution, got %+v", res.Execution)
	}

	out, err = runRootCommand(t, cfg, "analyze", "hello", "there")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !strings.Contains(out, intent.ClarificationMessage) {
		t.Fatalf("expected clarification, got %q", out)
	}
}

func TestFeedbackAndThreshold(t *testing.T) {
	cfg := setupHome(t)
	out, err := runRootCommand(t, cfg, "run", "generate_report", "--json")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var res intent.ExecuteResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}

	out, err = runRootCommand(t, cfg, "feedback", res.ExecutionID, "wrong")
	if err != nil {
		t.Fatalf("feedback: %v", err)
	}
	if !strings.Contains(out, "0.75") {
		t.Fatalf("expected raised threshold, got %q", out)
	}
	out, err = runRootCommand(t, cfg, "rules", "threshold")
	if err != nil {
		t.Fatalf("threshold: %v", err)
	}
	if !strings.Contains(out, "0.75") {
		t.Fatalf("expected persisted threshold, got %q", out)
	}
	if _, err := runRootCommand(t, cfg, "rules", "threshold", "1.5"); err == nil {
		t.Fatal("expected out-of-range threshold to fail")
	}
	if _, err := runRootCommand(t, cfg, "feedback", res.ExecutionID, "maybe"); err == nil {
		t.Fatal("expected invalid verdict to fail")
	}
}

func TestWorkflowCommands(t *testing.T) {
	cfg := setupHome(t)
	out, err := runRootCommand(t, cfg, "workflow", "list")
	if err != nil {
		t.Fatalf("workflow list: %v", err)
	}
	for _, name := range []string{"system_health_check", "daily_maintenance", "critical_pattern_response"} {
		if !strings.Contains(out, name) {
			t.Fatalf("expected %s in %q", name, out)
		}
	}

	out, err = runRootCommand(t, cfg, "workflow", "run", "system_health_check", "--json")
	if err != nil {
		t.Fatalf("workflow run: %v", err)
	}
	var res struct {
		ExecutionID string `json:"execution_id"`
		Status      string `json:"status"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if res.Status != "completed" {
		t.Fatalf("expected completed, got %q", res.Status)
	}

	out, err = runRootCommand(t, cfg, "workflow", "logs", res.ExecutionID)
	if err != nil {
		t.Fatalf("workflow logs: %v", err)
	}
	if !strings.Contains(out, "probe") {
		t.Fatalf("expected probe step in %q", out)
	}

	if _, err := runRootCommand(t, cfg, "workflow", "disable", "system_health_check"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := runRootCommand(t, cfg, "workflow", "run", "system_health_check"); err == nil {
		t.Fatal("expected disabled workflow run to fail")
	}
	if _, err := runRootCommand(t, cfg, "workflow", "enable", "system_health_check"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	out, err = runRootCommand(t, cfg, "workflow", "show", "system_health_check")
	if err != nil {
		t.Fatalf("workflow show: %v", err)
	}
	if !strings.Contains(out, "Enabled:     true") {
		t.Fatalf("expected enabled workflow, got %q", out)
	}
	if _, err := runRootCommand(t, cfg, "workflow", "show", "nope"); err == nil {
		t.Fatal("expected unknown workflow to fail")
	}
}

func TestPatternsCommands(t *testing.T) {
	cfg := setupHome(t)
	if _, err := runRootCommand(t, cfg, "analyze", "URGENT!!! the server is down, fix it NOW"); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	out, err := runRootCommand(t, cfg, "patterns", "--json")
	if err != nil {
		t.Fatalf("patterns: %v", err)
	}
	var recs []map[string]any
	if err := json.Unmarshal([]byte(out), &recs); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(recs) == 0 {
		t.Fatal("expected recorded patterns")
	}
	if _, err := runRootCommand(t, cfg, "patterns", "show", recs[0]["id"].(string)); err != nil {
		t.Fatalf("patterns show: %v", err)
	}
	if _, err := runRootCommand(t, cfg, "patterns", "sweep"); err != nil {
		t.Fatalf("patterns sweep: %v", err)
	}
}

func TestStatusCommand(t *testing.T) {
	cfg := setupHome(t)
	out, err := runRootCommand(t, cfg, "status", "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var rep statusReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if !rep.ConfigFound || rep.Workflows == 0 || rep.Rules == 0 {
		t.Fatalf("unexpected status %+v", rep)
	}
	if rep.ConfidenceThreshold != intent.DefaultConfidenceThreshold {
		t.Fatalf("expected default threshold, got %v", rep.ConfidenceThreshold)
	}
}

func TestParseData(t *testing.T) {
	got, err := parseData([]string{"content_id=42", "title=hello world", "flag=true"})
	if err != nil {
		t.Fatalf("parseData: %v", err)
	}
	if got["content_id"] != float64(42) || got["title"] != "hello world" || got["flag"] != true {
		t.Fatalf("unexpected data %#v", got)
	}
	if _, err := parseData([]string{"novalue"}); err == nil {
		t.Fatal("expected error for missing =")
	}
}

func TestServeStopsWhenContextEnds(t *testing.T) {
	cfg := setupHome(t)
	orig := serveSignalContext
	defer func() { serveSignalContext = orig }()
	serveSignalContext = func(parent context.Context) (context.Context, context.CancelFunc) {
		return context.WithTimeout(parent, 300*time.Millisecond)
	}
	if _, err := runRootCommand(t, cfg, "serve"); err != nil {
		t.Fatalf("serve: %v", err)
	}
}

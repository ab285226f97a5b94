package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultDefinitionsAreValid(t *testing.T) {
	names := map[string]bool{}
	for _, d := range DefaultDefinitions() {
		require.NoError(t, d.Validate(), d.Name)
		assert.False(t, names[d.Name], "duplicate %s", d.Name)
		names[d.Name] = true
	}
	assert.True(t, names["self_healing"])
	assert.True(t, names["daily_maintenance"])
}

func TestLoadDefinitionsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`workflows:
  - name: daily_maintenance
    trigger_type: schedule
    trigger:
      cron: "30 4 * * *"
    enabled: true
    steps:
      - name: optimize
        action: optimize_database
  - name: weekly_report
    trigger_type: event
    trigger:
      event: report.requested
    enabled: true
    auto_retry: true
    max_retries: 2
    timeout_seconds: 30
    steps:
      - action: collect_metrics
        params:
          window_hours: 168
`), 0o600))

	defs, err := LoadDefinitionsFile(path)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "30 4 * * *", defs[0].Trigger.Cron)
	assert.Equal(t, 168, defs[1].Steps[0].Params["window_hours"])
	assert.Equal(t, 2, defs[1].MaxRetries)

	merged := MergeDefinitions(DefaultDefinitions(), defs)
	assert.Len(t, merged, len(DefaultDefinitions())+1)
	for _, d := range merged {
		if d.Name == "daily_maintenance" {
			assert.Equal(t, "30 4 * * *", d.Trigger.Cron)
		}
	}
}

func TestLoadDefinitionsFileRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`workflows:
  - name: broken
    trigger_type: event
    steps:
      - action: log
`), 0o600))
	_, err := LoadDefinitionsFile(path)
	assert.ErrorContains(t, err, "event trigger needs an event name")

	_, err = LoadDefinitionsFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

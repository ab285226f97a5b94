package pattern

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inputFor(raw string, prior []historyEntry, now time.Time) *detectInput {
	norm := normalize(raw)
	return &detectInput{
		raw:       raw,
		norm:      norm,
		padded:    " " + norm + " ",
		now:       now,
		prior:     prior,
		signature: Signature(raw),
	}
}

func TestNormalizeAndSignature(t *testing.T) {
	assert.Equal(t, "fix this now", normalize("  Fix THIS,   now!! "))
	assert.Equal(t, Signature("fix this now"), Signature("Fix this... NOW?"))
	assert.NotEqual(t, Signature("fix this now"), Signature("fix that now"))
	assert.Len(t, Signature("anything"), 32)
}

func TestActorKey(t *testing.T) {
	assert.Equal(t, "user:u1", RequestContext{UserID: "u1", IPAddress: "10.0.0.1"}.ActorKey())
	assert.Equal(t, "ip:10.0.0.1", RequestContext{IPAddress: "10.0.0.1"}.ActorKey())
	assert.Equal(t, "anonymous", RequestContext{}.ActorKey())
}

func TestRepeatedRequestThreshold(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entry := historyEntry{norm: "reset my password", at: now.Add(-time.Minute)}

	_, ok := detectRepeatedRequest(inputFor("reset my password", nil, now))
	assert.False(t, ok, "first sighting is not a repeat")

	det, ok := detectRepeatedRequest(inputFor("Reset my password!", []historyEntry{entry}, now))
	require.True(t, ok)
	assert.Equal(t, 7, det.Urgency)
	assert.Equal(t, ActionMonitor, det.Action)

	det, ok = detectRepeatedRequest(inputFor("reset my password", []historyEntry{entry, entry}, now))
	require.True(t, ok)
	assert.Equal(t, 9, det.Urgency)
	assert.Equal(t, ActionEscalateAndResolve, det.Action)
	assert.Equal(t, 3, det.Details["repeat_count"])

	stale := historyEntry{norm: "reset my password", at: now.Add(-2 * time.Hour)}
	_, ok = detectRepeatedRequest(inputFor("reset my password", []historyEntry{stale}, now))
	assert.False(t, ok, "inputs older than an hour do not count")
}

func TestErrorPatternDetector(t *testing.T) {
	now := time.Now()
	in := inputFor("the deploy failed with an error", nil, now)
	det, ok := detectErrorPattern(in)
	require.True(t, ok)
	assert.Equal(t, 5, det.Urgency)
	assert.Equal(t, ActionLogAndMonitor, det.Action)

	in.recentErrors = 3
	det, _ = detectErrorPattern(in)
	assert.Equal(t, 8, det.Urgency)
	assert.Equal(t, ActionTriggerSelfHealing, det.Action)

	in.recentErrors = 12
	det, _ = detectErrorPattern(in)
	assert.Equal(t, 10, det.Urgency)

	_, ok = detectErrorPattern(inputFor("everything is fine", nil, now))
	assert.False(t, ok)
}

func TestUrgencyEscalationTiers(t *testing.T) {
	now := time.Now()
	tests := []struct {
		input   string
		found   bool
		urgency int
		action  string
	}{
		{"this is urgent", true, 10, ActionImmediateExecution},
		{"EMERGENCY in prod", true, 10, ActionImmediateExecution},
		{"this is important", true, 7, ActionPrioritize},
		{"please help me soon", false, 0, ""},
		{"no rush on this", false, 0, ""},
		{"urgently", false, 0, ""},
	}
	for _, tc := range tests {
		det, ok := detectUrgencyEscalation(inputFor(tc.input, nil, now))
		assert.Equal(t, tc.found, ok, tc.input)
		if tc.found {
			assert.Equal(t, tc.urgency, det.Urgency, tc.input)
			assert.Equal(t, tc.action, det.Action, tc.input)
		}
	}
}

func TestFrustrationNeedsTwoIndicators(t *testing.T) {
	now := time.Now()
	det, ok := detectFrustration(inputFor("why is this still broken!!", nil, now))
	require.True(t, ok)
	assert.Equal(t, 8, det.Urgency)
	assert.Equal(t, ActionEscalatePriorityAndResolve, det.Action)
	assert.ElementsMatch(t, []string{"why", "still", "!!"}, det.Details["indicators"])

	_, ok = detectFrustration(inputFor("why is the sky blue", nil, now))
	assert.False(t, ok)
}

func TestTimePressureDetector(t *testing.T) {
	now := time.Now()
	det, ok := detectTimePressure(inputFor("need this today by end of day", nil, now))
	require.True(t, ok)
	assert.Equal(t, 9, det.Urgency)
	assert.Equal(t, ActionImmediateExecution, det.Action)

	det, _ = detectTimePressure(inputFor("do it now right away today tonight", nil, now))
	assert.Equal(t, 10, det.Urgency)
}

func TestComplexityIncreaseDetector(t *testing.T) {
	now := time.Now()
	_, ok := detectComplexityIncrease(inputFor("a long request and then some", nil, now))
	assert.False(t, ok, "needs history")

	prior := []historyEntry{{score: 5}, {score: 5}, {score: 7}}
	long := "Export the report and email it. Then archive the old ones, but keep the drafts. Also update the index."
	det, ok := detectComplexityIncrease(inputFor(long, prior, now))
	require.True(t, ok)
	assert.Equal(t, 6, det.Urgency)
	assert.Equal(t, ActionBreakDownAndExecute, det.Action)
	assert.Len(t, det.Details["parts"], 3)

	_, ok = detectComplexityIncrease(inputFor("short one", prior, now))
	assert.False(t, ok)
}

func TestComplexityScore(t *testing.T) {
	// 6 words, 2 sentences, 1 conjunction.
	assert.Equal(t, 6+4+3, complexityScore("Stop the job. Then restart it!", "stop the job then restart it"))
}

func TestInputHistoryBounded(t *testing.T) {
	h := newInputHistory(3)
	base := time.Now()
	for i := range 5 {
		h.add("a", historyEntry{score: i, at: base.Add(time.Duration(i) * time.Second)})
	}
	got := h.snapshot("a")
	require.Len(t, got, 3)
	assert.Equal(t, 2, got[0].score)
	assert.Equal(t, 4, got[2].score)

	h.add("b", historyEntry{at: base.Add(-48 * time.Hour)})
	assert.Equal(t, 1, h.prune(base.Add(-time.Hour)))
	assert.Equal(t, 1, h.len())
}

package pattern

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/autopilot/internal/audit"
	"github.com/KafClaw/autopilot/internal/bus"
	"github.com/KafClaw/autopilot/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []bus.Event
}

func (p *recordingPublisher) Publish(topic bus.Topic, payload bus.Payload) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, bus.Event{Topic: topic, Payload: payload})
	return true
}

func (p *recordingPublisher) count(topic bus.Topic) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Topic == topic {
			n++
		}
	}
	return n
}

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

type fixture struct {
	engine *Engine
	pub    *recordingPublisher
	clock  *testClock
	audit  *audit.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "patterns.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		pub:   &recordingPublisher{},
		clock: &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		audit: &audit.Recorder{},
	}
	f.engine, err = New(db, f.pub, WithClock(f.clock.Now), WithAudit(f.audit))
	require.NoError(t, err)
	return f
}

func (f *fixture) resolutions(t *testing.T, patternID, action string) []Resolution {
	t.Helper()
	all, err := f.engine.ListResolutions(context.Background(), patternID)
	require.NoError(t, err)
	var out []Resolution
	for _, r := range all {
		if r.Action == action {
			out = append(out, r)
		}
	}
	return out
}

func TestAnalyzeUrgentRepeatedInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rc := RequestContext{UserID: "u-1", IPAddress: "10.1.1.1", UserAgent: "test"}
	const input = "this is urgent please fix this now"

	var (
		res      *AnalysisResult
		urgency  []int
		recordID string
	)
	for range 3 {
		res = f.engine.Analyze(ctx, input, rc)
		det := res.Find(TypeUrgencyEscalation)
		require.NotNil(t, det)
		require.NotNil(t, det.Record)
		urgency = append(urgency, det.Record.UrgencyLevel)
		recordID = det.Record.ID
		f.clock.Advance(10 * time.Second)
	}

	urgent := res.Find(TypeUrgencyEscalation)
	assert.Equal(t, 10, urgent.Urgency)
	assert.Equal(t, ActionImmediateExecution, urgent.Action)

	repeated := res.Find(TypeRepeatedRequest)
	require.NotNil(t, repeated)
	assert.GreaterOrEqual(t, repeated.Urgency, 9)
	assert.Equal(t, ActionEscalateAndResolve, repeated.Action)

	assert.True(t, res.Has(TypeTimePressure))
	assert.Equal(t, 10, res.HighestUrgency)
	assert.True(t, res.RequiresImmediateAction)
	assert.IsNonDecreasing(t, urgency)

	rec, err := f.engine.GetRecord(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, 10, rec.UrgencyLevel)
	assert.Equal(t, 3, rec.Frequency)

	// urgency, time pressure and repeated request all reach the high-priority path.
	urgentRecords, err := f.engine.ListRecords(ctx, Filter{MinUrgency: HighPriorityUrgency})
	require.NoError(t, err)
	require.Len(t, urgentRecords, 3)
	for _, r := range urgentRecords {
		assert.Len(t, f.resolutions(t, r.ID, ActionHighPriority), 1, "record %s", r.Type)
	}
	assert.Equal(t, 3, f.pub.count(bus.TopicPatternCritical))

	for range 2 {
		report, err := f.engine.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, report.HighPriority)
	}
	for _, r := range urgentRecords {
		assert.Len(t, f.resolutions(t, r.ID, ActionHighPriority), 1)
	}
	assert.Equal(t, 3, f.pub.count(bus.TopicPatternCritical))
	assert.Equal(t, 1, f.pub.count(bus.TopicPatternEscalated))
}

func TestRepeatHistoryIsPerActorAndPerEngine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const input = "reset the router"

	f.engine.Analyze(ctx, input, RequestContext{UserID: "u-1"})
	assert.True(t, f.engine.Analyze(ctx, input, RequestContext{UserID: "u-1"}).Has(TypeRepeatedRequest))
	assert.False(t, f.engine.Analyze(ctx, input, RequestContext{UserID: "u-2"}).Has(TypeRepeatedRequest))

	// Callers with neither user id nor address share one actor.
	f.engine.Analyze(ctx, input, RequestContext{})
	assert.True(t, f.engine.Analyze(ctx, input, RequestContext{}).Has(TypeRepeatedRequest))

	// History is not persisted: a new engine on the same store starts empty
	// while the stored record keeps counting.
	restarted, err := New(f.engine.db, f.pub, WithClock(f.clock.Now))
	require.NoError(t, err)
	res := restarted.Analyze(ctx, input, RequestContext{UserID: "u-1"})
	assert.False(t, res.Has(TypeRepeatedRequest))

	rec, err := restarted.FindRecord(ctx, TypeRepeatedRequest, Signature(input))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 2, rec.Frequency)
}

func TestAnalyzeUpsertsOneRecordPerSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const n = 5

	var last []int
	for range n {
		res := f.engine.Analyze(ctx, "The build is broken", RequestContext{UserID: "dev"})
		det := res.Find(TypeErrorPattern)
		require.NotNil(t, det)
		require.NotNil(t, det.Record)
		last = append(last, det.Record.UrgencyLevel)
		f.clock.Advance(time.Minute)
	}

	records, err := f.engine.ListRecords(ctx, Filter{Type: TypeErrorPattern})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, n, records[0].Frequency)
	assert.Equal(t, Signature("the build is broken"), records[0].Signature)
	assert.IsNonDecreasing(t, last)

	occ, err := f.engine.ListOccurrences(ctx, records[0].ID)
	require.NoError(t, err)
	assert.Len(t, occ, n)
	assert.Equal(t, "dev", occ[0].Context["user_id"])

	// The fourth call sees three recent error occurrences.
	assert.GreaterOrEqual(t, f.pub.count(bus.TopicSystemErrorPattern), 1)
	assert.NotEmpty(t, f.resolutions(t, records[0].ID, ActionTriggerSelfHealing))
}

func TestAnalyzeConcurrentCallersKeepOneRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const callers = 8

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.engine.Analyze(ctx, "this is important", RequestContext{UserID: string(rune('a' + i))})
		}(i)
	}
	wg.Wait()

	records, err := f.engine.ListRecords(ctx, Filter{Type: TypeUrgencyEscalation})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, callers, records[0].Frequency)
}

func TestEscalationRowsWrittenWhenUrgencyRises(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for range 3 {
		f.engine.Analyze(ctx, "reset the router", RequestContext{IPAddress: "192.168.0.7"})
		f.clock.Advance(time.Second)
	}
	rec, err := f.engine.FindRecord(ctx, TypeRepeatedRequest, Signature("reset the router"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 9, rec.UrgencyLevel)

	escalations, err := f.engine.ListEscalations(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, escalations, 1)
	assert.Equal(t, 7, escalations[0].FromLevel)
	assert.Equal(t, 9, escalations[0].ToLevel)
	assert.Equal(t, 1, f.audit.Count("pattern", "escalated"))
}

func TestAggressionResponseFiresOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Repeats at the same instant grow aggression by 0.06 per frequency.
	for range 5 {
		f.engine.Analyze(ctx, "emergency", RequestContext{UserID: "ops"})
	}

	rec, err := f.engine.FindRecord(ctx, TypeUrgencyEscalation, Signature("emergency"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.GreaterOrEqual(t, rec.AggressionScore, AggressionThreshold)
	assert.Equal(t, MaxUrgency, rec.UrgencyLevel)
	assert.True(t, rec.AutoResolved)

	assert.Len(t, f.resolutions(t, rec.ID, ActionResolveAggression), 1)
	assert.Equal(t, 1, f.pub.count(bus.TopicPatternHighAggression))

	report, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Aggression)
	assert.Equal(t, 1, f.pub.count(bus.TopicPatternHighAggression))
}

func TestActionFailuresAreRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engine.actions[ActionMonitor] = func(context.Context, actionCall) (actionOutcome, error) {
		panic("monitor exploded")
	}

	f.engine.Analyze(ctx, "hello there", RequestContext{})
	res := f.engine.Analyze(ctx, "hello there", RequestContext{})
	det := res.Find(TypeRepeatedRequest)
	require.NotNil(t, det)
	require.NotNil(t, det.Record)

	failed := f.resolutions(t, det.Record.ID, ActionMonitor)
	require.Len(t, failed, 1)
	assert.False(t, failed[0].Success)
	assert.Contains(t, failed[0].Error, "monitor exploded")

	rec, err := f.engine.GetRecord(ctx, det.Record.ID)
	require.NoError(t, err)
	assert.False(t, rec.AutoResolved)
}

func TestUnknownActionRecordsFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.engine.Analyze(ctx, "this is important", RequestContext{})
	rec := res.Find(TypeUrgencyEscalation).Record
	require.NotNil(t, rec)

	assert.True(t, f.engine.resolve(ctx, "does_not_exist", actionCall{record: rec}, false))
	failed := f.resolutions(t, rec.ID, "does_not_exist")
	require.Len(t, failed, 1)
	assert.False(t, failed[0].Success)
	assert.Contains(t, failed[0].Error, ErrUnknownAction.Error())
}

func TestSweepRefiresUnresolvedHighPriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engine.actions[ActionHighPriority] = func(context.Context, actionCall) (actionOutcome, error) {
		return actionOutcome{}, errors.New("notifier offline")
	}

	res := f.engine.Analyze(ctx, "deadline is tonight", RequestContext{})
	rec := res.Find(TypeTimePressure).Record
	require.NotNil(t, rec)
	assert.Len(t, f.resolutions(t, rec.ID, ActionHighPriority), 1)

	// Detector action resolved the record; clear it so the sweep picks it up.
	_, err := f.engine.db.Exec(`UPDATE detected_patterns SET auto_resolved = 0 WHERE id = ?`, rec.ID)
	require.NoError(t, err)
	f.engine.actions = f.engine.defaultActions()

	report, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.HighPriority)
	assert.Equal(t, 1, f.pub.count(bus.TopicPatternCritical))

	report, err = f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.HighPriority)
	assert.Equal(t, 1, f.pub.count(bus.TopicPatternCritical))
}

func TestSweepAnomaliesAndRetention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	busy := Detected{Type: TypeFrustration, Urgency: 3, Signature: Signature("busy")}
	for range anomalyThreshold + 1 {
		_, err := f.engine.recordPattern(ctx, busy, "busy", nil, f.clock.Now())
		require.NoError(t, err)
	}
	lonely := Detected{Type: TypeFrustration, Urgency: 3, Signature: Signature("lonely")}
	up, err := f.engine.recordPattern(ctx, lonely, "lonely", nil, f.clock.Now())
	require.NoError(t, err)

	report, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Anomalies)
	assert.Equal(t, 1, f.pub.count(bus.TopicPatternAnomaly))
	assert.Zero(t, report.PurgedRecords)

	f.clock.Advance(31 * 24 * time.Hour)
	report, err = f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Anomalies)
	assert.Equal(t, int64(anomalyThreshold+2), report.PurgedOccurrences)
	assert.Equal(t, int64(1), report.PurgedRecords)

	gone, err := f.engine.GetRecord(ctx, up.record.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := f.engine.FindRecord(ctx, TypeFrustration, Signature("busy"))
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, anomalyThreshold+1, kept.Frequency)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.engine.sweepInterval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

package pattern

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/KafClaw/autopilot/internal/audit"
	"github.com/KafClaw/autopilot/internal/bus"
	"github.com/KafClaw/autopilot/internal/store"
)

// DefaultSweepInterval is how often Run sweeps.
const DefaultSweepInterval = 60 * time.Second

// Engine analyzes inputs and owns the pattern tables.
type Engine struct {
	db      *store.DB
	events  bus.Publisher
	audit   audit.Sink
	logger  *slog.Logger
	now     func() time.Time
	history *inputHistory
	actions map[string]actionHandler

	sweepInterval time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithAudit sets the audit sink.
func WithAudit(s audit.Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.audit = s
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithSweepInterval sets the background sweep period.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sweepInterval = d
		}
	}
}

// WithHistorySize bounds the per-actor input history.
func WithHistorySize(n int) Option {
	return func(e *Engine) {
		e.history = newInputHistory(n)
	}
}

// New creates an engine and applies the pattern schema.
func New(db *store.DB, events bus.Publisher, opts ...Option) (*Engine, error) {
	e := &Engine{
		db:            db,
		events:        events,
		audit:         audit.Nop{},
		logger:        slog.Default(),
		now:           func() time.Time { return time.Now().UTC() },
		history:       newInputHistory(defaultHistorySize),
		sweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.actions = e.defaultActions()
	if err := db.EnsureSchema(Schema); err != nil {
		return nil, fmt.Errorf("pattern schema: %w", err)
	}
	return e, nil
}

// Analyze runs every detector over input, records each hit and dispatches
// the resulting actions. It always returns a result; storage failures are
// logged and the affected hit is returned without a Record.
func (e *Engine) Analyze(ctx context.Context, input string, rc RequestContext) *AnalysisResult {
	now := e.now()
	norm := normalize(input)
	actor := rc.ActorKey()

	in := &detectInput{
		raw:       input,
		norm:      norm,
		padded:    " " + norm + " ",
		now:       now,
		prior:     e.history.snapshot(actor),
		signature: Signature(input),
	}
	if hasErrorTerm(in.padded) {
		n, err := e.countRecentErrors(ctx, now.Add(-errorWindow))
		if err != nil {
			e.logger.Warn("Failed to count recent errors", "error", err)
		}
		in.recentErrors = n
	}

	detected := runDetectors(in)
	e.history.add(actor, historyEntry{norm: norm, score: complexityScore(input, norm), at: now})

	result := &AnalysisResult{Patterns: detected}
	occCtx := map[string]any{
		"user_id":    rc.UserID,
		"ip_address": rc.IPAddress,
		"user_agent": rc.UserAgent,
	}
	for i := range result.Patterns {
		det := &result.Patterns[i]
		result.HighestUrgency = max(result.HighestUrgency, det.Urgency)

		up, err := e.recordPattern(ctx, *det, input, withDetails(occCtx, det), now)
		if err != nil {
			e.logger.Warn("Failed to record pattern", "type", det.Type, "signature", det.Signature, "error", err)
			continue
		}
		det.Record = up.record
		e.afterRecord(ctx, *det, up, input)
	}
	result.RequiresImmediateAction = result.HighestUrgency >= HighPriorityUrgency
	if len(detected) > 0 {
		e.logger.Debug("Patterns detected", "actor", actor, "count", len(detected), "highest_urgency", result.HighestUrgency)
	}
	return result
}

func withDetails(base map[string]any, det *Detected) map[string]any {
	out := make(map[string]any, len(base)+2)
	for k, v := range base {
		out[k] = v
	}
	out["urgency"] = det.Urgency
	if len(det.Details) > 0 {
		out["details"] = det.Details
	}
	return out
}

// afterRecord runs the escalation paths and the detector's own action.
func (e *Engine) afterRecord(ctx context.Context, det Detected, up *upsertResult, input string) {
	rec := up.record
	switch {
	case up.created:
		e.audit.Log(ctx, audit.Event{Component: "pattern", Action: "recorded", EntityID: rec.ID,
			Details: map[string]any{"type": string(rec.Type), "urgency": rec.UrgencyLevel}})
	case rec.UrgencyLevel > up.prevUrgency:
		e.audit.Log(ctx, audit.Event{Component: "pattern", Action: "escalated", EntityID: rec.ID,
			Details: map[string]any{"from": up.prevUrgency, "to": rec.UrgencyLevel, "frequency": rec.Frequency}})
	}

	call := actionCall{record: rec, detected: det, input: input}
	if rec.UrgencyLevel >= HighPriorityUrgency {
		e.resolve(ctx, ActionHighPriority, call, true)
	}
	if up.prevAggression < AggressionThreshold && rec.AggressionScore >= AggressionThreshold {
		e.logger.Warn("Pattern aggression threshold crossed", "pattern", rec.ID, "aggression", rec.AggressionScore)
		e.resolve(ctx, ActionResolveAggression, call, true)
	}
	if det.Action != "" {
		e.resolve(ctx, det.Action, call, false)
	}
}

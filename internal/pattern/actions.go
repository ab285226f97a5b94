package pattern

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/KafClaw/autopilot/internal/audit"
	"github.com/KafClaw/autopilot/internal/bus"
	"github.com/KafClaw/autopilot/internal/store"
)

// ErrUnknownAction is recorded when a resolution names no handler.
var ErrUnknownAction = errors.New("unknown pattern action")

type actionCall struct {
	record   *Record
	detected Detected
	input    string
}

type publication struct {
	topic   bus.Topic
	payload bus.Payload
}

// actionOutcome is what a handler asks the engine to apply. Handlers do not
// touch storage or the bus themselves, so an outcome is only published once
// its resolution row has been committed.
type actionOutcome struct {
	detail  map[string]any
	publish []publication
	// urgency force-sets the record's urgency when above the current level.
	urgency int
}

type actionHandler func(ctx context.Context, call actionCall) (actionOutcome, error)

func (e *Engine) defaultActions() map[string]actionHandler {
	return map[string]actionHandler{
		ActionMonitor:                    e.actMonitor,
		ActionLogAndMonitor:              e.actLogAndMonitor,
		ActionEscalateAndResolve:         e.actEscalateAndResolve,
		ActionTriggerSelfHealing:         e.actTriggerSelfHealing,
		ActionImmediateExecution:         e.actImmediateExecution,
		ActionPrioritize:                 e.actPrioritize,
		ActionEscalatePriorityAndResolve: e.actEscalatePriorityAndResolve,
		ActionBreakDownAndExecute:        e.actBreakDownAndExecute,
		ActionResolveAggression:          e.actResolveAggression,
		ActionHighPriority:               e.actHighPriority,
	}
}

func payloadFor(rec *Record, action, input string, extra map[string]any) bus.PatternPayload {
	return bus.PatternPayload{
		PatternID:   rec.ID,
		PatternType: string(rec.Type),
		Signature:   rec.Signature,
		Urgency:     rec.UrgencyLevel,
		Aggression:  rec.AggressionScore,
		Frequency:   rec.Frequency,
		Action:      action,
		Input:       input,
		Extra:       extra,
	}
}

func emit(topic bus.Topic, p bus.Payload) []publication {
	return []publication{{topic: topic, payload: p}}
}

func (e *Engine) actMonitor(_ context.Context, c actionCall) (actionOutcome, error) {
	return actionOutcome{detail: map[string]any{"monitored": true, "frequency": c.record.Frequency}}, nil
}

func (e *Engine) actLogAndMonitor(_ context.Context, c actionCall) (actionOutcome, error) {
	e.logger.Warn("Error pattern observed",
		"pattern", c.record.ID, "frequency", c.record.Frequency, "urgency", c.record.UrgencyLevel)
	return actionOutcome{detail: map[string]any{"logged": true, "frequency": c.record.Frequency}}, nil
}

func (e *Engine) actEscalateAndResolve(_ context.Context, c actionCall) (actionOutcome, error) {
	return actionOutcome{
		detail:  map[string]any{"escalated": true},
		publish: emit(bus.TopicPatternEscalated, payloadFor(c.record, ActionEscalateAndResolve, c.input, c.detected.Details)),
	}, nil
}

func (e *Engine) actTriggerSelfHealing(_ context.Context, c actionCall) (actionOutcome, error) {
	return actionOutcome{
		detail: map[string]any{"self_healing": true},
		publish: emit(bus.TopicSystemErrorPattern, bus.SystemPayload{
			Source: "pattern_engine",
			Reason: "error_pattern",
			Details: map[string]any{
				"pattern_id":    c.record.ID,
				"input":         c.input,
				"frequency":     c.record.Frequency,
				"recent_errors": c.detected.Details["recent_errors"],
			},
		}),
	}, nil
}

func (e *Engine) actImmediateExecution(_ context.Context, c actionCall) (actionOutcome, error) {
	return actionOutcome{
		detail:  map[string]any{"dispatched": true},
		publish: emit(bus.TopicPatternImmediateAction, payloadFor(c.record, ActionImmediateExecution, c.input, c.detected.Details)),
	}, nil
}

func (e *Engine) actPrioritize(_ context.Context, c actionCall) (actionOutcome, error) {
	return actionOutcome{
		detail:  map[string]any{"prioritized": true},
		publish: emit(bus.TopicPatternPrioritized, payloadFor(c.record, ActionPrioritize, c.input, nil)),
	}, nil
}

func (e *Engine) actEscalatePriorityAndResolve(_ context.Context, c actionCall) (actionOutcome, error) {
	return actionOutcome{
		detail: map[string]any{"escalated": true, "priority": "high"},
		publish: emit(bus.TopicPatternEscalated, payloadFor(c.record, ActionEscalatePriorityAndResolve, c.input,
			map[string]any{"priority": "high", "indicators": c.detected.Details["indicators"]})),
	}, nil
}

func (e *Engine) actBreakDownAndExecute(_ context.Context, c actionCall) (actionOutcome, error) {
	parts := sentences(c.input)
	return actionOutcome{
		detail: map[string]any{"parts": len(parts)},
		publish: emit(bus.TopicPatternComplexRequest, payloadFor(c.record, ActionBreakDownAndExecute, c.input,
			map[string]any{"parts": parts})),
	}, nil
}

func (e *Engine) actResolveAggression(_ context.Context, c actionCall) (actionOutcome, error) {
	p := payloadFor(c.record, ActionResolveAggression, c.input, nil)
	p.Urgency = MaxUrgency
	return actionOutcome{
		detail:  map[string]any{"forced_urgency": MaxUrgency, "aggression": c.record.AggressionScore},
		publish: emit(bus.TopicPatternHighAggression, p),
		urgency: MaxUrgency,
	}, nil
}

func (e *Engine) actHighPriority(_ context.Context, c actionCall) (actionOutcome, error) {
	return actionOutcome{
		detail:  map[string]any{"urgency": c.record.UrgencyLevel},
		publish: emit(bus.TopicPatternCritical, payloadFor(c.record, ActionHighPriority, c.input, nil)),
	}, nil
}

func runHandler(ctx context.Context, h actionHandler, call actionCall) (out actionOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pattern action panicked: %v", r)
		}
	}()
	return h(ctx, call)
}

// resolve runs the handler for key against call.record and stores the
// outcome. With once set, a record that already has a successful resolution
// for key is left alone. It reports whether a resolution row was written.
func (e *Engine) resolve(ctx context.Context, key string, call actionCall, once bool) bool {
	rec := call.record
	var (
		out    actionOutcome
		runErr error
	)
	if h, ok := e.actions[key]; ok {
		out, runErr = runHandler(ctx, h, call)
	} else {
		runErr = fmt.Errorf("%w: %s", ErrUnknownAction, key)
	}

	now := e.now()
	written := false
	forced := false
	err := e.db.WithTx(ctx, func(tx *sql.Tx) error {
		if once {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pattern_resolutions
				WHERE pattern_id = ? AND action = ? AND success = 1`, rec.ID, key).Scan(&exists)
			if err != nil {
				return fmt.Errorf("check resolution: %w", err)
			}
			if exists > 0 {
				return nil
			}
		}

		detail, err := store.MarshalJSON(out.detail)
		if err != nil {
			return err
		}
		errText := ""
		success := 1
		if runErr != nil {
			errText = runErr.Error()
			success = 0
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO pattern_resolutions (id, pattern_id, action, success, detail, error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, uuid.NewString(), rec.ID, key, success, detail, errText, store.Millis(now)); err != nil {
			return fmt.Errorf("insert resolution: %w", err)
		}
		written = true
		if runErr != nil {
			return nil
		}

		if out.urgency > 0 {
			var current int
			if err := tx.QueryRowContext(ctx, `SELECT urgency_level FROM detected_patterns WHERE id = ?`, rec.ID).Scan(&current); err != nil {
				return fmt.Errorf("load urgency: %w", err)
			}
			if target := clampUrgency(out.urgency); target > current {
				if _, err := tx.ExecContext(ctx, `UPDATE detected_patterns SET urgency_level = ? WHERE id = ?`, target, rec.ID); err != nil {
					return fmt.Errorf("force urgency: %w", err)
				}
				if err := insertEscalation(ctx, tx, rec.ID, current, target, key, now); err != nil {
					return err
				}
				forced = true
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE detected_patterns SET auto_resolved = 1, resolution_action = ? WHERE id = ?`,
			key, rec.ID); err != nil {
			return fmt.Errorf("mark resolved: %w", err)
		}
		return nil
	})
	if err != nil {
		e.logger.Warn("Failed to store pattern resolution", "pattern", rec.ID, "action", key, "error", err)
		return false
	}
	if !written {
		return false
	}

	details := map[string]any{"success": runErr == nil}
	if runErr != nil {
		details["error"] = runErr.Error()
		e.logger.Warn("Pattern action failed", "pattern", rec.ID, "action", key, "error", runErr)
	} else {
		rec.AutoResolved = true
		k := key
		rec.ResolutionAction = &k
		if forced {
			rec.UrgencyLevel = clampUrgency(out.urgency)
		}
		for _, p := range out.publish {
			if !e.events.Publish(p.topic, p.payload) {
				e.logger.Warn("Pattern event dropped", "topic", p.topic, "pattern", rec.ID)
			}
		}
	}
	e.audit.Log(ctx, audit.Event{
		Component: "pattern",
		Action:    "resolution." + key,
		EntityID:  rec.ID,
		Details:   details,
	})
	return true
}

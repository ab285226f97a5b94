package pattern

import (
	"context"
	"fmt"
	"time"

	"github.com/KafClaw/autopilot/internal/audit"
	"github.com/KafClaw/autopilot/internal/bus"
	"github.com/KafClaw/autopilot/internal/store"
)

const (
	anomalyWindow      = time.Hour
	anomalyThreshold   = 10
	occurrenceTTL      = 7 * 24 * time.Hour
	recordTTL          = 30 * 24 * time.Hour
	recordKeepMinFreq  = 3
	historyIdleTimeout = 24 * time.Hour
)

// Run sweeps every interval until ctx is done. Sweeps run on this goroutine
// and never overlap.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	e.logger.Info("Pattern sweep started", "interval", e.sweepInterval)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Pattern sweep stopped")
			return ctx.Err()
		case <-ticker.C:
			report, err := e.Sweep(ctx)
			if err != nil {
				e.logger.Warn("Pattern sweep failed", "error", err)
				continue
			}
			if report != (SweepReport{}) {
				e.logger.Info("Pattern sweep finished",
					"high_priority", report.HighPriority,
					"aggression", report.Aggression,
					"anomalies", report.Anomalies,
					"purged_occurrences", report.PurgedOccurrences,
					"purged_records", report.PurgedRecords)
			}
		}
	}
}

// Sweep re-fires pending escalation paths, reports anomalies and applies
// retention. Re-firing is safe for records that already resolved.
func (e *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := e.now()

	urgent, err := e.queryRecords(ctx, `SELECT `+recordColumns+` FROM detected_patterns
		WHERE urgency_level >= ? AND auto_resolved = 0`, HighPriorityUrgency)
	if err != nil {
		return report, err
	}
	for i := range urgent {
		if e.resolve(ctx, ActionHighPriority, actionCall{record: &urgent[i]}, true) {
			report.HighPriority++
		}
	}

	aggressive, err := e.queryRecords(ctx, `SELECT `+recordColumns+` FROM detected_patterns
		WHERE aggression_score >= ? AND auto_resolved = 0`, AggressionThreshold)
	if err != nil {
		return report, err
	}
	for i := range aggressive {
		if e.resolve(ctx, ActionResolveAggression, actionCall{record: &aggressive[i]}, true) {
			report.Aggression++
		}
	}

	n, err := e.reportAnomalies(ctx, now)
	if err != nil {
		return report, err
	}
	report.Anomalies = n

	if report.PurgedOccurrences, report.PurgedRecords, err = e.purge(ctx, now); err != nil {
		return report, err
	}
	e.history.prune(now.Add(-historyIdleTimeout))
	return report, nil
}

func (e *Engine) reportAnomalies(ctx context.Context, now time.Time) (int, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT p.pattern_type, COUNT(*) FROM pattern_occurrences o
		JOIN detected_patterns p ON p.id = o.pattern_id
		WHERE o.occurred_at >= ?
		GROUP BY p.pattern_type
		HAVING COUNT(*) > ?`, store.Millis(now.Add(-anomalyWindow)), anomalyThreshold)
	if err != nil {
		return 0, fmt.Errorf("query anomalies: %w", err)
	}
	type anomaly struct {
		typ   string
		count int
	}
	var found []anomaly
	for rows.Next() {
		var a anomaly
		if err := rows.Scan(&a.typ, &a.count); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan anomaly: %w", err)
		}
		found = append(found, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, a := range found {
		e.logger.Warn("Pattern anomaly detected", "type", a.typ, "occurrences", a.count)
		e.events.Publish(bus.TopicPatternAnomaly, bus.Fields{
			"pattern_type": a.typ,
			"occurrences":  a.count,
			"window":       anomalyWindow.String(),
		})
		e.audit.Log(ctx, audit.Event{Component: "pattern", Action: "anomaly", EntityID: a.typ,
			Details: map[string]any{"occurrences": a.count}})
	}
	return len(found), nil
}

func (e *Engine) purge(ctx context.Context, now time.Time) (occurrences, records int64, err error) {
	res, err := e.db.ExecContext(ctx, `DELETE FROM pattern_occurrences WHERE occurred_at < ?`,
		store.Millis(now.Add(-occurrenceTTL)))
	if err != nil {
		return 0, 0, fmt.Errorf("purge occurrences: %w", err)
	}
	occurrences, _ = res.RowsAffected()

	res, err = e.db.ExecContext(ctx, `DELETE FROM detected_patterns WHERE first_seen < ? AND frequency < ?`,
		store.Millis(now.Add(-recordTTL)), recordKeepMinFreq)
	if err != nil {
		return occurrences, 0, fmt.Errorf("purge patterns: %w", err)
	}
	records, _ = res.RowsAffected()
	if occurrences > 0 || records > 0 {
		e.audit.Log(ctx, audit.Event{Component: "pattern", Action: "purged",
			Details: map[string]any{"occurrences": occurrences, "records": records}})
	}
	return occurrences, records, nil
}

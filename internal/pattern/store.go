package pattern

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/autopilot/internal/store"
)

const recordColumns = `id, pattern_type, signature, frequency, urgency_level, aggression_score,
	auto_resolved, resolution_action, first_seen, last_seen`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r          Record
		typ        string
		resolved   int
		resolution sql.NullString
		first      int64
		last       int64
	)
	if err := row.Scan(&r.ID, &typ, &r.Signature, &r.Frequency, &r.UrgencyLevel, &r.AggressionScore,
		&resolved, &resolution, &first, &last); err != nil {
		return nil, err
	}
	r.Type = Type(typ)
	r.AutoResolved = resolved != 0
	if resolution.Valid {
		r.ResolutionAction = &resolution.String
	}
	r.FirstSeen = store.FromMillis(first)
	r.LastSeen = store.FromMillis(last)
	return &r, nil
}

// upsertResult is what recordPattern changed.
type upsertResult struct {
	record         *Record
	created        bool
	prevUrgency    int
	prevAggression float64
}

// recordPattern inserts or updates the record for det and appends the
// occurrence, all in one immediate transaction.
func (e *Engine) recordPattern(ctx context.Context, det Detected, input string, occCtx map[string]any, now time.Time) (*upsertResult, error) {
	res := &upsertResult{}
	err := e.db.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM detected_patterns
			WHERE pattern_type = ? AND signature = ?`, string(det.Type), det.Signature)
		rec, err := scanRecord(row)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			rec = &Record{
				ID:           uuid.NewString(),
				Type:         det.Type,
				Signature:    det.Signature,
				Frequency:    1,
				UrgencyLevel: clampUrgency(det.Urgency),
				FirstSeen:    now,
				LastSeen:     now,
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO detected_patterns
				(id, pattern_type, signature, frequency, urgency_level, aggression_score, auto_resolved, first_seen, last_seen)
				VALUES (?, ?, ?, 1, ?, 0, 0, ?, ?)`,
				rec.ID, string(rec.Type), rec.Signature, rec.UrgencyLevel, store.Millis(now), store.Millis(now)); err != nil {
				return fmt.Errorf("insert pattern: %w", err)
			}
			res.created = true
			res.prevUrgency = rec.UrgencyLevel
		case err != nil:
			return fmt.Errorf("load pattern: %w", err)
		default:
			res.prevUrgency = rec.UrgencyLevel
			res.prevAggression = rec.AggressionScore
			escalate(rec, det.Urgency, now)
			if _, err := tx.ExecContext(ctx, `UPDATE detected_patterns
				SET frequency = ?, urgency_level = ?, aggression_score = ?, last_seen = ?
				WHERE id = ?`,
				rec.Frequency, rec.UrgencyLevel, rec.AggressionScore, store.Millis(now), rec.ID); err != nil {
				return fmt.Errorf("update pattern: %w", err)
			}
		}

		ctxJSON, err := store.MarshalJSON(occCtx)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO pattern_occurrences (id, pattern_id, input, context, occurred_at)
			VALUES (?, ?, ?, ?, ?)`, uuid.NewString(), rec.ID, input, ctxJSON, store.Millis(now)); err != nil {
			return fmt.Errorf("insert occurrence: %w", err)
		}

		if rec.UrgencyLevel > res.prevUrgency {
			if err := insertEscalation(ctx, tx, rec.ID, res.prevUrgency, rec.UrgencyLevel, "repeat_occurrence", now); err != nil {
				return err
			}
		}
		res.record = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// escalate applies one repeat occurrence with detector urgency newUrgency.
// Urgency never decreases; aggression grows with the rate of change.
func escalate(rec *Record, newUrgency int, now time.Time) {
	oldUrgency := rec.UrgencyLevel
	rec.Frequency++
	rec.UrgencyLevel = min(max(oldUrgency, newUrgency)+rec.Frequency/3, MaxUrgency)

	minutes := math.Max(now.Sub(rec.FirstSeen).Minutes(), 1)
	frequencyGrowth := float64(rec.Frequency) / minutes
	urgencyGrowth := math.Max(float64(rec.UrgencyLevel-oldUrgency), 0)
	rec.AggressionScore += (frequencyGrowth*0.6 + urgencyGrowth*0.4) * 0.1
	rec.LastSeen = now
}

func insertEscalation(ctx context.Context, tx *sql.Tx, patternID string, from, to int, reason string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO urgency_escalations (id, pattern_id, from_level, to_level, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, uuid.NewString(), patternID, from, to, reason, store.Millis(now)); err != nil {
		return fmt.Errorf("insert escalation: %w", err)
	}
	return nil
}

func (e *Engine) countRecentErrors(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pattern_occurrences o
		JOIN detected_patterns p ON p.id = o.pattern_id
		WHERE p.pattern_type = ? AND o.occurred_at >= ?`,
		string(TypeErrorPattern), store.Millis(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recent errors: %w", err)
	}
	return n, nil
}

// GetRecord returns the record with id, or nil if none exists.
func (e *Engine) GetRecord(ctx context.Context, id string) (*Record, error) {
	rec, err := scanRecord(e.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM detected_patterns WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pattern: %w", err)
	}
	return rec, nil
}

// FindRecord returns the record for (t, signature), or nil.
func (e *Engine) FindRecord(ctx context.Context, t Type, signature string) (*Record, error) {
	rec, err := scanRecord(e.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM detected_patterns
		WHERE pattern_type = ? AND signature = ?`, string(t), signature))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find pattern: %w", err)
	}
	return rec, nil
}

// ListRecords returns records matching f, most urgent first.
func (e *Engine) ListRecords(ctx context.Context, f Filter) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM detected_patterns WHERE 1=1`
	var args []any
	if f.Type != "" {
		query += ` AND pattern_type = ?`
		args = append(args, string(f.Type))
	}
	if f.MinUrgency > 0 {
		query += ` AND urgency_level >= ?`
		args = append(args, f.MinUrgency)
	}
	if f.Unresolved {
		query += ` AND auto_resolved = 0`
	}
	query += ` ORDER BY urgency_level DESC, last_seen DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return e.queryRecords(ctx, query, args...)
}

func (e *Engine) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ListOccurrences returns a record's occurrences, oldest first.
func (e *Engine) ListOccurrences(ctx context.Context, patternID string) ([]Occurrence, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT id, pattern_id, input, context, occurred_at
		FROM pattern_occurrences WHERE pattern_id = ? ORDER BY occurred_at, rowid`, patternID)
	if err != nil {
		return nil, fmt.Errorf("list occurrences: %w", err)
	}
	defer rows.Close()
	var out []Occurrence
	for rows.Next() {
		var (
			o       Occurrence
			ctxJSON string
			at      int64
		)
		if err := rows.Scan(&o.ID, &o.PatternID, &o.Input, &ctxJSON, &at); err != nil {
			return nil, fmt.Errorf("scan occurrence: %w", err)
		}
		if err := store.UnmarshalJSON(ctxJSON, &o.Context); err != nil {
			return nil, err
		}
		o.OccurredAt = store.FromMillis(at)
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListEscalations returns a record's urgency changes, oldest first.
func (e *Engine) ListEscalations(ctx context.Context, patternID string) ([]Escalation, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT id, pattern_id, from_level, to_level, reason, created_at
		FROM urgency_escalations WHERE pattern_id = ? ORDER BY created_at, rowid`, patternID)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	defer rows.Close()
	var out []Escalation
	for rows.Next() {
		var (
			esc Escalation
			at  int64
		)
		if err := rows.Scan(&esc.ID, &esc.PatternID, &esc.FromLevel, &esc.ToLevel, &esc.Reason, &at); err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		esc.CreatedAt = store.FromMillis(at)
		out = append(out, esc)
	}
	return out, rows.Err()
}

// ListResolutions returns a record's auto-action outcomes, oldest first.
func (e *Engine) ListResolutions(ctx context.Context, patternID string) ([]Resolution, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT id, pattern_id, action, success, detail, error, created_at
		FROM pattern_resolutions WHERE pattern_id = ? ORDER BY created_at, rowid`, patternID)
	if err != nil {
		return nil, fmt.Errorf("list resolutions: %w", err)
	}
	defer rows.Close()
	var out []Resolution
	for rows.Next() {
		var (
			r       Resolution
			success int
			detail  string
			at      int64
		)
		if err := rows.Scan(&r.ID, &r.PatternID, &r.Action, &success, &detail, &r.Error, &at); err != nil {
			return nil, fmt.Errorf("scan resolution: %w", err)
		}
		r.Success = success != 0
		if err := store.UnmarshalJSON(detail, &r.Detail); err != nil {
			return nil, err
		}
		r.CreatedAt = store.FromMillis(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

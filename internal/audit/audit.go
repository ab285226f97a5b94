// Package audit provides the fire-and-forget sinks every state-changing
// operation reports to. Sinks never return errors; a failing sink logs and
// moves on so the audited operation is never affected.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event is one audited state change.
type Event struct {
	Component string         `json:"component"`
	Action    string         `json:"action"`
	EntityID  string         `json:"entity_id"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink receives audit events.
type Sink interface {
	Log(ctx context.Context, evt Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Log(context.Context, Event) {}

// LogSink writes audit events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Log(ctx context.Context, evt Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stamp(&evt)
	logger.InfoContext(ctx, "Audit",
		"component", evt.Component,
		"action", evt.Action,
		"entity", evt.EntityID,
		"details", evt.Details,
	)
}

// MultiSink fans an event out to several sinks.
type MultiSink []Sink

func (m MultiSink) Log(ctx context.Context, evt Event) {
	stamp(&evt)
	for _, s := range m {
		if s != nil {
			s.Log(ctx, evt)
		}
	}
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Log(_ context.Context, evt Event) {
	stamp(&evt)
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many recorded events match component and action.
// An empty action matches every action of the component.
func (r *Recorder) Count(component, action string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Component == component && (action == "" || e.Action == action) {
			n++
		}
	}
	return n
}

func stamp(evt *Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
}

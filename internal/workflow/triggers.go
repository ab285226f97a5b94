package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/KafClaw/autopilot/internal/bus"
	"github.com/KafClaw/autopilot/internal/scheduler"
)

// registerLocked installs the trigger for def. e.mu must be held.
func (e *Engine) registerLocked(def *Definition) {
	if !def.Enabled || e.stopped {
		return
	}
	if _, ok := e.triggers[def.ID]; ok {
		return
	}

	var stop func()
	switch def.TriggerType {
	case TriggerSchedule:
		switch {
		case def.Trigger.IntervalMs > 0:
			stop = e.startInterval(def)
		case def.Trigger.Cron != "":
			stop = e.registerCron(def)
		}
	case TriggerEvent:
		stop = e.subscribeEvent(def)
	}
	if stop != nil {
		e.triggers[def.ID] = stop
	}
}

// unregisterLocked removes the trigger for id. e.mu must be held.
func (e *Engine) unregisterLocked(id string) {
	if stop, ok := e.triggers[id]; ok {
		stop()
		delete(e.triggers, id)
	}
}

func (e *Engine) startInterval(def *Definition) func() {
	interval := time.Duration(def.Trigger.IntervalMs) * time.Millisecond
	id, name := def.ID, def.Name
	done := make(chan struct{})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-e.runCtx.Done():
				return
			case <-ticker.C:
				e.fire(id, map[string]any{"trigger": "interval"})
			}
		}
	}()
	e.logger.Debug("Interval trigger registered", "workflow", name, "interval", interval)

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (e *Engine) registerCron(def *Definition) func() {
	if e.sched == nil {
		e.logger.Info("Cron trigger recorded without scheduler", "workflow", def.Name, "cron", def.Trigger.Cron)
		return nil
	}
	expr, err := scheduler.ParseCron(def.Trigger.Cron)
	if err != nil {
		e.logger.Warn("Invalid cron trigger", "workflow", def.Name, "cron", def.Trigger.Cron, "error", err)
		return nil
	}
	id := def.ID
	jobName := "workflow:" + id
	e.sched.Register(&scheduler.Job{
		Name:     jobName,
		Cron:     expr,
		Category: scheduler.CategoryWorkflow,
		Run: func(_ context.Context, tick time.Time) {
			e.fire(id, map[string]any{"trigger": "cron", "tick": tick.UTC().Format(time.RFC3339)})
		},
	})
	e.logger.Debug("Cron trigger registered", "workflow", def.Name, "cron", expr.String())
	return func() { e.sched.Unregister(jobName) }
}

func (e *Engine) subscribeEvent(def *Definition) func() {
	id := def.ID
	topic := bus.Topic(def.Trigger.Event)
	unsubscribe := e.events.Subscribe(topic, func(evt bus.Event) {
		input := map[string]any{}
		if evt.Payload != nil {
			input = evt.Payload.Fields()
		}
		input["event"] = string(evt.Topic)
		// The dispatcher must not block on a workflow run.
		go e.fire(id, input)
	})
	e.logger.Debug("Event trigger registered", "workflow", def.Name, "event", topic)
	return unsubscribe
}

// fire executes a triggered workflow, tracked so Stop can wait for it.
func (e *Engine) fire(id string, input map[string]any) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()
	defer e.wg.Done()

	if _, err := e.ExecuteWorkflow(e.runCtx, id, input); err != nil {
		e.logger.Warn("Triggered workflow failed to start", "workflow", id, "error", err)
	}
}

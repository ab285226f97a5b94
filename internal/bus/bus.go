// Package bus provides the in-process event bus that decouples the pattern,
// workflow and intent components.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a published payload with its topic.
type Event struct {
	Topic     Topic     `json:"topic"`
	Payload   Payload   `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler receives dispatched events. Handlers run on the dispatcher
// goroutine and must hand long work off to their own goroutines.
type Handler func(Event)

// Stats holds bus counters.
type Stats struct {
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
}

type subscription struct {
	id uint64
	fn Handler
}

// EventBus is a buffered, fire-and-forget publish/subscribe bus.
type EventBus struct {
	queue  chan Event
	subs   map[Topic][]subscription
	nextID uint64
	mu     sync.RWMutex
	logger *slog.Logger

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// DefaultBufferSize is the queue capacity used when New is given a
// non-positive size.
const DefaultBufferSize = 256

// New creates an event bus with the given queue capacity.
func New(bufferSize int, logger *slog.Logger) *EventBus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		queue:  make(chan Event, bufferSize),
		subs:   make(map[Topic][]subscription),
		logger: logger,
	}
}

// Publish enqueues an event without blocking. It returns false when the
// queue is full and the event was dropped.
func (b *EventBus) Publish(topic Topic, payload Payload) bool {
	if payload == nil {
		payload = Fields{}
	}
	evt := Event{Topic: topic, Payload: payload, Timestamp: time.Now().UTC()}
	select {
	case b.queue <- evt:
		b.published.Add(1)
		return true
	default:
		b.dropped.Add(1)
		b.logger.Warn("Event dropped: bus queue full", "topic", topic)
		return false
	}
}

// Subscribe registers a handler for a topic. The returned function removes
// the subscription and may be called more than once.
func (b *EventBus) Subscribe(topic Topic, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, id) })
	}
}

func (b *EventBus) remove(topic Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

// Subscribers returns the number of handlers registered for topic.
func (b *EventBus) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Run dispatches queued events in publish order until ctx is cancelled.
// This should be run as a goroutine.
func (b *EventBus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-b.queue:
			b.dispatch(evt)
		}
	}
}

func (b *EventBus) dispatch(evt Event) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[evt.Topic]...)
	b.mu.RUnlock()

	if len(subs) == 0 {
		b.dropped.Add(1)
		b.logger.Debug("Event dropped: no subscribers", "topic", evt.Topic)
		return
	}
	for _, s := range subs {
		b.deliver(s.fn, evt)
	}
}

func (b *EventBus) deliver(fn Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked", "topic", evt.Topic, "panic", r)
		}
	}()
	fn(evt)
	b.delivered.Add(1)
}

// Stats returns a snapshot of the bus counters.
func (b *EventBus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Pending returns the number of queued, undispatched events.
func (b *EventBus) Pending() int {
	return len(b.queue)
}

// Publisher is the publishing half of the bus.
type Publisher interface {
	Publish(topic Topic, payload Payload) bool
}

// Subscriber is the subscribing half of the bus.
type Subscriber interface {
	Subscribe(topic Topic, fn Handler) (unsubscribe func())
}

package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer used by KafkaSink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka audit sink.
type KafkaConfig struct {
	Brokers      string        // comma-separated broker list
	Topic        string        // destination topic
	BufferSize   int           // queued events before drops (default: 256)
	WriteTimeout time.Duration // per-batch write timeout (default: 5s)
}

// KafkaSink publishes audit events as JSON messages keyed by entity id.
// Events are queued and written by a background goroutine; when the queue is
// full the event is dropped with a warning.
type KafkaSink struct {
	writer  MessageWriter
	topic   string
	timeout time.Duration
	queue   chan Event
	logger  *slog.Logger
	wg      sync.WaitGroup

	// mu guards closed against the queue being closed mid-send.
	mu     sync.RWMutex
	closed bool
}

// NewKafkaSink creates a sink backed by a kafka-go writer.
func NewKafkaSink(cfg KafkaConfig, logger *slog.Logger) *KafkaSink {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(cfg.Brokers, ",")...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return NewKafkaSinkWithWriter(w, cfg, logger)
}

// NewKafkaSinkWithWriter creates a sink over an existing writer.
func NewKafkaSinkWithWriter(w MessageWriter, cfg KafkaConfig, logger *slog.Logger) *KafkaSink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &KafkaSink{
		writer:  w,
		topic:   cfg.Topic,
		timeout: cfg.WriteTimeout,
		queue:   make(chan Event, cfg.BufferSize),
		logger:  logger,
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// Log enqueues evt for publishing. Events logged after Close are dropped.
func (s *KafkaSink) Log(_ context.Context, evt Event) {
	stamp(&evt)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.logger.Debug("Audit event dropped: kafka sink closed", "component", evt.Component, "action", evt.Action)
		return
	}
	select {
	case s.queue <- evt:
	default:
		s.logger.Warn("Audit event dropped: kafka queue full", "component", evt.Component, "action", evt.Action)
	}
}

func (s *KafkaSink) loop() {
	defer s.wg.Done()
	for evt := range s.queue {
		value, err := json.Marshal(evt)
		if err != nil {
			s.logger.Warn("Audit event encode failed", "error", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err = s.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(evt.EntityID),
			Value: value,
			Headers: []kafka.Header{
				{Key: "component", Value: []byte(evt.Component)},
				{Key: "action", Value: []byte(evt.Action)},
			},
		})
		cancel()
		if err != nil {
			s.logger.Warn("Audit event write failed", "topic", s.topic, "error", err)
		}
	}
}

// Close drains queued events and closes the writer.
func (s *KafkaSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()
	return s.writer.Close()
}

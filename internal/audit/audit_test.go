package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	fail   bool
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("broker unavailable")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestKafkaSinkPublishesJSON(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := &fakeWriter{}
	sink := NewKafkaSinkWithWriter(w, KafkaConfig{Topic: "audit"}, nil)
	sink.Log(context.Background(), Event{Component: "workflow", Action: "completed", EntityID: "exec-1"})
	sink.Log(context.Background(), Event{Component: "pattern", Action: "resolved", EntityID: "pat-1"})
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	require.Len(t, w.msgs, 2)
	assert.True(t, w.closed)
	assert.Equal(t, "exec-1", string(w.msgs[0].Key))

	var evt Event
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &evt))
	assert.Equal(t, "pattern", evt.Component)
	assert.False(t, evt.Timestamp.IsZero())
}

func TestKafkaSinkSwallowsWriteErrors(t *testing.T) {
	w := &fakeWriter{fail: true}
	sink := NewKafkaSinkWithWriter(w, KafkaConfig{Topic: "audit"}, nil)
	sink.Log(context.Background(), Event{Component: "intent", Action: "decision"})
	require.NoError(t, sink.Close())
	assert.Empty(t, w.msgs)
}

func TestKafkaSinkDropsEventsAfterClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := &fakeWriter{}
	sink := NewKafkaSinkWithWriter(w, KafkaConfig{Topic: "audit"}, nil)
	sink.Log(context.Background(), Event{Component: "workflow", Action: "started", EntityID: "exec-1"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sink.Log(context.Background(), Event{Component: "workflow", Action: "retrying"})
			}
		}()
	}
	require.NoError(t, sink.Close())
	wg.Wait()

	assert.NotPanics(t, func() {
		sink.Log(context.Background(), Event{Component: "intent", Action: "expired", EntityID: "late"})
	})
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, m := range w.msgs {
		assert.NotEqual(t, "late", string(m.Key))
	}
	assert.Equal(t, "exec-1", string(w.msgs[0].Key))
}

func TestMultiSinkAndRecorder(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	m := MultiSink{a, nil, b, LogSink{}, Nop{}}
	m.Log(context.Background(), Event{Component: "workflow", Action: "started"})
	m.Log(context.Background(), Event{Component: "workflow", Action: "failed"})

	assert.Equal(t, 2, a.Count("workflow", ""))
	assert.Equal(t, 1, b.Count("workflow", "failed"))
	assert.Equal(t, 0, b.Count("pattern", ""))
	assert.False(t, a.Events()[0].Timestamp.IsZero())
}

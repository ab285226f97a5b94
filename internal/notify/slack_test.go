package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/autopilot/internal/bus"
)

func TestSlackNotifierPostsAlerts(t *testing.T) {
	var (
		mu    sync.Mutex
		texts []string
		chans []string
	)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/chat.postMessage" {
			_ = r.ParseForm()
			mu.Lock()
			texts = append(texts, r.PostForm.Get("text"))
			chans = append(chans, r.PostForm.Get("channel"))
			mu.Unlock()
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1.1"}`))
	}))
	defer api.Close()

	n, err := NewSlackNotifier(Config{Token: "xoxb-test", Channel: "C1", APIURL: api.URL}, nil)
	require.NoError(t, err)

	b := bus.New(16, nil)
	n.Subscribe(b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)
	go n.Run(ctx)

	b.Publish(bus.TopicPatternCritical, bus.PatternPayload{PatternID: "p1", PatternType: "frustration", Urgency: 10})
	b.Publish(bus.TopicPatternEscalated, bus.PatternPayload{PatternID: "p2"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(texts) == 1
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Contains(t, texts[0], "Critical frustration pattern at urgency 10")
	assert.Contains(t, texts[0], "pattern_id: p1")
	assert.Equal(t, "C1", chans[0])
	mu.Unlock()

	sent, failed, dropped := n.Stats()
	assert.Equal(t, int64(1), sent)
	assert.Zero(t, failed)
	assert.Zero(t, dropped)

	n.Unsubscribe()
	for _, topic := range AlertTopics {
		assert.Zero(t, b.Subscribers(topic))
	}
}

type flakyPoster struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (p *flakyPoster) PostMessageContext(context.Context, string, ...slack.MsgOption) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return "", "", err
	}
	return "C1", "1.1", nil
}

func TestPostRetriesRateLimit(t *testing.T) {
	p := &flakyPoster{errs: []error{&slack.RateLimitedError{RetryAfter: time.Millisecond}}}
	n, err := NewWithPoster(p, Config{Channel: "C1"}, nil)
	require.NoError(t, err)

	require.NoError(t, n.post(context.Background(), "hello"))
	assert.Equal(t, 2, p.calls)
}

func TestPostDoesNotRetryOtherErrors(t *testing.T) {
	p := &flakyPoster{errs: []error{errors.New("channel_not_found")}}
	n, err := NewWithPoster(p, Config{Channel: "C1"}, nil)
	require.NoError(t, err)

	assert.Error(t, n.post(context.Background(), "hello"))
	assert.Equal(t, 1, p.calls)
}

func TestHandleDropsWhenQueueFull(t *testing.T) {
	n, err := NewWithPoster(&flakyPoster{}, Config{Channel: "C1", BufferSize: 1}, nil)
	require.NoError(t, err)

	evt := bus.Event{Topic: bus.TopicWorkflowFailed, Payload: bus.WorkflowPayload{WorkflowName: "backup", Error: "disk"}}
	n.handle(evt)
	n.handle(evt)

	_, _, dropped := n.Stats()
	assert.Equal(t, int64(1), dropped)
	assert.Contains(t, <-n.queue, "Workflow backup failed: disk")
}

func TestConfigValidation(t *testing.T) {
	_, err := NewSlackNotifier(Config{Channel: "C1"}, nil)
	assert.Error(t, err)
	_, err = NewSlackNotifier(Config{Token: "xoxb"}, nil)
	assert.Error(t, err)
}

func TestFormatRepeatedFailure(t *testing.T) {
	text := Format(bus.Event{Topic: bus.TopicSystemRepeatedFailure, Payload: bus.WorkflowPayload{WorkflowName: "sync", Failures: 3}})
	assert.Contains(t, text, "Workflow sync failed 3 times")
}

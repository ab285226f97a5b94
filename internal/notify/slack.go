// Package notify forwards critical automation events to Slack.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slack-go/slack"

	"github.com/KafClaw/autopilot/internal/bus"
)

// AlertTopics are the topics the notifier subscribes to.
var AlertTopics = []bus.Topic{
	bus.TopicPatternCritical,
	bus.TopicPatternHighAggression,
	bus.TopicSystemRepeatedFailure,
	bus.TopicWorkflowFailed,
}

// Poster is the subset of *slack.Client used by SlackNotifier.
type Poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Config configures the Slack notifier.
type Config struct {
	Token      string
	Channel    string
	APIURL     string // default: https://slack.com/api/
	HTTPClient *http.Client
	BufferSize int // queued alerts before drops (default: 64)
}

// SlackNotifier posts alerts for AlertTopics. Bus handlers only enqueue;
// Run does the posting so the dispatcher is never blocked on Slack.
type SlackNotifier struct {
	api     Poster
	channel string
	queue   chan string
	logger  *slog.Logger

	retryDelay time.Duration
	sent       atomic.Int64
	failed     atomic.Int64
	dropped    atomic.Int64

	mu    sync.Mutex
	unsub []func()
}

// NewSlackNotifier creates a notifier backed by a slack-go client.
func NewSlackNotifier(cfg Config, logger *slog.Logger) (*SlackNotifier, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("missing slack token")
	}
	opts := []slack.Option{}
	if base := strings.TrimSpace(cfg.APIURL); base != "" {
		opts = append(opts, slack.OptionAPIURL(strings.TrimRight(base, "/")+"/"))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, slack.OptionHTTPClient(cfg.HTTPClient))
	}
	return NewWithPoster(slack.New(token, opts...), cfg, logger)
}

// NewWithPoster creates a notifier over an existing client.
func NewWithPoster(api Poster, cfg Config, logger *slog.Logger) (*SlackNotifier, error) {
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		return nil, errors.New("missing slack channel")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackNotifier{
		api:        api,
		channel:    channel,
		queue:      make(chan string, cfg.BufferSize),
		logger:     logger,
		retryDelay: 200 * time.Millisecond,
	}, nil
}

// Subscribe registers the notifier for every alert topic.
func (n *SlackNotifier) Subscribe(sub bus.Subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, topic := range AlertTopics {
		n.unsub = append(n.unsub, sub.Subscribe(topic, n.handle))
	}
}

// Unsubscribe removes every subscription made by Subscribe.
func (n *SlackNotifier) Unsubscribe() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, u := range n.unsub {
		u()
	}
	n.unsub = nil
}

func (n *SlackNotifier) handle(evt bus.Event) {
	select {
	case n.queue <- Format(evt):
	default:
		n.dropped.Add(1)
		n.logger.Warn("Slack alert dropped: queue full", "topic", evt.Topic)
	}
}

// Run posts queued alerts until ctx is done.
func (n *SlackNotifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case text := <-n.queue:
			if err := n.post(ctx, text); err != nil {
				n.failed.Add(1)
				n.logger.Warn("Slack alert failed", "channel", n.channel, "error", err)
				continue
			}
			n.sent.Add(1)
		}
	}
}

// post sends text, retrying rate-limited attempts up to three times.
func (n *SlackNotifier) post(ctx context.Context, text string) error {
	var lastErr error
	for i := range 3 {
		_, _, err := n.api.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
		if err == nil {
			return nil
		}
		lastErr = err
		var rle *slack.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		wait := rle.RetryAfter
		if wait <= 0 {
			wait = n.retryDelay * time.Duration(1<<i)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}

// Stats reports sent, failed and dropped alert counts.
func (n *SlackNotifier) Stats() (sent, failed, dropped int64) {
	return n.sent.Load(), n.failed.Load(), n.dropped.Load()
}

// Format renders an alert line for evt.
func Format(evt bus.Event) string {
	f := map[string]any{}
	if evt.Payload != nil {
		f = evt.Payload.Fields()
	}
	var head string
	switch evt.Topic {
	case bus.TopicPatternCritical:
		head = fmt.Sprintf(":rotating_light: Critical %v pattern at urgency %v", f["pattern_type"], f["urgency"])
	case bus.TopicPatternHighAggression:
		head = fmt.Sprintf(":warning: Aggressive %v pattern (score %.2f)", f["pattern_type"], toFloat(f["aggression"]))
	case bus.TopicSystemRepeatedFailure:
		head = fmt.Sprintf(":x: Workflow %v failed %v times in the last hour", f["workflow_name"], f["failures"])
	case bus.TopicWorkflowFailed:
		head = fmt.Sprintf(":x: Workflow %v failed: %v", f["workflow_name"], f["error"])
	default:
		head = string(evt.Topic)
	}

	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(head)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n• %s: %v", k, f[k])
	}
	return b.String()
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}

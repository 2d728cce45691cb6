package events

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Rajchodisetti/options-engine/internal/observ"
)

// SlackConfig configures the webhook sink. Only notable events are sent.
type SlackConfig struct {
	Enabled               bool          `yaml:"enabled"`
	WebhookURL            string        `yaml:"webhook_url" validate:"required_if=Enabled true"`
	Channel               string        `yaml:"channel"`
	RateLimitPerMin       int           `yaml:"rate_limit_per_min" default:"20"`
	RateLimitPerKeyPerMin int           `yaml:"rate_limit_per_key_per_min" default:"5"`
	DedupeWindow          time.Duration `yaml:"dedupe_window" default:"60s"`
	QueueSize             int           `yaml:"queue_size" default:"256"`
	MaxAttempts           int           `yaml:"max_attempts" default:"3"`
	RetryBackoff          time.Duration `yaml:"retry_backoff" default:"2s"`
}

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type SlackAttachment struct {
	Color  string       `json:"color"`
	Fields []SlackField `json:"fields"`
}

type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackMetrics are counters exposed for tests and the health endpoint.
type SlackMetrics struct {
	Sent        int64
	Failed      int64
	Deduped     int64
	RateLimited int64
	Dropped     int64
}

// Slack posts notable events to a webhook from a bounded background queue.
type Slack struct {
	cfg    SlackConfig
	client *http.Client
	queue  chan TransitionEvent
	now    func() time.Time

	mu      sync.Mutex
	dedupe  map[string]time.Time
	windows map[string][]time.Time
	metrics SlackMetrics

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSlack(cfg SlackConfig) *Slack {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Slack{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		queue:   make(chan TransitionEvent, cfg.QueueSize),
		now:     time.Now,
		dedupe:  make(map[string]time.Time),
		windows: make(map[string][]time.Time),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.worker()
	return s
}

// Publish enqueues a notable event. It never blocks: a full queue drops.
func (s *Slack) Publish(_ context.Context, e TransitionEvent) error {
	if !s.cfg.Enabled || !e.Notable() {
		return nil
	}
	if s.duplicate(e) {
		return nil
	}
	if s.rateLimited(e.Key()) {
		return nil
	}
	select {
	case s.queue <- e:
	default:
		s.mu.Lock()
		s.metrics.Dropped++
		s.mu.Unlock()
		observ.IncCounter("slack_alerts_dropped_total", nil)
	}
	return nil
}

func dedupeHash(e TransitionEvent) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s:%s", e.Kind, e.Key(), e.To, e.Reason)))
	return fmt.Sprintf("%x", sum)[:16]
}

func (s *Slack) duplicate(e TransitionEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for h, at := range s.dedupe {
		if now.Sub(at) >= s.cfg.DedupeWindow {
			delete(s.dedupe, h)
		}
	}
	h := dedupeHash(e)
	if _, ok := s.dedupe[h]; ok {
		s.metrics.Deduped++
		return true
	}
	s.dedupe[h] = now
	return false
}

// rateLimited applies a one-minute sliding window globally and per key.
func (s *Slack) rateLimited(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cutoff := now.Add(-time.Minute)

	trim := func(k string) int {
		kept := s.windows[k][:0]
		for _, t := range s.windows[k] {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		s.windows[k] = kept
		return len(kept)
	}
	if s.cfg.RateLimitPerMin > 0 && trim("global") >= s.cfg.RateLimitPerMin {
		s.metrics.RateLimited++
		return true
	}
	if s.cfg.RateLimitPerKeyPerMin > 0 && trim(key) >= s.cfg.RateLimitPerKeyPerMin {
		s.metrics.RateLimited++
		return true
	}
	s.windows["global"] = append(s.windows["global"], now)
	s.windows[key] = append(s.windows[key], now)
	return false
}

func (s *Slack) worker() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case e := <-s.queue:
			s.deliver(e)
		}
	}
}

func (s *Slack) deliver(e TransitionEvent) {
	backoff := s.cfg.RetryBackoff
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		err := s.send(e)
		if err == nil {
			s.mu.Lock()
			s.metrics.Sent++
			s.mu.Unlock()
			observ.IncCounter("slack_alerts_sent_total", nil)
			return
		}
		observ.Log("slack_webhook_failed", map[string]any{"level": "warn", "attempt": attempt, "error": err.Error()})
		if attempt == s.cfg.MaxAttempts {
			break
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	s.mu.Lock()
	s.metrics.Failed++
	s.mu.Unlock()
}

func (s *Slack) send(e TransitionEvent) error {
	payload, err := json.Marshal(s.format(e))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook status %d", resp.StatusCode)
	}
	return nil
}

func (s *Slack) format(e TransitionEvent) SlackMessage {
	color := "warning"
	title := fmt.Sprintf("%s %s", e.Kind, e.Key())
	switch {
	case e.Kind == KindCircuitBreaker:
		color = "danger"
		title = "Circuit breaker " + e.To
	case e.To == "ERROR":
		color = "danger"
	}

	fields := []SlackField{
		{Title: "Time", Value: e.Timestamp.Format("15:04:05 MST"), Short: true},
	}
	if e.From != "" || e.To != "" {
		fields = append(fields, SlackField{Title: "Transition", Value: e.From + " → " + e.To, Short: true})
	}
	if e.Reason != "" {
		fields = append(fields, SlackField{Title: "Reason", Value: e.Reason, Short: false})
	}
	return SlackMessage{
		Channel:     s.cfg.Channel,
		Text:        title,
		Attachments: []SlackAttachment{{Color: color, Fields: fields}},
	}
}

// Metrics returns a copy of the delivery counters.
func (s *Slack) Metrics() SlackMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// Close stops the worker; queued alerts are abandoned.
func (s *Slack) Close() error {
	s.cancel()
	<-s.done
	return nil
}

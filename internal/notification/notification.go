/*
Copyright 2024 Ammofeeds Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ammofeeds/ingestor/internal/request"
	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"github.com/sirupsen/logrus"
)

type Event string

const (
	EventRunFailed      Event = "feed_run.failed"
	EventBreakerTripped Event = "feed_run.circuit_breaker_tripped"
	EventAutoDisabled   Event = "feed.auto_disabled"
	EventRecovered      Event = "feed.recovered"
)

// Message is one lifecycle notification about a feed.
type Message struct {
	Event     Event                  `json:"event"`
	FeedID    string                 `json:"feed_id"`
	FeedName  string                 `json:"feed_name"`
	RunID     string                 `json:"run_id,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

func (m Message) title() string {
	switch m.Event {
	case EventRunFailed:
		return "Feed run failed"
	case EventBreakerTripped:
		return "Feed run blocked by circuit breaker"
	case EventAutoDisabled:
		return "Feed auto-disabled"
	case EventRecovered:
		return "Feed recovered"
	}
	return string(m.Event)
}

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

func slackPayload(m Message) map[string]interface{} {
	fields := []slackText{
		{Type: "mrkdwn", Text: fmt.Sprintf("*Feed:*\n%s (%s)", m.FeedName, m.FeedID)},
		{Type: "mrkdwn", Text: fmt.Sprintf("*Time:*\n%s", m.CreatedAt.Format(time.RFC822))},
	}
	if m.RunID != "" {
		fields = append(fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*Run:*\n%s", m.RunID)})
	}
	if m.Reason != "" {
		fields = append(fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*Reason:*\n%s", m.Reason)})
	}
	return map[string]interface{}{
		"blocks": []slackBlock{
			{Type: "header", Text: &slackText{Type: "plain_text", Text: m.title(), Emoji: true}},
			{Type: "section", Fields: fields},
		},
	}
}

// Slack posts messages to an incoming webhook. Delivery is retried with exponential backoff and
// short-circuited while the webhook keeps failing.
type Slack struct {
	webhookURL string
	breaker    *gobreaker.CircuitBreaker
	maxRetries uint64
}

func NewSlack(webhookURL string) *Slack {
	return &Slack{
		webhookURL: webhookURL,
		maxRetries: 3,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "slack-notifications",
			Timeout: time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Send delivers m. It gives up immediately while the breaker is open.
func (s *Slack) Send(ctx context.Context, m Message) error {
	if s.webhookURL == "" {
		return nil
	}
	operation := func() error {
		_, err := s.breaker.Execute(func() (interface{}, error) {
			return nil, s.post(ctx, m)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		var statusErr *request.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode < 500 && statusErr.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 30 * time.Second
	b := backoff.WithContext(backoff.WithMaxRetries(policy, s.maxRetries), ctx)

	return backoff.RetryNotify(operation, b, func(err error, wait time.Duration) {
		logrus.WithField("event", m.Event).WithError(err).Warnf("slack delivery failed, retrying in %s", wait)
	})
}

func (s *Slack) post(ctx context.Context, m Message) error {
	payload, err := request.ToJsonReq(slackPayload(m))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, payload)
	if err != nil {
		return err
	}
	_, err = request.Call(req, nil)
	return err
}

// WebhookSender forwards an event to the configured webhook endpoint.
type WebhookSender func(event string, payload interface{}) error

var webhookSender WebhookSender

// RegisterWebhookSender installs the function used to emit webhook events.
func RegisterWebhookSender(sender WebhookSender) {
	webhookSender = sender
}

// EventCapturer receives lifecycle events for product analytics.
type EventCapturer interface {
	Capture(m Message) error
}

// Dispatcher fans a message out to every configured sink. Sink failures are logged and dropped.
type Dispatcher struct {
	slack    *Slack
	capturer EventCapturer
	timeout  time.Duration
}

func NewDispatcher(slack *Slack, capturer EventCapturer) *Dispatcher {
	return &Dispatcher{slack: slack, capturer: capturer, timeout: time.Minute}
}

// Notify sends m in the background.
func (d *Dispatcher) Notify(ctx context.Context, m Message) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	go d.deliver(context.WithoutCancel(ctx), m)
}

func (d *Dispatcher) deliver(ctx context.Context, m Message) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	logger := logrus.WithFields(logrus.Fields{
		"event":   m.Event,
		"feed_id": m.FeedID,
		"run_id":  m.RunID,
	})
	logger.Info(strings.ToLower(m.title()))

	if d.slack != nil {
		if err := d.slack.Send(ctx, m); err != nil {
			logger.WithError(err).Error("failed to send slack notification")
		}
	}
	if webhookSender != nil {
		if err := webhookSender(string(m.Event), m); err != nil {
			logger.WithError(err).Error("failed to queue webhook notification")
		}
	}
	if d.capturer != nil {
		if err := d.capturer.Capture(m); err != nil {
			logger.WithError(err).Warn("failed to capture event")
		}
	}
}

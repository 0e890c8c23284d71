package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hookURL = "https://hooks.slack.test/services/T000/B000/XXX"

func testMessage() Message {
	return Message{
		Event:     EventAutoDisabled,
		FeedID:    "feed_1",
		FeedName:  "Acme CSV",
		RunID:     "run_1",
		Reason:    "3 consecutive failures",
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSlackPayload(t *testing.T) {
	raw, err := json.Marshal(slackPayload(testMessage()))
	require.NoError(t, err)
	body := string(raw)
	assert.Contains(t, body, "Feed auto-disabled")
	assert.Contains(t, body, "Acme CSV (feed_1)")
	assert.Contains(t, body, "*Reason:*\\n3 consecutive failures")
}

func TestSlack_Send_RetriesServerErrors(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	calls := 0
	httpmock.RegisterResponder("POST", hookURL, func(req *http.Request) (*http.Response, error) {
		calls++
		if calls < 3 {
			return httpmock.NewStringResponse(502, "bad gateway"), nil
		}
		return httpmock.NewStringResponse(200, "ok"), nil
	})

	s := NewSlack(hookURL)
	err := s.Send(context.Background(), testMessage())
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestSlack_Send_ClientErrorIsPermanent(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", hookURL, httpmock.NewStringResponder(404, "no_service"))

	s := NewSlack(hookURL)
	err := s.Send(context.Background(), testMessage())
	assert.Error(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestSlack_Send_NoWebhookConfigured(t *testing.T) {
	assert.NoError(t, NewSlack("").Send(context.Background(), testMessage()))
}

type captured struct {
	mu       sync.Mutex
	messages []Message
	err      error
}

func (c *captured) Capture(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, m)
	return c.err
}

func (c *captured) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func TestDispatcher_FansOut(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder("POST", hookURL, httpmock.NewStringResponder(200, "ok"))

	var mu sync.Mutex
	var events []string
	RegisterWebhookSender(func(event string, payload interface{}) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event)
		return errors.New("queue unavailable")
	})
	defer RegisterWebhookSender(nil)

	capturer := &captured{}
	d := NewDispatcher(NewSlack(hookURL), capturer)
	d.Notify(context.Background(), Message{Event: EventRecovered, FeedID: "feed_1"})

	assert.Eventually(t, func() bool { return capturer.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{string(EventRecovered)}, events)
	mu.Unlock()
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
	assert.False(t, capturer.messages[0].CreatedAt.IsZero())
}

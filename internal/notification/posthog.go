package notification

import (
	"github.com/posthog/posthog-go"
)

// PostHogCapturer records lifecycle events in PostHog, keyed by feed.
type PostHogCapturer struct {
	client posthog.Client
}

func NewPostHogCapturer(client posthog.Client) *PostHogCapturer {
	return &PostHogCapturer{client: client}
}

func (p *PostHogCapturer) Capture(m Message) error {
	props := map[string]interface{}{
		"feed_name": m.FeedName,
		"run_id":    m.RunID,
		"reason":    m.Reason,
		"timestamp": m.CreatedAt,
	}
	for k, v := range m.Data {
		props[k] = v
	}
	return p.client.Enqueue(posthog.Capture{
		DistinctId: m.FeedID,
		Event:      string(m.Event),
		Properties: props,
	})
}

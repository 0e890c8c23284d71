package model

import (
	"encoding/json"
	"time"
)

// QuarantinedRecord is unique per (FeedID, MatchKey).
type QuarantinedRecord struct {
	ID             string          `json:"id"`
	FeedID         string          `json:"feed_id"`
	RunID          string          `json:"run_id"`
	SourceID       string          `json:"source_id"`
	MatchKey       string          `json:"match_key"`
	RawPayload     json.RawMessage `json:"raw_payload"`
	BlockingErrors []string        `json:"blocking_errors"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

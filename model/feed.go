package model

import "time"

type FeedStatus string

const (
	FeedStatusDraft    FeedStatus = "DRAFT"
	FeedStatusEnabled  FeedStatus = "ENABLED"
	FeedStatusDisabled FeedStatus = "DISABLED"
)

// AutoDisableThreshold is the number of consecutive failed runs after which a feed is disabled.
const AutoDisableThreshold = 3

type Feed struct {
	FeedID                 string     `json:"feed_id"`
	SourceID               string     `json:"source_id"`
	RetailerID             string     `json:"retailer_id"`
	Name                   string     `json:"name"`
	Network                string     `json:"network"`
	TransportURL           string     `json:"transport_url"`
	Username               string     `json:"-"`
	Password               string     `json:"-"`
	ScheduleFrequencyHours int        `json:"schedule_frequency_hours"`
	ExpiryHours            int        `json:"expiry_hours"`
	MaxRowCount            int        `json:"max_row_count"`
	Status                 FeedStatus `json:"status"`
	ConsecutiveFailures    int        `json:"consecutive_failures"`
	ManualRunPending       bool       `json:"manual_run_pending"`
	LastContentHash        string     `json:"last_content_hash,omitempty"`
	LastModifiedAt         *time.Time `json:"last_modified_at,omitempty"`
	NextRunAt              *time.Time `json:"next_run_at,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// AcceptsTrigger reports whether a run with the given trigger may proceed for the feed's current status.
// Draft feeds never run. Disabled feeds only run when an operator asks for it.
func (f *Feed) AcceptsTrigger(trigger RunTrigger) bool {
	switch f.Status {
	case FeedStatusEnabled:
		return true
	case FeedStatusDisabled:
		return trigger == TriggerManual || trigger == TriggerAdminTest
	default:
		return false
	}
}

// NextRunAfter returns the next scheduled slot after t.
func (f *Feed) NextRunAfter(t time.Time) time.Time {
	hours := f.ScheduleFrequencyHours
	if hours <= 0 {
		hours = 24
	}
	return t.Add(time.Duration(hours) * time.Hour)
}

// MaxUniqueProducts returns the product ceiling used by the memory guard, falling back to def when
// the feed has none configured.
func (f *Feed) MaxUniqueProducts(def int) int {
	if f.MaxRowCount > 0 {
		return f.MaxRowCount
	}
	return def
}

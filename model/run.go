package model

import "time"

type RunTrigger string

const (
	TriggerScheduled RunTrigger = "SCHEDULED"
	TriggerManual    RunTrigger = "MANUAL"
	TriggerAdminTest RunTrigger = "ADMIN_TEST"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusSkipped   RunStatus = "SKIPPED"
)

type SkipReason string

const (
	SkipUnchangedHash  SkipReason = "UNCHANGED_HASH"
	SkipUnchangedMtime SkipReason = "UNCHANGED_MTIME"
	SkipFileNotFound   SkipReason = "FILE_NOT_FOUND"
)

// ClassificationRefreshed marks a run whose content was unchanged but whose seen set was
// copied forward from the previous successful run.
const ClassificationRefreshed = "REFRESHED_FROM_PREVIOUS"

// MaxErrorSamples bounds Run.ErrorSample.
const MaxErrorSamples = 10

type RowError struct {
	RowNumber int    `json:"row_number,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type Run struct {
	RunID                 string     `json:"run_id"`
	FeedID                string     `json:"feed_id"`
	SourceID              string     `json:"source_id"`
	JobID                 string     `json:"job_id,omitempty"`
	Trigger               RunTrigger `json:"trigger"`
	Status                RunStatus  `json:"status"`
	StartedAt             time.Time  `json:"started_at"`
	FinishedAt            *time.Time `json:"finished_at,omitempty"`
	DurationMs            int64      `json:"duration_ms"`
	SkippedReason         SkipReason `json:"skipped_reason,omitempty"`
	FailureKind           string     `json:"failure_kind,omitempty"`
	FailureCode           string     `json:"failure_code,omitempty"`
	FailureMessage        string     `json:"failure_message,omitempty"`
	DownloadBytes         int64      `json:"download_bytes"`
	ContentHash           string     `json:"content_hash,omitempty"`
	RowsRead              int        `json:"rows_read"`
	RowsParsed            int        `json:"rows_parsed"`
	ParseErrors           int        `json:"parse_errors"`
	RowsAttempted         int        `json:"rows_attempted"`
	ProductsUpserted      int        `json:"products_upserted"`
	PricesWritten         int        `json:"prices_written"`
	ProductsRejected      int        `json:"products_rejected"`
	DuplicateKeyCount     int        `json:"duplicate_key_count"`
	URLHashFallbackCount  int        `json:"url_hash_fallback_count"`
	DedupeFallbackToValid int        `json:"dedupe_fallback_to_valid"`
	QuarantinedCount      int        `json:"quarantined_count"`
	ErrorSample           []RowError `json:"error_sample,omitempty"`
	Classification        string     `json:"classification,omitempty"`
	RefreshedFromRunID    string     `json:"refreshed_from_run_id,omitempty"`
	SeenCopied            int        `json:"seen_copied"`
	ExpiryBlocked         bool       `json:"expiry_blocked"`
	ExpiryBlockedReason   string     `json:"expiry_blocked_reason,omitempty"`
	ProductsPromoted      int        `json:"products_promoted"`
}

// IsTerminal reports whether the run has left RUNNING.
func (r *Run) IsTerminal() bool {
	return r.Status != RunStatusRunning
}

// Finish moves the run into a terminal status and stamps its duration.
func (r *Run) Finish(status RunStatus, now time.Time) {
	r.Status = status
	r.FinishedAt = &now
	r.DurationMs = now.Sub(r.StartedAt).Milliseconds()
}

// AddErrorSample records err unless the sample is already full.
func (r *Run) AddErrorSample(err RowError) {
	if len(r.ErrorSample) >= MaxErrorSamples {
		return
	}
	r.ErrorSample = append(r.ErrorSample, err)
}

// RunMetrics is the aggregate view of a run handed to the circuit breaker.
type RunMetrics struct {
	FeedID               string `json:"feed_id"`
	SourceID             string `json:"source_id"`
	RunID                string `json:"run_id"`
	RowsParsed           int    `json:"rows_parsed"`
	ProductsUpserted     int    `json:"products_upserted"`
	ProductsRejected     int    `json:"products_rejected"`
	PricesWritten        int    `json:"prices_written"`
	DuplicateKeyCount    int    `json:"duplicate_key_count"`
	URLHashFallbackCount int    `json:"url_hash_fallback_count"`
	QuarantinedCount     int    `json:"quarantined_count"`
	SeenCopied           int    `json:"seen_copied"`
	ExpiryHours          int    `json:"expiry_hours"`
	ActiveBeforeRun      int    `json:"active_before_run"`
}

// MetricsFor builds the breaker input from the run's counters.
func MetricsFor(feed *Feed, run *Run) RunMetrics {
	return RunMetrics{
		FeedID:               feed.FeedID,
		SourceID:             feed.SourceID,
		RunID:                run.RunID,
		RowsParsed:           run.RowsParsed,
		ProductsUpserted:     run.ProductsUpserted,
		ProductsRejected:     run.ProductsRejected,
		PricesWritten:        run.PricesWritten,
		DuplicateKeyCount:    run.DuplicateKeyCount,
		URLHashFallbackCount: run.URLHashFallbackCount,
		QuarantinedCount:     run.QuarantinedCount,
		SeenCopied:           run.SeenCopied,
		ExpiryHours:          feed.ExpiryHours,
	}
}

type BreakerResult struct {
	Passed  bool                   `json:"passed"`
	Reason  string                 `json:"reason,omitempty"`
	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

type RunFilter struct {
	FeedID string    `json:"feed_id"`
	Status RunStatus `json:"status"`
	Limit  int       `json:"limit"`
	Offset int       `json:"offset"`
}

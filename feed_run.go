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

package ingestor

import (
	"context"
	"fmt"
	"time"

	"github.com/ammofeeds/ingestor/internal/apierror"
	redlock "github.com/ammofeeds/ingestor/internal/lock"
	"github.com/ammofeeds/ingestor/internal/notification"
	"github.com/ammofeeds/ingestor/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const maxFailureMessageLength = 1000

// JobAttempt describes one delivery of a queued feed run.
type JobAttempt struct {
	JobID      string
	RetryCount int
	MaxRetry   int
}

// HasRetriesLeft reports whether the queue will deliver the job again if this attempt fails.
func (a JobAttempt) HasRetriesLeft() bool {
	return a.RetryCount < a.MaxRetry
}

type runOutcome struct {
	status      model.RunStatus
	contentHash string
	modifiedAt  *time.Time
}

// RunFeed executes one delivery of a feed run job. It returns a nil run when the job was skipped
// before a run record was created or resumed: an ineligible feed, a feed locked by another worker,
// or a redelivery of a run that already finished. A returned error has been classified; the run is
// left RUNNING only when the error is transient and the queue will retry.
func (i *Ingestor) RunFeed(ctx context.Context, job FeedRunJob, attempt JobAttempt) (*model.Run, error) {
	ctx, span := tracer.Start(ctx, "RunFeed", trace.WithAttributes(
		attribute.String("feed.id", job.FeedID),
		attribute.String("run.trigger", string(job.Trigger)),
	))
	defer span.End()

	logger := logrus.WithFields(logrus.Fields{
		"feed_id": job.FeedID,
		"trigger": job.Trigger,
		"job_id":  attempt.JobID,
		"attempt": attempt.RetryCount,
	})

	feed, err := i.datasource.GetFeedByID(ctx, job.FeedID)
	if err != nil {
		if apierror.Is(err, apierror.ErrNotFound) {
			return nil, NewFeedError(FailurePermanent, "FEED_NOT_FOUND", "feed does not exist", err)
		}
		return nil, NewFeedError(FailureTransient, "FEED_LOAD_FAILED", "could not load feed", err)
	}
	if !feed.AcceptsTrigger(job.Trigger) {
		logger.WithField("status", feed.Status).Info("feed not eligible for this trigger, skipping")
		return nil, nil
	}

	lockTTL := time.Duration(i.cfg.Pipeline.LockTTLSeconds) * time.Second
	handle, err := i.locks.Acquire(ctx, feed.FeedID, lockTTL)
	if err != nil {
		return nil, NewFeedError(FailureTransient, "LOCK_UNAVAILABLE", "could not reach the lock store", err)
	}
	if handle == nil {
		logger.Info("another worker holds the feed lock, skipping")
		return nil, nil
	}

	renewal := i.locks.StartRenewal(ctx, handle, lockTTL, time.Duration(i.cfg.Pipeline.LockRenewSeconds)*time.Second)
	defer func() {
		renewal.Stop()
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		released, err := i.locks.Release(releaseCtx, handle)
		if err != nil {
			logger.WithError(err).Error("failed to release feed lock")
		} else if !released {
			logger.Warn("feed lock expired before release")
		}
	}()

	run, err := i.createOrResumeRun(ctx, feed, job, attempt)
	if err != nil || run == nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("run.id", run.RunID))
	logger = logger.WithField("run_id", run.RunID)

	outcome, runErr := i.executeRun(renewal.Context(), feed, run)
	if runErr != nil && renewal.Lost() {
		runErr = fmt.Errorf("%w: %v", redlock.ErrLockLost, runErr)
	}

	if runErr != nil {
		terminal, err := i.failRun(ctx, feed, run, attempt, runErr)
		if terminal && job.Trigger == model.TriggerManual {
			i.clearManualFlag(ctx, feed)
		}
		span.RecordError(err)
		return run, err
	}

	if err := i.finishRun(ctx, feed, run, outcome); err != nil {
		return run, logAndRecordError(span, "failed to finalize run", err)
	}
	if job.Trigger == model.TriggerManual {
		i.clearManualFlag(ctx, feed)
	}
	logger.WithFields(logrus.Fields{
		"status":            run.Status,
		"products_upserted": run.ProductsUpserted,
		"prices_written":    run.PricesWritten,
		"quarantined":       run.QuarantinedCount,
		"duration_ms":       run.DurationMs,
	}).Info("feed run finished")
	return run, nil
}

// createOrResumeRun returns the run this job works on. A nil run with a nil error means the job
// was already handled by an earlier delivery.
func (i *Ingestor) createOrResumeRun(ctx context.Context, feed *model.Feed, job FeedRunJob, attempt JobAttempt) (*model.Run, error) {
	logger := logrus.WithFields(logrus.Fields{"feed_id": feed.FeedID, "job_id": attempt.JobID})

	if attempt.JobID != "" {
		runID, err := i.jobs.GetRunID(ctx, attempt.JobID)
		if err != nil {
			return nil, NewFeedError(FailureTransient, "JOB_STATE_UNAVAILABLE", "could not read job state", err)
		}
		if runID != "" {
			existing, err := i.datasource.GetRunByID(ctx, runID)
			switch {
			case err == nil && existing.Status == model.RunStatusRunning:
				logger.WithField("run_id", runID).Info("resuming run")
				return existing, nil
			case err == nil:
				logger.WithFields(logrus.Fields{"run_id": runID, "status": existing.Status}).
					Warn(ErrRunNotResumable.Error() + ", dropping redelivered job")
				return nil, nil
			case !apierror.Is(err, apierror.ErrNotFound):
				return nil, NewFeedError(FailureTransient, "RUN_LOAD_FAILED", "could not load run", err)
			}
		}
	}

	run := &model.Run{
		RunID:     model.GenerateUUIDWithSuffix("run"),
		FeedID:    feed.FeedID,
		SourceID:  feed.SourceID,
		JobID:     attempt.JobID,
		Trigger:   job.Trigger,
		Status:    model.RunStatusRunning,
		StartedAt: i.now().UTC(),
	}
	if err := i.datasource.CreateRun(ctx, run); err != nil {
		return nil, NewFeedError(FailureTransient, "RUN_CREATE_FAILED", "could not create run", err)
	}
	if attempt.JobID != "" {
		if err := i.jobs.SaveRunID(ctx, attempt.JobID, run.RunID); err != nil {
			return nil, NewFeedError(FailureTransient, "JOB_STATE_UNAVAILABLE", "could not save job state", err)
		}
	}
	return run, nil
}

func (i *Ingestor) executeRun(ctx context.Context, feed *model.Feed, run *model.Run) (runOutcome, error) {
	ctx, span := tracer.Start(ctx, "ExecuteRun")
	defer span.End()

	outcome := runOutcome{status: model.RunStatusSucceeded}
	now := i.now().UTC()

	expiry := time.Duration(feed.ExpiryHours) * time.Hour
	active, err := i.datasource.CountActiveProducts(ctx, feed.SourceID, now.Add(-expiry))
	if err != nil {
		return outcome, NewFeedError(FailureTransient, "STORE_UNAVAILABLE", "could not count active products", err)
	}

	download, err := i.downloader.Download(ctx, feed)
	if err != nil {
		return outcome, err
	}
	run.DownloadBytes = download.Size
	run.ContentHash = download.ContentHash
	outcome.contentHash = download.ContentHash
	outcome.modifiedAt = download.ModifiedAt

	if download.Skipped {
		if download.SkippedReason == model.SkipFileNotFound {
			run.SkippedReason = download.SkippedReason
			outcome.status = model.RunStatusSkipped
			return outcome, nil
		}
		return i.refreshFromPrevious(ctx, feed, run, download.SkippedReason, active, outcome)
	}

	parsed, err := i.parserFor(feed.Network).Parse(ctx, feed, download.Content)
	if err != nil {
		if ctx.Err() != nil {
			return outcome, context.Cause(ctx)
		}
		return outcome, NewFeedError(FailurePermanent, "MALFORMED_FEED", "feed could not be parsed", err)
	}

	run.ErrorSample = nil
	run.RowsRead = parsed.RowsRead
	run.RowsParsed = parsed.RowsParsed
	run.ParseErrors = len(parsed.Errors)
	for _, rowErr := range parsed.Errors {
		run.AddErrorSample(rowErr)
	}

	index := BuildIdentityIndex(parsed.Products)
	gate := ResolveWinners(index, parsed.Products)
	run.DuplicateKeyCount = index.DuplicateCount
	run.URLHashFallbackCount = index.URLHashFallbackCount
	run.DedupeFallbackToValid = gate.DedupeFallbackToValid
	run.QuarantinedCount = len(gate.Quarantined)

	if len(gate.Quarantined) > 0 {
		records, err := QuarantineRecords(feed, run, gate.Quarantined, now)
		if err != nil {
			return outcome, NewFeedError(FailurePermanent, "QUARANTINE_ENCODE_FAILED", "could not encode quarantined rows", err)
		}
		if _, err := i.datasource.UpsertQuarantinedRecords(ctx, records); err != nil {
			return outcome, NewFeedError(FailureTransient, "STORE_UNAVAILABLE", "could not store quarantined rows", err)
		}
	}

	maxProducts := feed.MaxUniqueProducts(i.cfg.Pipeline.DefaultMaxRowCount)
	result, err := i.processor.Process(ctx, feed, run, gate.Ingestible, NewPriceCache(), maxProducts)
	run.RowsAttempted = result.RowsAttempted
	run.ProductsUpserted = result.ProductsUpserted
	run.PricesWritten = result.PricesWritten
	run.ProductsRejected = result.ProductsRejected
	for _, rowErr := range result.Errors {
		run.AddErrorSample(rowErr)
	}
	if err != nil {
		return outcome, err
	}
	if absorbed := result.PricesAbsorbed(); absorbed > 0 {
		logrus.WithFields(logrus.Fields{"run_id": run.RunID, "absorbed": absorbed}).Info("duplicate prices absorbed by idempotency key")
	}

	if err := i.datasource.UpdateRunProgress(ctx, run); err != nil {
		return outcome, NewFeedError(FailureTransient, "STORE_UNAVAILABLE", "could not save run progress", err)
	}
	return i.promote(ctx, feed, run, model.MetricsFor(feed, run), active, outcome)
}

// refreshFromPrevious handles unchanged content: the previous successful run's seen set is carried
// forward so its products do not expire. Without anything to carry the run is skipped.
func (i *Ingestor) refreshFromPrevious(ctx context.Context, feed *model.Feed, run *model.Run, reason model.SkipReason, active int, outcome runOutcome) (runOutcome, error) {
	previous, err := i.datasource.GetLastSucceededRun(ctx, feed.FeedID, run.RunID)
	if err != nil {
		return outcome, NewFeedError(FailureTransient, "STORE_UNAVAILABLE", "could not load previous run", err)
	}
	if previous == nil {
		run.SkippedReason = reason
		outcome.status = model.RunStatusSkipped
		return outcome, nil
	}

	copied, err := i.breaker.CopySeenFromPreviousRun(ctx, previous.RunID, run.RunID)
	if err != nil {
		return outcome, NewFeedError(FailureTransient, "STORE_UNAVAILABLE", "could not copy seen products", err)
	}
	if copied == 0 {
		run.SkippedReason = reason
		outcome.status = model.RunStatusSkipped
		return outcome, nil
	}

	run.SeenCopied = copied
	run.Classification = model.ClassificationRefreshed
	run.RefreshedFromRunID = previous.RunID

	// Same content as the previous run, so the previous verdict stands.
	if previous.ExpiryBlocked {
		run.ExpiryBlocked = true
		run.ExpiryBlockedReason = previous.ExpiryBlockedReason
		logrus.WithFields(logrus.Fields{
			"feed_id":      feed.FeedID,
			"run_id":       run.RunID,
			"previous_run": previous.RunID,
			"reason":       previous.ExpiryBlockedReason,
		}).Warn("refreshed run keeps expiry blocked")
		outcome.status = model.RunStatusSucceeded
		return outcome, nil
	}

	metrics := model.MetricsFor(feed, previous)
	metrics.RunID = run.RunID
	metrics.SeenCopied = copied
	return i.promote(ctx, feed, run, metrics, active, outcome)
}

// promote asks the circuit breaker before making the run's products visible. A tripped breaker
// still ends the run successfully, with expiry blocked.
func (i *Ingestor) promote(ctx context.Context, feed *model.Feed, run *model.Run, metrics model.RunMetrics, active int, outcome runOutcome) (runOutcome, error) {
	metrics.ActiveBeforeRun = active

	verdict, err := i.breaker.Evaluate(ctx, metrics)
	if err != nil {
		return outcome, NewFeedError(FailureTransient, "BREAKER_UNAVAILABLE", "circuit breaker evaluation failed", err)
	}
	if !verdict.Passed {
		run.ExpiryBlocked = true
		run.ExpiryBlockedReason = verdict.Reason
		i.notify(ctx, notification.EventBreakerTripped, feed, run, verdict.Reason, verdict.Metrics)
		outcome.status = model.RunStatusSucceeded
		return outcome, nil
	}

	promoted, err := i.breaker.Promote(ctx, run.RunID)
	if err != nil {
		return outcome, NewFeedError(FailureTransient, "PROMOTION_FAILED", "could not promote run", err)
	}
	run.ProductsPromoted = promoted
	outcome.status = model.RunStatusSucceeded
	return outcome, nil
}

// finishRun finalizes a run that completed without error.
func (i *Ingestor) finishRun(ctx context.Context, feed *model.Feed, run *model.Run, outcome runOutcome) error {
	ctx = context.WithoutCancel(ctx)
	run.Finish(outcome.status, i.now().UTC())

	finalized, err := i.datasource.FinalizeRun(ctx, run)
	if err != nil {
		return NewFeedError(FailureTransient, "STORE_UNAVAILABLE", "could not finalize run", err)
	}
	if !finalized {
		logrus.WithField("run_id", run.RunID).Warn("run was finalized elsewhere, leaving feed counters alone")
		return nil
	}
	if outcome.status != model.RunStatusSucceeded {
		return nil
	}

	previousFailures, err := i.datasource.RecordFeedSuccess(ctx, feed.FeedID, outcome.contentHash, outcome.modifiedAt)
	if err != nil {
		logrus.WithField("feed_id", feed.FeedID).WithError(err).Error("failed to reset feed failure counter")
		return nil
	}
	if previousFailures > 0 {
		i.notify(ctx, notification.EventRecovered, feed, run, "", map[string]interface{}{
			"previous_consecutive_failures": previousFailures,
		})
	}
	return nil
}

// failRun decides between leaving the run for a retry and failing it for good. terminal reports
// which one happened.
func (i *Ingestor) failRun(ctx context.Context, feed *model.Feed, run *model.Run, attempt JobAttempt, runErr error) (terminal bool, err error) {
	ctx = context.WithoutCancel(ctx)
	kind := ClassifyError(runErr)
	logger := logrus.WithFields(logrus.Fields{
		"feed_id": feed.FeedID,
		"run_id":  run.RunID,
		"kind":    kind,
	}).WithError(runErr)

	if kind.Retryable() && attempt.HasRetriesLeft() {
		if err := i.datasource.UpdateRunProgress(ctx, run); err != nil {
			logger.WithField("save_error", err).Warn("failed to save progress before retry")
		}
		logger.Warn("feed run failed, leaving run for retry")
		return false, runErr
	}

	message := runErr.Error()
	if len(message) > maxFailureMessageLength {
		message = message[:maxFailureMessageLength]
	}
	run.FailureKind = string(kind)
	run.FailureCode = failureCode(runErr)
	run.FailureMessage = message
	run.Finish(model.RunStatusFailed, i.now().UTC())

	finalized, err := i.datasource.FinalizeRun(ctx, run)
	if err != nil {
		logger.WithField("finalize_error", err).Error("failed to finalize failed run")
		return true, runErr
	}
	if !finalized {
		return true, runErr
	}
	logger.Error("feed run failed")

	failures, disabled, err := i.datasource.RecordFeedFailure(ctx, feed.FeedID, model.AutoDisableThreshold)
	if err != nil {
		logger.WithField("counter_error", err).Error("failed to record feed failure")
	}
	i.notify(ctx, notification.EventRunFailed, feed, run, message, map[string]interface{}{
		"failure_kind":         run.FailureKind,
		"failure_code":         run.FailureCode,
		"consecutive_failures": failures,
	})
	if disabled {
		i.notify(ctx, notification.EventAutoDisabled, feed, run, fmt.Sprintf("%d consecutive failed runs", failures), nil)
	}
	return true, runErr
}

// clearManualFlag clears the pending manual request, unless an operator touched the feed since it
// was loaded. Failures are logged only.
func (i *Ingestor) clearManualFlag(ctx context.Context, feed *model.Feed) {
	logger := logrus.WithField("feed_id", feed.FeedID)
	cleared, err := i.datasource.ClearManualRunPending(context.WithoutCancel(ctx), feed.FeedID, feed.UpdatedAt)
	if err != nil {
		logger.WithError(err).Warn("failed to clear manual run flag")
		return
	}
	if !cleared {
		logger.Info("feed changed during the run, manual run flag left as is")
	}
}

func (i *Ingestor) notify(ctx context.Context, event notification.Event, feed *model.Feed, run *model.Run, reason string, data map[string]interface{}) {
	if i.notifier == nil {
		return
	}
	i.notifier.Notify(ctx, notification.Message{
		Event:    event,
		FeedID:   feed.FeedID,
		FeedName: feed.Name,
		RunID:    run.RunID,
		Reason:   reason,
		Data:     data,
	})
}

package ingestor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ammofeeds/ingestor/config"
	"github.com/ammofeeds/ingestor/database/mocks"
	"github.com/ammofeeds/ingestor/internal/apierror"
	"github.com/ammofeeds/ingestor/internal/breaker"
	redlock "github.com/ammofeeds/ingestor/internal/lock"
	"github.com/ammofeeds/ingestor/internal/notification"
	"github.com/ammofeeds/ingestor/internal/request"
	"github.com/ammofeeds/ingestor/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/wacul/ptr"
)

type fakeDownloader struct {
	result *model.DownloadResult
	err    error
}

func (f *fakeDownloader) Download(context.Context, *model.Feed) (*model.DownloadResult, error) {
	return f.result, f.err
}

type fakeParser struct {
	result *model.ParseResult
	err    error
}

func (f *fakeParser) Parse(context.Context, *model.Feed, []byte) (*model.ParseResult, error) {
	return f.result, f.err
}

type fakeBreaker struct {
	verdict  model.BreakerResult
	promoted int
	copied   int
	promotes []string
	metrics  []model.RunMetrics
}

func (f *fakeBreaker) Evaluate(_ context.Context, metrics model.RunMetrics) (model.BreakerResult, error) {
	f.metrics = append(f.metrics, metrics)
	return f.verdict, nil
}

func (f *fakeBreaker) Promote(_ context.Context, runID string) (int, error) {
	f.promotes = append(f.promotes, runID)
	return f.promoted, nil
}

func (f *fakeBreaker) CopySeenFromPreviousRun(context.Context, string, string) (int, error) {
	return f.copied, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []notification.Message
}

func (r *recordingNotifier) Notify(_ context.Context, m notification.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func (r *recordingNotifier) events() []notification.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notification.Event
	for _, m := range r.messages {
		out = append(out, m.Event)
	}
	return out
}

type runHarness struct {
	ds         *mocks.MockDataSource
	store      *memoryStore
	mr         *miniredis.Miniredis
	downloader *fakeDownloader
	parser     *fakeParser
	breaker    *fakeBreaker
	notifier   *recordingNotifier
	ing        *Ingestor
}

func newRunHarness(t *testing.T) *runHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &runHarness{
		ds:         new(mocks.MockDataSource),
		store:      newMemoryStore(),
		mr:         mr,
		downloader: &fakeDownloader{},
		parser:     &fakeParser{},
		breaker:    &fakeBreaker{verdict: model.BreakerResult{Passed: true}, promoted: 2, copied: 0},
		notifier:   &recordingNotifier{},
	}

	cfg := &config.Configuration{
		Pipeline: config.PipelineConfig{
			ChunkSize:           100,
			PriceHeartbeatHours: 24,
			DefaultMaxRowCount:  1000,
			DefaultCurrency:     "USD",
			LockTTLSeconds:      60,
			LockRenewSeconds:    20,
		},
	}
	h.ing = &Ingestor{
		datasource:    h.ds,
		redis:         client,
		locks:         redlock.NewManager(client, "test:"),
		jobs:          NewRedisJobState(client, "test:", time.Hour),
		downloader:    h.downloader,
		parsers:       map[string]Parser{},
		defaultParser: h.parser,
		breaker:       h.breaker,
		notifier:      h.notifier,
		processor:     newTestProcessor(h.store, 100, baseTime),
		cfg:           cfg,
		now:           func() time.Time { return baseTime },
	}
	return h
}

func enabledFeed() *model.Feed {
	return &model.Feed{
		FeedID:      "feed_1",
		SourceID:    "src_1",
		RetailerID:  "ret_1",
		Name:        "Ammo Depot",
		Network:     "impact",
		ExpiryHours: 72,
		Status:      model.FeedStatusEnabled,
		UpdatedAt:   baseTime.Add(-time.Hour),
	}
}

func parsedFile() *model.ParseResult {
	return &model.ParseResult{
		RowsRead:   4,
		RowsParsed: 3,
		Products: []model.ParsedRow{
			ammoRow(2, "A", "19.99"),
			ammoRow(3, "B", "21.50"),
			{RowNumber: 4, Name: "generic ammo", SKU: ptr.String("C"), URL: "https://shop.example.com/p/C"},
		},
		Errors: []model.RowError{{RowNumber: 5, Code: "INVALID_PRICE", Message: "price is not a number"}},
	}
}

func scheduledJob() FeedRunJob {
	return FeedRunJob{FeedID: "feed_1", Trigger: model.TriggerScheduled, RequestedAt: baseTime}
}

func (h *runHarness) expectNewRun(feed *model.Feed) {
	h.ds.On("GetFeedByID", mock.Anything, feed.FeedID).Return(feed, nil)
	h.ds.On("CreateRun", mock.Anything, mock.AnythingOfType("*model.Run")).Return(nil)
	h.ds.On("CountActiveProducts", mock.Anything, feed.SourceID, baseTime.Add(-72*time.Hour)).Return(10, nil)
}

func TestRunFeed_Success(t *testing.T) {
	h := newRunHarness(t)
	feed := enabledFeed()
	h.expectNewRun(feed)
	h.downloader.result = &model.DownloadResult{Content: []byte("csv"), ContentHash: "hash_1", Size: 3}
	h.parser.result = parsedFile()
	h.ds.On("UpsertQuarantinedRecords", mock.Anything, mock.MatchedBy(func(records []model.QuarantinedRecord) bool {
		return len(records) == 1 && records[0].MatchKey == "SKU:C"
	})).Return(int64(1), nil)
	h.ds.On("UpdateRunProgress", mock.Anything, mock.AnythingOfType("*model.Run")).Return(nil)
	h.ds.On("FinalizeRun", mock.Anything, mock.AnythingOfType("*model.Run")).Return(true, nil)
	h.ds.On("RecordFeedSuccess", mock.Anything, "feed_1", "hash_1", (*time.Time)(nil)).Return(0, nil)

	run, err := h.ing.RunFeed(context.Background(), scheduledJob(), JobAttempt{JobID: "job_1", MaxRetry: 3})
	require.NoError(t, err)
	require.NotNil(t, run)

	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	assert.Equal(t, 4, run.RowsRead)
	assert.Equal(t, 3, run.RowsParsed)
	assert.Equal(t, 1, run.ParseErrors)
	assert.Equal(t, 2, run.RowsAttempted)
	assert.Equal(t, 2, run.ProductsUpserted)
	assert.Equal(t, 2, run.PricesWritten)
	assert.Equal(t, 1, run.QuarantinedCount)
	assert.Equal(t, 2, run.ProductsPromoted)
	assert.Equal(t, int64(3), run.DownloadBytes)
	require.Len(t, run.ErrorSample, 1)
	assert.Equal(t, "INVALID_PRICE", run.ErrorSample[0].Code)

	require.Len(t, h.breaker.metrics, 1)
	assert.Equal(t, 10, h.breaker.metrics[0].ActiveBeforeRun)
	assert.Equal(t, []string{run.RunID}, h.breaker.promotes)
	assert.Empty(t, h.notifier.events())

	saved, err := h.mr.Get("test:job-run:job_1")
	require.NoError(t, err)
	assert.Equal(t, run.RunID, saved)
	assert.False(t, h.mr.Exists("test:feed-run:feed_1"), "lock must be released")
	h.ds.AssertExpectations(t)
}

func TestRunFeed_LockHeldElsewhere(t *testing.T) {
	h := newRunHarness(t)
	feed := enabledFeed()
	h.ds.On("GetFeedByID", mock.Anything, "feed_1").Return(feed, nil)
	require.NoError(t, h.mr.Set("test:feed-run:feed_1", "other-worker"))

	run, err := h.ing.RunFeed(context.Background(), FeedRunJob{FeedID: "feed_1", Trigger: model.TriggerManual}, JobAttempt{JobID: "job_1"})
	require.NoError(t, err)
	assert.Nil(t, run)

	owner, _ := h.mr.Get("test:feed-run:feed_1")
	assert.Equal(t, "other-worker", owner)
	h.ds.AssertNotCalled(t, "CreateRun", mock.Anything, mock.Anything)
	h.ds.AssertNotCalled(t, "ClearManualRunPending", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunFeed_IneligibleFeed(t *testing.T) {
	h := newRunHarness(t)
	feed := enabledFeed()
	feed.Status = model.FeedStatusDisabled
	h.ds.On("GetFeedByID", mock.Anything, "feed_1").Return(feed, nil)

	run, err := h.ing.RunFeed(context.Background(), scheduledJob(), JobAttempt{})
	require.NoError(t, err)
	assert.Nil(t, run)
	assert.False(t, h.mr.Exists("test:feed-run:feed_1"))
}

func TestRunFeed_FeedNotFound(t *testing.T) {
	h := newRunHarness(t)
	h.ds.On("GetFeedByID", mock.Anything, "feed_1").
		Return(nil, apierror.NewAPIError(apierror.ErrNotFound, "feed not found", nil))

	_, err := h.ing.RunFeed(context.Background(), scheduledJob(), JobAttempt{MaxRetry: 3})
	require.Error(t, err)
	assert.Equal(t, FailurePermanent, ClassifyError(err))
	assert.Equal(t, "FEED_NOT_FOUND", failureCode(err))
}

func TestRunFeed_ResumesRunningRun(t *testing.T) {
	h := newRunHarness(t)
	feed := enabledFeed()
	existing := &model.Run{RunID: "run_existing", FeedID: "feed_1", Status: model.RunStatusRunning, StartedAt: baseTime.Add(-time.Minute)}
	require.NoError(t, h.mr.Set("test:job-run:job_1", "run_existing"))

	h.ds.On("GetFeedByID", mock.Anything, "feed_1").Return(feed, nil)
	h.ds.On("GetRunByID", mock.Anything, "run_existing").Return(existing, nil)
	h.ds.On("CountActiveProducts", mock.Anything, "src_1", mock.Anything).Return(0, nil)
	h.downloader.result = &model.DownloadResult{Content: []byte("csv"), ContentHash: "hash_1"}
	h.parser.result = &model.ParseResult{Products: []model.ParsedRow{ammoRow(2, "A", "10")}, RowsRead: 1, RowsParsed: 1}
	h.ds.On("UpdateRunProgress", mock.Anything, existing).Return(nil)
	h.ds.On("FinalizeRun", mock.Anything, existing).Return(true, nil)
	h.ds.On("RecordFeedSuccess", mock.Anything, "feed_1", "hash_1", mock.Anything).Return(0, nil)

	run, err := h.ing.RunFeed(context.Background(), scheduledJob(), JobAttempt{JobID: "job_1", RetryCount: 1, MaxRetry: 3})
	require.NoError(t, err)
	assert.Equal(t, "run_existing", run.RunID)
	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	h.ds.AssertNotCalled(t, "CreateRun", mock.Anything, mock.Anything)
}

func TestRunFeed_RedeliveryOfFinishedRun(t *testing.T) {
	h := newRunHarness(t)
	require.NoError(t, h.mr.Set("test:job-run:job_1", "run_done"))
	h.ds.On("GetFeedByID", mock.Anything, "feed_1").Return(enabledFeed(), nil)
	h.ds.On("GetRunByID", mock.Anything, "run_done").Return(&model.Run{RunID: "run_done", Status: model.RunStatusSucceeded}, nil)

	run, err := h.ing.RunFeed(context.Background(), scheduledJob(), JobAttempt{JobID: "job_1", RetryCount: 1, MaxRetry: 3})
	require.NoError(t, err)
	assert.Nil(t, run)
	h.ds.AssertNotCalled(t, "CreateRun", mock.Anything, mock.Anything)
	assert.False(t, h.mr.Exists("test:feed-run:feed_1"))
}

func TestRunFeed_UnchangedContentRefreshesPreviousRun(t *testing.T) {
	h := newRunHarness(t)
	feed := enabledFeed()
	h.expectNewRun(feed)
	h.downloader.result = &model.DownloadResult{ContentHash: "hash_1", Skipped: true, SkippedReason: model.SkipUnchangedHash}
	h.breaker.copied = 40
	h.breaker.promoted = 40
	h.ds.On("GetLastSucceededRun", mock.Anything, "feed_1", mock.AnythingOfType("string")).
		Return(&model.Run{RunID: "run_prev", Status: model.RunStatusSucceeded}, nil)
	h.ds.On("FinalizeRun", mock.Anything, mock.AnythingOfType("*model.Run")).Return(true, nil)
	h.ds.On("RecordFeedSuccess", mock.Anything, "feed_1", "hash_1", mock.Anything).Return(0, nil)

	run, err := h.ing.RunFeed(context.Background(), scheduledJob(), JobAttempt{JobID: "job_1", MaxRetry: 3})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	assert.Equal(t, model.ClassificationRefreshed, run.Classification)
	assert.Equal(t, "run_prev", run.RefreshedFromRunID)
	assert.Equal(t, 40, run.SeenCopied)
	assert.Equal(t, 40, run.ProductsPromoted)
	assert.Empty(t, run.SkippedReason)
	require.Len(t, h.breaker.metrics, 1)
	assert.Equal(t, 40, h.breaker.metrics[0].SeenCopied)
	assert.Equal(t, run.RunID, h.breaker.metrics[0].RunID)
}

func TestRunFeed_RefreshKeepsPreviousExpiryBlock(t *testing.T) {
	h := newRunHarness(t)
	feed := enabledFeed()
	h.expectNewRun(feed)
	h.downloader.result = &model.DownloadResult{ContentHash: "hash_1", Skipped: true, SkippedReason: model.SkipUnchangedHash}
	h.breaker.copied = 50
	h.breaker.promoted = 50
	previous := &model.Run{
		RunID:                "run_prev",
		Status:               model.RunStatusSucceeded,
		RowsParsed:           50,
		ProductsUpserted:     50,
		URLHashFallbackCount: 50,
		ExpiryBlocked:        true,
		ExpiryBlockedReason:  "url hash fallback ratio 1.00 exceeds 0.50",
	}
	h.ds.On("GetLastSucceededRun", mock.Anything, "feed_1", mock.AnythingOfType("string")).Return(previous, nil)
	h.ds.On("FinalizeRun", mock.Anything, mock.AnythingOfType("*model.Run")).Return(true, nil)
	h.ds.On("RecordFeedSuccess", mock.Anything, "feed_1", "hash_1", mock.Anything).Return(0, nil)

	run, err := h.ing.RunFeed(context.Background(), scheduledJob(), JobAttempt{JobID: "job_1", MaxRetry: 3})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	assert.Equal(t, "run_prev", run.RefreshedFromRunID)
	assert.True(t, run.ExpiryBlocked)
	assert.Equal(t, previous.ExpiryBlockedReason, run.ExpiryBlockedReason)
	assert.Equal(t, 0, run.ProductsPromoted)
	assert.Empty(t, h.breaker.metrics)
	assert.Empty(t, h.breaker.promotes)
}

func TestRunFeed_RefreshIsEvaluatedOnPreviousContent(t *testing.T) {
	h := newRunHarness(t)
	h.ing.breaker = breaker.New(h.ds, 0.5)
	feed := enabledFeed()
	h.expectNewRun(feed)
	h.downloader.result = &model.DownloadResult{ContentHash: "hash_1", Skipped: true, SkippedReason: model.SkipUnchangedHash}
	previous := &model.Run{
		RunID:                "run_prev",
		Status:               model.RunStatusSucceeded,
		RowsParsed:           50,
		ProductsUpserted:     50,
		URLHashFallbackCount: 50,
	}
	h.ds.On("GetLastSucceededRun", mock.Anything, "feed_1", mock.AnythingOfType("string")).Return(previous, nil)
	h.ds.On("CopySeen", mock.Anything, "run_prev", mock.AnythingOfType("string")).Return(int64(50), nil)
	h.ds.On("FinalizeRun", mock.Anything, mock.AnythingOfType("*model.Run")).Return(true, nil)
	h.ds.On("RecordFeedSuccess", mock.Anything, "feed_1", "hash_1", mock.Anything).Return(0, nil)

	run, err := h.ing.RunFeed(context.Background(), scheduledJob(), JobAttempt{JobID: "job_1", MaxRetry: 3})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	assert.Equal(t, 50, run.SeenCopied)
	assert.True(t, run.ExpiryBlocked)
	assert.Equal(t, "url hash fallback ratio 1.00 exceeds 0.50", run.ExpiryBlockedReason)
	assert.Equal(t, 0, run.ProductsPromoted)
	h.ds.AssertNotCalled(t, "PromoteSeen", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, []notification.Event{notification.EventBreakerTripped}, h.notifier.events())
}

func TestRunFeed_UnchangedContentWithoutHistoryIsSkipped(t *testing.T) {
	h := newRunHarness(t)
	feed := enabledFeed()
	h.expectNewRun(feed)
	h.downloader.result = &model.DownloadResult{Skipped: true, SkippedReason: model.SkipUnchangedMtime}
	h.ds.On("GetLastSucceededRun", mock.Anything, "feed_1", mock.AnythingOfType("string")).Return(nil, nil)
	h.ds.On("FinalizeRun", mock.Anything, mock.AnythingOfType("*model.Run")).Return(true, nil)

	run, err := h.ing.RunFeed(context.Background(), scheduledJob(), JobAttempt{JobID: "job_1", MaxRetry: 3})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusSkipped, run.Status)
	assert.Equal(t, model.SkipUnchangedMtime, run.SkippedReason)
	assert.Empty(t, h.breaker.metrics)
	h.ds.AssertNotCalled(t, "RecordFeedSuccess", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRunFeed_MissingFileIsSkipped(t *testing.T) {
	h := newRunHarness(t)
	feed := enabledFeed()
	h.expectNewRun(feed)
	h.downloader.result = &model.DownloadResult{Skipped: true, SkippedReason: model.SkipFileNotFound}
	h.ds.On("FinalizeRun", mock.Anything, mock.AnythingOfType("*model.Run")).Return(true, nil)

	run, err := h.ing.RunFeed(context.Background(), scheduledJob(), JobAttempt{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSkipped, run.Status)
	assert.Equal(t, model.SkipFileNotFound, run.SkippedReason)
	h.ds.AssertNotCalled(t, "GetLastSucceededRun", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunFeed_TransientFailureLeavesRunForRetry(t *testing.T) {
	h := newRunHarness(t)
	feed := enabledFeed()
	h.expectNewRun(feed)
	h.downloader.err = &request.StatusError{StatusCode: 503, Body: "maintenance"}
	h.ds.On("UpdateRunProgress", mock.Anything, mock.AnythingOfType("*model.Run")).Return(nil)

	run, err := h.ing.RunFeed(context.Background(), scheduledJob(), JobAttempt{JobID: "job_1", RetryCount: 0, MaxRetry: 3})
	require.Error(t, err)
	assert.Equal(t, FailureTransient, ClassifyError(err))
	assert.Equal(t, model.RunStatusRunning, run.Status)

	h.ds.AssertNotCalled(t, "FinalizeRun", mock.Anything, mock.Anything)
	h.ds.AssertNotCalled(t, "RecordFeedFailure", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, h.notifier.events())
	assert.False(t, h.mr.Exists("test:feed-run:feed_1"))
}

func TestRunFeed_TerminalFailureDisablesFeed(t *testing.T) {
	h := newRunHarness(t)
	feed := enabledFeed()
	feed.ConsecutiveFailures = 2
	h.expectNewRun(feed)
	h.downloader.err = &request.StatusError{StatusCode: 401, Body: "bad credentials"}
	h.ds.On("FinalizeRun", mock.Anything, mock.MatchedBy(func(r *model.Run) bool {
		return r.Status == model.RunStatusFailed && r.FailureKind == "CONFIG" && r.FailureCode == "HTTP_401"
	})).Return(true, nil)
	h.ds.On("RecordFeedFailure", mock.Anything, "feed_1", model.AutoDisableThreshold).Return(3, true, nil)
	h.ds.On("ClearManualRunPending", mock.Anything, "feed_1", feed.UpdatedAt).Return(true, nil)

	job := FeedRunJob{FeedID: "feed_1", Trigger: model.TriggerManual, RequestedAt: baseTime}
	run, err := h.ing.RunFeed(context.Background(), job, JobAttempt{JobID: "job_1", MaxRetry: 3})
	require.Error(t, err)

	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Contains(t, run.FailureMessage, "bad credentials")
	assert.Equal(t, []notification.Event{notification.EventRunFailed, notification.EventAutoDisabled}, h.notifier.events())
	h.ds.AssertExpectations(t)
}

func TestRunFeed_RetriesExhausted(t *testing.T) {
	h := newRunHarness(t)
	feed := enabledFeed()
	h.expectNewRun(feed)
	h.downloader.err = errors.New("connection reset by peer")
	h.ds.On("FinalizeRun", mock.Anything, mock.MatchedBy(func(r *model.Run) bool {
		return r.Status == model.RunStatusFailed && r.FailureKind == "TRANSIENT"
	})).Return(true, nil)
	h.ds.On("RecordFeedFailure", mock.Anything, "feed_1", model.AutoDisableThreshold).Return(1, false, nil)

	run, err := h.ing.RunFeed(context.Background(), scheduledJob(), JobAttempt{JobID: "job_1", RetryCount: 3, MaxRetry: 3})
	require.Error(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Equal(t, []notification.Event{notification.EventRunFailed}, h.notifier.events())
}

func TestRunFeed_MalformedFeedIsPermanent(t *testing.T) {
	h := newRunHarness(t)
	feed := enabledFeed()
	h.expectNewRun(feed)
	h.downloader.result = &model.DownloadResult{Content: []byte("<<<"), ContentHash: "hash_1"}
	h.parser.err = errors.New("unexpected EOF")
	h.ds.On("FinalizeRun", mock.Anything, mock.MatchedBy(func(r *model.Run) bool {
		return r.FailureKind == "PERMANENT" && r.FailureCode == "MALFORMED_FEED"
	})).Return(true, nil)
	h.ds.On("RecordFeedFailure", mock.Anything, "feed_1", model.AutoDisableThreshold).Return(1, false, nil)

	_, err := h.ing.RunFeed(context.Background(), scheduledJob(), JobAttempt{JobID: "job_1", MaxRetry: 3})
	require.Error(t, err)
	assert.Equal(t, FailurePermanent, ClassifyError(err))
	h.ds.AssertExpectations(t)
}

func TestRunFeed_MemoryGuardIsNotRetried(t *testing.T) {
	h := newRunHarness(t)
	feed := enabledFeed()
	feed.MaxRowCount = 1
	h.expectNewRun(feed)
	h.downloader.result = &model.DownloadResult{Content: []byte("csv"), ContentHash: "hash_1"}
	h.parser.result = parsedFile()
	h.ds.On("UpsertQuarantinedRecords", mock.Anything, mock.Anything).Return(int64(1), nil)
	h.ds.On("FinalizeRun", mock.Anything, mock.MatchedBy(func(r *model.Run) bool {
		return r.FailureKind == "MEMORY_GUARD" && r.FailureCode == "MEMORY_GUARD_EXCEEDED"
	})).Return(true, nil)
	h.ds.On("RecordFeedFailure", mock.Anything, "feed_1", model.AutoDisableThreshold).Return(1, false, nil)

	run, err := h.ing.RunFeed(context.Background(), scheduledJob(), JobAttempt{JobID: "job_1", MaxRetry: 3})
	require.Error(t, err)
	assert.Equal(t, FailureMemoryGuard, ClassifyError(err))
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Empty(t, h.breaker.promotes)
}

func TestRunFeed_BreakerTripBlocksExpiry(t *testing.T) {
	h := newRunHarness(t)
	feed := enabledFeed()
	h.expectNewRun(feed)
	h.downloader.result = &model.DownloadResult{Content: []byte("csv"), ContentHash: "hash_1"}
	h.parser.result = parsedFile()
	h.breaker.verdict = model.BreakerResult{Passed: false, Reason: "url hash fallback ratio 0.90 exceeds 0.50"}
	h.ds.On("UpsertQuarantinedRecords", mock.Anything, mock.Anything).Return(int64(1), nil)
	h.ds.On("UpdateRunProgress", mock.Anything, mock.Anything).Return(nil)
	h.ds.On("FinalizeRun", mock.Anything, mock.Anything).Return(true, nil)
	h.ds.On("RecordFeedSuccess", mock.Anything, "feed_1", "hash_1", mock.Anything).Return(0, nil)

	run, err := h.ing.RunFeed(context.Background(), scheduledJob(), JobAttempt{JobID: "job_1", MaxRetry: 3})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	assert.True(t, run.ExpiryBlocked)
	assert.Equal(t, "url hash fallback ratio 0.90 exceeds 0.50", run.ExpiryBlockedReason)
	assert.Equal(t, 0, run.ProductsPromoted)
	assert.Empty(t, h.breaker.promotes)
	assert.Equal(t, []notification.Event{notification.EventBreakerTripped}, h.notifier.events())
}

func TestRunFeed_RecoveryAfterFailures(t *testing.T) {
	h := newRunHarness(t)
	feed := enabledFeed()
	h.expectNewRun(feed)
	h.downloader.result = &model.DownloadResult{Content: []byte("csv"), ContentHash: "hash_2"}
	h.parser.result = &model.ParseResult{Products: []model.ParsedRow{ammoRow(2, "A", "10")}, RowsRead: 1, RowsParsed: 1}
	h.ds.On("UpdateRunProgress", mock.Anything, mock.Anything).Return(nil)
	h.ds.On("FinalizeRun", mock.Anything, mock.Anything).Return(true, nil)
	h.ds.On("RecordFeedSuccess", mock.Anything, "feed_1", "hash_2", mock.Anything).Return(2, nil)
	h.ds.On("ClearManualRunPending", mock.Anything, "feed_1", feed.UpdatedAt).Return(false, nil)

	job := FeedRunJob{FeedID: "feed_1", Trigger: model.TriggerManual, RequestedAt: baseTime}
	run, err := h.ing.RunFeed(context.Background(), job, JobAttempt{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, run.Status)

	require.Len(t, h.notifier.messages, 1)
	msg := h.notifier.messages[0]
	assert.Equal(t, notification.EventRecovered, msg.Event)
	assert.Equal(t, 2, msg.Data["previous_consecutive_failures"])
	h.ds.AssertCalled(t, "ClearManualRunPending", mock.Anything, "feed_1", feed.UpdatedAt)
}

func TestRunFeed_LockLostMidRunStopsWrites(t *testing.T) {
	h := newRunHarness(t)
	h.ing.cfg.Pipeline.LockRenewSeconds = 1
	h.ing.processor = newTestProcessor(h.store, 1, baseTime)
	feed := enabledFeed()
	h.expectNewRun(feed)
	h.downloader.result = &model.DownloadResult{Content: []byte("csv"), ContentHash: "hash_1"}
	h.parser.result = &model.ParseResult{
		RowsRead:   3,
		RowsParsed: 3,
		Products:   []model.ParsedRow{ammoRow(2, "A", "10"), ammoRow(3, "B", "11"), ammoRow(4, "C", "12")},
	}
	h.ds.On("UpsertQuarantinedRecords", mock.Anything, mock.Anything).Return(int64(0), nil).Maybe()
	h.ds.On("UpdateRunProgress", mock.Anything, mock.AnythingOfType("*model.Run")).Return(nil)

	// Another worker takes the feed over while the first chunk is being written.
	h.store.onUpsert = func(ctx context.Context, call int) {
		if call != 1 {
			return
		}
		assert.NoError(t, h.mr.Set("test:feed-run:feed_1", "other-owner"))
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
			t.Error("run context was not cancelled after the lock was lost")
		}
	}

	_, err := h.ing.RunFeed(context.Background(), scheduledJob(), JobAttempt{JobID: "job_1", MaxRetry: 3})
	require.Error(t, err)

	assert.ErrorIs(t, err, redlock.ErrLockLost)
	assert.Equal(t, FailureTransient, ClassifyError(err))
	assert.Equal(t, "LOCK_LOST", failureCode(err))
	assert.Equal(t, 1, h.store.upserts, "no chunk may be written after the lock is lost")
	assert.Len(t, h.store.products, 1)

	owner, getErr := h.mr.Get("test:feed-run:feed_1")
	require.NoError(t, getErr)
	assert.Equal(t, "other-owner", owner, "the new owner's lock must survive the release")
	h.ds.AssertNotCalled(t, "FinalizeRun", mock.Anything, mock.Anything)
}

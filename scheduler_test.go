package ingestor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ammofeeds/ingestor/database/mocks"
	"github.com/ammofeeds/ingestor/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type enqueuedRun struct {
	job    FeedRunJob
	taskID string
}

type fakeEnqueuer struct {
	runs  []enqueuedRun
	taken map[string]bool
	err   error
}

func (f *fakeEnqueuer) EnqueueFeedRun(_ context.Context, job FeedRunJob, taskID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.taken == nil {
		f.taken = make(map[string]bool)
	}
	if f.taken[taskID] {
		return false, nil
	}
	f.taken[taskID] = true
	f.runs = append(f.runs, enqueuedRun{job: job, taskID: taskID})
	return true, nil
}

func newTestScheduler(ds *mocks.MockDataSource, enq FeedRunEnqueuer) *Scheduler {
	s := newScheduler(ds, enq, time.Minute, 6*time.Hour)
	s.now = func() time.Time { return baseTime }
	return s
}

func TestScheduler_Tick(t *testing.T) {
	ds := new(mocks.MockDataSource)
	enq := &fakeEnqueuer{}
	s := newTestScheduler(ds, enq)

	slot := baseTime.Add(-5 * time.Minute)
	due := []model.Feed{
		{FeedID: "feed_1", ScheduleFrequencyHours: 6, NextRunAt: &slot},
		{FeedID: "feed_2", ScheduleFrequencyHours: 12},
	}
	manual := []model.Feed{{FeedID: "feed_3", ManualRunPending: true, UpdatedAt: baseTime.Add(-time.Minute)}}

	ds.On("GetDueFeeds", mock.Anything, baseTime, schedulerBatchSize).Return(due, nil)
	ds.On("GetManualPendingFeeds", mock.Anything, schedulerBatchSize).Return(manual, nil)
	ds.On("AdvanceNextRun", mock.Anything, "feed_1", baseTime.Add(6*time.Hour)).Return(nil)
	ds.On("AdvanceNextRun", mock.Anything, "feed_2", baseTime.Add(12*time.Hour)).Return(nil)
	ds.On("FailStaleRuns", mock.Anything, baseTime.Add(-6*time.Hour)).Return(int64(1), nil)

	result := s.Tick(context.Background())
	assert.Equal(t, TickResult{Scheduled: 2, Manual: 1, Reaped: 1}, result)

	require.Len(t, enq.runs, 3)
	assert.Equal(t, fmt.Sprintf("feed-run:feed_1:%d", slot.Unix()), enq.runs[0].taskID)
	assert.Equal(t, model.TriggerScheduled, enq.runs[0].job.Trigger)
	assert.Equal(t, "feed-run:feed_2:0", enq.runs[1].taskID)
	assert.Equal(t, model.TriggerManual, enq.runs[2].job.Trigger)
	assert.Equal(t, fmt.Sprintf("feed-run:feed_3:manual:%d", baseTime.Add(-time.Minute).Unix()), enq.runs[2].taskID)
	ds.AssertExpectations(t)

	// Feeds still look due and the manual flag is still set; nothing is queued twice.
	result = s.Tick(context.Background())
	assert.Equal(t, 0, result.Scheduled)
	assert.Equal(t, 0, result.Manual)
	assert.Len(t, enq.runs, 3)
}

func TestScheduler_EnqueueFailureKeepsSchedule(t *testing.T) {
	ds := new(mocks.MockDataSource)
	enq := &fakeEnqueuer{err: errors.New("redis unavailable")}
	s := newTestScheduler(ds, enq)

	ds.On("GetDueFeeds", mock.Anything, baseTime, schedulerBatchSize).Return([]model.Feed{{FeedID: "feed_1"}}, nil)
	ds.On("GetManualPendingFeeds", mock.Anything, schedulerBatchSize).Return([]model.Feed{}, nil)
	ds.On("FailStaleRuns", mock.Anything, mock.Anything).Return(int64(0), nil)

	result := s.Tick(context.Background())
	assert.Equal(t, 0, result.Scheduled)
	ds.AssertNotCalled(t, "AdvanceNextRun", mock.Anything, mock.Anything, mock.Anything)
}

func TestScheduler_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	ds := new(mocks.MockDataSource)
	ds.On("GetDueFeeds", mock.Anything, mock.Anything, mock.Anything).Return([]model.Feed{}, nil)
	ds.On("GetManualPendingFeeds", mock.Anything, mock.Anything).Return([]model.Feed{}, nil)
	ds.On("FailStaleRuns", mock.Anything, mock.Anything).Return(int64(0), nil)

	s := newTestScheduler(ds, &fakeEnqueuer{})
	s.Start(context.Background())
	assert.True(t, s.IsRunning())
	s.Start(context.Background())

	s.Stop()
	assert.False(t, s.IsRunning())
	s.Stop()
}

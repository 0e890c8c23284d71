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
	"sync"
	"time"

	"github.com/ammofeeds/ingestor/database"
	"github.com/ammofeeds/ingestor/model"
	"github.com/sirupsen/logrus"
)

const schedulerBatchSize = 100

// FeedRunEnqueuer queues feed run jobs. *Queue implements it.
type FeedRunEnqueuer interface {
	EnqueueFeedRun(ctx context.Context, job FeedRunJob, taskID string) (bool, error)
}

// TickResult summarizes one scheduler pass.
type TickResult struct {
	Scheduled int
	Manual    int
	Reaped    int64
}

// Scheduler periodically enqueues due and manually requested feed runs and fails runs that have
// been RUNNING for too long.
type Scheduler struct {
	datasource   database.IDataSource
	enqueuer     FeedRunEnqueuer
	pollInterval time.Duration
	staleAfter   time.Duration
	now          func() time.Time
	stopCh       chan struct{}
	wg           sync.WaitGroup
	running      bool
	mu           sync.Mutex
}

func NewScheduler(i *Ingestor) *Scheduler {
	return newScheduler(i.datasource, i.queue,
		time.Duration(i.cfg.Pipeline.SchedulerPollSeconds)*time.Second,
		time.Duration(i.cfg.Pipeline.StaleRunHours)*time.Hour)
}

func newScheduler(ds database.IDataSource, enqueuer FeedRunEnqueuer, pollInterval, staleAfter time.Duration) *Scheduler {
	return &Scheduler{
		datasource:   ds,
		enqueuer:     enqueuer,
		pollInterval: pollInterval,
		staleAfter:   staleAfter,
		now:          time.Now,
		stopCh:       make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()

	logrus.WithField("poll_interval", s.pollInterval).Info("Feed scheduler started")
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	logrus.Info("Feed scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			logrus.Info("Feed scheduler context cancelled")
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass. Errors are logged and the pass moves on to the next feed.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	var result TickResult
	now := s.now().UTC()

	due, err := s.datasource.GetDueFeeds(ctx, now, schedulerBatchSize)
	if err != nil {
		logrus.WithError(err).Error("failed to load due feeds")
	}
	for idx := range due {
		if s.scheduleDue(ctx, &due[idx], now) {
			result.Scheduled++
		}
	}

	pending, err := s.datasource.GetManualPendingFeeds(ctx, schedulerBatchSize)
	if err != nil {
		logrus.WithError(err).Error("failed to load manual run requests")
	}
	for idx := range pending {
		if s.scheduleManual(ctx, &pending[idx], now) {
			result.Manual++
		}
	}

	if s.staleAfter > 0 {
		reaped, err := s.datasource.FailStaleRuns(ctx, now.Add(-s.staleAfter))
		if err != nil {
			logrus.WithError(err).Error("failed to fail stale runs")
		} else if reaped > 0 {
			logrus.WithField("count", reaped).Warn("failed runs stuck in RUNNING")
		}
		result.Reaped = reaped
	}
	return result
}

// scheduleDue queues the run for the feed's current slot and moves the slot forward. The task id
// names the slot so a second scheduler instance cannot queue it twice.
func (s *Scheduler) scheduleDue(ctx context.Context, feed *model.Feed, now time.Time) bool {
	logger := logrus.WithField("feed_id", feed.FeedID)
	var slot int64
	if feed.NextRunAt != nil {
		slot = feed.NextRunAt.Unix()
	}
	job := FeedRunJob{FeedID: feed.FeedID, Trigger: model.TriggerScheduled, RequestedAt: now}
	queued, err := s.enqueuer.EnqueueFeedRun(ctx, job, fmt.Sprintf("feed-run:%s:%d", feed.FeedID, slot))
	if err != nil {
		logger.WithError(err).Error("failed to queue scheduled run")
		return false
	}
	if err := s.datasource.AdvanceNextRun(ctx, feed.FeedID, feed.NextRunAfter(now)); err != nil {
		logger.WithError(err).Error("failed to advance feed schedule")
	}
	return queued
}

// scheduleManual queues a manual run. The flag stays set until a worker finishes the run, so the
// task id is tied to the request version to keep repeated ticks from queueing it again.
func (s *Scheduler) scheduleManual(ctx context.Context, feed *model.Feed, now time.Time) bool {
	job := FeedRunJob{FeedID: feed.FeedID, Trigger: model.TriggerManual, RequestedAt: now}
	taskID := fmt.Sprintf("feed-run:%s:manual:%d", feed.FeedID, feed.UpdatedAt.Unix())
	queued, err := s.enqueuer.EnqueueFeedRun(ctx, job, taskID)
	if err != nil {
		logrus.WithField("feed_id", feed.FeedID).WithError(err).Error("failed to queue manual run")
		return false
	}
	return queued
}

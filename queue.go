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
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ammofeeds/ingestor/config"
	redis_db "github.com/ammofeeds/ingestor/internal/redis-db"
	"github.com/ammofeeds/ingestor/model"
	"github.com/cenkalti/backoff/v4"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// TypeFeedRun is the asynq task type of a feed run job.
const TypeFeedRun = "feed:run"

// runTimeout bounds one delivery of a feed run.
const runTimeout = 2 * time.Hour

// Queue represents a queue for handling various tasks.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	cfg       *config.Configuration
}

// FeedRunJob is the payload of a feed run task.
type FeedRunJob struct {
	FeedID      string           `json:"feed_id"`
	Trigger     model.RunTrigger `json:"trigger"`
	RequestedAt time.Time        `json:"requested_at"`
}

func (j FeedRunJob) Validate() error {
	return validation.ValidateStruct(&j,
		validation.Field(&j.FeedID, validation.Required),
		validation.Field(&j.Trigger, validation.Required, validation.In(model.TriggerScheduled, model.TriggerManual, model.TriggerAdminTest)),
	)
}

// RedisClientOpt converts the configured Redis URL into asynq connection options.
func RedisClientOpt(conf *config.Configuration) (asynq.RedisClientOpt, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}
	return asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}, nil
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) *Queue {
	queueOptions, err := RedisClientOpt(conf)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}
	return &Queue{
		Client:    asynq.NewClient(queueOptions),
		Inspector: asynq.NewInspector(queueOptions),
		cfg:       conf,
	}
}

// EnqueueFeedRun queues a run of job.FeedID. taskID deduplicates jobs: while a task with the same
// id is pending or retained, the call is a no-op and queued reports false.
func (q *Queue) EnqueueFeedRun(ctx context.Context, job FeedRunJob, taskID string) (queued bool, err error) {
	ctx, span := tracer.Start(ctx, "Adding feed run to queue")
	defer span.End()

	if err := job.Validate(); err != nil {
		return false, err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return false, err
	}

	opts := []asynq.Option{
		asynq.Queue(q.cfg.Queue.FeedRunQueue),
		asynq.MaxRetry(q.cfg.Queue.MaxRetry),
		asynq.Timeout(runTimeout),
		asynq.Retention(time.Hour),
	}
	if taskID != "" {
		opts = append(opts, asynq.TaskID(taskID))
	}

	info, err := q.Client.EnqueueContext(ctx, asynq.NewTask(TypeFeedRun, payload), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		logrus.WithFields(logrus.Fields{"feed_id": job.FeedID, "task_id": taskID}).Debug("feed run already queued")
		return false, nil
	}
	if err != nil {
		return false, logAndRecordError(span, "failed to enqueue feed run", err)
	}
	logrus.WithFields(logrus.Fields{
		"feed_id": job.FeedID,
		"trigger": job.Trigger,
		"task_id": info.ID,
	}).Info("feed run queued")
	return true, nil
}

// SendWebhook enqueues a webhook notification task. It is a no-op when no webhook is configured.
func (q *Queue) SendWebhook(event string, payload interface{}) error {
	if q.cfg.Notification.Webhook.Url == "" {
		return nil
	}
	data, err := json.Marshal(NewWebhook{Event: event, Payload: payload})
	if err != nil {
		return err
	}
	task := asynq.NewTask(q.cfg.Queue.WebhookQueue, data, asynq.Queue(q.cfg.Queue.WebhookQueue), asynq.MaxRetry(q.cfg.Queue.MaxRetry))
	if _, err := q.Client.Enqueue(task); err != nil {
		return fmt.Errorf("enqueue webhook %s: %w", event, err)
	}
	return nil
}

// RetryDelay spaces out redeliveries of failed feed runs: 30s, 1m, 2m and so on up to 30m,
// with jitter.
func RetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 30 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxInterval = 30 * time.Minute
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < n; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// ProcessFeedRun is the asynq handler of TypeFeedRun. Errors that must not be retried are wrapped
// in asynq.SkipRetry.
func (i *Ingestor) ProcessFeedRun(ctx context.Context, t *asynq.Task) error {
	var job FeedRunJob
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		return fmt.Errorf("decode feed run payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid feed run payload: %v: %w", err, asynq.SkipRetry)
	}

	attempt := JobAttempt{}
	attempt.JobID, _ = asynq.GetTaskID(ctx)
	attempt.RetryCount, _ = asynq.GetRetryCount(ctx)
	attempt.MaxRetry, _ = asynq.GetMaxRetry(ctx)

	_, err := i.RunFeed(ctx, job, attempt)
	if err == nil {
		return nil
	}
	if ClassifyError(err).Retryable() && attempt.HasRetriesLeft() {
		return err
	}
	return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
}

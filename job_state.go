package ingestor

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisJobState stores the job id to run id mapping in Redis.
type RedisJobState struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisJobState(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisJobState {
	return &RedisJobState{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisJobState) key(jobID string) string {
	return s.prefix + "job-run:" + jobID
}

// GetRunID returns the run created by jobID, or an empty string on the first delivery.
func (s *RedisJobState) GetRunID(ctx context.Context, jobID string) (string, error) {
	runID, err := s.client.Get(ctx, s.key(jobID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "read run id of job %s", jobID)
	}
	return runID, nil
}

func (s *RedisJobState) SaveRunID(ctx context.Context, jobID, runID string) error {
	if err := s.client.Set(ctx, s.key(jobID), runID, s.ttl).Err(); err != nil {
		return errors.Wrapf(err, "save run id of job %s", jobID)
	}
	return nil
}

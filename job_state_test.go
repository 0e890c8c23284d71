package ingestor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisJobState_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisJobState(client, "ingestor:", time.Hour)
	ctx := context.Background()

	runID, err := store.GetRunID(ctx, "job_1")
	require.NoError(t, err)
	assert.Empty(t, runID)

	require.NoError(t, store.SaveRunID(ctx, "job_1", "run_1"))
	runID, err = store.GetRunID(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, "run_1", runID)

	assert.True(t, mr.Exists("ingestor:job-run:job_1"))
	mr.FastForward(2 * time.Hour)
	runID, err = store.GetRunID(ctx, "job_1")
	require.NoError(t, err)
	assert.Empty(t, runID)
}

func TestRedisJobState_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisJobState(client, "ingestor:", time.Hour)

	mr.SetError("LOADING")
	_, err := store.GetRunID(context.Background(), "job_1")
	assert.ErrorContains(t, err, "read run id of job job_1")
}

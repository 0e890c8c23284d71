package redlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

const (
	unlockScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	extendScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
)

// ErrLockLost is the cancellation cause of a run context whose lock could not be renewed.
var ErrLockLost = errors.New("feed run lock lost")

// Handle is an owned lease on one feed's run lock. Only the holder of Token can release or extend it.
type Handle struct {
	FeedID string
	Key    string
	Token  string
}

// Manager hands out per-feed run locks stored in redis.
type Manager struct {
	client   redis.UniversalClient
	prefix   string
	newToken func() string
}

func NewManager(client redis.UniversalClient, prefix string) *Manager {
	return &Manager{
		client:   client,
		prefix:   prefix,
		newToken: func() string { return ulid.Make().String() },
	}
}

// Key returns the redis key guarding runs of feedID.
func (m *Manager) Key(feedID string) string {
	return fmt.Sprintf("%sfeed-run:%s", m.prefix, feedID)
}

// Acquire takes the lock for feedID. A nil handle with a nil error means another run holds it.
func (m *Manager) Acquire(ctx context.Context, feedID string, ttl time.Duration) (*Handle, error) {
	h := &Handle{FeedID: feedID, Key: m.Key(feedID), Token: m.newToken()}
	ok, err := m.client.SetNX(ctx, h.Key, h.Token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return h, nil
}

// Release deletes the lock if it is still owned by h. It reports false when the lock had
// already expired or passed to another owner.
func (m *Manager) Release(ctx context.Context, h *Handle) (bool, error) {
	if h == nil {
		return false, nil
	}
	result, err := m.client.Eval(ctx, unlockScript, []string{h.Key}, h.Token).Result()
	if err != nil {
		return false, err
	}
	return result == int64(1), nil
}

// Extend resets the lock ttl if it is still owned by h.
func (m *Manager) Extend(ctx context.Context, h *Handle, ttl time.Duration) (bool, error) {
	if h == nil {
		return false, nil
	}
	result, err := m.client.Eval(ctx, extendScript, []string{h.Key}, h.Token, fmt.Sprintf("%d", ttl.Milliseconds())).Result()
	if err != nil {
		return false, err
	}
	return result == int64(1), nil
}

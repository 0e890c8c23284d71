package redlock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Renewal keeps a lock alive for the lifetime of a run.
type Renewal struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
	lost   atomic.Bool
}

// StartRenewal extends h every interval. The first failed extension marks the lock lost, cancels
// Context() with ErrLockLost and ends the renewal loop.
func (m *Manager) StartRenewal(ctx context.Context, h *Handle, ttl, interval time.Duration) *Renewal {
	runCtx, cancel := context.WithCancelCause(ctx)
	r := &Renewal{
		ctx:    runCtx,
		cancel: cancel,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.stopCh:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				ok, err := m.Extend(context.WithoutCancel(runCtx), h, ttl)
				if err == nil && ok {
					continue
				}
				logrus.WithFields(logrus.Fields{
					"feed_id": h.FeedID,
					"key":     h.Key,
				}).WithError(err).Warn("failed to renew feed run lock")
				r.lost.Store(true)
				r.cancel(ErrLockLost)
				return
			}
		}
	}()

	return r
}

// Context is cancelled with ErrLockLost as cause when the lock is lost.
func (r *Renewal) Context() context.Context {
	return r.ctx
}

// Lost reports whether a renewal attempt failed.
func (r *Renewal) Lost() bool {
	return r.lost.Load()
}

// Stop ends the renewal loop and waits for it. Safe to call more than once.
func (r *Renewal) Stop() {
	r.once.Do(func() {
		close(r.stopCh)
		<-r.done
		r.cancel(context.Canceled)
	})
}

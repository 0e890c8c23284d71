package ingestor

import (
	"context"

	"github.com/ammofeeds/ingestor/internal/notification"
	"github.com/ammofeeds/ingestor/model"
)

// Downloader fetches the raw feed file. It reports unchanged content through Skipped instead of
// returning the bytes again.
type Downloader interface {
	Download(ctx context.Context, feed *model.Feed) (*model.DownloadResult, error)
}

// Parser turns downloaded content into rows. Implementations are specific to an affiliate network.
type Parser interface {
	Parse(ctx context.Context, feed *model.Feed, content []byte) (*model.ParseResult, error)
}

// CircuitBreaker decides whether a run may be promoted.
type CircuitBreaker interface {
	Evaluate(ctx context.Context, metrics model.RunMetrics) (model.BreakerResult, error)
	Promote(ctx context.Context, runID string) (int, error)
	CopySeenFromPreviousRun(ctx context.Context, previousRunID, newRunID string) (int, error)
}

// Notifier is fire and forget.
type Notifier interface {
	Notify(ctx context.Context, m notification.Message)
}

// JobStateStore remembers which run a queue job created, so a redelivery resumes that run.
type JobStateStore interface {
	GetRunID(ctx context.Context, jobID string) (string, error)
	SaveRunID(ctx context.Context, jobID, runID string) error
}

package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/ammofeeds/ingestor/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Store is the part of the repository the breaker needs.
type Store interface {
	CopySeen(ctx context.Context, fromRunID, toRunID string) (int64, error)
	PromoteSeen(ctx context.Context, runID string, at time.Time) (int64, error)
}

// Breaker is the store backed promotion gate. Its only policy is an optional ceiling on the
// share of products identified by URL hash; a zero ceiling passes every run.
type Breaker struct {
	store           Store
	fallbackCeiling float64
	now             func() time.Time
}

func New(store Store, fallbackCeiling float64) *Breaker {
	return &Breaker{store: store, fallbackCeiling: fallbackCeiling, now: time.Now}
}

func (b *Breaker) Evaluate(ctx context.Context, metrics model.RunMetrics) (model.BreakerResult, error) {
	_, span := otel.Tracer("Circuit breaker").Start(ctx, "Evaluating run")
	defer span.End()

	// The fallback count covers every parsed row, duplicates and quarantined rows included.
	ratio := 0.0
	if metrics.RowsParsed > 0 {
		ratio = float64(metrics.URLHashFallbackCount) / float64(metrics.RowsParsed)
	}
	result := model.BreakerResult{
		Passed: true,
		Metrics: map[string]interface{}{
			"active_before_run":       metrics.ActiveBeforeRun,
			"rows_parsed":             metrics.RowsParsed,
			"products_upserted":       metrics.ProductsUpserted,
			"url_hash_fallback_count": metrics.URLHashFallbackCount,
			"url_hash_fallback_ratio": ratio,
			"seen_copied":             metrics.SeenCopied,
		},
	}
	if b.fallbackCeiling > 0 && ratio > b.fallbackCeiling {
		result.Passed = false
		result.Reason = fmt.Sprintf("url hash fallback ratio %.2f exceeds %.2f", ratio, b.fallbackCeiling)
		logrus.WithFields(logrus.Fields{
			"feed_id": metrics.FeedID,
			"run_id":  metrics.RunID,
			"ratio":   ratio,
		}).Warn("circuit breaker tripped")
	}
	span.SetAttributes(attribute.Bool("breaker.passed", result.Passed), attribute.Float64("breaker.fallback_ratio", ratio))
	return result, nil
}

// Promote marks every product seen by the run as successfully seen.
func (b *Breaker) Promote(ctx context.Context, runID string) (int, error) {
	n, err := b.store.PromoteSeen(ctx, runID, b.now().UTC())
	return int(n), err
}

func (b *Breaker) CopySeenFromPreviousRun(ctx context.Context, previousRunID, newRunID string) (int, error) {
	n, err := b.store.CopySeen(ctx, previousRunID, newRunID)
	return int(n), err
}

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
	"errors"
	"fmt"
	"time"

	"github.com/ammofeeds/ingestor/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ProcessorStore is the slice of the repository the batched processor writes through.
type ProcessorStore interface {
	UpsertSourceProducts(ctx context.Context, products []model.SourceProduct) ([]model.SourceProduct, error)
	TouchPresence(ctx context.Context, productIDs []string, seenAt time.Time) error
	InsertSeen(ctx context.Context, runID string, productIDs []string) (int64, error)
	LatestPriceSnapshots(ctx context.Context, productIDs []string) (map[string]model.PriceSnapshot, error)
	InsertPrices(ctx context.Context, prices []model.Price) (int64, error)
}

// Processor writes ingestible rows in fixed size chunks. It never reads the database per row.
type Processor struct {
	store           ProcessorStore
	chunkSize       int
	heartbeat       time.Duration
	defaultCurrency string
	now             func() time.Time
}

func NewProcessor(store ProcessorStore, chunkSize int, heartbeat time.Duration, defaultCurrency string) *Processor {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if heartbeat <= 0 {
		heartbeat = 24 * time.Hour
	}
	return &Processor{
		store:           store,
		chunkSize:       chunkSize,
		heartbeat:       heartbeat,
		defaultCurrency: defaultCurrency,
		now:             time.Now,
	}
}

// ProcessResult accumulates the processor counters of one run.
type ProcessResult struct {
	RowsAttempted    int
	ProductsUpserted int
	PricesCandidate  int
	PricesWritten    int
	ProductsRejected int
	ChunksFailed     int
	Errors           []model.RowError
}

// PricesAbsorbed is the number of price rows the idempotency index swallowed.
func (r ProcessResult) PricesAbsorbed() int {
	return r.PricesCandidate - r.PricesWritten
}

// Process writes rows chunk by chunk. A failing chunk is counted as rejected and skipped. The
// memory guard and a cancelled run context abort the whole run.
func (p *Processor) Process(ctx context.Context, feed *model.Feed, run *model.Run, rows []WinningRow, cache *PriceCache, maxProducts int) (ProcessResult, error) {
	ctx, span := tracer.Start(ctx, "Processor.Process", trace.WithAttributes(
		attribute.String("feed.id", feed.FeedID),
		attribute.String("run.id", run.RunID),
		attribute.Int("rows", len(rows)),
	))
	defer span.End()

	var result ProcessResult
	for start := 0; start < len(rows); start += p.chunkSize {
		if ctx.Err() != nil {
			return result, context.Cause(ctx)
		}

		end := start + p.chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]
		result.RowsAttempted += len(chunk)

		stats, err := p.processChunk(ctx, feed, run, chunk, cache, maxProducts)
		if err != nil {
			var guard *MemoryGuardError
			if errors.As(err, &guard) {
				logAndRecordError(span, "memory guard tripped", err)
				return result, err
			}
			if ctx.Err() != nil {
				return result, context.Cause(ctx)
			}

			result.ChunksFailed++
			result.ProductsRejected += len(chunk)
			if len(result.Errors) < model.MaxErrorSamples {
				result.Errors = append(result.Errors, model.RowError{
					RowNumber: chunk[0].Row.RowNumber,
					Code:      "CHUNK_FAILED",
					Message:   fmt.Sprintf("rows %d-%d: %v", chunk[0].Row.RowNumber, chunk[len(chunk)-1].Row.RowNumber, err),
				})
			}
			logrus.WithFields(logrus.Fields{
				"feed_id": feed.FeedID,
				"run_id":  run.RunID,
				"chunk":   start / p.chunkSize,
				"rows":    len(chunk),
			}).WithError(err).Error("chunk failed, continuing with next chunk")
			continue
		}

		result.ProductsUpserted += stats.upserted
		result.PricesCandidate += stats.candidates
		result.PricesWritten += stats.written
	}

	span.SetAttributes(
		attribute.Int("products.upserted", result.ProductsUpserted),
		attribute.Int("prices.written", result.PricesWritten),
		attribute.Int("products.rejected", result.ProductsRejected),
	)
	return result, nil
}

type chunkStats struct {
	upserted   int
	candidates int
	written    int
}

func (p *Processor) processChunk(ctx context.Context, feed *model.Feed, run *model.Run, chunk []WinningRow, cache *PriceCache, maxProducts int) (chunkStats, error) {
	var stats chunkStats
	now := p.now().UTC()

	products := make([]model.SourceProduct, len(chunk))
	for i, w := range chunk {
		products[i] = sourceProductFromRow(feed, run, w)
	}

	upserted, err := p.store.UpsertSourceProducts(ctx, products)
	if err != nil {
		return stats, err
	}
	idByKey := make(map[string]string, len(upserted))
	for _, sp := range upserted {
		idByKey[sp.IdentityKey()] = sp.ID
	}
	productIDs := make([]string, len(chunk))
	for i, w := range chunk {
		id, ok := idByKey[w.Identity.Key()]
		if !ok {
			return stats, fmt.Errorf("upsert returned no id for %s", w.Identity.Key())
		}
		productIDs[i] = id
	}
	stats.upserted = len(upserted)

	if err := p.store.TouchPresence(ctx, productIDs, now); err != nil {
		return stats, err
	}
	if _, err := p.store.InsertSeen(ctx, run.RunID, productIDs); err != nil {
		return stats, err
	}

	if missing := cache.Missing(productIDs); len(missing) > 0 {
		snapshots, err := p.store.LatestPriceSnapshots(ctx, missing)
		if err != nil {
			return stats, err
		}
		for _, s := range snapshots {
			cache.Put(s)
		}
	}

	if projected := cache.Len() + len(cache.Missing(productIDs)); maxProducts > 0 && projected > maxProducts {
		return stats, &MemoryGuardError{Limit: maxProducts, Observed: projected}
	}

	var prices []model.Price
	for i, w := range chunk {
		row := w.Row
		currency := row.CurrencyOr(p.defaultCurrency)
		signature := model.PriceSignature(row.Price, currency, row.OriginalPrice)
		if !cache.NeedsWrite(productIDs[i], signature, now, p.heartbeat) {
			continue
		}
		prices = append(prices, model.Price{
			ID:                 model.GenerateUUIDWithSuffix("price"),
			SourceProductID:    productIDs[i],
			RetailerID:         feed.RetailerID,
			RunID:              run.RunID,
			Price:              row.Price,
			OriginalPrice:      row.OriginalPrice,
			Currency:           currency,
			InStock:            row.InStock,
			PriceSignatureHash: signature,
			IdempotencyKey:     model.PriceIdempotencyKey(run.RunID, productIDs[i], signature),
			ObservedAt:         now,
			CreatedAt:          now,
		})
	}
	if len(prices) == 0 {
		return stats, nil
	}

	written, err := p.store.InsertPrices(ctx, prices)
	if err != nil {
		return stats, err
	}
	stats.candidates = len(prices)
	stats.written = int(written)

	for _, pr := range prices {
		cache.Put(model.PriceSnapshot{
			SourceProductID: pr.SourceProductID,
			Signature:       pr.PriceSignatureHash,
			ObservedAt:      pr.ObservedAt,
		})
	}
	return stats, nil
}

func sourceProductFromRow(feed *model.Feed, run *model.Run, w WinningRow) model.SourceProduct {
	row := w.Row
	return model.SourceProduct{
		SourceID:           feed.SourceID,
		IdentityType:       w.Identity.Type,
		IdentityValue:      w.Identity.Value,
		Title:              row.Name,
		URL:                row.URL,
		ImageURL:           model.StringValue(row.ImageURL),
		SKU:                model.StringValue(row.SKU),
		UPC:                model.StringValue(row.UPC),
		URLHash:            w.Identity.URLHash,
		NormalizedURL:      w.Identity.NormalizedURL,
		Caliber:            model.StringValue(row.Caliber),
		Brand:              model.StringValue(row.Brand),
		GrainWeight:        model.IntValue(row.GrainWeight),
		RoundCount:         model.IntValue(row.RoundCount),
		CreatedByRunID:     run.RunID,
		LastUpdatedByRunID: run.RunID,
	}
}

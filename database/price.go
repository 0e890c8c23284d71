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

package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/ammofeeds/ingestor/internal/apierror"
	"github.com/ammofeeds/ingestor/model"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// LatestPriceSnapshots returns the most recent signature of each product in a single query.
// Products without any price are absent from the map.
func (d Datasource) LatestPriceSnapshots(ctx context.Context, productIDs []string) (map[string]model.PriceSnapshot, error) {
	ctx, span := otel.Tracer("Processor").Start(ctx, "Loading latest prices")
	defer span.End()

	snapshots := make(map[string]model.PriceSnapshot, len(productIDs))
	if len(productIDs) == 0 {
		return snapshots, nil
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT DISTINCT ON (source_product_id) source_product_id, price_signature_hash, observed_at
		FROM ingest.prices
		WHERE source_product_id = ANY($1)
		ORDER BY source_product_id, observed_at DESC
	`, pq.Array(productIDs))
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "load latest prices")
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var snapshot model.PriceSnapshot
		if err := rows.Scan(&snapshot.SourceProductID, &snapshot.Signature, &snapshot.ObservedAt); err != nil {
			return nil, errors.Wrap(err, "scan latest price")
		}
		snapshots[snapshot.SourceProductID] = snapshot
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "load latest prices")
	}
	return snapshots, nil
}

// InsertPrices appends price observations. Rows whose idempotency key already exists are skipped,
// and the returned count covers only rows actually inserted.
func (d Datasource) InsertPrices(ctx context.Context, prices []model.Price) (int64, error) {
	ctx, span := otel.Tracer("Processor").Start(ctx, "Inserting prices")
	defer span.End()
	span.SetAttributes(attribute.Int("prices.count", len(prices)))

	if len(prices) == 0 {
		return 0, nil
	}

	n := len(prices)
	ids := make([]string, n)
	productIDs := make([]string, n)
	retailerIDs := make([]string, n)
	runIDs := make([]string, n)
	amounts := make([]string, n)
	originals := make([]string, n)
	currencies := make([]string, n)
	inStock := make([]bool, n)
	signatures := make([]string, n)
	keys := make([]string, n)
	observed := make([]string, n)
	for i, p := range prices {
		ids[i] = p.ID
		if ids[i] == "" {
			ids[i] = model.GenerateUUIDWithSuffix("prc")
		}
		productIDs[i] = p.SourceProductID
		retailerIDs[i] = p.RetailerID
		runIDs[i] = p.RunID
		amounts[i] = p.Price.String()
		if p.OriginalPrice != nil {
			originals[i] = p.OriginalPrice.String()
		}
		currencies[i] = p.Currency
		inStock[i] = p.InStock
		signatures[i] = p.PriceSignatureHash
		keys[i] = p.IdempotencyKey
		observed[i] = p.ObservedAt.UTC().Format(time.RFC3339Nano)
	}

	result, err := d.Conn.ExecContext(ctx, `
		INSERT INTO ingest.prices (
			id, source_product_id, retailer_id, run_id, price, original_price, currency, in_stock,
			price_signature_hash, idempotency_key, observed_at
		)
		SELECT id, source_product_id, retailer_id, run_id, price::numeric, NULLIF(original_price, '')::numeric,
			currency, in_stock, signature, idempotency_key, observed_at::timestamptz
		FROM unnest(
			$1::text[], $2::text[], $3::text[], $4::text[], $5::text[], $6::text[], $7::text[], $8::bool[],
			$9::text[], $10::text[], $11::text[]
		) AS t(id, source_product_id, retailer_id, run_id, price, original_price, currency, in_stock,
			signature, idempotency_key, observed_at)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, pq.Array(ids), pq.Array(productIDs), pq.Array(retailerIDs), pq.Array(runIDs), pq.Array(amounts),
		pq.Array(originals), pq.Array(currencies), pq.Array(inStock), pq.Array(signatures), pq.Array(keys),
		pq.Array(observed))
	if err != nil {
		span.RecordError(err)
		return 0, errors.Wrap(err, "insert prices")
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "insert prices")
	}
	span.SetAttributes(attribute.Int64("prices.inserted", inserted))
	return inserted, nil
}

// GetPrices lists the price history of a product, newest first.
func (d Datasource) GetPrices(ctx context.Context, filter model.PriceFilter) ([]model.Price, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	to := filter.To
	if to.IsZero() {
		to = time.Now().Add(time.Hour)
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, source_product_id, retailer_id, run_id, price::text, original_price::text, currency,
			in_stock, price_signature_hash, observed_at, created_at
		FROM ingest.prices
		WHERE source_product_id = $1 AND observed_at >= $2 AND observed_at < $3
		ORDER BY observed_at DESC
		LIMIT $4
	`, filter.SourceProductID, filter.From, to, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve prices", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	prices := []model.Price{}
	for rows.Next() {
		var (
			p        model.Price
			amount   string
			original sql.NullString
		)
		err := rows.Scan(&p.ID, &p.SourceProductID, &p.RetailerID, &p.RunID, &amount, &original, &p.Currency,
			&p.InStock, &p.PriceSignatureHash, &p.ObservedAt, &p.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan price data", err)
		}
		p.Price, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to parse stored price", err)
		}
		if original.Valid {
			o, err := decimal.NewFromString(original.String)
			if err != nil {
				return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to parse stored price", err)
			}
			p.OriginalPrice = &o
		}
		prices = append(prices, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over prices", err)
	}
	return prices, nil
}

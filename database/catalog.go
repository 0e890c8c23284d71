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
	"time"

	"github.com/ammofeeds/ingestor/model"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// UpsertSourceProducts writes a chunk of products in one statement keyed by
// (source_id, identity_type, identity_value). Existing rows keep their id and creation columns.
// The returned slice carries the stored ids in input order.
func (d Datasource) UpsertSourceProducts(ctx context.Context, products []model.SourceProduct) ([]model.SourceProduct, error) {
	ctx, span := otel.Tracer("Processor").Start(ctx, "Upserting source products")
	defer span.End()
	span.SetAttributes(attribute.Int("products.count", len(products)))

	if len(products) == 0 {
		return products, nil
	}

	n := len(products)
	ids := make([]string, n)
	sourceIDs := make([]string, n)
	identityTypes := make([]string, n)
	identityValues := make([]string, n)
	titles := make([]string, n)
	urls := make([]string, n)
	imageURLs := make([]string, n)
	skus := make([]string, n)
	upcs := make([]string, n)
	urlHashes := make([]string, n)
	normalizedURLs := make([]string, n)
	calibers := make([]string, n)
	brands := make([]string, n)
	grains := make([]int64, n)
	rounds := make([]int64, n)
	runIDs := make([]string, n)
	for i, p := range products {
		ids[i] = p.ID
		if ids[i] == "" {
			ids[i] = model.GenerateUUIDWithSuffix("sp")
		}
		sourceIDs[i] = p.SourceID
		identityTypes[i] = string(p.IdentityType)
		identityValues[i] = p.IdentityValue
		titles[i] = p.Title
		urls[i] = p.URL
		imageURLs[i] = p.ImageURL
		skus[i] = p.SKU
		upcs[i] = p.UPC
		urlHashes[i] = p.URLHash
		normalizedURLs[i] = p.NormalizedURL
		calibers[i] = p.Caliber
		brands[i] = p.Brand
		grains[i] = int64(p.GrainWeight)
		rounds[i] = int64(p.RoundCount)
		runIDs[i] = p.LastUpdatedByRunID
	}

	rows, err := d.Conn.QueryContext(ctx, `
		INSERT INTO ingest.source_products (
			id, source_id, identity_type, identity_value, title, url, image_url, sku, upc,
			url_hash, normalized_url, caliber, brand, grain_weight, round_count,
			created_by_run_id, last_updated_by_run_id
		)
		SELECT id, source_id, identity_type, identity_value, title, url, NULLIF(image_url, ''),
			NULLIF(sku, ''), NULLIF(upc, ''), url_hash, normalized_url, NULLIF(caliber, ''),
			NULLIF(brand, ''), NULLIF(grain_weight, 0), NULLIF(round_count, 0), run_id, run_id
		FROM unnest(
			$1::text[], $2::text[], $3::text[], $4::text[], $5::text[], $6::text[], $7::text[], $8::text[],
			$9::text[], $10::text[], $11::text[], $12::text[], $13::text[], $14::int8[], $15::int8[], $16::text[]
		) AS t(id, source_id, identity_type, identity_value, title, url, image_url, sku, upc,
			url_hash, normalized_url, caliber, brand, grain_weight, round_count, run_id)
		ON CONFLICT (source_id, identity_type, identity_value) DO UPDATE SET
			title = EXCLUDED.title,
			url = EXCLUDED.url,
			image_url = EXCLUDED.image_url,
			sku = EXCLUDED.sku,
			upc = EXCLUDED.upc,
			url_hash = EXCLUDED.url_hash,
			normalized_url = EXCLUDED.normalized_url,
			caliber = EXCLUDED.caliber,
			brand = EXCLUDED.brand,
			grain_weight = EXCLUDED.grain_weight,
			round_count = EXCLUDED.round_count,
			last_updated_by_run_id = EXCLUDED.last_updated_by_run_id,
			updated_at = NOW()
		RETURNING id, identity_type, identity_value
	`, pq.Array(ids), pq.Array(sourceIDs), pq.Array(identityTypes), pq.Array(identityValues), pq.Array(titles),
		pq.Array(urls), pq.Array(imageURLs), pq.Array(skus), pq.Array(upcs), pq.Array(urlHashes),
		pq.Array(normalizedURLs), pq.Array(calibers), pq.Array(brands), pq.Array(grains), pq.Array(rounds),
		pq.Array(runIDs))
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "upsert source products")
	}
	defer func() {
		_ = rows.Close()
	}()

	stored := make(map[string]string, n)
	for rows.Next() {
		var id, identityType, identityValue string
		if err := rows.Scan(&id, &identityType, &identityValue); err != nil {
			return nil, errors.Wrap(err, "scan upserted product")
		}
		stored[identityType+":"+identityValue] = id
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "upsert source products")
	}

	result := make([]model.SourceProduct, 0, n)
	for _, p := range products {
		id, ok := stored[p.IdentityKey()]
		if !ok {
			return nil, errors.Errorf("upsert returned no row for %s", p.IdentityKey())
		}
		p.ID = id
		result = append(result, p)
	}
	return result, nil
}

// TouchPresence sets last_seen_at for every product in one statement.
func (d Datasource) TouchPresence(ctx context.Context, productIDs []string, seenAt time.Time) error {
	if len(productIDs) == 0 {
		return nil
	}
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO ingest.source_product_presence (source_product_id, last_seen_at)
		SELECT unnest($1::text[]), $2
		ON CONFLICT (source_product_id) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at
	`, pq.Array(productIDs), seenAt)
	if err != nil {
		return errors.Wrap(err, "touch presence")
	}
	return nil
}

// InsertSeen records that a run observed the products. Markers that already exist are ignored.
func (d Datasource) InsertSeen(ctx context.Context, runID string, productIDs []string) (int64, error) {
	if len(productIDs) == 0 {
		return 0, nil
	}
	result, err := d.Conn.ExecContext(ctx, `
		INSERT INTO ingest.source_product_seen (run_id, source_product_id)
		SELECT $1, unnest($2::text[])
		ON CONFLICT (run_id, source_product_id) DO NOTHING
	`, runID, pq.Array(productIDs))
	if err != nil {
		return 0, errors.Wrap(err, "insert seen markers")
	}
	return result.RowsAffected()
}

// CopySeen copies the seen markers of fromRunID to toRunID.
func (d Datasource) CopySeen(ctx context.Context, fromRunID, toRunID string) (int64, error) {
	ctx, span := otel.Tracer("Feed run").Start(ctx, "Copying seen markers")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		INSERT INTO ingest.source_product_seen (run_id, source_product_id)
		SELECT $2, source_product_id FROM ingest.source_product_seen WHERE run_id = $1
		ON CONFLICT (run_id, source_product_id) DO NOTHING
	`, fromRunID, toRunID)
	if err != nil {
		span.RecordError(err)
		return 0, errors.Wrapf(err, "copy seen markers from run %s", fromRunID)
	}
	return result.RowsAffected()
}

// PromoteSeen stamps last_seen_success_at on every product the run saw.
func (d Datasource) PromoteSeen(ctx context.Context, runID string, at time.Time) (int64, error) {
	ctx, span := otel.Tracer("Feed run").Start(ctx, "Promoting seen products")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		INSERT INTO ingest.source_product_presence (source_product_id, last_seen_at, last_seen_success_at)
		SELECT source_product_id, $2, $2 FROM ingest.source_product_seen WHERE run_id = $1
		ON CONFLICT (source_product_id) DO UPDATE SET last_seen_success_at = EXCLUDED.last_seen_success_at
	`, runID, at)
	if err != nil {
		span.RecordError(err)
		return 0, errors.Wrapf(err, "promote run %s", runID)
	}
	return result.RowsAffected()
}

// CountActiveProducts counts products of the source successfully seen at or after since.
func (d Datasource) CountActiveProducts(ctx context.Context, sourceID string, since time.Time) (int, error) {
	var count int
	err := d.Conn.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM ingest.source_product_presence p
		JOIN ingest.source_products sp ON sp.id = p.source_product_id
		WHERE sp.source_id = $1 AND p.last_seen_success_at >= $2
	`, sourceID, since).Scan(&count)
	if err != nil {
		return 0, errors.Wrapf(err, "count active products of source %s", sourceID)
	}
	return count, nil
}

package database

import (
	"context"
	"encoding/json"

	"github.com/ammofeeds/ingestor/internal/apierror"
	"github.com/ammofeeds/ingestor/model"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
)

// UpsertQuarantinedRecords stores rows that failed the ingestion gate. A row already quarantined
// for the same feed and match key is refreshed in place.
func (d Datasource) UpsertQuarantinedRecords(ctx context.Context, records []model.QuarantinedRecord) (int64, error) {
	ctx, span := otel.Tracer("Quarantine").Start(ctx, "Upserting quarantined records")
	defer span.End()

	if len(records) == 0 {
		return 0, nil
	}

	n := len(records)
	ids := make([]string, n)
	feedIDs := make([]string, n)
	runIDs := make([]string, n)
	sourceIDs := make([]string, n)
	matchKeys := make([]string, n)
	payloads := make([]string, n)
	blocking := make([]string, n)
	for i, r := range records {
		ids[i] = r.ID
		if ids[i] == "" {
			ids[i] = model.GenerateUUIDWithSuffix("qr")
		}
		feedIDs[i] = r.FeedID
		runIDs[i] = r.RunID
		sourceIDs[i] = r.SourceID
		matchKeys[i] = r.MatchKey
		payloads[i] = string(r.RawPayload)
		errs, err := json.Marshal(r.BlockingErrors)
		if err != nil {
			return 0, errors.Wrap(err, "marshal blocking errors")
		}
		blocking[i] = string(errs)
	}

	result, err := d.Conn.ExecContext(ctx, `
		INSERT INTO ingest.quarantined_records (id, feed_id, run_id, source_id, match_key, raw_payload, blocking_errors)
		SELECT id, feed_id, run_id, source_id, match_key, raw_payload::jsonb, blocking_errors::jsonb
		FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::text[], $6::text[], $7::text[])
			AS t(id, feed_id, run_id, source_id, match_key, raw_payload, blocking_errors)
		ON CONFLICT (feed_id, match_key) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			raw_payload = EXCLUDED.raw_payload,
			blocking_errors = EXCLUDED.blocking_errors,
			updated_at = NOW()
	`, pq.Array(ids), pq.Array(feedIDs), pq.Array(runIDs), pq.Array(sourceIDs), pq.Array(matchKeys),
		pq.Array(payloads), pq.Array(blocking))
	if err != nil {
		span.RecordError(err)
		return 0, errors.Wrap(err, "upsert quarantined records")
	}
	return result.RowsAffected()
}

// GetQuarantinedRecords lists the quarantined rows of a feed, most recently updated first.
func (d Datasource) GetQuarantinedRecords(ctx context.Context, feedID string, limit, offset int) ([]model.QuarantinedRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, feed_id, run_id, source_id, match_key, raw_payload, blocking_errors, created_at, updated_at
		FROM ingest.quarantined_records
		WHERE feed_id = $1
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3
	`, feedID, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve quarantined records", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	records := []model.QuarantinedRecord{}
	for rows.Next() {
		var (
			r        model.QuarantinedRecord
			payload  []byte
			blocking []byte
		)
		if err := rows.Scan(&r.ID, &r.FeedID, &r.RunID, &r.SourceID, &r.MatchKey, &payload, &blocking, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan quarantined record", err)
		}
		r.RawPayload = json.RawMessage(payload)
		if err := json.Unmarshal(blocking, &r.BlockingErrors); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal blocking errors", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over quarantined records", err)
	}
	return records, nil
}

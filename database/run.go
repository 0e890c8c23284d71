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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ammofeeds/ingestor/internal/apierror"
	"github.com/ammofeeds/ingestor/model"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
)

const runColumns = `run_id, feed_id, source_id, COALESCE(job_id, ''), trigger, status, started_at, finished_at,
	duration_ms, COALESCE(skipped_reason, ''), COALESCE(failure_kind, ''), COALESCE(failure_code, ''),
	COALESCE(failure_message, ''), download_bytes, COALESCE(content_hash, ''), rows_read, rows_parsed,
	parse_errors, rows_attempted, products_upserted, prices_written, products_rejected, duplicate_key_count,
	url_hash_fallback_count, dedupe_fallback_to_valid, quarantined_count, error_sample,
	COALESCE(classification, ''), COALESCE(refreshed_from_run_id, ''), seen_copied, expiry_blocked,
	COALESCE(expiry_blocked_reason, ''), products_promoted`

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func scanRun(row rowScanner) (*model.Run, error) {
	var (
		run         model.Run
		finishedAt  sql.NullTime
		errorSample []byte
	)
	err := row.Scan(
		&run.RunID, &run.FeedID, &run.SourceID, &run.JobID, &run.Trigger, &run.Status, &run.StartedAt, &finishedAt,
		&run.DurationMs, &run.SkippedReason, &run.FailureKind, &run.FailureCode,
		&run.FailureMessage, &run.DownloadBytes, &run.ContentHash, &run.RowsRead, &run.RowsParsed,
		&run.ParseErrors, &run.RowsAttempted, &run.ProductsUpserted, &run.PricesWritten, &run.ProductsRejected, &run.DuplicateKeyCount,
		&run.URLHashFallbackCount, &run.DedupeFallbackToValid, &run.QuarantinedCount, &errorSample,
		&run.Classification, &run.RefreshedFromRunID, &run.SeenCopied, &run.ExpiryBlocked,
		&run.ExpiryBlockedReason, &run.ProductsPromoted,
	)
	if err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	if len(errorSample) > 0 {
		if err := json.Unmarshal(errorSample, &run.ErrorSample); err != nil {
			return nil, err
		}
	}
	return &run, nil
}

// CreateRun inserts a run in RUNNING status.
func (d Datasource) CreateRun(ctx context.Context, run *model.Run) error {
	ctx, span := otel.Tracer("Feed run").Start(ctx, "Saving run to db")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO ingest.runs (run_id, feed_id, source_id, job_id, trigger, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, run.RunID, run.FeedID, run.SourceID, nullString(run.JobID), run.Trigger, run.Status, run.StartedAt)
	if err != nil {
		span.RecordError(err)
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record run", err)
	}
	return nil
}

// GetRunByID retrieves a run by its ID.
func (d Datasource) GetRunByID(ctx context.Context, id string) (*model.Run, error) {
	row := d.Conn.QueryRowContext(ctx, `SELECT `+runColumns+` FROM ingest.runs WHERE run_id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Run with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve run", err)
	}
	return run, nil
}

func runUpdateArgs(run *model.Run) ([]interface{}, error) {
	errorSample, err := json.Marshal(run.ErrorSample)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		run.RunID, run.DownloadBytes, nullString(run.ContentHash), run.RowsRead, run.RowsParsed,
		run.ParseErrors, run.RowsAttempted, run.ProductsUpserted, run.PricesWritten, run.ProductsRejected,
		run.DuplicateKeyCount, run.URLHashFallbackCount, run.DedupeFallbackToValid, run.QuarantinedCount,
		errorSample, nullString(run.Classification), nullString(run.RefreshedFromRunID), run.SeenCopied,
		run.ExpiryBlocked, nullString(run.ExpiryBlockedReason), run.ProductsPromoted,
	}, nil
}

const runCounterAssignments = `download_bytes = $2, content_hash = $3, rows_read = $4, rows_parsed = $5,
	parse_errors = $6, rows_attempted = $7, products_upserted = $8, prices_written = $9, products_rejected = $10,
	duplicate_key_count = $11, url_hash_fallback_count = $12, dedupe_fallback_to_valid = $13, quarantined_count = $14,
	error_sample = $15, classification = $16, refreshed_from_run_id = $17, seen_copied = $18,
	expiry_blocked = $19, expiry_blocked_reason = $20, products_promoted = $21`

// UpdateRunProgress saves the counters of a run that is still RUNNING. Counters are assigned, so a
// redelivered attempt overwrites rather than accumulates.
func (d Datasource) UpdateRunProgress(ctx context.Context, run *model.Run) error {
	args, err := runUpdateArgs(run)
	if err != nil {
		return errors.Wrap(err, "marshal error sample")
	}

	_, err = d.Conn.ExecContext(ctx, `
		UPDATE ingest.runs
		SET `+runCounterAssignments+`
		WHERE run_id = $1 AND status = 'RUNNING'
	`, args...)
	if err != nil {
		return errors.Wrapf(err, "update progress of run %s", run.RunID)
	}
	return nil
}

// FinalizeRun moves a RUNNING run to its terminal status. It reports false when the run had
// already been finalized, leaving the stored row untouched.
func (d Datasource) FinalizeRun(ctx context.Context, run *model.Run) (bool, error) {
	ctx, span := otel.Tracer("Feed run").Start(ctx, "Finalizing run")
	defer span.End()

	args, err := runUpdateArgs(run)
	if err != nil {
		return false, errors.Wrap(err, "marshal error sample")
	}
	var finishedAt sql.NullTime
	if run.FinishedAt != nil {
		finishedAt = sql.NullTime{Time: *run.FinishedAt, Valid: true}
	}
	args = append(args, run.Status, finishedAt, run.DurationMs, nullString(string(run.SkippedReason)),
		nullString(run.FailureKind), nullString(run.FailureCode), nullString(run.FailureMessage))

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE ingest.runs
		SET `+runCounterAssignments+`,
			status = $22, finished_at = $23, duration_ms = $24, skipped_reason = $25,
			failure_kind = $26, failure_code = $27, failure_message = $28
		WHERE run_id = $1 AND status = 'RUNNING'
	`, args...)
	if err != nil {
		span.RecordError(err)
		return false, errors.Wrapf(err, "finalize run %s", run.RunID)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "finalize run %s", run.RunID)
	}
	return rowsAffected == 1, nil
}

// GetLastSucceededRun returns the most recent succeeded run of the feed other than excludeRunID,
// or nil when the feed has none.
func (d Datasource) GetLastSucceededRun(ctx context.Context, feedID, excludeRunID string) (*model.Run, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM ingest.runs
		WHERE feed_id = $1 AND status = 'SUCCEEDED' AND run_id <> $2
		ORDER BY started_at DESC
		LIMIT 1
	`, feedID, excludeRunID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "last succeeded run of feed %s", feedID)
	}
	return run, nil
}

// GetRuns lists runs newest first.
func (d Datasource) GetRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.FeedID != "" {
		args = append(args, filter.FeedID)
		conditions = append(conditions, fmt.Sprintf("feed_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}

	var query strings.Builder
	query.WriteString(`SELECT ` + runColumns + ` FROM ingest.runs`)
	if len(conditions) > 0 {
		query.WriteString(" WHERE " + strings.Join(conditions, " AND "))
	}
	args = append(args, limit, filter.Offset)
	query.WriteString(fmt.Sprintf(" ORDER BY started_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args)))

	rows, err := d.Conn.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve runs", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	runs := []model.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan run data", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over runs", err)
	}
	return runs, nil
}

// FailStaleRuns fails runs left RUNNING by a worker that died without finalizing them.
func (d Datasource) FailStaleRuns(ctx context.Context, startedBefore time.Time) (int64, error) {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE ingest.runs
		SET status = 'FAILED', finished_at = NOW(),
			duration_ms = (EXTRACT(EPOCH FROM NOW() - started_at) * 1000)::BIGINT,
			failure_kind = 'TRANSIENT', failure_code = 'STALE_RUN',
			failure_message = 'run exceeded the stale threshold without finishing'
		WHERE status = 'RUNNING' AND started_at < $1
	`, startedBefore)
	if err != nil {
		return 0, errors.Wrap(err, "fail stale runs")
	}
	return result.RowsAffected()
}

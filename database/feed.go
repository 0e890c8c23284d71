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
	"fmt"
	"time"

	"github.com/ammofeeds/ingestor/internal/apierror"
	"github.com/ammofeeds/ingestor/model"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
)

const feedColumns = `feed_id, source_id, retailer_id, name, network, transport_url,
	COALESCE(username, ''), COALESCE(password, ''), schedule_frequency_hours, expiry_hours,
	max_row_count, status, consecutive_failures, manual_run_pending, COALESCE(last_content_hash, ''),
	last_modified_at, next_run_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFeed(row rowScanner) (*model.Feed, error) {
	var (
		feed           model.Feed
		lastModifiedAt sql.NullTime
		nextRunAt      sql.NullTime
	)
	err := row.Scan(
		&feed.FeedID, &feed.SourceID, &feed.RetailerID, &feed.Name, &feed.Network, &feed.TransportURL,
		&feed.Username, &feed.Password, &feed.ScheduleFrequencyHours, &feed.ExpiryHours,
		&feed.MaxRowCount, &feed.Status, &feed.ConsecutiveFailures, &feed.ManualRunPending, &feed.LastContentHash,
		&lastModifiedAt, &nextRunAt, &feed.CreatedAt, &feed.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastModifiedAt.Valid {
		feed.LastModifiedAt = &lastModifiedAt.Time
	}
	if nextRunAt.Valid {
		feed.NextRunAt = &nextRunAt.Time
	}
	return &feed, nil
}

// GetFeedByID retrieves a feed configuration by its ID.
func (d Datasource) GetFeedByID(ctx context.Context, id string) (*model.Feed, error) {
	ctx, span := otel.Tracer("Feed run").Start(ctx, "Fetching feed from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `SELECT `+feedColumns+` FROM ingest.feeds WHERE feed_id = $1`, id)
	feed, err := scanFeed(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Feed with ID '%s' not found", id), err)
		}
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve feed", err)
	}
	return feed, nil
}

func (d Datasource) queryFeeds(ctx context.Context, query string, args ...interface{}) ([]model.Feed, error) {
	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve feeds", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	feeds := []model.Feed{}
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan feed data", err)
		}
		feeds = append(feeds, *feed)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over feeds", err)
	}
	return feeds, nil
}

// GetDueFeeds returns enabled feeds whose next run is at or before now. Feeds that were never
// scheduled are due immediately.
func (d Datasource) GetDueFeeds(ctx context.Context, now time.Time, limit int) ([]model.Feed, error) {
	ctx, span := otel.Tracer("Scheduler").Start(ctx, "Fetching due feeds")
	defer span.End()

	return d.queryFeeds(ctx, `
		SELECT `+feedColumns+`
		FROM ingest.feeds
		WHERE status = 'ENABLED' AND (next_run_at IS NULL OR next_run_at <= $1)
		ORDER BY next_run_at NULLS FIRST
		LIMIT $2
	`, now, limit)
}

// GetManualPendingFeeds returns feeds an operator asked to run.
func (d Datasource) GetManualPendingFeeds(ctx context.Context, limit int) ([]model.Feed, error) {
	ctx, span := otel.Tracer("Scheduler").Start(ctx, "Fetching manual feeds")
	defer span.End()

	return d.queryFeeds(ctx, `
		SELECT `+feedColumns+`
		FROM ingest.feeds
		WHERE manual_run_pending AND status <> 'DRAFT'
		ORDER BY updated_at
		LIMIT $1
	`, limit)
}

// SetManualRunPending records an operator request. It is an operator edit, so it bumps updated_at.
func (d Datasource) SetManualRunPending(ctx context.Context, id string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE ingest.feeds
		SET manual_run_pending = TRUE, updated_at = NOW()
		WHERE feed_id = $1
	`, id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to request manual run", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Feed with ID '%s' not found", id), nil)
	}
	return nil
}

// ClearManualRunPending clears the manual flag only when updated_at still equals version.
// A false result means an operator touched the feed after the worker read it.
func (d Datasource) ClearManualRunPending(ctx context.Context, id string, version time.Time) (bool, error) {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE ingest.feeds
		SET manual_run_pending = FALSE
		WHERE feed_id = $1 AND manual_run_pending AND updated_at = $2
	`, id, version)
	if err != nil {
		return false, errors.Wrap(err, "clear manual run flag")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "clear manual run flag")
	}
	return rowsAffected == 1, nil
}

// RecordFeedSuccess resets the failure counter and stores the change-detection markers of the
// content that was just ingested. It returns the counter value before the reset.
func (d Datasource) RecordFeedSuccess(ctx context.Context, id, contentHash string, modifiedAt *time.Time) (int, error) {
	ctx, span := otel.Tracer("Feed run").Start(ctx, "Recording feed success")
	defer span.End()

	var hash sql.NullString
	if contentHash != "" {
		hash = sql.NullString{String: contentHash, Valid: true}
	}
	var mtime sql.NullTime
	if modifiedAt != nil {
		mtime = sql.NullTime{Time: *modifiedAt, Valid: true}
	}

	var previous int
	err := d.Conn.QueryRowContext(ctx, `
		UPDATE ingest.feeds f
		SET consecutive_failures = 0,
			last_content_hash = COALESCE($2, f.last_content_hash),
			last_modified_at = COALESCE($3, f.last_modified_at)
		FROM (SELECT feed_id, consecutive_failures FROM ingest.feeds WHERE feed_id = $1 FOR UPDATE) prev
		WHERE f.feed_id = prev.feed_id
		RETURNING prev.consecutive_failures
	`, id, hash, mtime).Scan(&previous)
	if err != nil {
		span.RecordError(err)
		return 0, errors.Wrapf(err, "record success for feed %s", id)
	}
	return previous, nil
}

// RecordFeedFailure increments the failure counter. When the counter reaches threshold on an
// enabled feed the feed is disabled; disabled reports whether this call flipped it.
func (d Datasource) RecordFeedFailure(ctx context.Context, id string, threshold int) (int, bool, error) {
	ctx, span := otel.Tracer("Feed run").Start(ctx, "Recording feed failure")
	defer span.End()

	var (
		failures int
		disabled bool
	)
	err := d.Conn.QueryRowContext(ctx, `
		UPDATE ingest.feeds f
		SET consecutive_failures = prev.consecutive_failures + 1,
			status = CASE
				WHEN prev.status = 'ENABLED' AND prev.consecutive_failures + 1 >= $2 THEN 'DISABLED'
				ELSE prev.status
			END
		FROM (SELECT feed_id, status, consecutive_failures FROM ingest.feeds WHERE feed_id = $1 FOR UPDATE) prev
		WHERE f.feed_id = prev.feed_id
		RETURNING f.consecutive_failures, (prev.status = 'ENABLED' AND f.status = 'DISABLED')
	`, id, threshold).Scan(&failures, &disabled)
	if err != nil {
		span.RecordError(err)
		return 0, false, errors.Wrapf(err, "record failure for feed %s", id)
	}
	return failures, disabled, nil
}

// AdvanceNextRun moves the feed's schedule forward. Scheduling is not an operator edit and leaves
// updated_at alone.
func (d Datasource) AdvanceNextRun(ctx context.Context, id string, next time.Time) error {
	_, err := d.Conn.ExecContext(ctx, `UPDATE ingest.feeds SET next_run_at = $2 WHERE feed_id = $1`, id, next)
	if err != nil {
		return errors.Wrapf(err, "advance schedule for feed %s", id)
	}
	return nil
}

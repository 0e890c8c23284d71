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
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	feed       // Feed configuration and worker bookkeeping
	run        // Run records
	catalog    // Source products, presence and seen markers
	price      // Price observations
	quarantine // Quarantined rows
}

type feed interface {
	GetFeedByID(ctx context.Context, id string) (*model.Feed, error)                                          // Retrieves a feed by ID
	GetDueFeeds(ctx context.Context, now time.Time, limit int) ([]model.Feed, error)                          // Enabled feeds whose next run is due
	GetManualPendingFeeds(ctx context.Context, limit int) ([]model.Feed, error)                               // Feeds with a pending manual run request
	SetManualRunPending(ctx context.Context, id string) error                                                 // Operator request for a manual run; bumps updated_at
	ClearManualRunPending(ctx context.Context, id string, version time.Time) (bool, error)                    // Clears the manual flag only if the feed is unchanged since version
	RecordFeedSuccess(ctx context.Context, id, contentHash string, modifiedAt *time.Time) (int, error)        // Resets the failure counter, returns the previous value
	RecordFeedFailure(ctx context.Context, id string, threshold int) (failures int, disabled bool, err error) // Increments the failure counter and disables at threshold
	AdvanceNextRun(ctx context.Context, id string, next time.Time) error                                      // Moves the schedule forward
}

type run interface {
	CreateRun(ctx context.Context, run *model.Run) error                                      // Inserts a RUNNING run
	GetRunByID(ctx context.Context, id string) (*model.Run, error)                            // Retrieves a run by ID
	UpdateRunProgress(ctx context.Context, run *model.Run) error                              // Saves counters of a RUNNING run
	FinalizeRun(ctx context.Context, run *model.Run) (bool, error)                            // Moves a RUNNING run to its terminal status
	GetLastSucceededRun(ctx context.Context, feedID, excludeRunID string) (*model.Run, error) // Latest succeeded run of a feed, nil when none
	GetRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error)                 // Lists runs of a feed, newest first
	FailStaleRuns(ctx context.Context, startedBefore time.Time) (int64, error)                // Fails runs stuck in RUNNING
}

type catalog interface {
	UpsertSourceProducts(ctx context.Context, products []model.SourceProduct) ([]model.SourceProduct, error) // Bulk upsert keyed by identity
	TouchPresence(ctx context.Context, productIDs []string, seenAt time.Time) error                          // Bulk update of last_seen_at
	InsertSeen(ctx context.Context, runID string, productIDs []string) (int64, error)                        // Idempotent seen markers
	CopySeen(ctx context.Context, fromRunID, toRunID string) (int64, error)                                  // Copies seen markers to a refreshed run
	PromoteSeen(ctx context.Context, runID string, at time.Time) (int64, error)                              // Marks products seen by a run as successfully seen
	CountActiveProducts(ctx context.Context, sourceID string, since time.Time) (int, error)                  // Products successfully seen since a time
}

type price interface {
	LatestPriceSnapshots(ctx context.Context, productIDs []string) (map[string]model.PriceSnapshot, error) // Latest signature per product, one query
	InsertPrices(ctx context.Context, prices []model.Price) (int64, error)                                 // Conflict tolerant bulk insert, returns rows inserted
	GetPrices(ctx context.Context, filter model.PriceFilter) ([]model.Price, error)                        // Price history of a product
}

type quarantine interface {
	UpsertQuarantinedRecords(ctx context.Context, records []model.QuarantinedRecord) (int64, error)                 // Upsert keyed by (feed, match key)
	GetQuarantinedRecords(ctx context.Context, feedID string, limit, offset int) ([]model.QuarantinedRecord, error) // Lists quarantined rows of a feed
}

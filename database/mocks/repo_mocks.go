package mocks

import (
	"context"
	"time"

	"github.com/ammofeeds/ingestor/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Feed methods

func (m *MockDataSource) GetFeedByID(ctx context.Context, id string) (*model.Feed, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Feed), args.Error(1)
}

func (m *MockDataSource) GetDueFeeds(ctx context.Context, now time.Time, limit int) ([]model.Feed, error) {
	args := m.Called(ctx, now, limit)
	return args.Get(0).([]model.Feed), args.Error(1)
}

func (m *MockDataSource) GetManualPendingFeeds(ctx context.Context, limit int) ([]model.Feed, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]model.Feed), args.Error(1)
}

func (m *MockDataSource) SetManualRunPending(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDataSource) ClearManualRunPending(ctx context.Context, id string, version time.Time) (bool, error) {
	args := m.Called(ctx, id, version)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) RecordFeedSuccess(ctx context.Context, id, contentHash string, modifiedAt *time.Time) (int, error) {
	args := m.Called(ctx, id, contentHash, modifiedAt)
	return args.Int(0), args.Error(1)
}

func (m *MockDataSource) RecordFeedFailure(ctx context.Context, id string, threshold int) (int, bool, error) {
	args := m.Called(ctx, id, threshold)
	return args.Int(0), args.Bool(1), args.Error(2)
}

func (m *MockDataSource) AdvanceNextRun(ctx context.Context, id string, next time.Time) error {
	args := m.Called(ctx, id, next)
	return args.Error(0)
}

// Run methods

func (m *MockDataSource) CreateRun(ctx context.Context, run *model.Run) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockDataSource) GetRunByID(ctx context.Context, id string) (*model.Run, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Run), args.Error(1)
}

func (m *MockDataSource) UpdateRunProgress(ctx context.Context, run *model.Run) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockDataSource) FinalizeRun(ctx context.Context, run *model.Run) (bool, error) {
	args := m.Called(ctx, run)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) GetLastSucceededRun(ctx context.Context, feedID, excludeRunID string) (*model.Run, error) {
	args := m.Called(ctx, feedID, excludeRunID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Run), args.Error(1)
}

func (m *MockDataSource) GetRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]model.Run), args.Error(1)
}

func (m *MockDataSource) FailStaleRuns(ctx context.Context, startedBefore time.Time) (int64, error) {
	args := m.Called(ctx, startedBefore)
	return args.Get(0).(int64), args.Error(1)
}

// Catalog methods

func (m *MockDataSource) UpsertSourceProducts(ctx context.Context, products []model.SourceProduct) ([]model.SourceProduct, error) {
	args := m.Called(ctx, products)
	return args.Get(0).([]model.SourceProduct), args.Error(1)
}

func (m *MockDataSource) TouchPresence(ctx context.Context, productIDs []string, seenAt time.Time) error {
	args := m.Called(ctx, productIDs, seenAt)
	return args.Error(0)
}

func (m *MockDataSource) InsertSeen(ctx context.Context, runID string, productIDs []string) (int64, error) {
	args := m.Called(ctx, runID, productIDs)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) CopySeen(ctx context.Context, fromRunID, toRunID string) (int64, error) {
	args := m.Called(ctx, fromRunID, toRunID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) PromoteSeen(ctx context.Context, runID string, at time.Time) (int64, error) {
	args := m.Called(ctx, runID, at)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) CountActiveProducts(ctx context.Context, sourceID string, since time.Time) (int, error) {
	args := m.Called(ctx, sourceID, since)
	return args.Int(0), args.Error(1)
}

// Price methods

func (m *MockDataSource) LatestPriceSnapshots(ctx context.Context, productIDs []string) (map[string]model.PriceSnapshot, error) {
	args := m.Called(ctx, productIDs)
	return args.Get(0).(map[string]model.PriceSnapshot), args.Error(1)
}

func (m *MockDataSource) InsertPrices(ctx context.Context, prices []model.Price) (int64, error) {
	args := m.Called(ctx, prices)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) GetPrices(ctx context.Context, filter model.PriceFilter) ([]model.Price, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]model.Price), args.Error(1)
}

// Quarantine methods

func (m *MockDataSource) UpsertQuarantinedRecords(ctx context.Context, records []model.QuarantinedRecord) (int64, error) {
	args := m.Called(ctx, records)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) GetQuarantinedRecords(ctx context.Context, feedID string, limit, offset int) ([]model.QuarantinedRecord, error) {
	args := m.Called(ctx, feedID, limit, offset)
	return args.Get(0).([]model.QuarantinedRecord), args.Error(1)
}

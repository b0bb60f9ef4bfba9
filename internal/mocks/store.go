package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/Listify-HQ/bulk-ingest/internal/db"
)

// MockStore is a mock implementation of the jobs.JobStore interface
type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateBatchWithItems(ctx context.Context, job *db.BatchJob, items []db.NewItem) error {
	args := m.Called(ctx, job, items)
	return args.Error(0)
}

func (m *MockStore) GetBatchJob(ctx context.Context, id string) (*db.BatchJob, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.BatchJob), args.Error(1)
}

func (m *MockStore) GetItem(ctx context.Context, id string) (*db.BatchItem, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.BatchItem), args.Error(1)
}

func (m *MockStore) ListItemsByStatus(ctx context.Context, batchID, status string, limit, offset int) ([]*db.BatchItem, error) {
	args := m.Called(ctx, batchID, status, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*db.BatchItem), args.Error(1)
}

func (m *MockStore) ListFailedItems(ctx context.Context, batchID, match string, limit int) ([]*db.BatchItem, error) {
	args := m.Called(ctx, batchID, match, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*db.BatchItem), args.Error(1)
}

func (m *MockStore) ClaimItem(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockStore) SetItemIngestionID(ctx context.Context, id, ingestionID string) error {
	args := m.Called(ctx, id, ingestionID)
	return args.Error(0)
}

func (m *MockStore) SetItemPipelineRunID(ctx context.Context, id, runID string) error {
	args := m.Called(ctx, id, runID)
	return args.Error(0)
}

func (m *MockStore) MarkItemSucceeded(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockStore) MarkItemFailed(ctx context.Context, id string, itemErr *db.ItemError) error {
	args := m.Called(ctx, id, itemErr)
	return args.Error(0)
}

func (m *MockStore) ResetItemForRequeue(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) IncrementBatchCounters(ctx context.Context, batchID string, completed, failed int) error {
	args := m.Called(ctx, batchID, completed, failed)
	return args.Error(0)
}

func (m *MockStore) ResetBatchCountersForRequeue(ctx context.Context, batchID string, requeued int) error {
	args := m.Called(ctx, batchID, requeued)
	return args.Error(0)
}

func (m *MockStore) TouchBatchJob(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockStore) EnsureMembership(ctx context.Context, organisationID, userID string) (bool, error) {
	args := m.Called(ctx, organisationID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) FinishCompletedBatches(ctx context.Context) ([]*db.BatchJob, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*db.BatchJob), args.Error(1)
}

func (m *MockStore) MarkBatchNotified(ctx context.Context, batchID string) error {
	args := m.Called(ctx, batchID)
	return args.Error(0)
}

//go:build unit || !integration

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/Listify-HQ/bulk-ingest/internal/db"
	"github.com/Listify-HQ/bulk-ingest/internal/mocks"
	"github.com/Listify-HQ/bulk-ingest/internal/queue"
)

func itemOpts() queue.Options {
	return queue.Options{Attempts: ItemAttempts, BackoffBase: ItemBackoff}
}

func TestSubmitPersistsThenEnqueuesMaster(t *testing.T) {
	store := new(mocks.MockStore)
	q := new(mocks.MockQueue)
	master := NewMaster(store, q, MasterConfig{})

	job := &db.BatchJob{ID: "batch-1", OrganisationID: "org-1", UserID: "user-1", Mode: "quick"}
	items := []db.NewItem{{URL: "https://a.com/1"}, {URL: "https://a.com/2"}}

	store.On("CreateBatchWithItems", mock.Anything, job, items).Return(nil)
	q.On("Enqueue", mock.Anything, queue.TopicMaster, MasterMessage{BulkJobID: "batch-1"},
		queue.Options{Attempts: MasterAttempts}).Return("msg-1", nil)

	err := master.Submit(context.Background(), job, items)

	assert.NoError(t, err)
	store.AssertExpectations(t)
	q.AssertExpectations(t)
}

func TestSubmitFailedPersistenceEnqueuesNothing(t *testing.T) {
	store := new(mocks.MockStore)
	q := new(mocks.MockQueue)
	master := NewMaster(store, q, MasterConfig{})

	job := &db.BatchJob{ID: "batch-1"}
	items := []db.NewItem{{URL: "https://a.com/1"}}

	store.On("CreateBatchWithItems", mock.Anything, job, items).Return(errors.New("connection reset"))

	err := master.Submit(context.Background(), job, items)

	assert.Error(t, err)
	q.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmitRejectsEmptyBatch(t *testing.T) {
	store := new(mocks.MockStore)
	q := new(mocks.MockQueue)
	master := NewMaster(store, q, MasterConfig{})

	err := master.Submit(context.Background(), &db.BatchJob{ID: "batch-1"}, nil)

	assert.Error(t, err)
	store.AssertNotCalled(t, "CreateBatchWithItems", mock.Anything, mock.Anything, mock.Anything)
}

func TestFanOutEnqueuesQueuedItems(t *testing.T) {
	store := new(mocks.MockStore)
	q := new(mocks.MockQueue)
	master := NewMaster(store, q, MasterConfig{})

	store.On("GetBatchJob", mock.Anything, "batch-1").
		Return(&db.BatchJob{ID: "batch-1", Status: "active"}, nil)
	store.On("ListItemsByStatus", mock.Anything, "batch-1", "queued", 0, 0).
		Return([]*db.BatchItem{
			{ID: "item-1", BatchID: "batch-1"},
			{ID: "item-2", BatchID: "batch-1"},
			{ID: "item-3", BatchID: "batch-1"},
		}, nil)
	q.On("EnqueueBatch", mock.Anything, queue.TopicItem,
		[]any{
			ItemMessage{BulkJobItemID: "item-1"},
			ItemMessage{BulkJobItemID: "item-2"},
			ItemMessage{BulkJobItemID: "item-3"},
		}, itemOpts()).Return(nil)
	store.On("TouchBatchJob", mock.Anything, "batch-1").Return(nil)

	n, err := master.FanOut(context.Background(), "batch-1")

	assert.NoError(t, err)
	assert.Equal(t, 3, n)
	store.AssertExpectations(t)
	q.AssertExpectations(t)
}

// A redelivered master whose items are all past queued must be a no-op apart
// from bumping updated_at.
func TestFanOutWithNoQueuedItemsOnlyTouchesBatch(t *testing.T) {
	store := new(mocks.MockStore)
	q := new(mocks.MockQueue)
	master := NewMaster(store, q, MasterConfig{})

	store.On("GetBatchJob", mock.Anything, "batch-1").
		Return(&db.BatchJob{ID: "batch-1", Status: "active"}, nil)
	store.On("ListItemsByStatus", mock.Anything, "batch-1", "queued", 0, 0).
		Return([]*db.BatchItem{}, nil)
	store.On("TouchBatchJob", mock.Anything, "batch-1").Return(nil)

	n, err := master.FanOut(context.Background(), "batch-1")

	assert.NoError(t, err)
	assert.Equal(t, 0, n)
	q.AssertNotCalled(t, "EnqueueBatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	q.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	store.AssertCalled(t, "TouchBatchJob", mock.Anything, "batch-1")
}

func TestFanOutSkipsCancelledBatch(t *testing.T) {
	store := new(mocks.MockStore)
	q := new(mocks.MockQueue)
	master := NewMaster(store, q, MasterConfig{})

	store.On("GetBatchJob", mock.Anything, "batch-1").
		Return(&db.BatchJob{ID: "batch-1", Status: "cancelled"}, nil)

	n, err := master.FanOut(context.Background(), "batch-1")

	assert.NoError(t, err)
	assert.Equal(t, 0, n)
	store.AssertNotCalled(t, "ListItemsByStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestFanOutFallsBackToPerItemEnqueue(t *testing.T) {
	store := new(mocks.MockStore)
	q := new(mocks.MockQueue)
	master := NewMaster(store, q, MasterConfig{})

	store.On("GetBatchJob", mock.Anything, "batch-1").
		Return(&db.BatchJob{ID: "batch-1", Status: "active"}, nil)
	store.On("ListItemsByStatus", mock.Anything, "batch-1", "queued", 0, 0).
		Return([]*db.BatchItem{
			{ID: "item-1", BatchID: "batch-1"},
			{ID: "item-2", BatchID: "batch-1"},
		}, nil)
	q.On("EnqueueBatch", mock.Anything, queue.TopicItem, mock.Anything, itemOpts()).
		Return(errors.New("deadlock detected"))
	q.On("Enqueue", mock.Anything, queue.TopicItem, ItemMessage{BulkJobItemID: "item-1"}, itemOpts()).
		Return("msg-1", nil)
	q.On("Enqueue", mock.Anything, queue.TopicItem, ItemMessage{BulkJobItemID: "item-2"}, itemOpts()).
		Return("msg-2", nil)
	store.On("TouchBatchJob", mock.Anything, "batch-1").Return(nil)

	n, err := master.FanOut(context.Background(), "batch-1")

	assert.NoError(t, err)
	assert.Equal(t, 2, n)
	q.AssertExpectations(t)
}

// One item that cannot be enqueued must not sink the rest of its chunk: the
// other items still get messages, the batch still gets touched, and the
// returned count excludes the skipped item.
func TestFanOutSkipsUnenqueueableItemAndContinues(t *testing.T) {
	store := new(mocks.MockStore)
	q := new(mocks.MockQueue)
	master := NewMaster(store, q, MasterConfig{})

	store.On("GetBatchJob", mock.Anything, "batch-1").
		Return(&db.BatchJob{ID: "batch-1", Status: "active"}, nil)
	store.On("ListItemsByStatus", mock.Anything, "batch-1", "queued", 0, 0).
		Return([]*db.BatchItem{
			{ID: "item-1", BatchID: "batch-1"},
			{ID: "item-2", BatchID: "batch-1"},
		}, nil)
	q.On("EnqueueBatch", mock.Anything, queue.TopicItem, mock.Anything, itemOpts()).
		Return(errors.New("deadlock detected"))
	q.On("Enqueue", mock.Anything, queue.TopicItem, ItemMessage{BulkJobItemID: "item-1"}, itemOpts()).
		Return("", errors.New("payload too large"))
	q.On("Enqueue", mock.Anything, queue.TopicItem, ItemMessage{BulkJobItemID: "item-2"}, itemOpts()).
		Return("msg-2", nil)
	store.On("TouchBatchJob", mock.Anything, "batch-1").Return(nil)

	n, err := master.FanOut(context.Background(), "batch-1")

	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	q.AssertCalled(t, "Enqueue", mock.Anything, queue.TopicItem, ItemMessage{BulkJobItemID: "item-2"}, itemOpts())
	store.AssertCalled(t, "TouchBatchJob", mock.Anything, "batch-1")
}

func TestFanOutChunksLargeBatches(t *testing.T) {
	store := new(mocks.MockStore)
	q := new(mocks.MockQueue)
	master := NewMaster(store, q, MasterConfig{FanOutBatchSize: 2, FanOutParallelism: 1})

	items := make([]*db.BatchItem, 5)
	for i := range items {
		items[i] = &db.BatchItem{ID: string(rune('a' + i)), BatchID: "batch-1"}
	}

	store.On("GetBatchJob", mock.Anything, "batch-1").
		Return(&db.BatchJob{ID: "batch-1", Status: "active"}, nil)
	store.On("ListItemsByStatus", mock.Anything, "batch-1", "queued", 0, 0).
		Return(items, nil)
	q.On("EnqueueBatch", mock.Anything, queue.TopicItem, mock.Anything, itemOpts()).Return(nil)
	store.On("TouchBatchJob", mock.Anything, "batch-1").Return(nil)

	n, err := master.FanOut(context.Background(), "batch-1")

	assert.NoError(t, err)
	assert.Equal(t, 5, n)
	q.AssertNumberOfCalls(t, "EnqueueBatch", 3)
}

func TestHandleMasterRejectsBadPayloadPermanently(t *testing.T) {
	store := new(mocks.MockStore)
	q := new(mocks.MockQueue)
	master := NewMaster(store, q, MasterConfig{})

	tests := []struct {
		name    string
		payload json.RawMessage
	}{
		{name: "not_json", payload: json.RawMessage(`{{`)},
		{name: "missing_id", payload: json.RawMessage(`{}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := master.HandleMaster(context.Background(), &queue.Message{
				ID:      "msg-1",
				Topic:   queue.TopicMaster,
				Payload: tt.payload,
			})

			var perm *queue.PermanentError
			assert.ErrorAs(t, err, &perm)
		})
	}
}

func TestHandleMasterDecodesAndFansOut(t *testing.T) {
	store := new(mocks.MockStore)
	q := new(mocks.MockQueue)
	master := NewMaster(store, q, MasterConfig{})

	store.On("GetBatchJob", mock.Anything, "batch-1").
		Return(&db.BatchJob{ID: "batch-1", Status: "active"}, nil)
	store.On("ListItemsByStatus", mock.Anything, "batch-1", "queued", 0, 0).
		Return([]*db.BatchItem{{ID: "item-1", BatchID: "batch-1"}}, nil)
	q.On("EnqueueBatch", mock.Anything, queue.TopicItem, mock.Anything, itemOpts()).Return(nil)
	store.On("TouchBatchJob", mock.Anything, "batch-1").Return(nil)

	err := master.HandleMaster(context.Background(), &queue.Message{
		ID:        "msg-1",
		Topic:     queue.TopicMaster,
		Payload:   json.RawMessage(`{"bulkJobId":"batch-1"}`),
		VisibleAt: time.Now(),
	})

	assert.NoError(t, err)
	store.AssertExpectations(t)
}

package jobs

import (
	"context"

	"github.com/Listify-HQ/bulk-ingest/internal/db"
	"github.com/Listify-HQ/bulk-ingest/internal/pipeline"
	"github.com/Listify-HQ/bulk-ingest/internal/queue"
)

// JobStore is the persistence surface the orchestration stages depend on.
// *db.Store is the production implementation.
type JobStore interface {
	CreateBatchWithItems(ctx context.Context, job *db.BatchJob, items []db.NewItem) error
	GetBatchJob(ctx context.Context, id string) (*db.BatchJob, error)
	GetItem(ctx context.Context, id string) (*db.BatchItem, error)
	ListItemsByStatus(ctx context.Context, batchID, status string, limit, offset int) ([]*db.BatchItem, error)
	ListFailedItems(ctx context.Context, batchID, match string, limit int) ([]*db.BatchItem, error)
	ClaimItem(ctx context.Context, id string) error
	SetItemIngestionID(ctx context.Context, id, ingestionID string) error
	SetItemPipelineRunID(ctx context.Context, id, runID string) error
	MarkItemSucceeded(ctx context.Context, id string) error
	MarkItemFailed(ctx context.Context, id string, itemErr *db.ItemError) error
	ResetItemForRequeue(ctx context.Context, id string) (bool, error)
	IncrementBatchCounters(ctx context.Context, batchID string, completed, failed int) error
	ResetBatchCountersForRequeue(ctx context.Context, batchID string, requeued int) error
	TouchBatchJob(ctx context.Context, id string) error
	EnsureMembership(ctx context.Context, organisationID, userID string) (bool, error)
}

// MessageQueue is the durable queue surface used by the stages. *queue.Queue
// is the production implementation.
type MessageQueue interface {
	Enqueue(ctx context.Context, topic string, payload any, opts queue.Options) (string, error)
	EnqueueBatch(ctx context.Context, topic string, payloads []any, opts queue.Options) error
	ListWaiting(ctx context.Context, topic string, limit int) ([]*queue.Message, error)
}

// PipelineClient drives the external ingestion and description pipeline.
// *pipeline.Client is the production implementation.
type PipelineClient interface {
	CreateIngestion(ctx context.Context, url string, metadata map[string]any) (*pipeline.CreateIngestionResult, error)
	GetIngestionJob(ctx context.Context, jobID string) (*pipeline.IngestionJob, error)
	StartPipeline(ctx context.Context, ingestionID, mode string) (*pipeline.StartPipelineResult, error)
	GetPipelineRun(ctx context.Context, runID string) (*pipeline.PipelineRun, error)
}

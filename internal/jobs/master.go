package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Listify-HQ/bulk-ingest/internal/db"
	"github.com/Listify-HQ/bulk-ingest/internal/observability"
	"github.com/Listify-HQ/bulk-ingest/internal/queue"
)

// MasterConfig controls batch submission and fan-out.
type MasterConfig struct {
	// FanOutBatchSize is how many item messages are enqueued per round trip.
	FanOutBatchSize int
	// FanOutParallelism caps concurrent enqueue round trips per master.
	FanOutParallelism int
}

func defaultMasterConfig() MasterConfig {
	cfg := MasterConfig{
		FanOutBatchSize:   200,
		FanOutParallelism: 4,
	}

	if v, ok := os.LookupEnv("BULK_FANOUT_BATCH_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.FanOutBatchSize = n
		}
	}
	if v, ok := os.LookupEnv("BULK_FANOUT_PARALLELISM"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.FanOutParallelism = n
		}
	}

	return cfg
}

// Master owns batch intake and fan-out. Submission persists the batch and its
// items atomically and publishes a single master message; the master handler
// later expands that into one item message per queued item.
type Master struct {
	store JobStore
	queue MessageQueue
	cfg   MasterConfig
}

// NewMaster creates the admission stage. Store and queue must be non-nil.
func NewMaster(store JobStore, q MessageQueue, cfg MasterConfig) *Master {
	if store == nil {
		panic("jobs: store is required")
	}
	if q == nil {
		panic("jobs: queue is required")
	}
	def := defaultMasterConfig()
	if cfg.FanOutBatchSize <= 0 {
		cfg.FanOutBatchSize = def.FanOutBatchSize
	}
	if cfg.FanOutParallelism <= 0 {
		cfg.FanOutParallelism = def.FanOutParallelism
	}
	return &Master{store: store, queue: q, cfg: cfg}
}

// Submit persists the batch with its parsed items and publishes the master
// message that triggers fan-out. If persistence fails nothing is enqueued.
func (m *Master) Submit(ctx context.Context, job *db.BatchJob, items []db.NewItem) error {
	if len(items) == 0 {
		return fmt.Errorf("submit batch: no items")
	}

	if err := m.store.CreateBatchWithItems(ctx, job, items); err != nil {
		return fmt.Errorf("persist batch: %w", err)
	}

	_, err := m.queue.Enqueue(ctx, queue.TopicMaster, MasterMessage{BulkJobID: job.ID}, queue.Options{
		Attempts: MasterAttempts,
	})
	if err != nil {
		return fmt.Errorf("enqueue master message: %w", err)
	}

	log.Info().
		Str("batch_id", job.ID).
		Int("items", len(items)).
		Str("mode", job.Mode).
		Msg("Batch submitted")

	return nil
}

// HandleMaster is the consumer handler for the master topic.
func (m *Master) HandleMaster(ctx context.Context, msg *queue.Message) error {
	var payload MasterMessage
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return queue.Permanent(fmt.Errorf("decode master message: %w", err))
	}
	if payload.BulkJobID == "" {
		return queue.Permanent(fmt.Errorf("master message missing bulkJobId"))
	}

	_, err := m.FanOut(ctx, payload.BulkJobID)
	return err
}

// FanOut enqueues one item message for every queued item of the batch and
// returns how many were enqueued. Redelivered masters are harmless: items
// already moved past queued are not re-enqueued, and a batch with no queued
// items just gets its updated_at bumped so the redelivery leaves a trace.
func (m *Master) FanOut(ctx context.Context, batchID string) (int, error) {
	start := time.Now()
	defer func() {
		observability.RecordFanOut(ctx, batchID, time.Since(start))
	}()

	job, err := m.store.GetBatchJob(ctx, batchID)
	if err != nil {
		return 0, fmt.Errorf("load batch %s: %w", batchID, err)
	}
	if job.Status == string(BatchStatusCancelled) {
		log.Info().Str("batch_id", batchID).Msg("Skipping fan-out for cancelled batch")
		return 0, nil
	}

	items, err := m.store.ListItemsByStatus(ctx, batchID, string(ItemStatusQueued), 0, 0)
	if err != nil {
		return 0, fmt.Errorf("list queued items for batch %s: %w", batchID, err)
	}

	if len(items) == 0 {
		if err := m.store.TouchBatchJob(ctx, batchID); err != nil {
			return 0, fmt.Errorf("touch batch %s: %w", batchID, err)
		}
		log.Info().Str("batch_id", batchID).Msg("Fan-out found no queued items")
		return 0, nil
	}

	opts := queue.Options{
		Attempts:    ItemAttempts,
		BackoffBase: ItemBackoff,
	}

	var skipped atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.FanOutParallelism)

	for start := 0; start < len(items); start += m.cfg.FanOutBatchSize {
		end := min(start+m.cfg.FanOutBatchSize, len(items))
		chunk := items[start:end]

		g.Go(func() error {
			payloads := make([]any, len(chunk))
			for i, item := range chunk {
				payloads[i] = ItemMessage{BulkJobItemID: item.ID}
			}

			err := m.queue.EnqueueBatch(gctx, queue.TopicItem, payloads, opts)
			if err == nil {
				return nil
			}
			log.Warn().Err(err).
				Str("batch_id", batchID).
				Int("chunk_size", len(chunk)).
				Msg("Batch enqueue failed, falling back to per-item enqueue")

			// A single bad item must not sink the rest of the chunk; the
			// skipped item stays queued in the store and is picked up by a
			// master redelivery or an operator redrive.
			for _, item := range chunk {
				if _, err := m.queue.Enqueue(gctx, queue.TopicItem, ItemMessage{BulkJobItemID: item.ID}, opts); err != nil {
					skipped.Add(1)
					log.Error().Err(err).
						Str("batch_id", batchID).
						Str("item_id", item.ID).
						Msg("Failed to enqueue item, skipping")
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("fan out batch %s: %w", batchID, err)
	}

	if err := m.store.TouchBatchJob(ctx, batchID); err != nil {
		log.Warn().Err(err).Str("batch_id", batchID).Msg("Failed to touch batch after fan-out")
	}

	enqueued := len(items) - int(skipped.Load())
	log.Info().
		Str("batch_id", batchID).
		Int("items_enqueued", enqueued).
		Int64("items_skipped", skipped.Load()).
		Msg("Fan-out complete")

	return enqueued, nil
}

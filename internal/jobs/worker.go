package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/Listify-HQ/bulk-ingest/internal/db"
	"github.com/Listify-HQ/bulk-ingest/internal/observability"
	"github.com/Listify-HQ/bulk-ingest/internal/pipeline"
	"github.com/Listify-HQ/bulk-ingest/internal/queue"
	"github.com/Listify-HQ/bulk-ingest/internal/util"
)

// WorkerConfig controls how items are driven through the external pipeline.
type WorkerConfig struct {
	// IngestPollInterval/IngestPollMax bound the wait for an asynchronous
	// ingestion job to produce an ingestion id.
	IngestPollInterval time.Duration
	IngestPollMax      int
	// RunPollInterval/RunPollMax bound the wait for a pipeline run to reach
	// a terminal state. Full runs can take a while, hence the large budget.
	RunPollInterval time.Duration
	RunPollMax      int
}

func defaultWorkerConfig() WorkerConfig {
	cfg := WorkerConfig{
		IngestPollInterval: 2 * time.Second,
		IngestPollMax:      60,
		RunPollInterval:    2 * time.Second,
		RunPollMax:         600,
	}

	if v, ok := os.LookupEnv("BULK_INGEST_POLL_MAX"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.IngestPollMax = n
		}
	}
	if v, ok := os.LookupEnv("BULK_RUN_POLL_MAX"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RunPollMax = n
		}
	}

	return cfg
}

// ItemWorker processes item messages: admission per domain, claim, then the
// three-call pipeline drive (create ingestion, start pipeline, await run).
type ItemWorker struct {
	store    JobStore
	pipeline PipelineClient
	limiter  *DomainLimiter
	cfg      WorkerConfig

	// sleep is swappable in tests so polling loops run instantly.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewItemWorker creates an item worker. All collaborators are required.
func NewItemWorker(store JobStore, pc PipelineClient, limiter *DomainLimiter, cfg WorkerConfig) *ItemWorker {
	if store == nil {
		panic("jobs: store is required")
	}
	if pc == nil {
		panic("jobs: pipeline client is required")
	}
	if limiter == nil {
		limiter = NewDomainLimiter(DomainLimiterConfig{})
	}
	def := defaultWorkerConfig()
	if cfg.IngestPollInterval <= 0 {
		cfg.IngestPollInterval = def.IngestPollInterval
	}
	if cfg.IngestPollMax <= 0 {
		cfg.IngestPollMax = def.IngestPollMax
	}
	if cfg.RunPollInterval <= 0 {
		cfg.RunPollInterval = def.RunPollInterval
	}
	if cfg.RunPollMax <= 0 {
		cfg.RunPollMax = def.RunPollMax
	}
	return &ItemWorker{
		store:    store,
		pipeline: pc,
		limiter:  limiter,
		cfg:      cfg,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleItem is the consumer handler for the item topic.
func (w *ItemWorker) HandleItem(ctx context.Context, msg *queue.Message) error {
	var payload ItemMessage
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return queue.Permanent(fmt.Errorf("decode item message: %w", err))
	}
	if payload.BulkJobItemID == "" {
		return queue.Permanent(fmt.Errorf("item message missing bulkJobItemId"))
	}

	item, err := w.store.GetItem(ctx, payload.BulkJobItemID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return queue.Permanent(fmt.Errorf("%w: %s", ErrItemGone, payload.BulkJobItemID))
		}
		return fmt.Errorf("load item %s: %w", payload.BulkJobItemID, err)
	}

	// Redeliveries for items already done must be dropped, not re-driven:
	// re-claiming a succeeded item would run the pipeline again and bump the
	// completed counter a second time.
	switch item.Status {
	case string(ItemStatusCancelled):
		log.Debug().Str("item_id", item.ID).Msg("Dropping message for cancelled item")
		return nil
	case string(ItemStatusSucceeded):
		log.Debug().Str("item_id", item.ID).Msg("Dropping redelivery for succeeded item")
		return nil
	}

	domain := util.DomainOf(item.URL)
	if !w.limiter.TryAcquire(domain) {
		delay := w.limiter.ThrottleDelay()
		observability.RecordThrottleDeferral(ctx, domain)
		log.Debug().
			Str("item_id", item.ID).
			Str("domain", domain).
			Dur("delay", delay).
			Msg("Domain busy, deferring item")
		return &queue.Deferral{Delay: delay}
	}
	defer w.limiter.Release(domain)

	job, err := w.store.GetBatchJob(ctx, item.BatchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return queue.Permanent(fmt.Errorf("%w: %s", ErrBatchGone, item.BatchID))
		}
		return fmt.Errorf("load batch %s: %w", item.BatchID, err)
	}

	if err := w.store.ClaimItem(ctx, item.ID); err != nil {
		return fmt.Errorf("claim item %s: %w", item.ID, err)
	}

	span := sentry.StartSpan(ctx, "jobs.process_item")
	span.SetTag("batch_id", item.BatchID)
	span.SetTag("domain", domain)
	start := time.Now()

	driveErr := w.drive(span.Context(), item, job.Mode)

	span.Finish()

	if driveErr != nil {
		observability.RecordItemProcessed(ctx, domain, string(ItemStatusFailed), time.Since(start))
		return w.recordFailure(ctx, msg, item, driveErr)
	}

	if err := w.store.MarkItemSucceeded(ctx, item.ID); err != nil {
		return fmt.Errorf("mark item %s succeeded: %w", item.ID, err)
	}
	if err := w.store.IncrementBatchCounters(ctx, item.BatchID, 1, 0); err != nil {
		log.Warn().Err(err).Str("batch_id", item.BatchID).Msg("Failed to bump completed counter")
	}

	observability.RecordItemProcessed(ctx, domain, string(ItemStatusSucceeded), time.Since(start))
	log.Info().
		Str("item_id", item.ID).
		Str("batch_id", item.BatchID).
		Str("domain", domain).
		Dur("duration", time.Since(start)).
		Msg("Item processed")

	return nil
}

// recordFailure persists the failure so the tenant can see it, then hands the
// error back so the queue applies its retry budget. The failed counter only
// moves on the final attempt, otherwise a later successful retry would make
// completed+failed overshoot the total.
func (w *ItemWorker) recordFailure(ctx context.Context, msg *queue.Message, item *db.BatchItem, driveErr error) error {
	itemErr := toItemError(driveErr)
	if err := w.store.MarkItemFailed(ctx, item.ID, itemErr); err != nil {
		log.Error().Err(err).Str("item_id", item.ID).Msg("Failed to persist item failure")
	}

	finalAttempt := msg.AttemptsMade >= msg.AttemptsMax
	var permErr *queue.PermanentError
	if errors.As(driveErr, &permErr) {
		finalAttempt = true
	}
	if finalAttempt {
		if err := w.store.IncrementBatchCounters(ctx, item.BatchID, 0, 1); err != nil {
			log.Warn().Err(err).Str("batch_id", item.BatchID).Msg("Failed to bump failed counter")
		}
	}

	sentry.CaptureException(driveErr)
	log.Warn().Err(driveErr).
		Str("item_id", item.ID).
		Str("batch_id", item.BatchID).
		Int("attempt", msg.AttemptsMade).
		Bool("final", finalAttempt).
		Msg("Item attempt failed")

	return driveErr
}

// drive runs the three pipeline calls for one item. Each intermediate id is
// persisted as soon as it is known so a crash mid-drive stays diagnosable.
func (w *ItemWorker) drive(ctx context.Context, item *db.BatchItem, mode string) error {
	ingestionID, err := w.resolveIngestion(ctx, item)
	if err != nil {
		return err
	}

	startRes, err := w.pipeline.StartPipeline(ctx, ingestionID, mode)
	if err != nil {
		return fmt.Errorf("start pipeline for item %s: %w", item.ID, err)
	}
	if err := w.store.SetItemPipelineRunID(ctx, item.ID, startRes.PipelineRunID); err != nil {
		return fmt.Errorf("persist pipeline run id for item %s: %w", item.ID, err)
	}

	return w.awaitRun(ctx, startRes.PipelineRunID)
}

// resolveIngestion creates the ingestion and, when the collaborator answers
// asynchronously, polls its job until the ingestion id materialises.
func (w *ItemWorker) resolveIngestion(ctx context.Context, item *db.BatchItem) (string, error) {
	res, err := w.pipeline.CreateIngestion(ctx, item.URL, item.Metadata)
	if err != nil {
		return "", fmt.Errorf("create ingestion for item %s: %w", item.ID, err)
	}

	ingestionID := res.IngestionID
	if ingestionID == "" {
		ingestionID, err = w.pollIngestionJob(ctx, res.JobID)
		if err != nil {
			return "", err
		}
	}

	if err := w.store.SetItemIngestionID(ctx, item.ID, ingestionID); err != nil {
		return "", fmt.Errorf("persist ingestion id for item %s: %w", item.ID, err)
	}
	return ingestionID, nil
}

func (w *ItemWorker) pollIngestionJob(ctx context.Context, jobID string) (string, error) {
	for i := 0; i < w.cfg.IngestPollMax; i++ {
		if err := w.sleep(ctx, w.cfg.IngestPollInterval); err != nil {
			return "", err
		}

		job, err := w.pipeline.GetIngestionJob(ctx, jobID)
		if err != nil {
			return "", fmt.Errorf("poll ingestion job %s: %w", jobID, err)
		}

		switch job.Status {
		case pipeline.StatusFailed:
			return "", &pipeline.APIError{
				Message: fmt.Sprintf("ingestion job %s failed", jobID),
				Payload: job.Error,
			}
		case pipeline.StatusSucceeded:
			if job.IngestionID == "" {
				return "", fmt.Errorf("ingestion job %s succeeded without an ingestion id", jobID)
			}
			return job.IngestionID, nil
		}
	}

	return "", fmt.Errorf("%w: ingestion job %s not done after %d polls", ErrPollTimeout, jobID, w.cfg.IngestPollMax)
}

func (w *ItemWorker) awaitRun(ctx context.Context, runID string) error {
	for i := 0; i < w.cfg.RunPollMax; i++ {
		if err := w.sleep(ctx, w.cfg.RunPollInterval); err != nil {
			return err
		}

		run, err := w.pipeline.GetPipelineRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("poll pipeline run %s: %w", runID, err)
		}

		switch run.Status {
		case pipeline.StatusSucceeded:
			return nil
		case pipeline.StatusFailed:
			return &pipeline.APIError{
				Message: fmt.Sprintf("pipeline run %s failed", runID),
				Payload: run.Error,
			}
		}
	}

	return fmt.Errorf("%w: pipeline run %s not done after %d polls", ErrPollTimeout, runID, w.cfg.RunPollMax)
}

// toItemError shapes a drive error for the last_error column, keeping the
// collaborator's raw payload when one was returned.
func toItemError(err error) *db.ItemError {
	var apiErr *pipeline.APIError
	if errors.As(err, &apiErr) {
		return &db.ItemError{Message: err.Error(), Payload: apiErr.Payload}
	}
	return &db.ItemError{Message: err.Error()}
}

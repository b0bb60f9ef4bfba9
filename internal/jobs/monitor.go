package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Listify-HQ/bulk-ingest/internal/db"
)

// CompletionStore is the persistence surface the completion monitor needs.
type CompletionStore interface {
	FinishCompletedBatches(ctx context.Context) ([]*db.BatchJob, error)
	MarkBatchNotified(ctx context.Context, batchID string) error
}

// BatchNotifier announces finished batches. A nil notifier disables
// announcements without disabling completion detection.
type BatchNotifier interface {
	BatchComplete(ctx context.Context, job *db.BatchJob) error
}

// CompletionMonitor periodically stamps batches whose items have all reached
// a terminal state and announces them once.
type CompletionMonitor struct {
	store    CompletionStore
	notifier BatchNotifier
	interval time.Duration
}

// NewCompletionMonitor creates the monitor. Interval defaults to 15s.
func NewCompletionMonitor(store CompletionStore, notifier BatchNotifier, interval time.Duration) *CompletionMonitor {
	if store == nil {
		panic("jobs: completion store is required")
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &CompletionMonitor{store: store, notifier: notifier, interval: interval}
}

// Run sweeps until the context is cancelled.
func (m *CompletionMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				log.Warn().Err(err).Msg("Completion sweep failed")
			}
		}
	}
}

// Sweep runs one completion pass and returns how many batches were finished.
// Notification failures do not fail the sweep; the batch stays unnotified and
// is retried on the next pass because MarkBatchNotified never ran.
func (m *CompletionMonitor) Sweep(ctx context.Context) (int, error) {
	finished, err := m.store.FinishCompletedBatches(ctx)
	if err != nil {
		return 0, err
	}

	for _, job := range finished {
		log.Info().
			Str("batch_id", job.ID).
			Int("completed", job.CompletedItems).
			Int("failed", job.FailedItems).
			Int("total", job.TotalItems).
			Msg("Batch finished")

		if m.notifier != nil {
			if err := m.notifier.BatchComplete(ctx, job); err != nil {
				log.Warn().Err(err).Str("batch_id", job.ID).Msg("Failed to announce batch completion")
				continue
			}
		}
		if err := m.store.MarkBatchNotified(ctx, job.ID); err != nil {
			log.Warn().Err(err).Str("batch_id", job.ID).Msg("Failed to mark batch notified")
		}
	}

	return len(finished), nil
}

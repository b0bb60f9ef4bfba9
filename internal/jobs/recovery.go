package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Listify-HQ/bulk-ingest/internal/queue"
)

// membershipErrorMatch is the failure-message fragment produced when the
// pipeline rejects an item because the submitting user has no membership row
// for the batch's organisation.
const membershipErrorMatch = "not a member"

const defaultRequeueLimit = 500

// Recovery bundles the operator procedures that put a wedged system back in
// motion. All of them are idempotent: a second run over the same state finds
// nothing left to do.
type Recovery struct {
	store  JobStore
	queue  MessageQueue
	master *Master
}

// NewRecovery creates the recovery toolset.
func NewRecovery(store JobStore, q MessageQueue, master *Master) *Recovery {
	if store == nil {
		panic("jobs: store is required")
	}
	if q == nil {
		panic("jobs: queue is required")
	}
	if master == nil {
		panic("jobs: master is required")
	}
	return &Recovery{store: store, queue: q, master: master}
}

// RequeueFilter narrows which failed items a recovery run touches.
type RequeueFilter struct {
	BatchID    string // optional, restrict to one batch
	ErrorMatch string // optional, case-insensitive substring of the failure message
	Limit      int    // safety cap, default 500
	DryRun     bool   // report what would happen without changing anything
}

// RequeueSummary reports what a requeue run did.
type RequeueSummary struct {
	Found    int
	Requeued int
	Skipped  int
	Errors   int
	// PerBatch maps batch id to how many of its items were requeued.
	PerBatch map[string]int
}

// RequeueFailedItems flips matching failed items back to queued, hands their
// consumed attempts back by enqueuing fresh item messages, and walks the
// batch's failed counter back so completion detection stays truthful.
func (r *Recovery) RequeueFailedItems(ctx context.Context, filter RequeueFilter) (*RequeueSummary, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultRequeueLimit
	}

	items, err := r.store.ListFailedItems(ctx, filter.BatchID, filter.ErrorMatch, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed items: %w", err)
	}

	summary := &RequeueSummary{
		Found:    len(items),
		PerBatch: make(map[string]int),
	}

	if filter.DryRun {
		for _, item := range items {
			summary.PerBatch[item.BatchID]++
		}
		return summary, nil
	}

	opts := queue.Options{
		Attempts:    ItemAttempts,
		BackoffBase: ItemBackoff,
	}

	// One bad item must not abandon the rest of the candidate set: errors are
	// logged per item and counted, and the walk-back below still covers every
	// item that did make it back to queued.
	for _, item := range items {
		// The failed-status guard makes concurrent runs safe: only one
		// of them wins the reset, the loser skips the enqueue.
		reset, err := r.store.ResetItemForRequeue(ctx, item.ID)
		if err != nil {
			summary.Errors++
			log.Error().Err(err).Str("item_id", item.ID).Msg("Failed to reset item for requeue")
			continue
		}
		if !reset {
			summary.Skipped++
			continue
		}

		if _, err := r.queue.Enqueue(ctx, queue.TopicItem, ItemMessage{BulkJobItemID: item.ID}, opts); err != nil {
			summary.Errors++
			log.Error().Err(err).Str("item_id", item.ID).Msg("Failed to enqueue requeued item")
		}

		// Counted even when the enqueue failed: the row is back in queued,
		// so the batch counters must walk back either way. A master redrive
		// picks the message-less item up later.
		summary.Requeued++
		summary.PerBatch[item.BatchID]++
	}

	for batchID, n := range summary.PerBatch {
		if err := r.store.ResetBatchCountersForRequeue(ctx, batchID, n); err != nil {
			summary.Errors++
			log.Error().Err(err).Str("batch_id", batchID).Msg("Failed to walk back batch counters")
		}
	}

	log.Info().
		Int("found", summary.Found).
		Int("requeued", summary.Requeued).
		Int("skipped", summary.Skipped).
		Int("errors", summary.Errors).
		Msg("Failed item requeue complete")

	return summary, nil
}

// RedriveSummary reports what a master re-drive run did.
type RedriveSummary struct {
	Masters       int
	ItemsEnqueued int
	Errors        int
}

// RedriveStuckMasters finds master messages still waiting in the queue and
// performs their fan-out synchronously. The waiting message is left in place;
// when a consumer eventually claims it the fan-out finds no queued items and
// no-ops.
func (r *Recovery) RedriveStuckMasters(ctx context.Context) (*RedriveSummary, error) {
	msgs, err := r.queue.ListWaiting(ctx, queue.TopicMaster, 0)
	if err != nil {
		return nil, fmt.Errorf("list waiting masters: %w", err)
	}

	summary := &RedriveSummary{Masters: len(msgs)}

	for _, msg := range msgs {
		var payload MasterMessage
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			log.Warn().Err(err).Str("message_id", msg.ID).Msg("Skipping undecodable master message")
			continue
		}

		n, err := r.master.FanOut(ctx, payload.BulkJobID)
		if err != nil {
			summary.Errors++
			log.Error().Err(err).Str("batch_id", payload.BulkJobID).Msg("Failed to re-drive master")
			continue
		}
		summary.ItemsEnqueued += n
	}

	log.Info().
		Int("masters", summary.Masters).
		Int("items_enqueued", summary.ItemsEnqueued).
		Msg("Master re-drive complete")

	return summary, nil
}

// RepairSummary reports what a membership repair run did.
type RepairSummary struct {
	ItemsMatched int
	PairsSeen    int
	RowsCreated  int
	Requeue      *RequeueSummary
}

// RepairMemberships finds items that failed on a missing organisation
// membership, inserts the missing rows, and requeues the affected items so
// they go through the pipeline again with the authorisation in place.
func (r *Recovery) RepairMemberships(ctx context.Context, filter RequeueFilter) (*RepairSummary, error) {
	if filter.ErrorMatch == "" {
		filter.ErrorMatch = membershipErrorMatch
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultRequeueLimit
	}

	items, err := r.store.ListFailedItems(ctx, filter.BatchID, filter.ErrorMatch, limit)
	if err != nil {
		return nil, fmt.Errorf("list membership failures: %w", err)
	}

	summary := &RepairSummary{ItemsMatched: len(items)}

	type pair struct{ org, user string }
	seen := make(map[pair]bool)

	for _, item := range items {
		job, err := r.store.GetBatchJob(ctx, item.BatchID)
		if err != nil {
			log.Error().Err(err).Str("batch_id", item.BatchID).Msg("Failed to load batch for membership repair")
			continue
		}

		p := pair{org: job.OrganisationID, user: job.UserID}
		if seen[p] {
			continue
		}
		seen[p] = true
		summary.PairsSeen++

		if filter.DryRun {
			continue
		}

		created, err := r.store.EnsureMembership(ctx, p.org, p.user)
		if err != nil {
			log.Error().Err(err).Str("organisation_id", p.org).Str("user_id", p.user).Msg("Failed to ensure membership")
			continue
		}
		if created {
			summary.RowsCreated++
		}
	}

	requeue, err := r.RequeueFailedItems(ctx, filter)
	if err != nil {
		return summary, err
	}
	summary.Requeue = requeue

	log.Info().
		Int("items_matched", summary.ItemsMatched).
		Int("pairs", summary.PairsSeen).
		Int("rows_created", summary.RowsCreated).
		Msg("Membership repair complete")

	return summary, nil
}

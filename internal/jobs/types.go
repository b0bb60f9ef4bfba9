// Package jobs implements the orchestration engine for bulk URL ingestion:
// batch submission, master fan-out, item processing with per-domain admission
// control, and the operator recovery procedures.
package jobs

import (
	"errors"
	"time"
)

// BatchStatus represents the lifecycle of a batch job. Batches are never
// deleted; cancellation is a soft state.
type BatchStatus string

const (
	BatchStatusActive    BatchStatus = "active"
	BatchStatusCancelled BatchStatus = "cancelled"
)

// ItemStatus represents the current status of a batch item.
type ItemStatus string

const (
	ItemStatusQueued     ItemStatus = "queued"
	ItemStatusInProgress ItemStatus = "in_progress"
	ItemStatusSucceeded  ItemStatus = "succeeded"
	ItemStatusFailed     ItemStatus = "failed"
	ItemStatusCancelled  ItemStatus = "cancelled"
)

// MasterMessage triggers fan-out of a batch's queued items.
type MasterMessage struct {
	BulkJobID string `json:"bulkJobId"`
}

// ItemMessage represents one batch item to be driven through the pipeline.
type ItemMessage struct {
	BulkJobItemID string `json:"bulkJobItemId"`
}

// Delivery defaults for the two topics.
const (
	MasterAttempts = 3
	ItemAttempts   = 3
	ItemBackoff    = 2 * time.Second
)

// ErrItemGone marks an item message whose row no longer exists. Permanent:
// there is nothing left to retry against.
var ErrItemGone = errors.New("batch item no longer exists")

// ErrBatchGone marks an item whose parent batch row no longer exists. Like
// ErrItemGone, retrying cannot bring the row back.
var ErrBatchGone = errors.New("batch job no longer exists")

// ErrPollTimeout marks a pipeline that never reached a terminal state within
// the polling budget. Distinct from a collaborator-declared failure so
// operators can tell "it broke" from "it never finished".
var ErrPollTimeout = errors.New("poll timeout")

package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// BatchJob is one user-submitted bulk request.
type BatchJob struct {
	ID             string
	OrganisationID string
	UserID         string
	Name           string
	Mode           string
	Status         string
	TotalItems     int
	CompletedItems int
	FailedItems    int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FinishedAt     time.Time
	NotifiedAt     time.Time
}

// BatchItem is one URL within a batch, tracked through its own state machine.
type BatchItem struct {
	ID            string
	BatchID       string
	Ordinal       int
	URL           string
	Metadata      map[string]any
	Status        string
	Tries         int
	LastError     *ItemError
	IngestionID   string
	PipelineRunID string
	CreatedAt     time.Time
	StartedAt     time.Time
	FinishedAt    time.Time
}

// ItemError is the structured last-error record persisted on a failed item.
type ItemError struct {
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewItem describes an item to be created alongside its batch.
type NewItem struct {
	URL      string
	Metadata map[string]any
}

// Store provides the job-store operations over batch jobs and items.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store on the given database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Execute runs a database operation in a transaction
func (s *Store) Execute(ctx context.Context, fn func(*sql.Tx) error) error {
	return Execute(ctx, s.db, fn)
}

// CreateBatchWithItems persists one batch row and all of its items atomically.
// Ordinals are assigned 0..N-1 in input order; every item starts queued.
// Either all rows commit or none do.
func (s *Store) CreateBatchWithItems(ctx context.Context, job *BatchJob, items []NewItem) error {
	span := sentry.StartSpan(ctx, "store.create_batch_with_items")
	defer span.Finish()

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Mode == "" {
		job.Mode = "quick"
	}
	if job.Status == "" {
		job.Status = "active"
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	job.TotalItems = len(items)

	err := s.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO batch_jobs (
				id, organisation_id, user_id, name, mode, status,
				total_items, completed_items, failed_items, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, $8, $8)
		`, job.ID, job.OrganisationID, job.UserID, job.Name, job.Mode, job.Status,
			job.TotalItems, now)
		if err != nil {
			return fmt.Errorf("failed to insert batch job: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO batch_items (
				id, batch_id, ordinal, url, metadata, status, tries, created_at
			) VALUES ($1, $2, $3, $4, $5, 'queued', 0, $6)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare item insert statement: %w", err)
		}
		defer stmt.Close()

		for i, item := range items {
			_, err := stmt.ExecContext(ctx,
				uuid.New().String(), job.ID, i, item.URL, Serialise(item.Metadata), now)
			if err != nil {
				return fmt.Errorf("failed to insert batch item %d: %w", i, err)
			}
		}

		return nil
	})

	if err != nil {
		span.SetTag("error", "true")
		span.SetData("error.message", err.Error())
		return err
	}

	log.Info().
		Str("batch_id", job.ID).
		Str("organisation_id", job.OrganisationID).
		Int("item_count", len(items)).
		Msg("Created batch with items")

	return nil
}

// GetBatchJob retrieves a batch by ID.
func (s *Store) GetBatchJob(ctx context.Context, batchID string) (*BatchJob, error) {
	var job BatchJob
	var finishedAt, notifiedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, organisation_id, user_id, name, mode, status,
			total_items, completed_items, failed_items,
			created_at, updated_at, finished_at, notified_at
		FROM batch_jobs
		WHERE id = $1
	`, batchID).Scan(
		&job.ID, &job.OrganisationID, &job.UserID, &job.Name, &job.Mode, &job.Status,
		&job.TotalItems, &job.CompletedItems, &job.FailedItems,
		&job.CreatedAt, &job.UpdatedAt, &finishedAt, &notifiedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("batch not found: %s: %w", batchID, sql.ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}

	if finishedAt.Valid {
		job.FinishedAt = finishedAt.Time
	}
	if notifiedAt.Valid {
		job.NotifiedAt = notifiedAt.Time
	}

	return &job, nil
}

// GetItem retrieves one batch item by ID. Returns sql.ErrNoRows when the row
// is gone.
func (s *Store) GetItem(ctx context.Context, itemID string) (*BatchItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, batch_id, ordinal, url, metadata, status, tries, last_error,
			ingestion_id, pipeline_run_id, created_at, started_at, finished_at
		FROM batch_items
		WHERE id = $1
	`, itemID)

	return scanItem(row)
}

// ListItemsByStatus returns a batch's items in a given status, ordinal
// ascending. A limit of 0 means no limit.
func (s *Store) ListItemsByStatus(ctx context.Context, batchID, status string, limit, offset int) ([]*BatchItem, error) {
	query := `
		SELECT id, batch_id, ordinal, url, metadata, status, tries, last_error,
			ingestion_id, pipeline_run_id, created_at, started_at, finished_at
		FROM batch_items
		WHERE batch_id = $1 AND status = $2
		ORDER BY ordinal ASC
	`
	args := []interface{}{batchID, status}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	return collectItems(rows)
}

// ListFailedItems returns failed items up to limit, optionally scoped to one
// batch and optionally filtered by a case-insensitive substring match against
// the flattened last_error message.
func (s *Store) ListFailedItems(ctx context.Context, batchID, errorMatch string, limit int) ([]*BatchItem, error) {
	query := `
		SELECT id, batch_id, ordinal, url, metadata, status, tries, last_error,
			ingestion_id, pipeline_run_id, created_at, started_at, finished_at
		FROM batch_items
		WHERE status = 'failed'
	`
	args := []interface{}{}
	if batchID != "" {
		args = append(args, batchID)
		query += fmt.Sprintf(" AND batch_id = $%d", len(args))
	}
	if errorMatch != "" {
		args = append(args, "%"+strings.ToLower(errorMatch)+"%")
		query += fmt.Sprintf(" AND LOWER(last_error->>'message') LIKE $%d", len(args))
	}
	query += " ORDER BY batch_id, ordinal ASC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed items: %w", err)
	}
	defer rows.Close()

	return collectItems(rows)
}

// ClaimItem marks an item in_progress, stamps started_at and increments the
// attempt counter. The write is unconditional so redelivery of the same
// message is safe.
func (s *Store) ClaimItem(ctx context.Context, itemID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE batch_items
		SET status = 'in_progress', started_at = $1, tries = tries + 1
		WHERE id = $2
	`, time.Now().UTC(), itemID)
	if err != nil {
		return fmt.Errorf("failed to claim item: %w", err)
	}
	return nil
}

// SetItemIngestionID persists the remote ingestion identifier.
func (s *Store) SetItemIngestionID(ctx context.Context, itemID, ingestionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE batch_items SET ingestion_id = $1 WHERE id = $2
	`, ingestionID, itemID)
	if err != nil {
		return fmt.Errorf("failed to set ingestion id: %w", err)
	}
	return nil
}

// SetItemPipelineRunID persists the remote pipeline-run identifier.
func (s *Store) SetItemPipelineRunID(ctx context.Context, itemID, runID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE batch_items SET pipeline_run_id = $1 WHERE id = $2
	`, runID, itemID)
	if err != nil {
		return fmt.Errorf("failed to set pipeline run id: %w", err)
	}
	return nil
}

// MarkItemSucceeded records terminal success and stamps finished_at.
func (s *Store) MarkItemSucceeded(ctx context.Context, itemID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE batch_items
		SET status = 'succeeded', last_error = NULL, finished_at = $1
		WHERE id = $2
	`, time.Now().UTC(), itemID)
	if err != nil {
		return fmt.Errorf("failed to mark item succeeded: %w", err)
	}
	return nil
}

// MarkItemFailed records terminal failure with a structured last_error and
// stamps finished_at.
func (s *Store) MarkItemFailed(ctx context.Context, itemID string, itemErr *ItemError) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE batch_items
		SET status = 'failed', last_error = $1, finished_at = $2
		WHERE id = $3
	`, Serialise(itemErr), time.Now().UTC(), itemID)
	if err != nil {
		return fmt.Errorf("failed to mark item failed: %w", err)
	}
	return nil
}

// ResetItemForRequeue returns a failed item to queued, clearing last_error,
// tries and both timestamps. Only failed rows are touched, which makes the
// requeue tool idempotent.
func (s *Store) ResetItemForRequeue(ctx context.Context, itemID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE batch_items
		SET status = 'queued', last_error = NULL, tries = 0,
			started_at = NULL, finished_at = NULL
		WHERE id = $1 AND status = 'failed'
	`, itemID)
	if err != nil {
		return false, fmt.Errorf("failed to reset item: %w", err)
	}

	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// IncrementBatchCounters bumps the batch counters with a database-side atomic
// increment so concurrent completions never undercount. updated_at moves with
// every increment.
func (s *Store) IncrementBatchCounters(ctx context.Context, batchID string, completedDelta, failedDelta int) error {
	if completedDelta < 0 || failedDelta < 0 {
		return fmt.Errorf("counter deltas must not be negative")
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE batch_jobs
		SET completed_items = completed_items + $1,
			failed_items = failed_items + $2,
			updated_at = NOW()
		WHERE id = $3
	`, completedDelta, failedDelta, batchID)
	if err != nil {
		return fmt.Errorf("failed to increment batch counters: %w", err)
	}
	return nil
}

// ResetBatchCountersForRequeue decrements the failed counter after recovery
// returned items to queued. Clamped at zero so repeated runs stay monotonic
// from the perspective of completed+failed never exceeding total.
func (s *Store) ResetBatchCountersForRequeue(ctx context.Context, batchID string, requeued int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE batch_jobs
		SET failed_items = GREATEST(failed_items - $1, 0),
			finished_at = NULL,
			notified_at = NULL,
			updated_at = NOW()
		WHERE id = $2
	`, requeued, batchID)
	if err != nil {
		return fmt.Errorf("failed to reset batch counters: %w", err)
	}
	return nil
}

// TouchBatchJob moves updated_at without changing anything else.
func (s *Store) TouchBatchJob(ctx context.Context, batchID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE batch_jobs SET updated_at = NOW() WHERE id = $1
	`, batchID)
	if err != nil {
		return fmt.Errorf("failed to touch batch: %w", err)
	}
	return nil
}

// CancelBatch marks the batch cancelled and flips still-queued items to
// cancelled. In-flight items finish naturally.
func (s *Store) CancelBatch(ctx context.Context, batchID string) error {
	span := sentry.StartSpan(ctx, "store.cancel_batch")
	defer span.Finish()

	return s.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE batch_jobs
			SET status = 'cancelled', updated_at = NOW()
			WHERE id = $1
		`, batchID)
		if err != nil {
			return fmt.Errorf("failed to cancel batch: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE batch_items
			SET status = 'cancelled'
			WHERE batch_id = $1 AND status = 'queued'
		`, batchID)
		if err != nil {
			return fmt.Errorf("failed to cancel queued items: %w", err)
		}

		return nil
	})
}

// FinishCompletedBatches stamps finished_at on active batches whose items
// have all reached a terminal state, returning the batches it touched. A
// batch that was finished earlier but never notified is returned again so
// the caller can retry the announcement; its finished_at is preserved.
func (s *Store) FinishCompletedBatches(ctx context.Context) ([]*BatchJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE batch_jobs
		SET finished_at = COALESCE(finished_at, NOW()), updated_at = NOW()
		WHERE status = 'active'
		  AND notified_at IS NULL
		  AND total_items > 0
		  AND completed_items + failed_items >= total_items
		RETURNING id, organisation_id, user_id, name, mode, status,
			total_items, completed_items, failed_items,
			created_at, updated_at, finished_at, notified_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to finish completed batches: %w", err)
	}
	defer rows.Close()

	var finished []*BatchJob
	for rows.Next() {
		var job BatchJob
		var finishedAt, notifiedAt sql.NullTime
		if err := rows.Scan(
			&job.ID, &job.OrganisationID, &job.UserID, &job.Name, &job.Mode, &job.Status,
			&job.TotalItems, &job.CompletedItems, &job.FailedItems,
			&job.CreatedAt, &job.UpdatedAt, &finishedAt, &notifiedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan finished batch: %w", err)
		}
		if finishedAt.Valid {
			job.FinishedAt = finishedAt.Time
		}
		finished = append(finished, &job)
	}

	return finished, rows.Err()
}

// MarkBatchNotified records that a completion notification was delivered.
func (s *Store) MarkBatchNotified(ctx context.Context, batchID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE batch_jobs SET notified_at = NOW() WHERE id = $1
	`, batchID)
	if err != nil {
		return fmt.Errorf("failed to mark batch notified: %w", err)
	}
	return nil
}

// EnsureMembership inserts an organisation membership row if one does not
// already exist. Returns true when a row was created.
func (s *Store) EnsureMembership(ctx context.Context, organisationID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO organisation_members (organisation_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (organisation_id, user_id) DO NOTHING
	`, organisationID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to ensure membership: %w", err)
	}

	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*BatchItem, error) {
	var item BatchItem
	var metadata []byte
	var lastError []byte
	var ingestionID, pipelineRunID sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&item.ID, &item.BatchID, &item.Ordinal, &item.URL, &metadata,
		&item.Status, &item.Tries, &lastError,
		&ingestionID, &pipelineRunID,
		&item.CreatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &item.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal item metadata: %w", err)
		}
	}
	if len(lastError) > 0 {
		var itemErr ItemError
		if err := json.Unmarshal(lastError, &itemErr); err != nil {
			return nil, fmt.Errorf("failed to unmarshal item error: %w", err)
		}
		item.LastError = &itemErr
	}
	if ingestionID.Valid {
		item.IngestionID = ingestionID.String
	}
	if pipelineRunID.Valid {
		item.PipelineRunID = pipelineRunID.String
	}
	if startedAt.Valid {
		item.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		item.FinishedAt = finishedAt.Time
	}

	return &item, nil
}

func collectItems(rows *sql.Rows) ([]*BatchItem, error) {
	var items []*BatchItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

//go:build unit || !integration

package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockStore(t *testing.T) (sqlmock.Sqlmock, *Store) {
	t.Helper()

	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	return mock, NewStore(mockDB)
}

func TestExecuteCommitsOnSuccess(t *testing.T) {
	mock, store := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE batch_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Execute(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(context.Background(), "UPDATE batch_jobs SET updated_at = NOW()")
		return err
	})

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteRollsBackOnError(t *testing.T) {
	mock, store := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.Execute(context.Background(), func(tx *sql.Tx) error {
		return errors.New("boom")
	})

	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Item rows must carry ordinals 0..N-1 in input order so the original paste
// order is reconstructible, and the whole submission must be one transaction.
func TestCreateBatchWithItemsAssignsSequentialOrdinals(t *testing.T) {
	mock, store := setupMockStore(t)

	job := &BatchJob{ID: "batch-1", OrganisationID: "org-1", UserID: "user-1", Name: "bulk"}
	items := []NewItem{
		{URL: "https://a.com/1"},
		{URL: "https://b.com/2"},
		{URL: "https://a.com/3"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO batch_jobs").
		WithArgs("batch-1", "org-1", "user-1", "bulk", "quick", "active", 3, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep := mock.ExpectPrepare("INSERT INTO batch_items")
	for i, item := range items {
		prep.ExpectExec().
			WithArgs(sqlmock.AnyArg(), "batch-1", i, item.URL, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	err := store.CreateBatchWithItems(context.Background(), job, items)

	assert.NoError(t, err)
	assert.Equal(t, 3, job.TotalItems)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBatchWithItemsRollsBackOnItemInsertFailure(t *testing.T) {
	mock, store := setupMockStore(t)

	job := &BatchJob{ID: "batch-1", OrganisationID: "org-1", UserID: "user-1"}
	items := []NewItem{{URL: "https://a.com/1"}}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO batch_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep := mock.ExpectPrepare("INSERT INTO batch_items")
	prep.ExpectExec().WillReturnError(errors.New("value too long"))
	mock.ExpectRollback()

	err := store.CreateBatchWithItems(context.Background(), job, items)

	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Callers classify a vanished batch with errors.Is, so the sentinel must
// survive the wrapping.
func TestGetBatchJobMissingRowKeepsSentinel(t *testing.T) {
	mock, store := setupMockStore(t)

	mock.ExpectQuery("SELECT id, organisation_id").
		WithArgs("batch-1").
		WillReturnError(sql.ErrNoRows)

	job, err := store.GetBatchJob(context.Background(), "batch-1")

	assert.Nil(t, job)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestClaimItemIsUnconditional(t *testing.T) {
	mock, store := setupMockStore(t)

	mock.ExpectExec(`UPDATE batch_items\s+SET status = 'in_progress'`).
		WithArgs(sqlmock.AnyArg(), "item-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.ClaimItem(context.Background(), "item-1")

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementBatchCountersUsesAtomicIncrement(t *testing.T) {
	mock, store := setupMockStore(t)

	mock.ExpectExec(`UPDATE batch_jobs\s+SET completed_items = completed_items \+ \$1`).
		WithArgs(1, 0, "batch-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.IncrementBatchCounters(context.Background(), "batch-1", 1, 0)

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementBatchCountersRejectsNegativeDeltas(t *testing.T) {
	_, store := setupMockStore(t)

	err := store.IncrementBatchCounters(context.Background(), "batch-1", -1, 0)

	assert.Error(t, err)
}

func TestResetItemForRequeueOnlyTouchesFailedRows(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		expected bool
	}{
		{name: "failed_row_reset", affected: 1, expected: true},
		{name: "row_no_longer_failed", affected: 0, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, store := setupMockStore(t)

			mock.ExpectExec(`(?s)UPDATE batch_items\s+SET status = 'queued'.*AND status = 'failed'`).
				WithArgs("item-1").
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			reset, err := store.ResetItemForRequeue(context.Background(), "item-1")

			require.NoError(t, err)
			assert.Equal(t, tt.expected, reset)
		})
	}
}

func TestMarkItemFailedSerialisesError(t *testing.T) {
	mock, store := setupMockStore(t)

	itemErr := &ItemError{Message: "pipeline run run-1 failed"}

	mock.ExpectExec(`UPDATE batch_items\s+SET status = 'failed'`).
		WithArgs(`{"message":"pipeline run run-1 failed"}`, sqlmock.AnyArg(), "item-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.MarkItemFailed(context.Background(), "item-1", itemErr)

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetBatchCountersClampsAtZero(t *testing.T) {
	mock, store := setupMockStore(t)

	mock.ExpectExec(`UPDATE batch_jobs\s+SET failed_items = GREATEST\(failed_items - \$1, 0\)`).
		WithArgs(5, "batch-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.ResetBatchCountersForRequeue(context.Background(), "batch-1", 5)

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureMembershipReportsCreation(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		expected bool
	}{
		{name: "row_created", affected: 1, expected: true},
		{name: "row_already_present", affected: 0, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, store := setupMockStore(t)

			mock.ExpectExec(`INSERT INTO organisation_members`).
				WithArgs("org-1", "user-1").
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			created, err := store.EnsureMembership(context.Background(), "org-1", "user-1")

			require.NoError(t, err)
			assert.Equal(t, tt.expected, created)
		})
	}
}

func TestCancelBatchFlipsBatchAndQueuedItems(t *testing.T) {
	mock, store := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE batch_jobs\s+SET status = 'cancelled'`).
		WithArgs("batch-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)UPDATE batch_items\s+SET status = 'cancelled'.*status = 'queued'`).
		WithArgs("batch-1").
		WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectCommit()

	err := store.CancelBatch(context.Background(), "batch-1")

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

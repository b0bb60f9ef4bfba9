//go:build integration

package db

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Listify-HQ/bulk-ingest/internal/testutil"
)

func TestDatabaseConnection(t *testing.T) {
	testutil.LoadTestEnv(t)

	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	database, err := InitFromEnv()
	require.NoError(t, err, "Failed to connect to test database")
	defer database.Close()

	ctx := context.Background()
	sqlDB := database.GetDB()

	var result int
	err = sqlDB.QueryRowContext(ctx, "SELECT 1").Scan(&result)
	require.NoError(t, err, "Failed to execute test query")
	assert.Equal(t, 1, result)

	// Schema setup must have created the two core tables.
	for _, table := range []string{"batch_jobs", "queue_messages"} {
		var exists bool
		err = sqlDB.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT FROM information_schema.tables
				WHERE table_schema = 'public'
				AND table_name = $1
			)
		`, table).Scan(&exists)
		require.NoError(t, err, "Failed to check for %s table", table)
		assert.True(t, exists, "The %s table should exist in the test database", table)
	}
}

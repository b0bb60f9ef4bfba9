// Package db provides the PostgreSQL store for batch jobs, batch items and
// organisation memberships, plus the queue_messages table the queue substrate
// persists into.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// DB represents a PostgreSQL database connection
type DB struct {
	client *sql.DB
	config *Config
}

// GetConfig returns the original DB connection settings
func (d *DB) GetConfig() *Config {
	return d.config
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host         string        // Database host
	Port         string        // Database port
	User         string        // Database user
	Password     string        // Database password
	Database     string        // Database name
	SSLMode      string        // SSL mode (disable, require, verify-ca, verify-full)
	MaxIdleConns int           // Maximum number of idle connections
	MaxOpenConns int           // Maximum number of open connections
	MaxLifetime  time.Duration // Maximum lifetime of a connection
	DatabaseURL  string        // Original DATABASE_URL if used
}

// ConnectionString returns the PostgreSQL connection string
func (c *Config) ConnectionString() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}

	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// New creates a new PostgreSQL database connection
func New(config *Config) (*DB, error) {
	if config.DatabaseURL == "" {
		if config.Host == "" {
			return nil, fmt.Errorf("database host is required")
		}
		if config.Port == "" {
			return nil, fmt.Errorf("database port is required")
		}
		if config.User == "" {
			return nil, fmt.Errorf("database user is required")
		}
		if config.Database == "" {
			return nil, fmt.Errorf("database name is required")
		}
	}

	// Set defaults for optional fields
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 20
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 50
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 20 * time.Minute
	}

	client, err := sql.Open("pgx", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	if err := client.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	if err := setupSchema(client); err != nil {
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	return &DB{client: client, config: config}, nil
}

// InitFromEnv creates a PostgreSQL connection using environment variables
func InitFromEnv() (*DB, error) {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return New(&Config{DatabaseURL: url})
	}

	config := &Config{
		Host:     os.Getenv("POSTGRES_HOST"),
		Port:     os.Getenv("POSTGRES_PORT"),
		User:     os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		Database: os.Getenv("POSTGRES_DB"),
		SSLMode:  os.Getenv("POSTGRES_SSL_MODE"),
	}

	// Use defaults if not set
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == "" {
		config.Port = "5432"
	}
	if config.User == "" {
		config.User = "postgres"
	}
	if config.Database == "" {
		config.Database = "bulk_ingest"
	}

	return New(config)
}

// setupSchema creates the necessary tables in PostgreSQL
func setupSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS batch_jobs (
			id TEXT PRIMARY KEY,
			organisation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL DEFAULT 'quick',
			status TEXT NOT NULL DEFAULT 'active',
			total_items INTEGER NOT NULL DEFAULT 0,
			completed_items INTEGER NOT NULL DEFAULT 0,
			failed_items INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMP,
			notified_at TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create batch_jobs table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS batch_items (
			id TEXT PRIMARY KEY,
			batch_id TEXT NOT NULL REFERENCES batch_jobs(id),
			ordinal INTEGER NOT NULL,
			url TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'queued',
			tries INTEGER NOT NULL DEFAULT 0,
			last_error JSONB,
			ingestion_id TEXT,
			pipeline_run_id TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			started_at TIMESTAMP,
			finished_at TIMESTAMP,
			UNIQUE(batch_id, ordinal)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create batch_items table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS organisation_members (
			organisation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			PRIMARY KEY (organisation_id, user_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create organisation_members table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_messages (
			id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			payload JSONB NOT NULL,
			status TEXT NOT NULL DEFAULT 'waiting',
			attempts_made INTEGER NOT NULL DEFAULT 0,
			attempts_max INTEGER NOT NULL DEFAULT 3,
			backoff_base_ms INTEGER NOT NULL DEFAULT 2000,
			visible_at TIMESTAMP NOT NULL DEFAULT NOW(),
			claimed_at TIMESTAMP,
			last_error TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create queue_messages table: %w", err)
	}

	// Index for item claiming by the master fan-out
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_batch_items_batch_status ON batch_items (batch_id, status, ordinal)`)
	if err != nil {
		return fmt.Errorf("failed to create batch item status index: %w", err)
	}

	// Index for the recovery tools' failed-item scans
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_batch_items_failed ON batch_items (batch_id) WHERE status = 'failed'`)
	if err != nil {
		return fmt.Errorf("failed to create failed item index: %w", err)
	}

	// Optimised index for queue message claiming
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_queue_waiting_claim_order ON queue_messages (topic, visible_at) WHERE status = 'waiting'`)
	if err != nil {
		return fmt.Errorf("failed to create queue claim index: %w", err)
	}

	return nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.client.Close()
}

// GetDB returns the underlying database connection
func (d *DB) GetDB() *sql.DB {
	return d.client
}

// ResetSchema drops and recreates all tables. Test environments only.
func (d *DB) ResetSchema() error {
	log.Warn().Msg("Resetting PostgreSQL schema")

	tables := []string{"queue_messages", "batch_items", "batch_jobs", "organisation_members"}
	for _, table := range tables {
		_, err := d.client.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s CASCADE`, table))
		if err != nil {
			log.Error().Err(err).Str("table", table).Msg("Failed to drop table")
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
	}

	err := setupSchema(d.client)
	if err != nil {
		log.Error().Err(err).Msg("Failed to recreate schema")
		return fmt.Errorf("failed to recreate schema: %w", err)
	}

	log.Info().Msg("Successfully reset database schema")
	return nil
}

// Execute runs a database operation in a transaction
func Execute(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Serialise converts data to JSON string representation.
func Serialise(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to serialise data")
		return "{}"
	}
	return string(data)
}

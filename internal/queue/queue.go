// Package queue implements a durable, at-least-once delayed message queue on
// PostgreSQL. Messages live in the queue_messages table, are claimed with
// FOR UPDATE SKIP LOCKED, retry with exponential backoff up to a per-message
// attempt budget, and can be rescheduled without consuming an attempt.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Listify-HQ/bulk-ingest/internal/db"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Topic names used by the orchestration engine.
const (
	TopicMaster = "batch.master"
	TopicItem   = "batch.item"
)

// notifyChannel is the pg_notify channel new messages are announced on.
const notifyChannel = "queue_new_message"

// Message statuses.
const (
	StatusWaiting   = "waiting"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusDead      = "dead"
)

// Message is one durable queue message.
type Message struct {
	ID           string
	Topic        string
	Payload      json.RawMessage
	Status       string
	AttemptsMade int
	AttemptsMax  int
	BackoffBase  time.Duration
	VisibleAt    time.Time
	CreatedAt    time.Time
	LastError    string
}

// Options controls delivery behaviour for enqueued messages.
type Options struct {
	Attempts    int           // total attempt budget, default 3
	BackoffBase time.Duration // initial retry backoff, default 2s
	Delay       time.Duration // initial visibility delay, default none
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	return o
}

// Queue is the PostgreSQL-backed queue substrate.
type Queue struct {
	db *sql.DB
}

// New creates a queue on the given database connection.
func New(database *sql.DB) *Queue {
	return &Queue{db: database}
}

// Enqueue inserts one message and announces it.
func (q *Queue) Enqueue(ctx context.Context, topic string, payload any, opts Options) (string, error) {
	opts = opts.withDefaults()
	id := uuid.New().String()

	err := db.Execute(ctx, q.db, func(tx *sql.Tx) error {
		if err := insertMessage(ctx, tx, id, topic, payload, opts); err != nil {
			return err
		}
		return notifyTopic(ctx, tx, topic)
	})
	if err != nil {
		return "", err
	}

	return id, nil
}

// EnqueueBatch inserts many messages for one topic in a single transaction.
// All rows commit or none do; callers needing per-message fallback should
// retry individually with Enqueue.
func (q *Queue) EnqueueBatch(ctx context.Context, topic string, payloads []any, opts Options) error {
	if len(payloads) == 0 {
		return nil
	}
	opts = opts.withDefaults()

	return db.Execute(ctx, q.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO queue_messages (
				id, topic, payload, status, attempts_made, attempts_max,
				backoff_base_ms, visible_at, created_at, updated_at
			) VALUES ($1, $2, $3, 'waiting', 0, $4, $5, $6, NOW(), NOW())
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare message insert: %w", err)
		}
		defer stmt.Close()

		visibleAt := time.Now().UTC().Add(opts.Delay)
		for _, payload := range payloads {
			body, err := json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("failed to marshal message payload: %w", err)
			}
			_, err = stmt.ExecContext(ctx, uuid.New().String(), topic, body,
				opts.Attempts, opts.BackoffBase.Milliseconds(), visibleAt)
			if err != nil {
				return fmt.Errorf("failed to insert message: %w", err)
			}
		}

		return notifyTopic(ctx, tx, topic)
	})
}

// Claim takes the next visible waiting message for a topic, marking it active
// and consuming one attempt. Returns nil when nothing is ready.
func (q *Queue) Claim(ctx context.Context, topic string) (*Message, error) {
	var msg Message
	var backoffMs int64

	err := db.Execute(ctx, q.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT id, topic, payload, attempts_made, attempts_max, backoff_base_ms,
				visible_at, created_at, COALESCE(last_error, '')
			FROM queue_messages
			WHERE topic = $1 AND status = 'waiting' AND visible_at <= NOW()
			ORDER BY visible_at ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, topic).Scan(
			&msg.ID, &msg.Topic, &msg.Payload, &msg.AttemptsMade, &msg.AttemptsMax,
			&backoffMs, &msg.VisibleAt, &msg.CreatedAt, &msg.LastError,
		)
		if err == sql.ErrNoRows {
			return sql.ErrNoRows
		}
		if err != nil {
			return fmt.Errorf("failed to query message: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE queue_messages
			SET status = 'active', attempts_made = attempts_made + 1,
				claimed_at = NOW(), updated_at = NOW()
			WHERE id = $1
		`, msg.ID)
		if err != nil {
			return fmt.Errorf("failed to activate message: %w", err)
		}

		msg.Status = StatusActive
		msg.AttemptsMade++
		return nil
	})

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	msg.BackoffBase = time.Duration(backoffMs) * time.Millisecond
	return &msg, nil
}

// Complete marks a message done.
func (q *Queue) Complete(ctx context.Context, msgID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET status = 'completed', updated_at = NOW()
		WHERE id = $1
	`, msgID)
	if err != nil {
		return fmt.Errorf("failed to complete message: %w", err)
	}
	return nil
}

// Fail records a handler failure. While attempts remain the message returns
// to waiting with exponentially increasing backoff; once the budget is
// exhausted it goes dead. Returns true when the message will be retried.
func (q *Queue) Fail(ctx context.Context, msg *Message, cause error) (bool, error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	if msg.AttemptsMade >= msg.AttemptsMax {
		_, err := q.db.ExecContext(ctx, `
			UPDATE queue_messages
			SET status = 'dead', last_error = $1, updated_at = NOW()
			WHERE id = $2
		`, reason, msg.ID)
		if err != nil {
			return false, fmt.Errorf("failed to bury message: %w", err)
		}
		return false, nil
	}

	backoff := RetryBackoff(msg.BackoffBase, msg.AttemptsMade)
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET status = 'waiting', last_error = $1, visible_at = $2, updated_at = NOW()
		WHERE id = $3
	`, reason, time.Now().UTC().Add(backoff), msg.ID)
	if err != nil {
		return false, fmt.Errorf("failed to requeue message: %w", err)
	}
	return true, nil
}

// FailPermanently buries a message regardless of remaining attempts.
func (q *Queue) FailPermanently(ctx context.Context, msgID string, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET status = 'dead', last_error = $1, updated_at = NOW()
		WHERE id = $2
	`, reason, msgID)
	if err != nil {
		return fmt.Errorf("failed to bury message: %w", err)
	}
	return nil
}

// Reschedule returns an active message to waiting with a new visibility time,
// handing back the attempt Claim consumed. Used for throttle deferrals, which
// must never eat into the retry budget.
func (q *Queue) Reschedule(ctx context.Context, msg *Message, delay time.Duration) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET status = 'waiting',
			attempts_made = GREATEST(attempts_made - 1, 0),
			visible_at = $1, updated_at = NOW()
		WHERE id = $2
	`, time.Now().UTC().Add(delay), msg.ID)
	if err != nil {
		return fmt.Errorf("failed to reschedule message: %w", err)
	}
	return nil
}

// ListWaiting returns waiting messages for a topic, oldest first. Used by the
// re-drive recovery tool to read payloads straight out of queue storage.
func (q *Queue) ListWaiting(ctx context.Context, topic string, limit int) ([]*Message, error) {
	query := `
		SELECT id, topic, payload, attempts_made, attempts_max, backoff_base_ms,
			visible_at, created_at, COALESCE(last_error, '')
		FROM queue_messages
		WHERE topic = $1 AND status = 'waiting'
		ORDER BY created_at ASC
	`
	args := []interface{}{topic}
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $2"
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list waiting messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var msg Message
		var backoffMs int64
		if err := rows.Scan(
			&msg.ID, &msg.Topic, &msg.Payload, &msg.AttemptsMade, &msg.AttemptsMax,
			&backoffMs, &msg.VisibleAt, &msg.CreatedAt, &msg.LastError,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Status = StatusWaiting
		msg.BackoffBase = time.Duration(backoffMs) * time.Millisecond
		msgs = append(msgs, &msg)
	}

	return msgs, rows.Err()
}

// ReleaseExpired returns active messages whose claim is older than lease back
// to waiting. Crash recovery: the claiming process died mid-handle.
func (q *Queue) ReleaseExpired(ctx context.Context, lease time.Duration) (int64, error) {
	result, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET status = 'waiting', visible_at = NOW(), updated_at = NOW()
		WHERE status = 'active' AND claimed_at < $1
	`, time.Now().UTC().Add(-lease))
	if err != nil {
		return 0, fmt.Errorf("failed to release expired messages: %w", err)
	}

	released, _ := result.RowsAffected()
	if released > 0 {
		log.Info().Int64("released", released).Msg("Released expired queue claims")
	}
	return released, nil
}

// RetryBackoff computes the delay before redelivering a message that has
// already been attempted `attempt` times: base * 2^(attempt-1).
func RetryBackoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
}

func insertMessage(ctx context.Context, tx *sql.Tx, id, topic string, payload any, opts Options) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message payload: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO queue_messages (
			id, topic, payload, status, attempts_made, attempts_max,
			backoff_base_ms, visible_at, created_at, updated_at
		) VALUES ($1, $2, $3, 'waiting', 0, $4, $5, $6, NOW(), NOW())
	`, id, topic, body, opts.Attempts, opts.BackoffBase.Milliseconds(),
		time.Now().UTC().Add(opts.Delay))
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func notifyTopic(ctx context.Context, tx *sql.Tx, topic string) error {
	// pg_notify payloads are plain strings; the topic lets listeners wake
	// only the pools that care.
	safe := strings.ReplaceAll(topic, "'", "")
	_, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, safe)
	if err != nil {
		return fmt.Errorf("failed to notify topic: %w", err)
	}
	return nil
}

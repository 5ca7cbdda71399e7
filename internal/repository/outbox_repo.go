package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"stock-reservation-service/internal/models"
)

// OutboxRepository handles outbox rows and the Postgres advisory locks used
// as the deployment-singleton guard for the outbox publisher and the reaper
type OutboxRepository struct {
	db *sqlx.DB

	// Advisory locks are session-scoped, so each held lock pins the
	// connection it was acquired on until it is released. Unlocking on a
	// different pooled connection would leave the lock stranded on an idle
	// session.
	mu        sync.Mutex
	lockConns map[int64]*sql.Conn
}

// NewOutboxRepository creates a new outbox repository
func NewOutboxRepository(db *sqlx.DB) *OutboxRepository {
	return &OutboxRepository{
		db:        db,
		lockConns: make(map[int64]*sql.Conn),
	}
}

// TryAdvisoryLock attempts to acquire a PostgreSQL advisory lock on a
// dedicated connection. Returns true if the lock was acquired, false if
// another instance holds it.
func (r *OutboxRepository) TryAdvisoryLock(ctx context.Context, lockKey int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, held := r.lockConns[lockKey]; held {
		return false, nil
	}

	conn, err := r.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check out lock connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockKey).Scan(&acquired); err != nil {
		conn.Close()
		log.Error().Err(err).Int64("lock_key", lockKey).Msg("Failed to acquire advisory lock")
		return false, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}

	r.lockConns[lockKey] = conn
	return true, nil
}

// ReleaseAdvisoryLock releases the PostgreSQL advisory lock on the
// connection that acquired it
func (r *OutboxRepository) ReleaseAdvisoryLock(ctx context.Context, lockKey int64) error {
	r.mu.Lock()
	conn, held := r.lockConns[lockKey]
	delete(r.lockConns, lockKey)
	r.mu.Unlock()

	if !held {
		log.Warn().Int64("lock_key", lockKey).Msg("Advisory lock was not held when trying to release")
		return nil
	}

	var released bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", lockKey).Scan(&released); err != nil {
		// discard the session entirely; Postgres releases its advisory
		// locks when the backing connection dies
		conn.Raw(func(interface{}) error { return driver.ErrBadConn })
		conn.Close()
		log.Error().Err(err).Int64("lock_key", lockKey).Msg("Failed to release advisory lock")
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	conn.Close()

	if !released {
		log.Warn().Int64("lock_key", lockKey).Msg("Advisory lock was not held when trying to release")
	}

	return nil
}

// FetchOutboxBatchOrdered fetches unpublished events in insertion order.
// FOR UPDATE SKIP LOCKED keeps concurrent publishers off the same rows.
func (r *OutboxRepository) FetchOutboxBatchOrdered(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	query := `
		SELECT id, event_type, key, payload, created_at, published, publish_attempts, last_error
		FROM outbox
		WHERE published = FALSE
		ORDER BY id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			log.Error().Err(err).Msg("Failed to rollback outbox fetch transaction")
		}
	}()

	var events []models.OutboxEvent
	if err := tx.SelectContext(ctx, &events, query, limit); err != nil {
		return nil, fmt.Errorf("failed to query outbox events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return events, nil
}

// MarkOutboxPublished marks events as successfully published
func (r *OutboxRepository) MarkOutboxPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query := `UPDATE outbox SET published = TRUE, published_at = NOW() WHERE id = ANY($1)`

	result, err := r.db.ExecContext(ctx, query, pq.Array(ids))
	if err != nil {
		log.Error().Err(err).Interface("ids", ids).Msg("Failed to mark outbox events as published")
		return fmt.Errorf("failed to mark outbox events as published: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	log.Debug().Int64("rows_affected", rowsAffected).Msg("Marked outbox events as published")

	return nil
}

// IncrementPublishAttempts records a failed publish attempt and its error
func (r *OutboxRepository) IncrementPublishAttempts(ctx context.Context, id int64, lastError string) error {
	query := `UPDATE outbox
			  SET publish_attempts = publish_attempts + 1, last_error = $2
			  WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id, lastError); err != nil {
		log.Error().Err(err).Int64("id", id).Msg("Failed to increment publish attempts")
		return fmt.Errorf("failed to increment publish attempts: %w", err)
	}

	return nil
}

// InsertOutboxEvent inserts a new event into the outbox. Callers pass the
// transaction of the state change so the event is recorded atomically.
func (r *OutboxRepository) InsertOutboxEvent(ctx context.Context, tx *sqlx.Tx, eventType, key string, payload interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `INSERT INTO outbox (event_type, key, payload, created_at) VALUES ($1, $2, $3, NOW())`

	var executor interface {
		ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	}
	if tx != nil {
		executor = tx
	} else {
		executor = r.db
	}

	if _, err := executor.ExecContext(ctx, query, eventType, key, string(payloadJSON)); err != nil {
		log.Error().Err(err).Str("event_type", eventType).Str("key", key).Msg("Failed to insert outbox event")
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}

	return nil
}

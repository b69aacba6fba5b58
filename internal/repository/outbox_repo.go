package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"stock-reservation-service/internal/models"
)

// OutboxRepository handles outbox operations with advisory locking
type OutboxRepository struct {
	db *sqlx.DB

	// advisory locks belong to a session, so the connection that took the
	// lock is pinned until it is released
	lockMu   sync.Mutex
	lockConn *sqlx.Conn
}

// NewOutboxRepository creates a new outbox repository
func NewOutboxRepository(db *sqlx.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// TryAcquireOutboxLock attempts to acquire a PostgreSQL advisory lock.
// Returns true if lock was acquired, false if another worker has it.
func (r *OutboxRepository) TryAcquireOutboxLock(ctx context.Context, lockKey int64) (bool, error) {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()

	if r.lockConn != nil {
		return true, nil
	}

	conn, err := r.db.Connx(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get connection for advisory lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowxContext(ctx, "SELECT pg_try_advisory_lock($1)", lockKey).Scan(&acquired); err != nil {
		conn.Close()
		log.Error().Err(err).Int64("lock_key", lockKey).Msg("Failed to acquire advisory lock")
		return false, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}

	if !acquired {
		conn.Close()
		log.Debug().Int64("lock_key", lockKey).Msg("Advisory lock already held by another worker")
		return false, nil
	}

	r.lockConn = conn
	log.Debug().Int64("lock_key", lockKey).Msg("Acquired outbox advisory lock")
	return true, nil
}

// ReleaseOutboxLock releases the PostgreSQL advisory lock
func (r *OutboxRepository) ReleaseOutboxLock(ctx context.Context, lockKey int64) error {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()

	if r.lockConn == nil {
		log.Warn().Int64("lock_key", lockKey).Msg("Advisory lock was not held when trying to release")
		return nil
	}
	conn := r.lockConn
	r.lockConn = nil
	defer conn.Close()

	var released bool
	if err := conn.QueryRowxContext(ctx, "SELECT pg_advisory_unlock($1)", lockKey).Scan(&released); err != nil {
		log.Error().Err(err).Int64("lock_key", lockKey).Msg("Failed to release advisory lock")
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}

	if !released {
		log.Warn().Int64("lock_key", lockKey).Msg("Advisory lock was not held by this session")
	}
	return nil
}

// FetchOutboxBatchOrdered fetches unpublished events in insertion order.
// Callers hold the advisory lock, so a plain select is enough.
func (r *OutboxRepository) FetchOutboxBatchOrdered(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	query := `
		SELECT id, event_type, key, payload, created_at, published, publish_attempts, last_error
		FROM outbox
		WHERE published = false
		ORDER BY id ASC
		LIMIT $1
	`

	var events []models.OutboxEvent
	if err := r.db.SelectContext(ctx, &events, query, limit); err != nil {
		return nil, fmt.Errorf("failed to query outbox events: %w", err)
	}

	log.Debug().Int("count", len(events)).Msg("Fetched outbox events for processing")
	return events, nil
}

// MarkOutboxPublished marks events as successfully published
func (r *OutboxRepository) MarkOutboxPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query := `
		UPDATE outbox
		SET published = true,
		    published_at = NOW(),
		    updated_at = NOW()
		WHERE id = ANY($1)
	`

	result, err := r.db.ExecContext(ctx, query, pq.Array(ids))
	if err != nil {
		log.Error().Err(err).Ints64("ids", ids).Msg("Failed to mark outbox events as published")
		return fmt.Errorf("failed to mark outbox events as published: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	log.Debug().Int64("rows_affected", rowsAffected).Msg("Marked outbox events as published")
	return nil
}

// IncrementPublishAttempts increments the publish attempts counter and records error
func (r *OutboxRepository) IncrementPublishAttempts(ctx context.Context, id int64, lastError string) error {
	query := `
		UPDATE outbox
		SET publish_attempts = publish_attempts + 1,
		    last_error = $2,
		    updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, lastError)
	if err != nil {
		log.Error().Err(err).Int64("id", id).Msg("Failed to increment publish attempts")
		return fmt.Errorf("failed to increment publish attempts: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rowsAffected == 0 {
		log.Warn().Int64("id", id).Msg("No outbox event found to increment attempts")
	}

	return nil
}

// CleanupPublished deletes published rows older than the retention window
func (r *OutboxRepository) CleanupPublished(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `DELETE FROM outbox WHERE published = true AND published_at < $1`

	result, err := r.db.ExecContext(ctx, query, time.Now().Add(-olderThan))
	if err != nil {
		log.Error().Err(err).Msg("Failed to clean up published outbox events")
		return 0, fmt.Errorf("failed to clean up outbox: %w", err)
	}

	return result.RowsAffected()
}

// InsertOutboxEvent inserts a new event into the outbox, inside tx when one is given
func (r *OutboxRepository) InsertOutboxEvent(ctx context.Context, tx *sqlx.Tx, eventType, key string, payload any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO outbox (event_type, key, payload, created_at)
		VALUES ($1, $2, $3, NOW())
	`

	var executor interface {
		ExecContext(context.Context, string, ...any) (sql.Result, error)
	}
	if tx != nil {
		executor = tx
	} else {
		executor = r.db
	}

	if _, err = executor.ExecContext(ctx, query, eventType, key, string(payloadJSON)); err != nil {
		log.Error().Err(err).
			Str("event_type", eventType).
			Str("key", key).
			Msg("Failed to insert outbox event")
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}

	return nil
}

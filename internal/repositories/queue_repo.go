package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/usagesync/engine/internal/models"
)

// ErrDeadLettered is returned when an operation is asked to transition out
// of the dead-letter state; dead-lettered items are terminal.
var ErrDeadLettered = errors.New("operation is dead-lettered")

type PostgresQueueRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresQueueRepository(pool *pgxpool.Pool) *PostgresQueueRepository {
	return &PostgresQueueRepository{pool: pool}
}

const queueColumns = `id, device_id, sequence, kind, entity_key, payload, status, retry_count,
              next_attempt_at, last_attempt_at, last_error, created_at`

func (r *PostgresQueueRepository) Enqueue(ctx context.Context, item *models.SyncQueueItem) error {
	query := `INSERT INTO sync_queue (device_id, kind, entity_key, payload, status, next_attempt_at)
              VALUES ($1, $2, $3, $4, 'pending', $5)
              RETURNING id, sequence, created_at`

	nextAttempt := item.NextAttemptAt
	if nextAttempt.IsZero() {
		nextAttempt = time.Now()
	}

	err := r.pool.QueryRow(ctx, query,
		item.DeviceID,
		item.Kind,
		item.EntityKey,
		item.Payload,
		nextAttempt,
	).Scan(&item.ID, &item.Sequence, &item.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue operation: %w", err)
	}
	item.Status = models.QueuePending
	item.NextAttemptAt = nextAttempt
	return nil
}

// Drain claims up to limit retryable items, oldest sequence first, and
// marks them in flight. FOR UPDATE SKIP LOCKED keeps two concurrent drains
// (e.g. the periodic task overlapping a connectivity-triggered one) from
// claiming the same item.
func (r *PostgresQueueRepository) Drain(ctx context.Context, deviceID uuid.UUID, limit int, now time.Time) ([]*models.SyncQueueItem, error) {
	query := `UPDATE sync_queue
              SET status = 'in_flight', last_attempt_at = $3
              WHERE id IN (
                  SELECT id FROM sync_queue
                  WHERE device_id = $1 AND status = 'pending' AND next_attempt_at <= $3
                  ORDER BY sequence ASC
                  LIMIT $2
                  FOR UPDATE SKIP LOCKED
              )
              RETURNING ` + queueColumns

	rows, err := r.pool.Query(ctx, query, deviceID, limit, now)
	if err != nil {
		return nil, fmt.Errorf("failed to drain queue: %w", err)
	}
	defer rows.Close()

	var items []*models.SyncQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}
	return items, nil
}

// Ack removes a confirmed operation from the queue.
func (r *PostgresQueueRepository) Ack(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM sync_queue WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to ack queue item: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Nack returns a failed operation to pending with an incremented retry
// count and a scheduled next attempt.
func (r *PostgresQueueRepository) Nack(ctx context.Context, id uuid.UUID, nextAttempt time.Time, lastError string) error {
	query := `UPDATE sync_queue
              SET status = 'pending',
                  retry_count = retry_count + 1,
                  next_attempt_at = $2,
                  last_error = $3
              WHERE id = $1 AND status <> 'dead_lettered'`

	result, err := r.pool.Exec(ctx, query, id, nextAttempt, lastError)
	if err != nil {
		return fmt.Errorf("failed to nack queue item: %w", err)
	}
	if result.RowsAffected() == 0 {
		var status models.QueueStatus
		err := r.pool.QueryRow(ctx, `SELECT status FROM sync_queue WHERE id = $1`, id).Scan(&status)
		if err == nil && status == models.QueueDeadLettered {
			return ErrDeadLettered
		}
		return ErrNotFound
	}
	return nil
}

// DeadLetter parks an operation permanently. The row is retained so the
// failure is inspectable, never silently dropped.
func (r *PostgresQueueRepository) DeadLetter(ctx context.Context, id uuid.UUID, lastError string) error {
	query := `UPDATE sync_queue
              SET status = 'dead_lettered',
                  retry_count = retry_count + 1,
                  last_error = $2
              WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id, lastError)
	if err != nil {
		return fmt.Errorf("failed to dead-letter queue item: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresQueueRepository) ListDeadLettered(ctx context.Context, deviceID uuid.UUID) ([]*models.SyncQueueItem, error) {
	query := `SELECT ` + queueColumns + `
              FROM sync_queue
              WHERE device_id = $1 AND status = 'dead_lettered'
              ORDER BY sequence ASC`

	rows, err := r.pool.Query(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead-lettered items: %w", err)
	}
	defer rows.Close()

	var items []*models.SyncQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}
	return items, nil
}

// ReleaseStale requeues items left in flight by a process that died
// mid-batch. The remote apply is record-level last-write-wins, so retrying
// an operation that actually succeeded is harmless.
func (r *PostgresQueueRepository) ReleaseStale(ctx context.Context, deviceID uuid.UUID, olderThan time.Time) (int64, error) {
	query := `UPDATE sync_queue
              SET status = 'pending'
              WHERE device_id = $1 AND status = 'in_flight' AND last_attempt_at < $2`

	result, err := r.pool.Exec(ctx, query, deviceID, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale items: %w", err)
	}
	return result.RowsAffected(), nil
}

func scanQueueItem(row pgx.Row) (*models.SyncQueueItem, error) {
	var item models.SyncQueueItem
	err := row.Scan(
		&item.ID,
		&item.DeviceID,
		&item.Sequence,
		&item.Kind,
		&item.EntityKey,
		&item.Payload,
		&item.Status,
		&item.RetryCount,
		&item.NextAttemptAt,
		&item.LastAttemptAt,
		&item.LastError,
		&item.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

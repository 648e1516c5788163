// Package syncqueue applies retry policy on top of the persisted operation
// queue: exponential backoff for transient failures, a retry cap with
// dead-lettering for non-idempotent operations, immediate dead-lettering
// for permanent failures.
package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/usagesync/engine/internal/models"
	"github.com/usagesync/engine/internal/repositories"
	"github.com/usagesync/engine/internal/syncerr"
)

type Queue struct {
	repo       repositories.QueueRepository
	deviceID   uuid.UUID
	maxRetries int
	base       time.Duration
	max        time.Duration
	logger     zerolog.Logger
}

func New(
	repo repositories.QueueRepository,
	deviceID uuid.UUID,
	maxRetries int,
	base, max time.Duration,
	logger zerolog.Logger,
) *Queue {
	return &Queue{
		repo:       repo,
		deviceID:   deviceID,
		maxRetries: maxRetries,
		base:       base,
		max:        max,
		logger:     logger.With().Str("component", "sync-queue").Logger(),
	}
}

// Enqueue persists one pending remote operation.
func (q *Queue) Enqueue(ctx context.Context, kind models.OperationKind, entityKey string, payload any) (*models.SyncQueueItem, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	item := &models.SyncQueueItem{
		DeviceID:  q.deviceID,
		Kind:      kind,
		EntityKey: entityKey,
		Payload:   raw,
	}
	if err := q.repo.Enqueue(ctx, item); err != nil {
		return nil, err
	}

	q.logger.Debug().
		Str("kind", string(kind)).
		Str("entity_key", entityKey).
		Int64("sequence", item.Sequence).
		Msg("Enqueued sync operation")
	return item, nil
}

// Drain claims up to limit retryable operations in FIFO order.
func (q *Queue) Drain(ctx context.Context, limit int, now time.Time) ([]*models.SyncQueueItem, error) {
	return q.repo.Drain(ctx, q.deviceID, limit, now)
}

// Ack confirms an operation succeeded remotely and removes it.
func (q *Queue) Ack(ctx context.Context, item *models.SyncQueueItem) error {
	return q.repo.Ack(ctx, item.ID)
}

// Fail routes a failed operation: permanent failures and exhausted
// non-idempotent retries dead-letter; everything else is rescheduled with
// exponential backoff. Idempotent operations retry without bound.
func (q *Queue) Fail(ctx context.Context, item *models.SyncQueueItem, opErr error, now time.Time) error {
	attempts := item.RetryCount + 1

	switch {
	case syncerr.Permanent(opErr):
		q.logger.Error().
			Err(opErr).
			Str("kind", string(item.Kind)).
			Str("entity_key", item.EntityKey).
			Msg("Dead-lettering operation after permanent failure")
		return q.repo.DeadLetter(ctx, item.ID, opErr.Error())

	case !item.Kind.Idempotent() && attempts >= q.maxRetries:
		q.logger.Error().
			Err(opErr).
			Str("kind", string(item.Kind)).
			Int("attempts", attempts).
			Msg("Dead-lettering operation after retry cap")
		return q.repo.DeadLetter(ctx, item.ID, opErr.Error())

	default:
		delay := q.RetryDelay(item.RetryCount)
		q.logger.Warn().
			Err(opErr).
			Str("kind", string(item.Kind)).
			Int("attempts", attempts).
			Dur("retry_in", delay).
			Msg("Rescheduling failed operation")
		return q.repo.Nack(ctx, item.ID, now.Add(delay), opErr.Error())
	}
}

// RetryDelay returns the backoff delay after retryCount prior failures.
func (q *Queue) RetryDelay(retryCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.base
	b.MaxInterval = q.max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	// The constructor already seeded the current interval from the library
	// default; reset so the first delay starts at the configured base.
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < retryCount; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// DeadLettered lists operations parked for inspection.
func (q *Queue) DeadLettered(ctx context.Context) ([]*models.SyncQueueItem, error) {
	return q.repo.ListDeadLettered(ctx, q.deviceID)
}

// Recover requeues operations left in flight by a crashed batch.
func (q *Queue) Recover(ctx context.Context, olderThan time.Time) (int64, error) {
	released, err := q.repo.ReleaseStale(ctx, q.deviceID, olderThan)
	if err != nil {
		return 0, err
	}
	if released > 0 {
		q.logger.Info().Int64("released", released).Msg("Requeued stale in-flight operations")
	}
	return released, nil
}

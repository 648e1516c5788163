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

type PostgresSummaryRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresSummaryRepository(pool *pgxpool.Pool) *PostgresSummaryRepository {
	return &PostgresSummaryRepository{pool: pool}
}

// Recompute derives the day's summary from usage records and upserts it.
// Summaries are never authoritative; any drift is corrected by the next
// recompute.
func (r *PostgresSummaryRepository) Recompute(ctx context.Context, deviceID uuid.UUID, day time.Time) (*models.DailySummary, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	query := `INSERT INTO daily_summaries (device_id, day, total_seconds, total_points, session_count, computed_at, is_synced)
              SELECT $1, $2,
                     COALESCE(SUM(total_seconds), 0),
                     COALESCE(SUM(points), 0),
                     COUNT(*),
                     NOW(),
                     FALSE
              FROM usage_records
              WHERE device_id = $1 AND session_start >= $2 AND session_start < $3
              ON CONFLICT (device_id, day) DO UPDATE SET
                  total_seconds = EXCLUDED.total_seconds,
                  total_points = EXCLUDED.total_points,
                  session_count = EXCLUDED.session_count,
                  computed_at = EXCLUDED.computed_at,
                  is_synced = FALSE,
                  updated_at = NOW()
              RETURNING id, device_id, day, total_seconds, total_points, session_count, computed_at, is_synced, updated_at`

	var summary models.DailySummary
	err := r.pool.QueryRow(ctx, query, deviceID, dayStart, dayEnd).Scan(
		&summary.ID,
		&summary.DeviceID,
		&summary.Day,
		&summary.TotalSeconds,
		&summary.TotalPoints,
		&summary.SessionCount,
		&summary.ComputedAt,
		&summary.IsSynced,
		&summary.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to recompute daily summary: %w", err)
	}
	return &summary, nil
}

func (r *PostgresSummaryRepository) GetByDay(ctx context.Context, deviceID uuid.UUID, day time.Time) (*models.DailySummary, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())

	query := `SELECT id, device_id, day, total_seconds, total_points, session_count, computed_at, is_synced, updated_at
              FROM daily_summaries
              WHERE device_id = $1 AND day = $2`

	var summary models.DailySummary
	err := r.pool.QueryRow(ctx, query, deviceID, dayStart).Scan(
		&summary.ID,
		&summary.DeviceID,
		&summary.Day,
		&summary.TotalSeconds,
		&summary.TotalPoints,
		&summary.SessionCount,
		&summary.ComputedAt,
		&summary.IsSynced,
		&summary.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get daily summary: %w", err)
	}
	return &summary, nil
}

func (r *PostgresSummaryRepository) MarkSynced(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE daily_summaries
              SET is_synced = TRUE, updated_at = NOW()
              WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark summary synced: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

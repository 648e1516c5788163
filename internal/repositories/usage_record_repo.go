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

type PostgresUsageRecordRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresUsageRecordRepository(pool *pgxpool.Pool) *PostgresUsageRecordRepository {
	return &PostgresUsageRecordRepository{pool: pool}
}

const usageRecordColumns = `id, logical_id, device_id, session_start, session_end, total_seconds, points,
              is_synced, created_at, updated_at`

func (r *PostgresUsageRecordRepository) Create(ctx context.Context, record *models.UsageRecord) error {
	query := `INSERT INTO usage_records
                  (logical_id, device_id, session_start, session_end, total_seconds, points, is_synced)
              VALUES ($1, $2, $3, $4, $5, $6, FALSE)
              RETURNING id, created_at, updated_at`

	err := r.pool.QueryRow(ctx, query,
		record.LogicalID,
		record.DeviceID,
		record.SessionStart,
		record.SessionEnd,
		record.TotalSeconds,
		record.Points,
	).Scan(&record.ID, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create usage record: %w", err)
	}
	record.IsSynced = false
	return nil
}

func (r *PostgresUsageRecordRepository) GetLatest(ctx context.Context, deviceID uuid.UUID, logicalID string) (*models.UsageRecord, error) {
	query := `SELECT ` + usageRecordColumns + `
              FROM usage_records
              WHERE device_id = $1 AND logical_id = $2
              ORDER BY session_end DESC
              LIMIT 1`

	record, err := scanUsageRecord(r.pool.QueryRow(ctx, query, deviceID, logicalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest usage record: %w", err)
	}
	return record, nil
}

// ExtendSession grows a session and marks it unsynced in one statement, so
// two threads extending the same record serialize on the row lock rather
// than clobbering each other's totals.
func (r *PostgresUsageRecordRepository) ExtendSession(ctx context.Context, id uuid.UUID, sessionEnd time.Time, addSeconds, points int64) (*models.UsageRecord, error) {
	query := `UPDATE usage_records
              SET session_end = GREATEST(session_end, $1),
                  total_seconds = total_seconds + $2,
                  points = $3,
                  is_synced = FALSE,
                  updated_at = NOW()
              WHERE id = $4
              RETURNING ` + usageRecordColumns

	record, err := scanUsageRecord(r.pool.QueryRow(ctx, query, sessionEnd, addSeconds, points, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to extend session: %w", err)
	}
	return record, nil
}

func (r *PostgresUsageRecordRepository) ListUnsynced(ctx context.Context, deviceID uuid.UUID, limit int) ([]*models.UsageRecord, error) {
	query := `SELECT ` + usageRecordColumns + `
              FROM usage_records
              WHERE device_id = $1 AND is_synced = FALSE
              ORDER BY session_start ASC
              LIMIT $2`

	return r.list(ctx, query, deviceID, limit)
}

func (r *PostgresUsageRecordRepository) MarkSynced(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE usage_records
              SET is_synced = TRUE, updated_at = NOW()
              WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark record synced: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresUsageRecordRepository) ListByDay(ctx context.Context, deviceID uuid.UUID, day time.Time) ([]*models.UsageRecord, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	query := `SELECT ` + usageRecordColumns + `
              FROM usage_records
              WHERE device_id = $1 AND session_start >= $2 AND session_start < $3
              ORDER BY session_start ASC`

	return r.list(ctx, query, deviceID, dayStart, dayEnd)
}

// MergeRemote applies a downloaded version of a session. Versions are keyed
// by (device_id, logical_id, session_start); the copy with the later
// session end wins, which makes duplicate delivery of the same upload a
// no-op.
func (r *PostgresUsageRecordRepository) MergeRemote(ctx context.Context, record *models.UsageRecord) error {
	query := `INSERT INTO usage_records
                  (logical_id, device_id, session_start, session_end, total_seconds, points, is_synced)
              VALUES ($1, $2, $3, $4, $5, $6, TRUE)
              ON CONFLICT (device_id, logical_id, session_start) DO UPDATE SET
                  session_end = EXCLUDED.session_end,
                  total_seconds = EXCLUDED.total_seconds,
                  points = EXCLUDED.points,
                  updated_at = NOW()
              WHERE usage_records.session_end < EXCLUDED.session_end
              RETURNING id`

	err := r.pool.QueryRow(ctx, query,
		record.LogicalID,
		record.DeviceID,
		record.SessionStart,
		record.SessionEnd,
		record.TotalSeconds,
		record.Points,
	).Scan(&record.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Local copy is already as new or newer; nothing to do.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to merge remote record: %w", err)
	}
	return nil
}

func (r *PostgresUsageRecordRepository) list(ctx context.Context, query string, args ...any) ([]*models.UsageRecord, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records []*models.UsageRecord
	for rows.Next() {
		record, err := scanUsageRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}
	return records, nil
}

func scanUsageRecord(row pgx.Row) (*models.UsageRecord, error) {
	var record models.UsageRecord
	err := row.Scan(
		&record.ID,
		&record.LogicalID,
		&record.DeviceID,
		&record.SessionStart,
		&record.SessionEnd,
		&record.TotalSeconds,
		&record.Points,
		&record.IsSynced,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

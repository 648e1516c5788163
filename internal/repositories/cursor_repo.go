package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCursorRepository tracks the per-zone download high-water mark:
// the last remote change sequence this device has merged.
type PostgresCursorRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresCursorRepository(pool *pgxpool.Pool) *PostgresCursorRepository {
	return &PostgresCursorRepository{pool: pool}
}

func (r *PostgresCursorRepository) Get(ctx context.Context, deviceID, zoneID uuid.UUID) (int64, error) {
	query := `SELECT last_sequence FROM sync_cursors WHERE device_id = $1 AND zone_id = $2`

	var seq int64
	err := r.pool.QueryRow(ctx, query, deviceID, zoneID).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		// Never synced this zone: start from the beginning.
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get sync cursor: %w", err)
	}
	return seq, nil
}

func (r *PostgresCursorRepository) Set(ctx context.Context, deviceID, zoneID uuid.UUID, seq int64) error {
	query := `INSERT INTO sync_cursors (device_id, zone_id, last_sequence, updated_at)
              VALUES ($1, $2, $3, NOW())
              ON CONFLICT (device_id, zone_id) DO UPDATE SET
                  last_sequence = GREATEST(sync_cursors.last_sequence, EXCLUDED.last_sequence),
                  updated_at = NOW()`

	if _, err := r.pool.Exec(ctx, query, deviceID, zoneID, seq); err != nil {
		return fmt.Errorf("failed to set sync cursor: %w", err)
	}
	return nil
}

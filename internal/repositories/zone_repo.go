package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/usagesync/engine/internal/models"
)

type PostgresZoneRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresZoneRepository(pool *pgxpool.Pool) *PostgresZoneRepository {
	return &PostgresZoneRepository{pool: pool}
}

// Append writes the batch in one transaction: either the whole upload is
// acknowledged or none of it is, which keeps client retries safe.
func (r *PostgresZoneRepository) Append(ctx context.Context, zoneID, deviceID uuid.UUID, records []models.RemoteRecord) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	changeQuery := `INSERT INTO zone_changes (id, zone_id, device_id, type, entity_key, payload, modified_at)
                    VALUES ($1, $2, $3, $4, $5, $6, $7)`
	headQuery := `INSERT INTO zone_heads (zone_id, type, entity_key, device_id, payload, modified_at)
                  VALUES ($1, $2, $3, $4, $5, $6)
                  ON CONFLICT (zone_id, type, entity_key) DO UPDATE
                  SET device_id = EXCLUDED.device_id,
                      payload = EXCLUDED.payload,
                      modified_at = EXCLUDED.modified_at,
                      updated_at = NOW()
                  WHERE zone_heads.modified_at < EXCLUDED.modified_at`

	for _, record := range records {
		_, err := tx.Exec(ctx, changeQuery,
			uuid.New(),
			zoneID,
			deviceID,
			record.Type,
			record.EntityKey,
			record.Payload,
			record.ModifiedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append change: %w", err)
		}

		_, err = tx.Exec(ctx, headQuery,
			zoneID,
			record.Type,
			record.EntityKey,
			record.DeviceID,
			record.Payload,
			record.ModifiedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update head: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit append: %w", err)
	}
	return nil
}

func (r *PostgresZoneRepository) Changes(ctx context.Context, zoneID uuid.UUID, since int64, limit int) ([]models.RemoteChange, int64, error) {
	query := `SELECT id, zone_id, device_id, sequence, type, entity_key, payload, modified_at, created_at
              FROM zone_changes
              WHERE zone_id = $1 AND sequence > $2
              ORDER BY sequence ASC
              LIMIT $3`

	rows, err := r.pool.Query(ctx, query, zoneID, since, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	changes := []models.RemoteChange{}
	latest := since
	for rows.Next() {
		var c models.RemoteChange
		err := rows.Scan(&c.ID, &c.ZoneID, &c.DeviceID, &c.Sequence, &c.Type, &c.EntityKey, &c.Payload, &c.ModifiedAt, &c.CreatedAt)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan change: %w", err)
		}
		changes = append(changes, c)
		latest = c.Sequence
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating changes: %w", err)
	}
	return changes, latest, nil
}

package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/usagesync/engine/internal/models"
)

var ErrNotFound = errors.New("not found")

type PostgresConfigurationRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresConfigurationRepository(pool *pgxpool.Pool) *PostgresConfigurationRepository {
	return &PostgresConfigurationRepository{pool: pool}
}

const configurationColumns = `id, logical_id, device_id, category, points_per_minute, enabled, blocked,
              modified_at, modified_role, is_synced, created_at, updated_at, deleted_at`

func (r *PostgresConfigurationRepository) Upsert(ctx context.Context, cfg *models.AppConfiguration) error {
	query := `INSERT INTO app_configurations
                  (logical_id, device_id, category, points_per_minute, enabled, blocked, modified_at, modified_role, is_synced)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
              ON CONFLICT (device_id, logical_id) DO UPDATE SET
                  category = EXCLUDED.category,
                  points_per_minute = EXCLUDED.points_per_minute,
                  enabled = EXCLUDED.enabled,
                  blocked = EXCLUDED.blocked,
                  modified_at = EXCLUDED.modified_at,
                  modified_role = EXCLUDED.modified_role,
                  is_synced = EXCLUDED.is_synced,
                  updated_at = NOW()
              RETURNING id, created_at, updated_at`

	err := r.pool.QueryRow(ctx, query,
		cfg.LogicalID,
		cfg.DeviceID,
		cfg.Category,
		cfg.PointsPerMinute,
		cfg.Enabled,
		cfg.Blocked,
		cfg.ModifiedAt,
		cfg.ModifiedRole,
		cfg.IsSynced,
	).Scan(&cfg.ID, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert configuration: %w", err)
	}
	return nil
}

func (r *PostgresConfigurationRepository) GetByLogicalID(ctx context.Context, deviceID uuid.UUID, logicalID string) (*models.AppConfiguration, error) {
	query := `SELECT ` + configurationColumns + `
              FROM app_configurations
              WHERE device_id = $1 AND logical_id = $2 AND deleted_at IS NULL`

	cfg, err := scanConfiguration(r.pool.QueryRow(ctx, query, deviceID, logicalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}
	return cfg, nil
}

func (r *PostgresConfigurationRepository) ListEnabled(ctx context.Context, deviceID uuid.UUID) ([]*models.AppConfiguration, error) {
	query := `SELECT ` + configurationColumns + `
              FROM app_configurations
              WHERE device_id = $1 AND enabled = TRUE AND deleted_at IS NULL
              ORDER BY logical_id ASC`

	return r.list(ctx, query, deviceID)
}

func (r *PostgresConfigurationRepository) ListUnsynced(ctx context.Context, deviceID uuid.UUID) ([]*models.AppConfiguration, error) {
	query := `SELECT ` + configurationColumns + `
              FROM app_configurations
              WHERE device_id = $1 AND is_synced = FALSE AND deleted_at IS NULL
              ORDER BY modified_at ASC`

	return r.list(ctx, query, deviceID)
}

func (r *PostgresConfigurationRepository) MarkSynced(ctx context.Context, id uuid.UUID) error {
	// The snapshot becomes the merge base for the next conflict.
	query := `UPDATE app_configurations
              SET is_synced = TRUE,
                  last_synced = to_jsonb(app_configurations) - 'last_synced',
                  updated_at = NOW()
              WHERE id = $1 AND deleted_at IS NULL`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark configuration synced: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresConfigurationRepository) LastSynced(ctx context.Context, deviceID uuid.UUID, logicalID string) (*models.AppConfiguration, error) {
	query := `SELECT last_synced
              FROM app_configurations
              WHERE device_id = $1 AND logical_id = $2 AND deleted_at IS NULL`

	var payload []byte
	err := r.pool.QueryRow(ctx, query, deviceID, logicalID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get synced snapshot: %w", err)
	}
	if payload == nil {
		// Never uploaded; there is no common ancestor yet.
		return nil, ErrNotFound
	}

	var cfg models.AppConfiguration
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode synced snapshot: %w", err)
	}
	return &cfg, nil
}

func (r *PostgresConfigurationRepository) list(ctx context.Context, query string, args ...any) ([]*models.AppConfiguration, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query configurations: %w", err)
	}
	defer rows.Close()

	var configs []*models.AppConfiguration
	for rows.Next() {
		cfg, err := scanConfiguration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan configuration: %w", err)
		}
		configs = append(configs, cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating configurations: %w", err)
	}
	return configs, nil
}

func scanConfiguration(row pgx.Row) (*models.AppConfiguration, error) {
	var cfg models.AppConfiguration
	err := row.Scan(
		&cfg.ID,
		&cfg.LogicalID,
		&cfg.DeviceID,
		&cfg.Category,
		&cfg.PointsPerMinute,
		&cfg.Enabled,
		&cfg.Blocked,
		&cfg.ModifiedAt,
		&cfg.ModifiedRole,
		&cfg.IsSynced,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
		&cfg.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

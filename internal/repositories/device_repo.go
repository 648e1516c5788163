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

type PostgresDeviceRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresDeviceRepository(pool *pgxpool.Pool) *PostgresDeviceRepository {
	return &PostgresDeviceRepository{pool: pool}
}

const deviceColumns = `id, name, role, zone_id, pairing_id, last_sync_at, created_at, revoked_at`

func (r *PostgresDeviceRepository) Create(ctx context.Context, device *models.RegisteredDevice) error {
	query := `INSERT INTO registered_devices (id, name, role, zone_id, pairing_id)
              VALUES ($1, $2, $3, $4, $5)
              RETURNING created_at`

	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}

	err := r.pool.QueryRow(ctx, query,
		device.ID,
		device.Name,
		device.Role,
		device.ZoneID,
		device.PairingID,
	).Scan(&device.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	return nil
}

func (r *PostgresDeviceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.RegisteredDevice, error) {
	query := `SELECT ` + deviceColumns + `
              FROM registered_devices
              WHERE id = $1`

	device, err := scanDevice(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return device, nil
}

func (r *PostgresDeviceRepository) ListByZone(ctx context.Context, zoneID uuid.UUID) ([]*models.RegisteredDevice, error) {
	query := `SELECT ` + deviceColumns + `
              FROM registered_devices
              WHERE zone_id = $1 AND revoked_at IS NULL
              ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, zoneID)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.RegisteredDevice
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}
	return devices, nil
}

func (r *PostgresDeviceRepository) UpdateLastSync(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE registered_devices SET last_sync_at = $2 WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to update last sync: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresDeviceRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE registered_devices SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to revoke device: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDevice(row pgx.Row) (*models.RegisteredDevice, error) {
	var device models.RegisteredDevice
	err := row.Scan(
		&device.ID,
		&device.Name,
		&device.Role,
		&device.ZoneID,
		&device.PairingID,
		&device.LastSyncAt,
		&device.CreatedAt,
		&device.RevokedAt,
	)
	if err != nil {
		return nil, err
	}
	return &device, nil
}

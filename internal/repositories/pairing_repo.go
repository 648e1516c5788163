package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/usagesync/engine/internal/models"
)

type PostgresPairingRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresPairingRepository(pool *pgxpool.Pool) *PostgresPairingRepository {
	return &PostgresPairingRepository{pool: pool}
}

func (r *PostgresPairingRepository) Create(ctx context.Context, pairing *models.Pairing) error {
	query := `INSERT INTO pairings (id, zone_id, code_hash, role, expires_at)
              VALUES ($1, $2, $3, $4, $5)
              RETURNING created_at`

	if pairing.ID == uuid.Nil {
		pairing.ID = uuid.New()
	}

	err := r.pool.QueryRow(ctx, query,
		pairing.ID,
		pairing.ZoneID,
		pairing.CodeHash,
		pairing.Role,
		pairing.ExpiresAt,
	).Scan(&pairing.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create pairing: %w", err)
	}
	return nil
}

func (r *PostgresPairingRepository) ListActive(ctx context.Context, now time.Time) ([]*models.Pairing, error) {
	query := `SELECT id, zone_id, code_hash, role, expires_at, consumed_at, created_at
              FROM pairings
              WHERE consumed_at IS NULL AND expires_at > $1
              ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query pairings: %w", err)
	}
	defer rows.Close()

	var pairings []*models.Pairing
	for rows.Next() {
		var p models.Pairing
		err := rows.Scan(&p.ID, &p.ZoneID, &p.CodeHash, &p.Role, &p.ExpiresAt, &p.ConsumedAt, &p.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pairing: %w", err)
		}
		pairings = append(pairings, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pairings: %w", err)
	}
	return pairings, nil
}

func (r *PostgresPairingRepository) Consume(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE pairings SET consumed_at = $2 WHERE id = $1 AND consumed_at IS NULL`

	result, err := r.pool.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to consume pairing: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/usagesync/engine/internal/models"
)

type ConfigurationRepository interface {
	Upsert(ctx context.Context, cfg *models.AppConfiguration) error
	GetByLogicalID(ctx context.Context, deviceID uuid.UUID, logicalID string) (*models.AppConfiguration, error)
	ListEnabled(ctx context.Context, deviceID uuid.UUID) ([]*models.AppConfiguration, error)
	ListUnsynced(ctx context.Context, deviceID uuid.UUID) ([]*models.AppConfiguration, error)
	MarkSynced(ctx context.Context, id uuid.UUID) error
	// LastSynced returns the snapshot taken at the last acknowledged
	// upload, the common ancestor for three-way merges.
	LastSynced(ctx context.Context, deviceID uuid.UUID, logicalID string) (*models.AppConfiguration, error)
}

type UsageRecordRepository interface {
	Create(ctx context.Context, record *models.UsageRecord) error
	// GetLatest returns the most recent record for an app on a device,
	// by session end.
	GetLatest(ctx context.Context, deviceID uuid.UUID, logicalID string) (*models.UsageRecord, error)
	// ExtendSession grows a session in a single atomic statement.
	ExtendSession(ctx context.Context, id uuid.UUID, sessionEnd time.Time, addSeconds, points int64) (*models.UsageRecord, error)
	ListUnsynced(ctx context.Context, deviceID uuid.UUID, limit int) ([]*models.UsageRecord, error)
	MarkSynced(ctx context.Context, id uuid.UUID) error
	ListByDay(ctx context.Context, deviceID uuid.UUID, day time.Time) ([]*models.UsageRecord, error)
	// MergeRemote applies a downloaded session version, keeping whichever
	// copy of (logical_id, session_start) has the later session end.
	MergeRemote(ctx context.Context, record *models.UsageRecord) error
}

type SummaryRepository interface {
	Recompute(ctx context.Context, deviceID uuid.UUID, day time.Time) (*models.DailySummary, error)
	GetByDay(ctx context.Context, deviceID uuid.UUID, day time.Time) (*models.DailySummary, error)
	MarkSynced(ctx context.Context, id uuid.UUID) error
}

type QueueRepository interface {
	Enqueue(ctx context.Context, item *models.SyncQueueItem) error
	// Drain claims up to limit retryable items in enqueue order and marks
	// them in flight. Concurrent drains never claim the same item.
	Drain(ctx context.Context, deviceID uuid.UUID, limit int, now time.Time) ([]*models.SyncQueueItem, error)
	Ack(ctx context.Context, id uuid.UUID) error
	Nack(ctx context.Context, id uuid.UUID, nextAttempt time.Time, lastError string) error
	DeadLetter(ctx context.Context, id uuid.UUID, lastError string) error
	ListDeadLettered(ctx context.Context, deviceID uuid.UUID) ([]*models.SyncQueueItem, error)
	// ReleaseStale returns items stuck in flight (e.g. after a crash
	// mid-batch) to pending so they are retried.
	ReleaseStale(ctx context.Context, deviceID uuid.UUID, olderThan time.Time) (int64, error)
}

type CursorRepository interface {
	Get(ctx context.Context, deviceID, zoneID uuid.UUID) (int64, error)
	Set(ctx context.Context, deviceID, zoneID uuid.UUID, seq int64) error
}

type DeviceRepository interface {
	Create(ctx context.Context, device *models.RegisteredDevice) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.RegisteredDevice, error)
	ListByZone(ctx context.Context, zoneID uuid.UUID) ([]*models.RegisteredDevice, error)
	UpdateLastSync(ctx context.Context, id uuid.UUID, at time.Time) error
	Revoke(ctx context.Context, id uuid.UUID) error
}

type PairingRepository interface {
	Create(ctx context.Context, pairing *models.Pairing) error
	// ListActive returns unconsumed pairings that have not expired at now.
	ListActive(ctx context.Context, now time.Time) ([]*models.Pairing, error)
	Consume(ctx context.Context, id uuid.UUID, at time.Time) error
}

type ZoneRepository interface {
	// Append writes records to a zone's change log and advances the head
	// of each entity when the write is newer. Superseded log rows stay.
	Append(ctx context.Context, zoneID, deviceID uuid.UUID, records []models.RemoteRecord) error
	// Changes pages the zone's log past a sequence high-water mark.
	Changes(ctx context.Context, zoneID uuid.UUID, since int64, limit int) ([]models.RemoteChange, int64, error)
}

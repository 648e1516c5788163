// Package syncer drains the persisted operation queue against the remote
// store and pulls remote changes back into the local store. Uploads are
// at-least-once: a record is marked synced only after the remote
// acknowledgment, and the server applies replays last-write-wins.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/usagesync/engine/internal/conflict"
	"github.com/usagesync/engine/internal/models"
	"github.com/usagesync/engine/internal/remote"
	"github.com/usagesync/engine/internal/repositories"
	"github.com/usagesync/engine/internal/syncerr"
	"github.com/usagesync/engine/internal/syncqueue"
)

const downloadPageSize = 200

type Engine struct {
	queue     *syncqueue.Queue
	store     remote.Store
	records   repositories.UsageRecordRepository
	configs   repositories.ConfigurationRepository
	summaries repositories.SummaryRepository
	cursors   repositories.CursorRepository
	devices   repositories.DeviceRepository

	deviceID  uuid.UUID
	ownZone   uuid.UUID
	readZones []uuid.UUID

	logger zerolog.Logger
}

type Deps struct {
	Queue     *syncqueue.Queue
	Store     remote.Store
	Records   repositories.UsageRecordRepository
	Configs   repositories.ConfigurationRepository
	Summaries repositories.SummaryRepository
	Cursors   repositories.CursorRepository
	Devices   repositories.DeviceRepository
}

// NewEngine builds a sync engine for one device. ownZone is where the
// device writes; readZones are the zones it may pull, which includes zones
// other devices delegated to it at pairing so a producer never has to read
// a consumer's private storage.
func NewEngine(deps Deps, deviceID uuid.UUID, ownZone uuid.UUID, readZones []uuid.UUID, logger zerolog.Logger) *Engine {
	return &Engine{
		queue:     deps.Queue,
		store:     deps.Store,
		records:   deps.Records,
		configs:   deps.Configs,
		summaries: deps.Summaries,
		cursors:   deps.Cursors,
		devices:   deps.Devices,
		deviceID:  deviceID,
		ownZone:   ownZone,
		readZones: readZones,
		logger:    logger.With().Str("component", "sync-engine").Logger(),
	}
}

// ProcessQueue drains pending operations in one batch against the remote
// store. It first requeues anything a previous crash left in flight, then
// claims a batch, dead-letters undecodable items, uploads the rest, and
// acks only what the remote acknowledged.
func (e *Engine) ProcessQueue(ctx context.Context, limit int, now time.Time) error {
	if _, err := e.queue.Recover(ctx, now.Add(-10*time.Minute)); err != nil {
		return fmt.Errorf("failed to recover stale operations: %w", err)
	}

	items, err := e.queue.Drain(ctx, limit, now)
	if err != nil {
		return fmt.Errorf("failed to drain queue: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	batch := make([]models.RemoteRecord, 0, len(items))
	valid := make([]*models.SyncQueueItem, 0, len(items))
	for _, item := range items {
		record, derr := decodeOperation(item)
		if derr != nil {
			// One bad payload must not stall everything behind it.
			if ferr := e.queue.Fail(ctx, item, fmt.Errorf("%w: %v", syncerr.ErrMalformedPayload, derr), now); ferr != nil {
				return ferr
			}
			continue
		}
		batch = append(batch, record)
		valid = append(valid, item)
	}
	if len(batch) == 0 {
		return nil
	}

	if err := e.store.PushRecords(ctx, e.ownZone, batch); err != nil {
		for _, item := range valid {
			if ferr := e.queue.Fail(ctx, item, err, now); ferr != nil {
				return ferr
			}
		}
		if syncerr.Transient(err) {
			e.logger.Warn().Err(err).Int("batch", len(batch)).Msg("Upload batch failed; will retry")
			return nil
		}
		return err
	}

	for i, item := range valid {
		if err := e.queue.Ack(ctx, item); err != nil {
			return fmt.Errorf("failed to ack operation: %w", err)
		}
		if err := e.markSynced(ctx, item.Kind, batch[i]); err != nil {
			return err
		}
	}

	e.logger.Info().Int("uploaded", len(batch)).Msg("Upload batch acknowledged")
	return nil
}

// Pull downloads changes from every readable zone past the local high-water
// mark and merges them into the local store.
func (e *Engine) Pull(ctx context.Context, now time.Time) error {
	zones := append([]uuid.UUID{e.ownZone}, e.readZones...)
	for _, zone := range zones {
		if err := e.pullZone(ctx, zone); err != nil {
			if syncerr.Transient(err) {
				e.logger.Warn().Err(err).Str("zone", zone.String()).Msg("Zone pull failed; will retry")
				continue
			}
			return err
		}
	}

	if err := e.devices.UpdateLastSync(ctx, e.deviceID, now); err != nil && err != repositories.ErrNotFound {
		return fmt.Errorf("failed to record sync time: %w", err)
	}
	return nil
}

func (e *Engine) pullZone(ctx context.Context, zone uuid.UUID) error {
	since, err := e.cursors.Get(ctx, e.deviceID, zone)
	if err != nil {
		return err
	}

	for {
		changes, latest, err := e.store.Changes(ctx, zone, since, downloadPageSize)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			return nil
		}

		if err := e.applyChanges(ctx, changes); err != nil {
			return err
		}

		since = latest
		// Checkpoint after every applied page so a suspension mid-pull
		// never re-downloads more than one page.
		if err := e.cursors.Set(ctx, e.deviceID, zone, since); err != nil {
			return err
		}
		if len(changes) < downloadPageSize {
			return nil
		}
	}
}

// applyChanges merges one page of a zone change log. Usage-record versions
// are de-duplicated per session before touching the store; configurations
// go through conflict resolution against the local copy.
func (e *Engine) applyChanges(ctx context.Context, changes []models.RemoteChange) error {
	var sessions []*models.UsageRecord

	for _, change := range changes {
		if change.DeviceID == e.deviceID {
			// Our own uploads echoed back; the local store already has them.
			continue
		}

		switch change.Type {
		case models.RecordUsage:
			var record models.UsageRecord
			if err := json.Unmarshal(change.Payload, &record); err != nil {
				e.logger.Error().Err(err).Str("entity_key", change.EntityKey).Msg("Skipping malformed usage record")
				continue
			}
			sessions = append(sessions, &record)

		case models.RecordConfiguration:
			var cfg models.AppConfiguration
			if err := json.Unmarshal(change.Payload, &cfg); err != nil {
				e.logger.Error().Err(err).Str("entity_key", change.EntityKey).Msg("Skipping malformed configuration")
				continue
			}
			if err := e.mergeConfiguration(ctx, &cfg); err != nil {
				return err
			}

		case models.RecordSummary, models.RecordDevice:
			// Summaries are derived locally; registrations are applied at
			// pairing time. Both are ignored on download.

		default:
			e.logger.Warn().Str("type", string(change.Type)).Msg("Ignoring unknown record type")
		}
	}

	// Records keep their originating device id: a session stays attributed
	// to the device that observed it, so the local pipeline (GetLatest,
	// ListByDay, summary recompute) never mistakes downloaded usage for its
	// own.
	for _, record := range conflict.DedupSessions(sessions) {
		if err := e.records.MergeRemote(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) mergeConfiguration(ctx context.Context, incoming *models.AppConfiguration) error {
	local, err := e.configs.GetByLogicalID(ctx, e.deviceID, incoming.LogicalID)
	if err == repositories.ErrNotFound {
		applied := *incoming
		applied.DeviceID = e.deviceID
		applied.IsSynced = true
		return e.configs.Upsert(ctx, &applied)
	}
	if err != nil {
		return err
	}

	var resolved models.AppConfiguration
	base, berr := e.configs.LastSynced(ctx, e.deviceID, incoming.LogicalID)
	switch {
	case berr == nil:
		// With a common ancestor, non-overlapping field edits from both
		// sides survive instead of whole-record overwrite.
		resolved = conflict.Merge(base, local, incoming)
	case berr == repositories.ErrNotFound:
		resolved = conflict.Resolve(local, incoming)
	default:
		return berr
	}

	switch {
	case sameConfig(&resolved, local):
		// Converged on what we already have.
		return nil
	case sameConfig(&resolved, incoming):
		// Pure remote adoption; nothing of ours left to upload.
		resolved.IsSynced = true
	default:
		// A merged result must propagate back out.
		resolved.IsSynced = false
	}

	resolved.DeviceID = e.deviceID
	return e.configs.Upsert(ctx, &resolved)
}

// sameConfig compares the fields conflict resolution operates on.
func sameConfig(a, b *models.AppConfiguration) bool {
	return a.Category == b.Category &&
		a.PointsPerMinute == b.PointsPerMinute &&
		a.Enabled == b.Enabled &&
		a.Blocked == b.Blocked
}

// markSynced flips the local unsynced flag for an acknowledged upload.
func (e *Engine) markSynced(ctx context.Context, kind models.OperationKind, record models.RemoteRecord) error {
	var entity struct {
		ID uuid.UUID `json:"id"`
	}
	if err := json.Unmarshal(record.Payload, &entity); err != nil || entity.ID == uuid.Nil {
		return nil
	}

	var err error
	switch kind {
	case models.OpUploadRecord:
		err = e.records.MarkSynced(ctx, entity.ID)
	case models.OpUploadConfig:
		err = e.configs.MarkSynced(ctx, entity.ID)
	case models.OpUploadSummary:
		err = e.summaries.MarkSynced(ctx, entity.ID)
	}
	if err != nil && err != repositories.ErrNotFound {
		return fmt.Errorf("failed to mark entity synced: %w", err)
	}
	return nil
}

// decodeOperation turns a queue item into its wire record.
func decodeOperation(item *models.SyncQueueItem) (models.RemoteRecord, error) {
	if !json.Valid(item.Payload) || len(item.Payload) == 0 {
		return models.RemoteRecord{}, fmt.Errorf("invalid JSON payload")
	}

	var recordType models.RecordType
	switch item.Kind {
	case models.OpUploadRecord:
		recordType = models.RecordUsage
	case models.OpUploadConfig:
		recordType = models.RecordConfiguration
	case models.OpUploadSummary:
		recordType = models.RecordSummary
	case models.OpRegisterDevice:
		recordType = models.RecordDevice
	default:
		return models.RemoteRecord{}, fmt.Errorf("unknown operation kind %q", item.Kind)
	}

	var stamped struct {
		ModifiedAt *time.Time `json:"modified_at"`
	}
	_ = json.Unmarshal(item.Payload, &stamped)
	modifiedAt := item.CreatedAt
	if stamped.ModifiedAt != nil {
		modifiedAt = *stamped.ModifiedAt
	}

	return models.RemoteRecord{
		Type:       recordType,
		EntityKey:  item.EntityKey,
		DeviceID:   item.DeviceID,
		Payload:    item.Payload,
		ModifiedAt: modifiedAt,
	}, nil
}

// Package aggregator merges validated usage deltas into session records. A
// continuous run of deltas becomes one growing record, bounding storage and
// sync volume by sessions rather than by quanta.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/usagesync/engine/internal/dedup"
	"github.com/usagesync/engine/internal/models"
	"github.com/usagesync/engine/internal/repositories"
)

// DefaultMergeWindow is the inactivity gap that closes a session.
const DefaultMergeWindow = 5 * time.Minute

type Aggregator struct {
	records     repositories.UsageRecordRepository
	configs     repositories.ConfigurationRepository
	deviceID    uuid.UUID
	mergeWindow time.Duration
	logger      zerolog.Logger
}

func New(
	records repositories.UsageRecordRepository,
	configs repositories.ConfigurationRepository,
	deviceID uuid.UUID,
	mergeWindow time.Duration,
	logger zerolog.Logger,
) *Aggregator {
	if mergeWindow <= 0 {
		mergeWindow = DefaultMergeWindow
	}
	return &Aggregator{
		records:     records,
		configs:     configs,
		deviceID:    deviceID,
		mergeWindow: mergeWindow,
		logger:      logger.With().Str("component", "usage-aggregator").Logger(),
	}
}

// Record folds one delta into the app's current session, or opens a new
// session when the most recent record ended more than the merge window
// before the observation. Apps never merge across each other.
func (a *Aggregator) Record(ctx context.Context, delta dedup.Delta) (*models.UsageRecord, error) {
	rate, err := a.pointsRate(ctx, delta.LogicalID)
	if err != nil {
		return nil, err
	}

	latest, err := a.records.GetLatest(ctx, a.deviceID, delta.LogicalID)
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up latest record: %w", err)
	}

	// A delta observed before the session's current end is a late delivery;
	// it folds into the session rather than opening an overlapping record.
	// ExtendSession never moves the end backwards.
	if latest != nil && delta.ObservedAt.Sub(latest.SessionEnd) <= a.mergeWindow {
		total := latest.TotalSeconds + delta.Seconds
		points := total / 60 * rate

		record, err := a.records.ExtendSession(ctx, latest.ID, delta.ObservedAt, delta.Seconds, points)
		if err != nil {
			return nil, fmt.Errorf("failed to extend session: %w", err)
		}

		a.logger.Debug().
			Str("logical_id", delta.LogicalID).
			Str("record_id", record.ID.String()).
			Int64("total_seconds", record.TotalSeconds).
			Msg("Extended usage session")
		return record, nil
	}

	record := &models.UsageRecord{
		LogicalID:    delta.LogicalID,
		DeviceID:     a.deviceID,
		SessionStart: delta.ObservedAt.Add(-time.Duration(delta.Seconds) * time.Second),
		SessionEnd:   delta.ObservedAt,
		TotalSeconds: delta.Seconds,
		Points:       delta.Seconds / 60 * rate,
	}
	if err := a.records.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	a.logger.Debug().
		Str("logical_id", delta.LogicalID).
		Str("record_id", record.ID.String()).
		Time("session_start", record.SessionStart).
		Msg("Opened usage session")
	return record, nil
}

// pointsRate reads the app's configured accrual rate; an unconfigured app
// accrues no points but is still recorded.
func (a *Aggregator) pointsRate(ctx context.Context, logicalID string) (int64, error) {
	cfg, err := a.configs.GetByLogicalID(ctx, a.deviceID, logicalID)
	if errors.Is(err, repositories.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read configuration: %w", err)
	}
	return cfg.PointsPerMinute, nil
}

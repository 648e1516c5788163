package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/usagesync/engine/internal/aggregator"
	"github.com/usagesync/engine/internal/dedup"
	"github.com/usagesync/engine/internal/models"
	"github.com/usagesync/engine/internal/repositories"
	"github.com/usagesync/engine/internal/syncerr"
	"github.com/usagesync/engine/internal/syncqueue"
	"github.com/usagesync/engine/internal/watcher"
)

// MonitorService runs the usage pipeline on each poll tick: read the shared
// counters the watcher process maintains, turn new threshold crossings into
// usage deltas, fold the deltas into session records, and queue the records
// for upload. It also owns the day rollover.
type MonitorService struct {
	shared     *watcher.SharedState
	dedup      *dedup.Engine
	aggregator *aggregator.Aggregator
	configs    repositories.ConfigurationRepository
	records    repositories.UsageRecordRepository
	summaries  repositories.SummaryRepository
	queue      *syncqueue.Queue

	deviceID uuid.UUID
	loc      *time.Location
	logger   zerolog.Logger

	currentDay time.Time
}

func NewMonitorService(
	shared *watcher.SharedState,
	dedupEngine *dedup.Engine,
	agg *aggregator.Aggregator,
	configs repositories.ConfigurationRepository,
	records repositories.UsageRecordRepository,
	summaries repositories.SummaryRepository,
	queue *syncqueue.Queue,
	deviceID uuid.UUID,
	loc *time.Location,
	logger zerolog.Logger,
) *MonitorService {
	return &MonitorService{
		shared:     shared,
		dedup:      dedupEngine,
		aggregator: agg,
		configs:    configs,
		records:    records,
		summaries:  summaries,
		queue:      queue,
		deviceID:   deviceID,
		loc:        loc,
		logger:     logger.With().Str("component", "monitor").Logger(),
	}
}

// Poll runs one pipeline pass at now. Counter reads that fail are skipped
// for this tick; the counters are cumulative, so nothing is lost.
func (s *MonitorService) Poll(ctx context.Context, now time.Time) error {
	if err := s.rolloverIfNeeded(ctx, now); err != nil {
		return err
	}

	enabled, err := s.configs.ListEnabled(ctx, s.deviceID)
	if err != nil {
		return fmt.Errorf("failed to list enabled apps: %w", err)
	}

	for _, cfg := range enabled {
		if cfg.LogicalID == "" {
			// A config without an app mapping can never produce usage.
			s.logger.Warn().Err(syncerr.ErrMissingMapping).
				Str("config_id", cfg.ID.String()).
				Msg("Dropping configuration without logical id")
			continue
		}

		if err := s.pollApp(ctx, cfg.LogicalID, now); err != nil {
			s.logger.Error().Err(err).Str("logical_id", cfg.LogicalID).Msg("Poll failed for app")
		}
	}
	return nil
}

func (s *MonitorService) pollApp(ctx context.Context, logicalID string, now time.Time) error {
	effective, err := s.shared.EffectiveUsage(ctx, logicalID)
	if err != nil {
		return err
	}

	quantum := int64(s.dedup.Quantum() / time.Second)
	last := s.dedup.LastThreshold(logicalID)

	// Walk every threshold the counter passed since the previous tick.
	// Each accepted crossing yields exactly one quantum of usage, so a
	// counter that jumped several thresholds still credits them all.
	for threshold := last + quantum; threshold <= effective; threshold += quantum {
		delta, ok := s.dedup.Apply(logicalID, threshold, now)
		if !ok {
			continue
		}

		s.logger.Debug().
			Str("threshold", dedup.ThresholdName(logicalID, int(threshold/quantum))).
			Int64("seconds", delta.Seconds).
			Msg("Accepted threshold crossing")

		record, err := s.aggregator.Record(ctx, delta)
		if err != nil {
			return fmt.Errorf("failed to record usage: %w", err)
		}

		if _, err := s.queue.Enqueue(ctx, models.OpUploadRecord, recordEntityKey(record), record); err != nil {
			return fmt.Errorf("failed to enqueue usage upload: %w", err)
		}
	}
	return nil
}

// rolloverIfNeeded closes out the previous day the first time a tick lands
// past local midnight: the dedup ladders reset, each app's counter is
// rebaselined for the new day, and the finished day's summary is recomputed
// and queued for upload.
func (s *MonitorService) rolloverIfNeeded(ctx context.Context, now time.Time) error {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	if s.currentDay.IsZero() {
		s.currentDay = day
		return nil
	}
	if day.Equal(s.currentDay) {
		return nil
	}

	previous := s.currentDay
	s.currentDay = day
	s.dedup.Reset()

	enabled, err := s.configs.ListEnabled(ctx, s.deviceID)
	if err != nil {
		return fmt.Errorf("failed to list apps for rollover: %w", err)
	}
	for _, cfg := range enabled {
		if cfg.LogicalID == "" {
			continue
		}
		if err := s.rebaseline(ctx, cfg.LogicalID, day, now); err != nil {
			s.logger.Error().Err(err).Str("logical_id", cfg.LogicalID).Msg("Failed to rebaseline counter")
		}
	}

	summary, err := s.summaries.Recompute(ctx, s.deviceID, previous)
	if err != nil {
		return fmt.Errorf("failed to recompute summary: %w", err)
	}

	if _, err := s.queue.Enqueue(ctx, models.OpUploadSummary, summaryEntityKey(summary), summary); err != nil {
		return fmt.Errorf("failed to enqueue summary upload: %w", err)
	}

	s.logger.Info().
		Str("day", previous.Format("2006-01-02")).
		Int64("total_seconds", summary.TotalSeconds).
		Msg("Day rolled over")
	return nil
}

// rebaseline starts an app's new day at zero. When the watcher has already
// reset its counter the old baseline is dropped; when the watcher lags, the
// current raw value becomes the new zero point so yesterday's seconds are
// not credited a second time. Once the watcher's own reset lands, the raw
// counter is authoritative again (see SharedState.EffectiveUsage).
func (s *MonitorService) rebaseline(ctx context.Context, logicalID string, day, now time.Time) error {
	lastReset, err := s.shared.LastReset(ctx, logicalID)
	if err != nil {
		return err
	}
	if !lastReset.Before(day) {
		return s.shared.ClearBaseline(ctx, logicalID)
	}

	raw, err := s.shared.RawUsage(ctx, logicalID)
	if err != nil {
		return err
	}
	if raw == 0 {
		return s.shared.ClearBaseline(ctx, logicalID)
	}
	return s.shared.SetBaseline(ctx, &models.SyncBaseline{
		LogicalID: logicalID,
		Value:     raw,
		Timestamp: now,
	})
}

// EnqueueUnsyncedRecords re-queues usage records whose upload was lost,
// e.g. a crash between writing the record and queueing its operation. The
// remote apply is last-write-wins, so re-queueing a record that is merely
// still in flight is harmless.
func (s *MonitorService) EnqueueUnsyncedRecords(ctx context.Context, limit int) (int, error) {
	unsynced, err := s.records.ListUnsynced(ctx, s.deviceID, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list unsynced records: %w", err)
	}

	for _, record := range unsynced {
		if _, err := s.queue.Enqueue(ctx, models.OpUploadRecord, recordEntityKey(record), record); err != nil {
			return 0, fmt.Errorf("failed to enqueue usage upload: %w", err)
		}
	}
	return len(unsynced), nil
}

// EnqueueUnsyncedConfigs queues locally edited configurations for upload.
// Configurations stay unsynced until the remote store acknowledges them,
// so a crash between edit and upload is retried on the next pass.
func (s *MonitorService) EnqueueUnsyncedConfigs(ctx context.Context) (int, error) {
	unsynced, err := s.configs.ListUnsynced(ctx, s.deviceID)
	if err != nil {
		return 0, fmt.Errorf("failed to list unsynced configurations: %w", err)
	}

	for _, cfg := range unsynced {
		if _, err := s.queue.Enqueue(ctx, models.OpUploadConfig, cfg.LogicalID, cfg); err != nil {
			return 0, fmt.Errorf("failed to enqueue configuration upload: %w", err)
		}
	}
	return len(unsynced), nil
}

func recordEntityKey(record *models.UsageRecord) string {
	return record.LogicalID + "|" + record.SessionStart.UTC().Format(time.RFC3339)
}

func summaryEntityKey(summary *models.DailySummary) string {
	return summary.Day.Format("2006-01-02")
}

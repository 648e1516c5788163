// Package watcher bridges the out-of-process threshold watcher. The watcher
// runs in its own process and shares nothing with the engine except a
// low-level key/value store: it owns the raw per-app usage counters, the
// engine owns the sync baselines. The engine never writes a watcher-owned
// key; corrections go through the baseline indirection so a local "reset"
// cannot race the watcher's own concurrent write.
package watcher

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/usagesync/engine/internal/models"
)

const (
	usageTodayKey     = "usage_%s_today"
	usageLastResetKey = "usage_%s_lastResetTimestamp"
	baselineValueKey  = "sync_baseline_%s_value"
	baselineTimeKey   = "sync_baseline_%s_timestamp"
)

// SharedState reads the watcher's counters and manages the engine-owned
// baseline keys next to them.
type SharedState struct {
	client *redis.Client
	logger zerolog.Logger
}

func NewSharedState(client *redis.Client, logger zerolog.Logger) *SharedState {
	return &SharedState{
		client: client,
		logger: logger.With().Str("component", "shared-state").Logger(),
	}
}

// RawUsage returns the watcher's cumulative seconds for an app today.
// A missing key means the watcher has not seen the app yet; that is zero
// usage, not an error.
func (s *SharedState) RawUsage(ctx context.Context, logicalID string) (int64, error) {
	val, err := s.client.Get(ctx, fmt.Sprintf(usageTodayKey, logicalID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read usage counter: %w", err)
	}

	seconds, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse usage counter for %s: %w", logicalID, err)
	}
	return seconds, nil
}

// LastReset returns the watcher's own reset timestamp for an app, or the
// zero time when the watcher has never reset it.
func (s *SharedState) LastReset(ctx context.Context, logicalID string) (time.Time, error) {
	val, err := s.client.Get(ctx, fmt.Sprintf(usageLastResetKey, logicalID)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read reset timestamp: %w", err)
	}

	unix, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse reset timestamp for %s: %w", logicalID, err)
	}
	return time.Unix(unix, 0), nil
}

// Baseline returns the engine's recorded baseline for an app, or nil when
// no local reset is in effect.
func (s *SharedState) Baseline(ctx context.Context, logicalID string) (*models.SyncBaseline, error) {
	val, err := s.client.Get(ctx, fmt.Sprintf(baselineValueKey, logicalID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read baseline value: %w", err)
	}

	value, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse baseline value for %s: %w", logicalID, err)
	}

	baseline := &models.SyncBaseline{LogicalID: logicalID, Value: value}

	ts, err := s.client.Get(ctx, fmt.Sprintf(baselineTimeKey, logicalID)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read baseline timestamp: %w", err)
	}
	if err == nil {
		if unix, perr := strconv.ParseInt(ts, 10, 64); perr == nil {
			baseline.Timestamp = time.Unix(unix, 0)
		}
	}

	return baseline, nil
}

// SetBaseline records the watcher's current counter as the new zero point.
// This is how a forced local reset is expressed without touching the
// watcher-owned counter.
func (s *SharedState) SetBaseline(ctx context.Context, baseline *models.SyncBaseline) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf(baselineValueKey, baseline.LogicalID), strconv.FormatInt(baseline.Value, 10), 0)
	pipe.Set(ctx, fmt.Sprintf(baselineTimeKey, baseline.LogicalID), strconv.FormatInt(baseline.Timestamp.Unix(), 10), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set baseline: %w", err)
	}

	s.logger.Info().
		Str("logical_id", baseline.LogicalID).
		Int64("value", baseline.Value).
		Msg("Recorded sync baseline")

	return nil
}

// ClearBaseline removes an app's baseline, normally at day rollover.
func (s *SharedState) ClearBaseline(ctx context.Context, logicalID string) error {
	err := s.client.Del(ctx,
		fmt.Sprintf(baselineValueKey, logicalID),
		fmt.Sprintf(baselineTimeKey, logicalID),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to clear baseline: %w", err)
	}
	return nil
}

// EffectiveUsage returns today's usage corrected by any active baseline.
// The watcher itself may have reset its counter after the baseline was
// taken; a raw value below the baseline, or a reset timestamp newer than
// the baseline, means exactly that, and the raw value is then
// authoritative again.
func (s *SharedState) EffectiveUsage(ctx context.Context, logicalID string) (int64, error) {
	raw, err := s.RawUsage(ctx, logicalID)
	if err != nil {
		return 0, err
	}

	baseline, err := s.Baseline(ctx, logicalID)
	if err != nil {
		return 0, err
	}
	if baseline == nil {
		return raw, nil
	}

	lastReset, err := s.LastReset(ctx, logicalID)
	if err != nil {
		return 0, err
	}
	if raw < baseline.Value || lastReset.After(baseline.Timestamp) {
		return raw, nil
	}
	return raw - baseline.Value, nil
}

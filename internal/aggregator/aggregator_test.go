package aggregator

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usagesync/engine/internal/dedup"
	"github.com/usagesync/engine/internal/models"
	"github.com/usagesync/engine/internal/repositories"
)

// fakeRecordRepo is an in-memory UsageRecordRepository for aggregator tests.
type fakeRecordRepo struct {
	records map[uuid.UUID]*models.UsageRecord
}

func newFakeRecordRepo() *fakeRecordRepo {
	return &fakeRecordRepo{records: make(map[uuid.UUID]*models.UsageRecord)}
}

func (f *fakeRecordRepo) Create(_ context.Context, record *models.UsageRecord) error {
	record.ID = uuid.New()
	record.CreatedAt = time.Now()
	clone := *record
	f.records[record.ID] = &clone
	return nil
}

func (f *fakeRecordRepo) GetLatest(_ context.Context, deviceID uuid.UUID, logicalID string) (*models.UsageRecord, error) {
	var latest *models.UsageRecord
	for _, r := range f.records {
		if r.DeviceID != deviceID || r.LogicalID != logicalID {
			continue
		}
		if latest == nil || r.SessionEnd.After(latest.SessionEnd) {
			latest = r
		}
	}
	if latest == nil {
		return nil, repositories.ErrNotFound
	}
	clone := *latest
	return &clone, nil
}

func (f *fakeRecordRepo) ExtendSession(_ context.Context, id uuid.UUID, sessionEnd time.Time, addSeconds, points int64) (*models.UsageRecord, error) {
	r, ok := f.records[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	if sessionEnd.After(r.SessionEnd) {
		r.SessionEnd = sessionEnd
	}
	r.TotalSeconds += addSeconds
	r.Points = points
	r.IsSynced = false
	clone := *r
	return &clone, nil
}

func (f *fakeRecordRepo) ListUnsynced(_ context.Context, deviceID uuid.UUID, limit int) ([]*models.UsageRecord, error) {
	var out []*models.UsageRecord
	for _, r := range f.records {
		if r.DeviceID == deviceID && !r.IsSynced {
			clone := *r
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionStart.Before(out[j].SessionStart) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRecordRepo) MarkSynced(_ context.Context, id uuid.UUID) error {
	r, ok := f.records[id]
	if !ok {
		return repositories.ErrNotFound
	}
	r.IsSynced = true
	return nil
}

func (f *fakeRecordRepo) ListByDay(_ context.Context, deviceID uuid.UUID, day time.Time) ([]*models.UsageRecord, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)
	var out []*models.UsageRecord
	for _, r := range f.records {
		if r.DeviceID == deviceID && !r.SessionStart.Before(dayStart) && r.SessionStart.Before(dayEnd) {
			clone := *r
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionStart.Before(out[j].SessionStart) })
	return out, nil
}

func (f *fakeRecordRepo) MergeRemote(_ context.Context, record *models.UsageRecord) error {
	for _, r := range f.records {
		if r.DeviceID == record.DeviceID && r.LogicalID == record.LogicalID && r.SessionStart.Equal(record.SessionStart) {
			if record.SessionEnd.After(r.SessionEnd) {
				r.SessionEnd = record.SessionEnd
				r.TotalSeconds = record.TotalSeconds
				r.Points = record.Points
			}
			return nil
		}
	}
	record.IsSynced = true
	return f.Create(context.Background(), record)
}

// fakeConfigRepo serves a fixed points rate per app.
type fakeConfigRepo struct {
	rates map[string]int64
}

func (f *fakeConfigRepo) Upsert(_ context.Context, _ *models.AppConfiguration) error { return nil }

func (f *fakeConfigRepo) GetByLogicalID(_ context.Context, deviceID uuid.UUID, logicalID string) (*models.AppConfiguration, error) {
	rate, ok := f.rates[logicalID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return &models.AppConfiguration{
		LogicalID:       logicalID,
		DeviceID:        deviceID,
		PointsPerMinute: rate,
		Enabled:         true,
	}, nil
}

func (f *fakeConfigRepo) ListEnabled(_ context.Context, _ uuid.UUID) ([]*models.AppConfiguration, error) {
	return nil, nil
}

func (f *fakeConfigRepo) ListUnsynced(_ context.Context, _ uuid.UUID) ([]*models.AppConfiguration, error) {
	return nil, nil
}

func (f *fakeConfigRepo) MarkSynced(_ context.Context, _ uuid.UUID) error { return nil }

func (f *fakeConfigRepo) LastSynced(_ context.Context, _ uuid.UUID, _ string) (*models.AppConfiguration, error) {
	return nil, repositories.ErrNotFound
}

func newTestAggregator(t *testing.T) (*Aggregator, *fakeRecordRepo, uuid.UUID) {
	t.Helper()
	deviceID := uuid.New()
	records := newFakeRecordRepo()
	configs := &fakeConfigRepo{rates: map[string]int64{"com.example.game": 2}}
	agg := New(records, configs, deviceID, 5*time.Minute, zerolog.Nop())
	return agg, records, deviceID
}

func delta(logicalID string, seconds int64, at time.Time) dedup.Delta {
	return dedup.Delta{LogicalID: logicalID, Seconds: seconds, ObservedAt: at}
}

func TestRecord_ContiguousDeltasMergeIntoOneSession(t *testing.T) {
	agg, records, deviceID := newTestAggregator(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	// Deltas at t=0,60,120,180 with a 60s quantum: one 240s record.
	for _, off := range []int64{0, 60, 120, 180} {
		_, err := agg.Record(ctx, delta("com.example.game", 60, base.Add(time.Duration(off)*time.Second)))
		require.NoError(t, err)
	}

	day, err := records.ListByDay(ctx, deviceID, base)
	require.NoError(t, err)
	require.Len(t, day, 1, "contiguous deltas must merge into one record")
	assert.Equal(t, int64(240), day[0].TotalSeconds)
	assert.Equal(t, base.Add(-60*time.Second), day[0].SessionStart)
	assert.Equal(t, base.Add(180*time.Second), day[0].SessionEnd)
}

func TestRecord_GapBeyondMergeWindowOpensNewSession(t *testing.T) {
	agg, records, deviceID := newTestAggregator(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	_, err := agg.Record(ctx, delta("com.example.game", 60, base))
	require.NoError(t, err)

	// Gap of 1000s > 5-minute window: a separate record.
	_, err = agg.Record(ctx, delta("com.example.game", 60, base.Add(1000*time.Second)))
	require.NoError(t, err)

	day, err := records.ListByDay(ctx, deviceID, base)
	require.NoError(t, err)
	assert.Len(t, day, 2)
}

func TestRecord_LateDeltaFoldsIntoExistingSession(t *testing.T) {
	agg, records, deviceID := newTestAggregator(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	_, err := agg.Record(ctx, delta("com.example.game", 60, base))
	require.NoError(t, err)
	_, err = agg.Record(ctx, delta("com.example.game", 60, base.Add(time.Minute)))
	require.NoError(t, err)

	// Delivered out of order: observed before the session's current end.
	late, err := agg.Record(ctx, delta("com.example.game", 60, base.Add(30*time.Second)))
	require.NoError(t, err)

	day, err := records.ListByDay(ctx, deviceID, base)
	require.NoError(t, err)
	require.Len(t, day, 1, "a late delta must not open an overlapping session")
	assert.Equal(t, int64(180), late.TotalSeconds)
	assert.Equal(t, base.Add(time.Minute), late.SessionEnd, "the session end never moves backwards")
}

func TestRecord_PointsAccrueAtConfiguredRate(t *testing.T) {
	agg, _, _ := newTestAggregator(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	var last *models.UsageRecord
	for _, off := range []int64{0, 60, 120} {
		record, err := agg.Record(ctx, delta("com.example.game", 60, base.Add(time.Duration(off)*time.Second)))
		require.NoError(t, err)
		last = record
	}

	// 180 seconds at 2 points/minute.
	assert.Equal(t, int64(180), last.TotalSeconds)
	assert.Equal(t, int64(6), last.Points)
}

func TestRecord_UnconfiguredAppAccruesNoPoints(t *testing.T) {
	agg, _, _ := newTestAggregator(t)
	ctx := context.Background()

	record, err := agg.Record(ctx, delta("com.example.unknown", 60, time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)))

	require.NoError(t, err)
	assert.Equal(t, int64(60), record.TotalSeconds)
	assert.Equal(t, int64(0), record.Points)
}

func TestRecord_AppsNeverMergeAcrossEachOther(t *testing.T) {
	agg, records, deviceID := newTestAggregator(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	_, err := agg.Record(ctx, delta("com.example.game", 60, base))
	require.NoError(t, err)
	_, err = agg.Record(ctx, delta("com.example.other", 60, base.Add(time.Minute)))
	require.NoError(t, err)

	day, err := records.ListByDay(ctx, deviceID, base)
	require.NoError(t, err)
	require.Len(t, day, 2, "different apps must never share a session")
}

func TestRecord_MutationMarksRecordUnsynced(t *testing.T) {
	agg, records, _ := newTestAggregator(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	first, err := agg.Record(ctx, delta("com.example.game", 60, base))
	require.NoError(t, err)
	require.NoError(t, records.MarkSynced(ctx, first.ID))

	extended, err := agg.Record(ctx, delta("com.example.game", 60, base.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, first.ID, extended.ID)
	assert.False(t, extended.IsSynced, "extending a synced session must mark it unsynced")
}

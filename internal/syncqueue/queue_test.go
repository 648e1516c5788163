package syncqueue

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usagesync/engine/internal/models"
	"github.com/usagesync/engine/internal/repositories"
	"github.com/usagesync/engine/internal/syncerr"
)

// fakeQueueRepo is an in-memory QueueRepository.
type fakeQueueRepo struct {
	items   map[uuid.UUID]*models.SyncQueueItem
	nextSeq int64
}

func newFakeQueueRepo() *fakeQueueRepo {
	return &fakeQueueRepo{items: make(map[uuid.UUID]*models.SyncQueueItem)}
}

func (f *fakeQueueRepo) Enqueue(_ context.Context, item *models.SyncQueueItem) error {
	f.nextSeq++
	item.ID = uuid.New()
	item.Sequence = f.nextSeq
	item.Status = models.QueuePending
	// A zero NextAttemptAt is eligible at any drain time, which keeps the
	// tests' fixed dates independent of the wall clock.
	item.CreatedAt = time.Now()
	clone := *item
	f.items[item.ID] = &clone
	return nil
}

func (f *fakeQueueRepo) Drain(_ context.Context, deviceID uuid.UUID, limit int, now time.Time) ([]*models.SyncQueueItem, error) {
	var out []*models.SyncQueueItem
	for _, item := range f.items {
		if item.DeviceID == deviceID && item.Status == models.QueuePending && !item.NextAttemptAt.After(now) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if len(out) > limit {
		out = out[:limit]
	}
	claimed := make([]*models.SyncQueueItem, 0, len(out))
	for _, item := range out {
		item.Status = models.QueueInFlight
		at := now
		item.LastAttemptAt = &at
		clone := *item
		claimed = append(claimed, &clone)
	}
	return claimed, nil
}

func (f *fakeQueueRepo) Ack(_ context.Context, id uuid.UUID) error {
	if _, ok := f.items[id]; !ok {
		return repositories.ErrNotFound
	}
	delete(f.items, id)
	return nil
}

func (f *fakeQueueRepo) Nack(_ context.Context, id uuid.UUID, nextAttempt time.Time, lastError string) error {
	item, ok := f.items[id]
	if !ok {
		return repositories.ErrNotFound
	}
	if item.Status == models.QueueDeadLettered {
		return repositories.ErrDeadLettered
	}
	item.Status = models.QueuePending
	item.RetryCount++
	item.NextAttemptAt = nextAttempt
	item.LastError = &lastError
	return nil
}

func (f *fakeQueueRepo) DeadLetter(_ context.Context, id uuid.UUID, lastError string) error {
	item, ok := f.items[id]
	if !ok {
		return repositories.ErrNotFound
	}
	item.Status = models.QueueDeadLettered
	item.RetryCount++
	item.LastError = &lastError
	return nil
}

func (f *fakeQueueRepo) ListDeadLettered(_ context.Context, deviceID uuid.UUID) ([]*models.SyncQueueItem, error) {
	var out []*models.SyncQueueItem
	for _, item := range f.items {
		if item.DeviceID == deviceID && item.Status == models.QueueDeadLettered {
			clone := *item
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (f *fakeQueueRepo) ReleaseStale(_ context.Context, deviceID uuid.UUID, olderThan time.Time) (int64, error) {
	var released int64
	for _, item := range f.items {
		if item.DeviceID == deviceID && item.Status == models.QueueInFlight &&
			item.LastAttemptAt != nil && item.LastAttemptAt.Before(olderThan) {
			item.Status = models.QueuePending
			released++
		}
	}
	return released, nil
}

func newTestQueue(t *testing.T) (*Queue, *fakeQueueRepo) {
	t.Helper()
	repo := newFakeQueueRepo()
	q := New(repo, uuid.New(), 3, 2*time.Second, 5*time.Minute, zerolog.Nop())
	return q, repo
}

func TestQueue_FIFOOrderPreserved(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, models.OpUploadRecord, "a", map[string]int{"n": 1})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, models.OpUploadRecord, "b", map[string]int{"n": 2})
	require.NoError(t, err)

	items, err := q.Drain(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, first.ID, items[0].ID)
	assert.Equal(t, second.ID, items[1].ID)
}

func TestQueue_TransientFailureBacksOff(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	item, err := q.Enqueue(ctx, models.OpUploadRecord, "a", nil)
	require.NoError(t, err)
	claimed, err := q.Drain(ctx, 1, time.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, q.Fail(ctx, claimed[0], errors.New("connection refused"), now))

	// Not retryable inside the backoff interval, retryable after it.
	items, err := q.Drain(ctx, 10, now.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, items)

	items, err = q.Drain(ctx, 10, now.Add(3*time.Second))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, item.ID, items[0].ID)
	assert.Equal(t, 1, items[0].RetryCount)
}

func TestQueue_NonIdempotentDeadLettersAfterCap(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	_, err := q.Enqueue(ctx, models.OpRegisterDevice, "device", nil)
	require.NoError(t, err)

	transient := errors.New("connection reset")
	for attempt := 0; attempt < 3; attempt++ {
		items, err := q.Drain(ctx, 1, now.Add(time.Duration(attempt)*time.Hour))
		require.NoError(t, err)
		require.Len(t, items, 1, "attempt %d", attempt)
		require.NoError(t, q.Fail(ctx, items[0], transient, now.Add(time.Duration(attempt)*time.Hour)))
	}

	// Third failure reached the cap: dead-lettered, never drained again.
	items, err := q.Drain(ctx, 10, now.Add(100*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, items)

	dead, err := q.DeadLettered(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].RetryCount)
}

func TestQueue_IdempotentRetriesBeyondCap(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	_, err := q.Enqueue(ctx, models.OpUploadRecord, "record", nil)
	require.NoError(t, err)

	transient := errors.New("timeout")
	for attempt := 0; attempt < 6; attempt++ {
		items, err := q.Drain(ctx, 1, now.Add(time.Duration(attempt)*time.Hour))
		require.NoError(t, err)
		require.Len(t, items, 1, "idempotent upload must stay retryable on attempt %d", attempt)
		require.NoError(t, q.Fail(ctx, items[0], transient, now.Add(time.Duration(attempt)*time.Hour)))
	}

	dead, err := q.DeadLettered(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestQueue_PermanentFailureDeadLettersImmediately(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	_, err := q.Enqueue(ctx, models.OpUploadRecord, "record", nil)
	require.NoError(t, err)
	items, err := q.Drain(ctx, 1, time.Now())
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, q.Fail(ctx, items[0], syncerr.ErrPermissionDenied, now))

	dead, err := q.DeadLettered(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1, "even an idempotent op dead-letters on a permanent failure")
}

func TestQueue_DeadLetteredIsTerminal(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	_, err := q.Enqueue(ctx, models.OpUploadRecord, "record", nil)
	require.NoError(t, err)
	items, err := q.Drain(ctx, 1, now)
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, q.Fail(ctx, items[0], syncerr.ErrPermissionDenied, now))

	// A late transient failure for the same claim cannot revive the item.
	err = q.Fail(ctx, items[0], errors.New("timeout"), now)
	assert.ErrorIs(t, err, repositories.ErrDeadLettered)
}

func TestQueue_MalformedPayloadDoesNotBlockQueue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	_, err := q.Enqueue(ctx, models.OpUploadRecord, "bad", nil)
	require.NoError(t, err)
	good, err := q.Enqueue(ctx, models.OpUploadRecord, "good", map[string]int{"n": 1})
	require.NoError(t, err)

	items, err := q.Drain(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Len(t, items, 2)

	// First item's payload cannot be decoded; it alone dead-letters.
	require.NoError(t, q.Fail(ctx, items[0], syncerr.ErrMalformedPayload, now))
	require.NoError(t, q.Ack(ctx, items[1]))

	dead, err := q.DeadLettered(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.NotEqual(t, good.ID, dead[0].ID)
}

func TestRetryDelay_ExponentialAndCapped(t *testing.T) {
	q, _ := newTestQueue(t)

	assert.Equal(t, 2*time.Second, q.RetryDelay(0))
	assert.Equal(t, 4*time.Second, q.RetryDelay(1))
	assert.Equal(t, 8*time.Second, q.RetryDelay(2))
	assert.Equal(t, 5*time.Minute, q.RetryDelay(20), "delay must cap at the maximum")
}

func TestQueue_RecoverRequeuesCrashedBatch(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, models.OpUploadRecord, "a", nil)
	require.NoError(t, err)
	items, err := q.Drain(ctx, 1, time.Now())
	require.NoError(t, err)
	require.Len(t, items, 1)

	released, err := q.Recover(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	items, err = q.Drain(ctx, 10, time.Now())
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

// Package conflict resolves divergent versions of synced entities. All
// resolution is pure functions over typed snapshots so each rule is
// testable in isolation.
package conflict

import (
	"bytes"
	"sort"
	"time"

	"github.com/usagesync/engine/internal/models"
)

// Winner picks between two versions of one configuration. The controlling
// role always beats a peer regardless of timestamps; between equals the
// later modification wins, with device id ordering as a deterministic
// tiebreak so every replica converges on the same answer.
func Winner(a, b *models.AppConfiguration) *models.AppConfiguration {
	aControls := a.ModifiedRole == models.RoleControlling
	bControls := b.ModifiedRole == models.RoleControlling
	if aControls != bControls {
		if aControls {
			return a
		}
		return b
	}

	if !a.ModifiedAt.Equal(b.ModifiedAt) {
		if a.ModifiedAt.After(b.ModifiedAt) {
			return a
		}
		return b
	}

	if bytes.Compare(a.DeviceID[:], b.DeviceID[:]) >= 0 {
		return a
	}
	return b
}

// Resolve returns the surviving version when no common ancestor is known:
// the whole-record overwrite fallback.
func Resolve(a, b *models.AppConfiguration) models.AppConfiguration {
	return *Winner(a, b)
}

// Merge performs a field-level three-way merge of two concurrent edits
// against their common ancestor. A field changed on only one side takes
// that side's value; a field changed on both sides goes to Winner's side.
// The result carries the winner's modification metadata.
func Merge(base, a, b *models.AppConfiguration) models.AppConfiguration {
	winner := Winner(a, b)
	loser := a
	if winner == a {
		loser = b
	}

	merged := *winner

	mergeString(&merged.Category, base.Category, winner.Category, loser.Category)
	mergeInt64(&merged.PointsPerMinute, base.PointsPerMinute, winner.PointsPerMinute, loser.PointsPerMinute)
	mergeBool(&merged.Enabled, base.Enabled, winner.Enabled, loser.Enabled)
	mergeBool(&merged.Blocked, base.Blocked, winner.Blocked, loser.Blocked)

	if loser.ModifiedAt.After(merged.ModifiedAt) {
		merged.ModifiedAt = loser.ModifiedAt
	}
	return merged
}

// mergeString keeps the loser's edit when the winner left the field at its
// base value. Both-changed keeps the winner (already in place).
func mergeString(dst *string, base, winner, loser string) {
	if winner == base && loser != base {
		*dst = loser
	}
}

func mergeInt64(dst *int64, base, winner, loser int64) {
	if winner == base && loser != base {
		*dst = loser
	}
}

func mergeBool(dst *bool, base, winner, loser bool) {
	if winner == base && loser != base {
		*dst = loser
	}
}

// sessionKey identifies one logical session across its remote versions.
type sessionKey struct {
	deviceID  string
	logicalID string
	start     int64
}

// DedupSessions collapses historical versions of growing sessions to their
// newest version each. The remote store does not replace in place from a
// reader's point of view, so a download can contain several superseded
// copies of one session; summing them would multiply usage.
func DedupSessions(records []*models.UsageRecord) []*models.UsageRecord {
	latest := make(map[sessionKey]*models.UsageRecord)
	for _, r := range records {
		key := sessionKey{
			deviceID:  r.DeviceID.String(),
			logicalID: r.LogicalID,
			start:     r.SessionStart.UnixNano(),
		}
		if cur, ok := latest[key]; !ok || r.SessionEnd.After(cur.SessionEnd) {
			latest[key] = r
		}
	}

	out := make([]*models.UsageRecord, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SessionStart.Equal(out[j].SessionStart) {
			return out[i].SessionStart.Before(out[j].SessionStart)
		}
		return out[i].LogicalID < out[j].LogicalID
	})
	return out
}

// TotalSeconds sums de-duplicated session durations, the safe way to derive
// a total from a raw download.
func TotalSeconds(records []*models.UsageRecord, day time.Time, loc *time.Location) int64 {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	var total int64
	for _, r := range DedupSessions(records) {
		start := r.SessionStart.In(loc)
		if !start.Before(dayStart) && start.Before(dayEnd) {
			total += r.TotalSeconds
		}
	}
	return total
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// UsageRecord is one tracked session for one app: a contiguous run of usage
// deltas merged into a single growing record. Mutated only by the aggregator
// on this device and by the sync engine when merging remote versions.
type UsageRecord struct {
	ID           uuid.UUID  `json:"id"`
	LogicalID    string     `json:"logical_id"`
	DeviceID     uuid.UUID  `json:"device_id"`
	SessionStart time.Time  `json:"session_start"`
	SessionEnd   time.Time  `json:"session_end"`
	TotalSeconds int64      `json:"total_seconds"`
	Points       int64      `json:"points"`
	IsSynced     bool       `json:"is_synced"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

// Day returns the calendar day the session belongs to, in loc.
func (r *UsageRecord) Day(loc *time.Location) time.Time {
	start := r.SessionStart.In(loc)
	return time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
}

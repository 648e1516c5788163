package models

import (
	"time"

	"github.com/google/uuid"
)

// DailySummary is a per-device, per-calendar-day rollup. It is always
// recomputed from UsageRecords and never edited directly.
type DailySummary struct {
	ID           uuid.UUID  `json:"id"`
	DeviceID     uuid.UUID  `json:"device_id"`
	Day          time.Time  `json:"day"`
	TotalSeconds int64      `json:"total_seconds"`
	TotalPoints  int64      `json:"total_points"`
	SessionCount int64      `json:"session_count"`
	ComputedAt   time.Time  `json:"computed_at"`
	IsSynced     bool       `json:"is_synced"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

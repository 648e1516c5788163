package models

import "time"

// SyncBaseline records the external watcher's raw counter value at the
// moment of a forced local reset. The watcher's counter is never written by
// this process; effective usage is computed as raw minus baseline. Cleared
// at day rollover.
type SyncBaseline struct {
	LogicalID string    `json:"logical_id"`
	Value     int64     `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// DeviceRole identifies a device's authority during conflict resolution.
// The controlling device's configuration edits always win over a peer's.
type DeviceRole string

const (
	RoleControlling DeviceRole = "controlling"
	RolePeer        DeviceRole = "peer"
)

// AppConfiguration describes one tracked application on a device. LogicalID
// is the stable identifier the whole engine is keyed on; it must survive
// apps being added or removed around it.
type AppConfiguration struct {
	ID              uuid.UUID  `json:"id"`
	LogicalID       string     `json:"logical_id"`
	DeviceID        uuid.UUID  `json:"device_id"`
	Category        string     `json:"category"`
	PointsPerMinute int64      `json:"points_per_minute"`
	Enabled         bool       `json:"enabled"`
	Blocked         bool       `json:"blocked"`
	ModifiedAt      time.Time  `json:"modified_at"`
	ModifiedRole    DeviceRole `json:"modified_role"`
	IsSynced        bool       `json:"is_synced"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty"`
}

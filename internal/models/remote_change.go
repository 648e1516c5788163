package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RecordType tags the payload carried by a remote change.
type RecordType string

const (
	RecordConfiguration RecordType = "configuration"
	RecordUsage         RecordType = "usage_record"
	RecordSummary       RecordType = "daily_summary"
	RecordDevice        RecordType = "device_registration"
)

// RemoteChange is one entry in a zone's change log. The server assigns
// Sequence per zone; readers page through changes with it as a high-water
// mark. The server retains superseded copies of a record, so a reader may
// see several historical versions of one logical entity.
type RemoteChange struct {
	ID         uuid.UUID       `json:"id"`
	ZoneID     uuid.UUID       `json:"zone_id"`
	DeviceID   uuid.UUID       `json:"device_id"`
	Sequence   int64           `json:"sequence"`
	Type       RecordType      `json:"type"`
	EntityKey  string          `json:"entity_key"`
	Payload    json.RawMessage `json:"payload"`
	ModifiedAt time.Time       `json:"modified_at"`
	CreatedAt  time.Time       `json:"created_at"`
}

// RemoteRecord is the wire form of an uploaded record.
type RemoteRecord struct {
	Type       RecordType      `json:"type"`
	EntityKey  string          `json:"entity_key"`
	DeviceID   uuid.UUID       `json:"device_id"`
	Payload    json.RawMessage `json:"payload"`
	ModifiedAt time.Time       `json:"modified_at"`
}

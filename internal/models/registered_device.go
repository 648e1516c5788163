package models

import (
	"time"

	"github.com/google/uuid"
)

// RegisteredDevice is the identity record for a device in a sync zone.
// Created at pairing time; the sync engine reads it to route operations.
type RegisteredDevice struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	Role       DeviceRole `json:"role"`
	ZoneID     uuid.UUID  `json:"zone_id"`
	PairingID  uuid.UUID  `json:"pairing_id"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// Pairing is a single-use invitation into a zone. The plaintext code is
// shown once on the inviting device and only its bcrypt hash is stored.
type Pairing struct {
	ID         uuid.UUID  `json:"id"`
	ZoneID     uuid.UUID  `json:"zone_id"`
	CodeHash   string     `json:"-"`
	Role       DeviceRole `json:"role"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

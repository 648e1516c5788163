package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OperationKind names the remote operation a queue item carries.
type OperationKind string

const (
	OpUploadRecord   OperationKind = "upload_record"
	OpUploadConfig   OperationKind = "upload_config"
	OpUploadSummary  OperationKind = "upload_summary"
	OpRegisterDevice OperationKind = "register_device"
)

// Idempotent reports whether the operation may be retried without bound.
// Full-record uploads are last-write-wins on the server, so replaying them
// is harmless; registration and summary publication are capped.
func (k OperationKind) Idempotent() bool {
	return k == OpUploadRecord || k == OpUploadConfig
}

// QueueStatus is the lifecycle state of a queue item.
type QueueStatus string

const (
	QueuePending      QueueStatus = "pending"
	QueueInFlight     QueueStatus = "in_flight"
	QueueDeadLettered QueueStatus = "dead_lettered"
)

// SyncQueueItem is one persisted pending remote operation. Sequence is
// assigned by the store and gives FIFO order per device.
type SyncQueueItem struct {
	ID            uuid.UUID       `json:"id"`
	DeviceID      uuid.UUID       `json:"device_id"`
	Sequence      int64           `json:"sequence"`
	Kind          OperationKind   `json:"kind"`
	EntityKey     string          `json:"entity_key"`
	Payload       json.RawMessage `json:"payload"`
	Status        QueueStatus     `json:"status"`
	RetryCount    int             `json:"retry_count"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

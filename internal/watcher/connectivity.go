package watcher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	connectivityKeyPrefix = "connectivity:"
	connectivityTTL       = 90 * time.Second
)

// Connectivity is a TTL heartbeat. The sync loop beats while the device can
// reach the network and watches for the offline→online transition to
// trigger an immediate queue drain.
type Connectivity struct {
	client   *redis.Client
	deviceID uuid.UUID
	logger   zerolog.Logger

	wasOnline bool
}

func NewConnectivity(client *redis.Client, deviceID uuid.UUID, logger zerolog.Logger) *Connectivity {
	return &Connectivity{
		client:   client,
		deviceID: deviceID,
		logger:   logger.With().Str("component", "connectivity").Logger(),
	}
}

// Heartbeat refreshes this device's liveness key. It returns true when the
// device just came back online, i.e. the previous heartbeat had lapsed.
func (c *Connectivity) Heartbeat(ctx context.Context) (cameOnline bool, err error) {
	key := connectivityKey(c.deviceID)

	set, err := c.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), connectivityTTL).Result()
	if err != nil {
		c.wasOnline = false
		return false, fmt.Errorf("failed to set heartbeat: %w", err)
	}
	if !set {
		// Key still alive from the previous beat; just extend it.
		if err := c.client.Expire(ctx, key, connectivityTTL).Err(); err != nil {
			return false, fmt.Errorf("failed to extend heartbeat: %w", err)
		}
	}

	cameOnline = !c.wasOnline
	c.wasOnline = true
	if cameOnline {
		c.logger.Info().Str("device_id", c.deviceID.String()).Msg("Connectivity restored")
	}
	return cameOnline, nil
}

// IsOnline reports whether a device's heartbeat is current.
func (c *Connectivity) IsOnline(ctx context.Context, deviceID uuid.UUID) (bool, error) {
	n, err := c.client.Exists(ctx, connectivityKey(deviceID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check heartbeat: %w", err)
	}
	return n > 0, nil
}

// MarkOffline drops this device's heartbeat, e.g. on shutdown.
func (c *Connectivity) MarkOffline(ctx context.Context) error {
	c.wasOnline = false
	if err := c.client.Del(ctx, connectivityKey(c.deviceID)).Err(); err != nil {
		return fmt.Errorf("failed to delete heartbeat: %w", err)
	}
	return nil
}

// Helper: build the heartbeat key for a device
func connectivityKey(deviceID uuid.UUID) string {
	return connectivityKeyPrefix + deviceID.String()
}

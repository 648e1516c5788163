package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config carries everything the agent and server read from the environment.
type Config struct {
	ServerPort  string
	DatabaseURL string
	RedisURL    string
	RemoteURL   string
	JWTSecret   string
	TokenExpiry time.Duration

	DeviceID   uuid.UUID
	DeviceRole string

	// Sync identity handed out at pairing time. ZoneID is the zone this
	// device uploads to; ReadZones are additional zones it downloads from.
	// Tokens are zone-scoped, so each read zone carries the token minted
	// when this device paired into it.
	SyncToken      string
	ZoneID         uuid.UUID
	ReadZones      []uuid.UUID
	ReadZoneTokens map[uuid.UUID]string

	// Scheduling constants. MinWindow is the platform-imposed minimum
	// observation interval; windows shorter than it are rejected by the
	// external watcher and must never be requested.
	MinWindow       time.Duration
	PreferredWindow time.Duration
	MergeWindow     time.Duration
	PollInterval    time.Duration
	SyncInterval    time.Duration

	// Retry policy for the sync queue.
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	UploadBatchMax int
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		RemoteURL:   getEnv("REMOTE_URL", "http://localhost:8080"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		DeviceRole:  getEnv("DEVICE_ROLE", "peer"),
	}

	var err error
	if cfg.TokenExpiry, err = getDuration("TOKEN_EXPIRY", "720h"); err != nil {
		return nil, err
	}
	if cfg.MinWindow, err = getDuration("MIN_WINDOW", "20m"); err != nil {
		return nil, err
	}
	if cfg.PreferredWindow, err = getDuration("PREFERRED_WINDOW", "1h"); err != nil {
		return nil, err
	}
	if cfg.MergeWindow, err = getDuration("MERGE_WINDOW", "5m"); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = getDuration("POLL_INTERVAL", "30s"); err != nil {
		return nil, err
	}
	if cfg.SyncInterval, err = getDuration("SYNC_INTERVAL", "5m"); err != nil {
		return nil, err
	}
	if cfg.BackoffBase, err = getDuration("BACKOFF_BASE", "2s"); err != nil {
		return nil, err
	}
	if cfg.BackoffMax, err = getDuration("BACKOFF_MAX", "5m"); err != nil {
		return nil, err
	}

	cfg.MaxRetries = getInt("MAX_RETRIES", 3)
	cfg.UploadBatchMax = getInt("UPLOAD_BATCH_MAX", 50)

	if idStr := os.Getenv("DEVICE_ID"); idStr != "" {
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("invalid DEVICE_ID: %w", err)
		}
		cfg.DeviceID = id
	}

	cfg.SyncToken = os.Getenv("SYNC_TOKEN")
	if zoneStr := os.Getenv("ZONE_ID"); zoneStr != "" {
		zone, err := uuid.Parse(zoneStr)
		if err != nil {
			return nil, fmt.Errorf("invalid ZONE_ID: %w", err)
		}
		cfg.ZoneID = zone
	}
	if zonesStr := os.Getenv("READ_ZONES"); zonesStr != "" {
		cfg.ReadZoneTokens = make(map[uuid.UUID]string)
		for _, raw := range strings.Split(zonesStr, ",") {
			zoneStr, token, ok := strings.Cut(strings.TrimSpace(raw), ":")
			if !ok || token == "" {
				return nil, fmt.Errorf("READ_ZONES entry %q must be zone-id:token", raw)
			}
			zone, err := uuid.Parse(zoneStr)
			if err != nil {
				return nil, fmt.Errorf("invalid READ_ZONES entry %q: %w", raw, err)
			}
			cfg.ReadZones = append(cfg.ReadZones, zone)
			cfg.ReadZoneTokens[zone] = token
		}
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.PreferredWindow < cfg.MinWindow {
		return nil, errors.New("PREFERRED_WINDOW must not be shorter than MIN_WINDOW")
	}

	return cfg, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key, defaultValue string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s format: %w", key, err)
	}
	return d, nil
}

func getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var n int
	if _, err := fmt.Sscanf(value, "%d", &n); err != nil {
		return defaultValue
	}
	return n
}

// Package remote talks to the remote store over HTTP. Devices authenticate
// with the zone token minted at pairing; writes go to the caller's own
// addressable zone, reads page a zone's change log by sequence number.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/usagesync/engine/internal/models"
	"github.com/usagesync/engine/internal/syncerr"
)

// Store is the remote store surface the sync engine needs. The HTTP client
// below is the production implementation; tests substitute an in-memory
// fake.
type Store interface {
	PushRecords(ctx context.Context, zoneID uuid.UUID, records []models.RemoteRecord) error
	Changes(ctx context.Context, zoneID uuid.UUID, since int64, limit int) ([]models.RemoteChange, int64, error)
}

const clientNetworkRetries = 2

type Client struct {
	baseURL    string
	token      string
	zoneTokens map[uuid.UUID]string
	http       *http.Client
	logger     zerolog.Logger
}

// NewClient builds a store client. token authenticates against the device's
// own zone; zoneTokens carries the zone-scoped tokens minted when the device
// paired into each zone it is delegated to read.
func NewClient(baseURL, token string, zoneTokens map[uuid.UUID]string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		zoneTokens: zoneTokens,
		http:       &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With().Str("component", "remote-client").Logger(),
	}
}

// tokenFor returns the token scoped to a zone, falling back to the device's
// own-zone token.
func (c *Client) tokenFor(zoneID uuid.UUID) string {
	if token, ok := c.zoneTokens[zoneID]; ok {
		return token
	}
	return c.token
}

// PushRecords uploads a batch into a zone. The server applies each record
// last-write-wins by modification timestamp, so replaying a batch after a
// lost acknowledgment is harmless.
func (c *Client) PushRecords(ctx context.Context, zoneID uuid.UUID, records []models.RemoteRecord) error {
	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to marshal upload batch: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/zones/%s/records", c.baseURL, zoneID)
	return c.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.tokenFor(zoneID))

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("failed to push records: %w", err)
		}
		defer resp.Body.Close()

		return classifyStatus(resp.StatusCode)
	})
}

// Changes returns a zone's change log entries after a sequence number,
// along with the new high-water mark.
func (c *Client) Changes(ctx context.Context, zoneID uuid.UUID, since int64, limit int) ([]models.RemoteChange, int64, error) {
	endpoint := fmt.Sprintf("%s/v1/zones/%s/changes?%s", c.baseURL, zoneID, url.Values{
		"since": {strconv.FormatInt(since, 10)},
		"limit": {strconv.Itoa(limit)},
	}.Encode())

	var payload struct {
		Changes []models.RemoteChange `json:"changes"`
		Latest  int64                 `json:"latest_sequence"`
	}

	err := c.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.tokenFor(zoneID))

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("failed to fetch changes: %w", err)
		}
		defer resp.Body.Close()

		if err := classifyStatus(resp.StatusCode); err != nil {
			return err
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return fmt.Errorf("failed to decode changes: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, since, err
	}
	return payload.Changes, payload.Latest, nil
}

// withRetry absorbs short network blips locally; anything that survives the
// quick retries is reported to the queue's slower backoff policy.
func (c *Client) withRetry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), clientNetworkRetries), ctx)
	return backoff.Retry(func() error {
		err := op()
		if syncerr.Permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// classifyStatus maps HTTP status to the sync error taxonomy.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return syncerr.ErrPermissionDenied
	case status == http.StatusRequestEntityTooLarge || status == http.StatusTooManyRequests:
		return syncerr.ErrQuotaExceeded
	case status == http.StatusBadRequest:
		return syncerr.ErrMalformedPayload
	default:
		return fmt.Errorf("remote store returned status %d", status)
	}
}

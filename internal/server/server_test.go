package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usagesync/engine/internal/models"
	"github.com/usagesync/engine/internal/repositories"
	"github.com/usagesync/engine/internal/services"
)

type fakeZoneRepo struct {
	changes []models.RemoteChange
	nextSeq int64
}

func (f *fakeZoneRepo) Append(_ context.Context, zoneID, deviceID uuid.UUID, records []models.RemoteRecord) error {
	for _, r := range records {
		f.nextSeq++
		f.changes = append(f.changes, models.RemoteChange{
			ID:         uuid.New(),
			ZoneID:     zoneID,
			DeviceID:   deviceID,
			Sequence:   f.nextSeq,
			Type:       r.Type,
			EntityKey:  r.EntityKey,
			Payload:    r.Payload,
			ModifiedAt: r.ModifiedAt,
			CreatedAt:  time.Now(),
		})
	}
	return nil
}

func (f *fakeZoneRepo) Changes(_ context.Context, zoneID uuid.UUID, since int64, limit int) ([]models.RemoteChange, int64, error) {
	out := []models.RemoteChange{}
	latest := since
	for _, c := range f.changes {
		if c.ZoneID == zoneID && c.Sequence > since {
			out = append(out, c)
			latest = c.Sequence
			if len(out) == limit {
				break
			}
		}
	}
	return out, latest, nil
}

type fakeDeviceRepo struct {
	devices map[uuid.UUID]*models.RegisteredDevice
}

func newFakeDeviceRepo() *fakeDeviceRepo {
	return &fakeDeviceRepo{devices: make(map[uuid.UUID]*models.RegisteredDevice)}
}

func (f *fakeDeviceRepo) Create(_ context.Context, device *models.RegisteredDevice) error {
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	device.CreatedAt = time.Now()
	clone := *device
	f.devices[device.ID] = &clone
	return nil
}

func (f *fakeDeviceRepo) GetByID(_ context.Context, id uuid.UUID) (*models.RegisteredDevice, error) {
	device, ok := f.devices[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	clone := *device
	return &clone, nil
}

func (f *fakeDeviceRepo) ListByZone(_ context.Context, zoneID uuid.UUID) ([]*models.RegisteredDevice, error) {
	var out []*models.RegisteredDevice
	for _, d := range f.devices {
		if d.ZoneID == zoneID && d.RevokedAt == nil {
			clone := *d
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeDeviceRepo) UpdateLastSync(_ context.Context, id uuid.UUID, at time.Time) error {
	device, ok := f.devices[id]
	if !ok {
		return repositories.ErrNotFound
	}
	device.LastSyncAt = &at
	return nil
}

func (f *fakeDeviceRepo) Revoke(_ context.Context, id uuid.UUID) error {
	device, ok := f.devices[id]
	if !ok || device.RevokedAt != nil {
		return repositories.ErrNotFound
	}
	now := time.Now()
	device.RevokedAt = &now
	return nil
}

type fakePairingRepo struct {
	pairings map[uuid.UUID]*models.Pairing
}

func newFakePairingRepo() *fakePairingRepo {
	return &fakePairingRepo{pairings: make(map[uuid.UUID]*models.Pairing)}
}

func (f *fakePairingRepo) Create(_ context.Context, pairing *models.Pairing) error {
	if pairing.ID == uuid.Nil {
		pairing.ID = uuid.New()
	}
	pairing.CreatedAt = time.Now()
	clone := *pairing
	f.pairings[pairing.ID] = &clone
	return nil
}

func (f *fakePairingRepo) ListActive(_ context.Context, now time.Time) ([]*models.Pairing, error) {
	var out []*models.Pairing
	for _, p := range f.pairings {
		if p.ConsumedAt == nil && p.ExpiresAt.After(now) {
			clone := *p
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (f *fakePairingRepo) Consume(_ context.Context, id uuid.UUID, at time.Time) error {
	p, ok := f.pairings[id]
	if !ok || p.ConsumedAt != nil {
		return repositories.ErrNotFound
	}
	p.ConsumedAt = &at
	return nil
}

type serverFixture struct {
	ts       *httptest.Server
	pairing  *services.PairingService
	devices  *fakeDeviceRepo
	zones    *fakeZoneRepo
	zoneID   uuid.UUID
	token    string
	deviceID uuid.UUID
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	zones := &fakeZoneRepo{}
	devices := newFakeDeviceRepo()
	pairings := newFakePairingRepo()
	pairing := services.NewPairingService(pairings, devices, "test-secret-test-secret", time.Hour)

	srv := New(zones, devices, pairing, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	// Pair the first device through the real endpoint.
	zoneID := uuid.New()
	code, _, err := pairing.CreatePairing(context.Background(), zoneID, models.RoleControlling)
	require.NoError(t, err)

	f := &serverFixture{ts: ts, pairing: pairing, devices: devices, zones: zones, zoneID: zoneID}
	resp := f.pair(t, code, "parent-phone")
	f.token = resp.Token
	f.deviceID = resp.DeviceID
	return f
}

func (f *serverFixture) pair(t *testing.T, code, name string) pairResponse {
	t.Helper()
	body, _ := json.Marshal(pairRequest{Code: code, DeviceName: name})
	res, err := http.Post(f.ts.URL+"/v1/pair", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var out pairResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return out
}

func (f *serverFixture) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.ts.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func testRecords(n int) []models.RemoteRecord {
	records := make([]models.RemoteRecord, n)
	for i := range records {
		records[i] = models.RemoteRecord{
			Type:       models.RecordUsage,
			EntityKey:  fmt.Sprintf("app|%d", i),
			DeviceID:   uuid.New(),
			Payload:    json.RawMessage(`{}`),
			ModifiedAt: time.Now(),
		}
	}
	return records
}

func TestPair_InvalidCodeRejected(t *testing.T) {
	f := newServerFixture(t)

	body, _ := json.Marshal(pairRequest{Code: "00000000", DeviceName: "intruder"})
	res, err := http.Post(f.ts.URL+"/v1/pair", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestPair_CodeIsSingleUse(t *testing.T) {
	f := newServerFixture(t)

	code, _, err := f.pairing.CreatePairing(context.Background(), f.zoneID, models.RolePeer)
	require.NoError(t, err)

	f.pair(t, code, "kid-tablet")

	body, _ := json.Marshal(pairRequest{Code: code, DeviceName: "second-redeem"})
	res, err := http.Post(f.ts.URL+"/v1/pair", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestPushAndPullRoundTrip(t *testing.T) {
	f := newServerFixture(t)
	path := "/v1/zones/" + f.zoneID.String()

	res := f.request(t, http.MethodPut, path+"/records", f.token, testRecords(3))
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res = f.request(t, http.MethodGet, path+"/changes?since=0", f.token, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var out changesResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	assert.Len(t, out.Changes, 3)
	assert.Equal(t, int64(3), out.LatestSequence)
	assert.Equal(t, f.deviceID, out.Changes[0].DeviceID, "server stamps the uploader, not the payload device")
}

func TestChanges_PagesPastCursor(t *testing.T) {
	f := newServerFixture(t)
	path := "/v1/zones/" + f.zoneID.String()

	res := f.request(t, http.MethodPut, path+"/records", f.token, testRecords(5))
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res = f.request(t, http.MethodGet, path+"/changes?since=0&limit=2", f.token, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var page changesResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&page))
	require.Len(t, page.Changes, 2)
	require.Equal(t, int64(2), page.LatestSequence)

	res = f.request(t, http.MethodGet, fmt.Sprintf("%s/changes?since=%d&limit=2", path, page.LatestSequence), f.token, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NoError(t, json.NewDecoder(res.Body).Decode(&page))
	assert.Equal(t, int64(3), page.Changes[0].Sequence, "paging resumes past the cursor")
}

func TestPushRecords_RequiresMatchingZone(t *testing.T) {
	f := newServerFixture(t)
	otherZone := uuid.New()

	res := f.request(t, http.MethodPut, "/v1/zones/"+otherZone.String()+"/records", f.token, testRecords(1))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestPushRecords_RejectsOversizedBatch(t *testing.T) {
	f := newServerFixture(t)

	res := f.request(t, http.MethodPut, "/v1/zones/"+f.zoneID.String()+"/records", f.token, testRecords(maxUploadBatch+1))
	assert.Equal(t, http.StatusRequestEntityTooLarge, res.StatusCode)
}

func TestAuth_MissingAndRevoked(t *testing.T) {
	f := newServerFixture(t)
	path := "/v1/zones/" + f.zoneID.String() + "/changes"

	res := f.request(t, http.MethodGet, path, "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	// Pair a peer, revoke it, then try its still-unexpired token.
	code, _, err := f.pairing.CreatePairing(context.Background(), f.zoneID, models.RolePeer)
	require.NoError(t, err)
	peer := f.pair(t, code, "kid-tablet")

	res = f.request(t, http.MethodPost, "/v1/devices/"+peer.DeviceID.String()+"/revoke", f.token, nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res = f.request(t, http.MethodGet, path, peer.Token, nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestRenewToken_IssuesFreshZoneScopedToken(t *testing.T) {
	f := newServerFixture(t)

	res := f.request(t, http.MethodPost, "/v1/tokens/renew", f.token, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var out renewResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	require.NotEmpty(t, out.Token)

	claims, err := f.pairing.VerifyToken(out.Token)
	require.NoError(t, err)
	assert.Equal(t, f.deviceID, claims.DeviceID)
	assert.Equal(t, f.zoneID, claims.ZoneID)
	assert.Equal(t, models.RoleControlling, claims.Role)
}

func TestCreatePairing_PeerForbidden(t *testing.T) {
	f := newServerFixture(t)

	code, _, err := f.pairing.CreatePairing(context.Background(), f.zoneID, models.RolePeer)
	require.NoError(t, err)
	peer := f.pair(t, code, "kid-tablet")

	res := f.request(t, http.MethodPost, "/v1/pairings", peer.Token, createPairingRequest{Role: models.RolePeer})
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res = f.request(t, http.MethodPost, "/v1/pairings", f.token, createPairingRequest{Role: models.RolePeer})
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

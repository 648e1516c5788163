// Package server implements the remote store: the HTTP service holding each
// zone's change log. Devices pair against it, upload record batches, and
// page downloads past their sequence cursor.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/usagesync/engine/internal/models"
	"github.com/usagesync/engine/internal/repositories"
	"github.com/usagesync/engine/internal/services"
)

// maxUploadBatch bounds one PUT; larger uploads must split. Clients treat
// the 413 as a quota error and retry with smaller batches.
const maxUploadBatch = 500

const defaultPageLimit = 200

type Server struct {
	zones   repositories.ZoneRepository
	devices repositories.DeviceRepository
	pairing *services.PairingService
	logger  zerolog.Logger
}

func New(
	zones repositories.ZoneRepository,
	devices repositories.DeviceRepository,
	pairing *services.PairingService,
	logger zerolog.Logger,
) *Server {
	return &Server{
		zones:   zones,
		devices: devices,
		pairing: pairing,
		logger:  logger.With().Str("component", "remote-store").Logger(),
	}
}

func (s *Server) Router() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(s.requestLogger)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	router.Post("/v1/pair", s.handlePair)

	router.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/pairings", s.handleCreatePairing)
		r.Post("/v1/tokens/renew", s.handleRenewToken)
		r.Put("/v1/zones/{zoneID}/records", s.handlePushRecords)
		r.Get("/v1/zones/{zoneID}/changes", s.handleChanges)
		r.Get("/v1/zones/{zoneID}/devices", s.handleListDevices)
		r.Post("/v1/devices/{deviceID}/revoke", s.handleRevokeDevice)
	})

	return router
}

type pairRequest struct {
	Code       string `json:"code"`
	DeviceName string `json:"device_name"`
}

type pairResponse struct {
	Token     string            `json:"token"`
	ExpiresAt time.Time         `json:"expires_at"`
	DeviceID  uuid.UUID         `json:"device_id"`
	ZoneID    uuid.UUID         `json:"zone_id"`
	Role      models.DeviceRole `json:"role"`
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Code == "" || req.DeviceName == "" {
		writeError(w, http.StatusBadRequest, "code and device_name are required")
		return
	}

	resp, err := s.pairing.Pair(r.Context(), services.PairRequest{
		Code:       req.Code,
		DeviceName: req.DeviceName,
	})
	if err == services.ErrInvalidPairingCode {
		writeError(w, http.StatusUnauthorized, "invalid or expired pairing code")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Pairing failed")
		writeError(w, http.StatusInternalServerError, "pairing failed")
		return
	}

	writeJSON(w, http.StatusOK, pairResponse{
		Token:     resp.Token,
		ExpiresAt: resp.ExpiresAt,
		DeviceID:  resp.DeviceID,
		ZoneID:    resp.ZoneID,
		Role:      resp.Role,
	})
}

type createPairingRequest struct {
	Role models.DeviceRole `json:"role"`
}

type createPairingResponse struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleCreatePairing mints an invitation code for the caller's own zone.
// Only a controlling device may invite.
func (s *Server) handleCreatePairing(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if claims.Role != models.RoleControlling {
		writeError(w, http.StatusForbidden, "only a controlling device can create pairings")
		return
	}

	var req createPairingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Role != models.RoleControlling && req.Role != models.RolePeer {
		writeError(w, http.StatusBadRequest, "role must be controlling or peer")
		return
	}

	code, pairing, err := s.pairing.CreatePairing(r.Context(), claims.ZoneID, req.Role)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to create pairing")
		writeError(w, http.StatusInternalServerError, "failed to create pairing")
		return
	}

	writeJSON(w, http.StatusOK, createPairingResponse{
		Code:      code,
		ExpiresAt: pairing.ExpiresAt,
	})
}

type renewResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleRenewToken reissues the caller's token before expiry, so a paired
// device never has to hold a pairing code again.
func (s *Server) handleRenewToken(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	token, expiresAt, err := s.pairing.RenewToken(r.Context(), claims.DeviceID)
	if err == services.ErrInvalidToken {
		writeError(w, http.StatusUnauthorized, "device is not eligible for renewal")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to renew token")
		writeError(w, http.StatusInternalServerError, "failed to renew token")
		return
	}

	writeJSON(w, http.StatusOK, renewResponse{Token: token, ExpiresAt: expiresAt})
}

func (s *Server) handlePushRecords(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	zoneID, ok := s.zoneFromURL(w, r, claims)
	if !ok {
		return
	}

	var records []models.RemoteRecord
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		writeError(w, http.StatusBadRequest, "invalid record batch")
		return
	}
	if len(records) == 0 {
		writeError(w, http.StatusBadRequest, "empty record batch")
		return
	}
	if len(records) > maxUploadBatch {
		writeError(w, http.StatusRequestEntityTooLarge, "record batch too large")
		return
	}
	for _, record := range records {
		if record.EntityKey == "" || record.ModifiedAt.IsZero() {
			writeError(w, http.StatusBadRequest, "record missing entity_key or modified_at")
			return
		}
	}

	if err := s.zones.Append(r.Context(), zoneID, claims.DeviceID, records); err != nil {
		s.logger.Error().Err(err).Str("zone", zoneID.String()).Msg("Failed to append records")
		writeError(w, http.StatusInternalServerError, "failed to store records")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type changesResponse struct {
	Changes        []models.RemoteChange `json:"changes"`
	LatestSequence int64                 `json:"latest_sequence"`
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	zoneID, ok := s.zoneFromURL(w, r, claims)
	if !ok {
		return
	}

	since := int64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid since parameter")
			return
		}
		since = parsed
	}

	limit := defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > defaultPageLimit {
			writeError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
		limit = parsed
	}

	changes, latest, err := s.zones.Changes(r.Context(), zoneID, since, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("zone", zoneID.String()).Msg("Failed to read changes")
		writeError(w, http.StatusInternalServerError, "failed to read changes")
		return
	}

	writeJSON(w, http.StatusOK, changesResponse{
		Changes:        changes,
		LatestSequence: latest,
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	zoneID, ok := s.zoneFromURL(w, r, claims)
	if !ok {
		return
	}

	devices, err := s.devices.ListByZone(r.Context(), zoneID)
	if err != nil {
		s.logger.Error().Err(err).Str("zone", zoneID.String()).Msg("Failed to list devices")
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}

	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if claims.Role != models.RoleControlling {
		writeError(w, http.StatusForbidden, "only a controlling device can revoke")
		return
	}

	deviceID, err := uuid.Parse(chi.URLParam(r, "deviceID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	device, err := s.devices.GetByID(r.Context(), deviceID)
	if err == repositories.ErrNotFound {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to get device")
		writeError(w, http.StatusInternalServerError, "failed to get device")
		return
	}
	if device.ZoneID != claims.ZoneID {
		writeError(w, http.StatusForbidden, "device is not in your zone")
		return
	}

	if err := s.devices.Revoke(r.Context(), deviceID); err != nil {
		s.logger.Error().Err(err).Msg("Failed to revoke device")
		writeError(w, http.StatusInternalServerError, "failed to revoke device")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// zoneFromURL parses the zone path parameter and enforces that the token
// belongs to it. Cross-zone reads use a token minted for that zone.
func (s *Server) zoneFromURL(w http.ResponseWriter, r *http.Request, claims *services.TokenClaims) (uuid.UUID, bool) {
	zoneID, err := uuid.Parse(chi.URLParam(r, "zoneID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid zone id")
		return uuid.Nil, false
	}
	if zoneID != claims.ZoneID {
		writeError(w, http.StatusForbidden, "token is not valid for this zone")
		return uuid.Nil, false
	}
	return zoneID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

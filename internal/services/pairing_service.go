package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/usagesync/engine/internal/models"
	"github.com/usagesync/engine/internal/repositories"
	"github.com/usagesync/engine/internal/utils"
)

var (
	ErrInvalidPairingCode = errors.New("invalid or expired pairing code")
	ErrInvalidToken       = errors.New("invalid token")
)

const pairingLifetime = 15 * time.Minute

// PairingService admits devices into zones. An existing device creates a
// short-lived numeric code; a new device redeems it once and receives a
// zone-scoped token for all further sync calls.
type PairingService struct {
	pairingRepo repositories.PairingRepository
	deviceRepo  repositories.DeviceRepository
	jwtSecret   string
	jwtExpiry   time.Duration
}

type PairRequest struct {
	Code       string
	DeviceName string
}

type PairResponse struct {
	Token     string
	ExpiresAt time.Time
	DeviceID  uuid.UUID
	ZoneID    uuid.UUID
	Role      models.DeviceRole
}

type TokenClaims struct {
	DeviceID uuid.UUID
	ZoneID   uuid.UUID
	Role     models.DeviceRole
}

func NewPairingService(
	pairingRepo repositories.PairingRepository,
	deviceRepo repositories.DeviceRepository,
	jwtSecret string,
	jwtExpiry time.Duration,
) *PairingService {
	return &PairingService{
		pairingRepo: pairingRepo,
		deviceRepo:  deviceRepo,
		jwtSecret:   jwtSecret,
		jwtExpiry:   jwtExpiry,
	}
}

// CreatePairing mints a single-use code admitting one device into the zone
// with the given role. The plaintext code is returned exactly once.
func (s *PairingService) CreatePairing(ctx context.Context, zoneID uuid.UUID, role models.DeviceRole) (string, *models.Pairing, error) {
	code, err := utils.GeneratePairingCode()
	if err != nil {
		return "", nil, err
	}

	hash, err := utils.HashPairingCode(code)
	if err != nil {
		return "", nil, fmt.Errorf("failed to hash pairing code: %w", err)
	}

	pairing := &models.Pairing{
		ZoneID:    zoneID,
		CodeHash:  hash,
		Role:      role,
		ExpiresAt: time.Now().Add(pairingLifetime),
	}
	if err := s.pairingRepo.Create(ctx, pairing); err != nil {
		return "", nil, err
	}
	return code, pairing, nil
}

// Pair redeems a code, registers the device in the pairing's zone, and
// issues its sync token. The code is consumed on success.
func (s *PairingService) Pair(ctx context.Context, req PairRequest) (*PairResponse, error) {
	now := time.Now()

	active, err := s.pairingRepo.ListActive(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list pairings: %w", err)
	}

	var pairing *models.Pairing
	for _, p := range active {
		if utils.CheckPairingCode(p.CodeHash, req.Code) {
			pairing = p
			break
		}
	}
	if pairing == nil {
		return nil, ErrInvalidPairingCode
	}

	// Consume first so a concurrent redeem of the same code loses.
	if err := s.pairingRepo.Consume(ctx, pairing.ID, now); err != nil {
		if err == repositories.ErrNotFound {
			return nil, ErrInvalidPairingCode
		}
		return nil, fmt.Errorf("failed to consume pairing: %w", err)
	}

	device := &models.RegisteredDevice{
		Name:      req.DeviceName,
		Role:      pairing.Role,
		ZoneID:    pairing.ZoneID,
		PairingID: pairing.ID,
	}
	if err := s.deviceRepo.Create(ctx, device); err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}

	expiresAt := now.Add(s.jwtExpiry)
	token, err := s.generateToken(device.ID, pairing.ZoneID, pairing.Role, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	return &PairResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		DeviceID:  device.ID,
		ZoneID:    pairing.ZoneID,
		Role:      pairing.Role,
	}, nil
}

// RenewToken issues a fresh token for an already-registered device.
func (s *PairingService) RenewToken(ctx context.Context, deviceID uuid.UUID) (string, time.Time, error) {
	device, err := s.deviceRepo.GetByID(ctx, deviceID)
	if err == repositories.ErrNotFound {
		return "", time.Time{}, ErrInvalidToken
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to get device: %w", err)
	}
	if device.RevokedAt != nil {
		return "", time.Time{}, ErrInvalidToken
	}

	expiresAt := time.Now().Add(s.jwtExpiry)
	token, err := s.generateToken(device.ID, device.ZoneID, device.Role, expiresAt)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate token: %w", err)
	}
	return token, expiresAt, nil
}

func (s *PairingService) generateToken(deviceID, zoneID uuid.UUID, role models.DeviceRole, expiresAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub":     deviceID.String(),
		"zone_id": zoneID.String(),
		"role":    string(role),
		"exp":     expiresAt.Unix(),
		"iat":     time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.jwtSecret))
}

func (s *PairingService) VerifyToken(tokenString string) (*TokenClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	deviceIDStr, ok := claims["sub"].(string)
	if !ok {
		return nil, ErrInvalidToken
	}
	deviceID, err := uuid.Parse(deviceIDStr)
	if err != nil {
		return nil, ErrInvalidToken
	}

	zoneIDStr, ok := claims["zone_id"].(string)
	if !ok {
		return nil, ErrInvalidToken
	}
	zoneID, err := uuid.Parse(zoneIDStr)
	if err != nil {
		return nil, ErrInvalidToken
	}

	roleStr, ok := claims["role"].(string)
	if !ok {
		return nil, ErrInvalidToken
	}

	return &TokenClaims{
		DeviceID: deviceID,
		ZoneID:   zoneID,
		Role:     models.DeviceRole(roleStr),
	}, nil
}

package utils

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	BcryptCost        = 12
	PairingCodeLength = 8
)

// Digits only so the code can be read over the phone.
const pairingAlphabet = "0123456789"

// GeneratePairingCode returns a random numeric code for one pairing attempt.
func GeneratePairingCode() (string, error) {
	buf := make([]byte, PairingCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate pairing code: %w", err)
	}
	for i := range buf {
		buf[i] = pairingAlphabet[int(buf[i])%len(pairingAlphabet)]
	}
	return string(buf), nil
}

func HashPairingCode(code string) (string, error) {
	if len(code) < PairingCodeLength {
		return "", fmt.Errorf("pairing code must be at least %d characters long", PairingCodeLength)
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(code), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func CheckPairingCode(hashedCode string, code string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hashedCode), []byte(code))
	return err == nil
}

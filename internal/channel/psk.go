package channel

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"meshalert/internal/domain"
)

// MaxPSKBytes is upper bound for raw PSK length.
const MaxPSKBytes = 32

// ValidatePSK checks PSK text encoding.
// Params: standard base64 PSK.
// Returns: ErrValidation-kind error when decoded length is outside 1..32.
func ValidatePSK(psk string) error {
	raw, err := base64.StdEncoding.DecodeString(psk)
	if err != nil {
		return domain.Errorf(domain.KindValidation, "validate psk", "psk is not valid base64: %v", err)
	}
	if len(raw) < 1 || len(raw) > MaxPSKBytes {
		return domain.Errorf(domain.KindValidation, "validate psk", "psk must decode to 1..%d bytes, got %d", MaxPSKBytes, len(raw))
	}
	return nil
}

// GeneratePSK creates random base64 PSK.
// Params: raw key length in bytes (1..32).
// Returns: encoded PSK or error.
func GeneratePSK(length int) (string, error) {
	if length < 1 || length > MaxPSKBytes {
		return "", domain.Errorf(domain.KindValidation, "generate psk", "length must be 1..%d, got %d", MaxPSKBytes, length)
	}
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("read random psk: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

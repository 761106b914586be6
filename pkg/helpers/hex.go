package helpers

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// HexToBytes decodes a hex string, accepting an optional 0x prefix.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s)%2 != 0 {
		s = "0" + s
	}
	return hex.DecodeString(s)
}

// BytesToHex encodes bytes as a lowercase hex string with a 0x prefix.
func BytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// Hex32 decodes a hex string into a 32-byte array. Errors if the decoded
// value is not exactly 32 bytes.
func Hex32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := HexToBytes(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// ShortHash truncates a hash string for log output.
func ShortHash(s string) string {
	if len(s) > 14 {
		return s[:14] + "…"
	}
	return s
}

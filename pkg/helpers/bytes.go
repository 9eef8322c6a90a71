package helpers

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
)

// GenerateSecureRandom generates n cryptographically secure random
// bytes, as used for swap secrets and sealing nonces.
func GenerateSecureRandom(n int) ([]byte, error) {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return nil, err
	}
	return bytes, nil
}

// ConstantTimeCompare reports whether a and b are equal without
// leaking where they differ. Hashlock preimage checks go through here.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// BytesToHex converts bytes to a hex string with 0x prefix.
func BytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

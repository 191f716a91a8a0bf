package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// keySegments is the number of random segments in a generated license key.
const keySegments = 4

// GenerateKey creates a new license key string in the form
// PREFIX-XXXX-XXXX-XXXX-XXXX with cryptographically random segments.
func GenerateKey(prefix string) (string, error) {
	parts := make([]string, 0, keySegments+1)
	parts = append(parts, strings.ToUpper(strings.TrimSpace(prefix)))
	for i := 0; i < keySegments; i++ {
		segment := make([]byte, 2)
		if _, err := io.ReadFull(rand.Reader, segment); err != nil {
			return "", fmt.Errorf("generate key: %w", err)
		}
		parts = append(parts, strings.ToUpper(hex.EncodeToString(segment)))
	}
	return strings.Join(parts, "-"), nil
}

// GenerateRequestID returns an opaque token identifying a pending checkpoint
// request.
func GenerateRequestID() (string, error) {
	return randomHex(16)
}

// GenerateSessionToken returns a bearer token for a login session.
func GenerateSessionToken() (string, error) {
	return randomHex(32)
}

// randomHex returns the hex encoding of n random bytes.
func randomHex(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// SignCallback computes the anti-bypass token for a checkpoint callback. The
// ad-network integration is configured with the same shared secret and appends
// the signature to the callback URL it redirects through.
func SignCallback(secret, requestID string, step int) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = fmt.Fprintf(mac, "%s:%d", requestID, step)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCallback checks a callback token against the shared secret in
// constant time.
func VerifyCallback(secret, requestID string, step int, token string) bool {
	expected := SignCallback(secret, requestID, step)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(token)) == 1
}

package keys

import (
	"errors"
	"fmt"
	"time"
)

// Terminal and state errors surfaced by the key lifecycle engine. State
// errors are expected business outcomes; handlers translate them into
// valid:false responses rather than failure status codes.
var (
	// ErrKeyNotFound indicates no key matches the presented string.
	ErrKeyNotFound = errors.New("key not found")
	// ErrKeyDeactivated indicates the key was revoked by an admin.
	ErrKeyDeactivated = errors.New("key is deactivated")
	// ErrKeyExpired indicates the key passed its natural expiry.
	ErrKeyExpired = errors.New("key has expired")
	// ErrHWIDMismatch indicates the key is bound to a different device.
	ErrHWIDMismatch = errors.New("hwid mismatch")
	// ErrOwnerBanned indicates the key's owner is banned.
	ErrOwnerBanned = errors.New("user is banned")
	// ErrUserBanned indicates the acting user is banned.
	ErrUserBanned = errors.New("user is banned")
	// ErrHWIDBanned indicates the acting device is banned.
	ErrHWIDBanned = errors.New("device is banned")
	// ErrRequestNotFound indicates no pending request matches the token.
	ErrRequestNotFound = errors.New("request not found")
	// ErrRequestExpired indicates the pending request passed its deadline.
	ErrRequestExpired = errors.New("request has expired")
	// ErrRequestCompleted indicates the pending request was already consumed.
	ErrRequestCompleted = errors.New("request already completed")
	// ErrVerificationFailed indicates an anti-bypass token did not verify.
	ErrVerificationFailed = errors.New("callback verification failed")
	// ErrNotConfigured indicates no active ad-network integration exists.
	ErrNotConfigured = errors.New("key system not configured")
)

// RateLimitedError reports a fixed-window limit rejection with a retry hint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry in %s", e.RetryAfter.Round(time.Second))
}

// IsRateLimited extracts a RateLimitedError from an error chain.
func IsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

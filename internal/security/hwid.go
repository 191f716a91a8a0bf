package security

import "strings"

// HWID length bounds accepted from clients.
const (
	hwidMinLength = 10
	hwidMaxLength = 128
)

// invalidHWIDs lists placeholder values commonly sent by broken or spoofing
// clients.
var invalidHWIDs = map[string]struct{}{
	"unknown":   {},
	"none":      {},
	"null":      {},
	"undefined": {},
	"0":         {},
}

// ValidHWID reports whether a client-supplied hardware identifier is
// acceptable as a binding dimension.
func ValidHWID(hwid string) bool {
	if len(hwid) < hwidMinLength || len(hwid) > hwidMaxLength {
		return false
	}
	_, bad := invalidHWIDs[strings.ToLower(hwid)]
	return !bad
}

// TruncateHWID shortens an HWID for listings and logs.
func TruncateHWID(hwid string) string {
	if len(hwid) <= 8 {
		return hwid
	}
	return hwid[:8] + "..."
}

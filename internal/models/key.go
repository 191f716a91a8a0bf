package models

import "time"

// Key represents an issued license key. The key string is immutable and the
// HWID binding is written at most once: either at issuance or on the first
// successful validation.
type Key struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	KeyString string `gorm:"type:text;not null;uniqueIndex"` // Full license key string.

	UserID uint64 `gorm:"not null;index"`    // Owning user ID.
	User   *User  `gorm:"foreignKey:UserID"` // Associated user record.

	BoundHWID *string `gorm:"column:bound_hwid;type:text;index"` // Device binding, nil until first use.
	IssuedIP  string  `gorm:"type:text"`       // Client IP at issuance.

	IsActive bool `gorm:"not null;default:true"` // Cleared by admin revoke.

	UseCount        int64      `gorm:"not null;default:0"` // Successful validation count.
	LastValidatedAt *time.Time // Last successful validation time.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	ExpiresAt time.Time `gorm:"not null;index"`          // Natural expiry, read-time condition.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Expired reports whether the key has passed its natural expiry.
func (k *Key) Expired(now time.Time) bool {
	return now.After(k.ExpiresAt)
}

// Status returns the display status derived from the active flag and expiry.
func (k *Key) Status(now time.Time) string {
	switch {
	case !k.IsActive:
		return "revoked"
	case k.Expired(now):
		return "expired"
	default:
		return "active"
	}
}

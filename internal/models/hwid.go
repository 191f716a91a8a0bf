package models

import "time"

// HWIDBan blocks a device from all issuance and validation independently of
// any key or user.
type HWIDBan struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	HWID   string `gorm:"column:hwid;type:text;not null;uniqueIndex"` // Banned device fingerprint.
	Reason string `gorm:"type:text"`                      // Optional reason.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Ban timestamp.
}

// TableName overrides GORM's derived name ("hw_id_bans").
func (HWIDBan) TableName() string { return "hwid_bans" }

// HWIDBinding records which devices a user has issued keys on, with a cached
// pointer to the device's current key for fast lookup during redeem.
type HWIDBinding struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;uniqueIndex:idx_hwid_bindings_user_hwid"` // Owning user ID.
	HWID   string `gorm:"column:hwid;type:text;not null;uniqueIndex:idx_hwid_bindings_user_hwid"` // Device fingerprint.

	CurrentKeyID *uint64 `gorm:"index"`                   // Last redeemed key on this device.
	LastSeenAt   time.Time `gorm:"not null"`              // Refreshed on every issuance or redeem.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// TableName overrides GORM's derived name ("hw_id_bindings").
func (HWIDBinding) TableName() string { return "hwid_bindings" }

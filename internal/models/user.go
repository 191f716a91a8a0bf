package models

import "time"

// User represents a Discord identity mirrored into the local database.
// Rows are created or refreshed on login and never deleted; bans are soft.
type User struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	DiscordID string `gorm:"type:text;not null;uniqueIndex"` // Discord snowflake ID.
	Username  string `gorm:"type:text;not null"`             // Discord display name.
	Avatar    string `gorm:"type:text"`                      // Avatar image URL.
	Email     string `gorm:"type:text"`                      // Discord account email.

	IsAdmin       bool   `gorm:"not null;default:false"` // Grants access to the admin API.
	IsBanned      bool   `gorm:"not null;default:false"` // Blocks issuance and validation.
	BanReason     string `gorm:"type:text"`              // Optional reason recorded on ban.
	IsWhitelisted bool   `gorm:"not null;default:false"` // Bypasses the checkpoint flow.

	TotalKeysGenerated int64      `gorm:"not null;default:0"` // Lifetime issued key count.
	LastLoginAt        *time.Time // Last successful login.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

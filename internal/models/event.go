package models

import (
	"time"

	"gorm.io/datatypes"
)

// Event is an analytics log entry. Writes are best-effort and must never
// abort the operation that produced them.
type Event struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Type string `gorm:"type:text;not null;index"` // Event name, e.g. key_generated.

	UserID *uint64 `gorm:"index"`     // Acting user when known.
	HWID   string  `gorm:"type:text"` // Acting device when known.

	IP        string `gorm:"type:text"` // Client IP.
	UserAgent string `gorm:"type:text"` // Client user agent.

	Metadata datatypes.JSON `gorm:"type:jsonb"` // Free-form event payload.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Event timestamp.
}

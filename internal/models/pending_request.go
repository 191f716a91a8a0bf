package models

import "time"

// PendingRequest tracks an in-progress checkpoint verification for one
// (user, HWID) issuance attempt. Completion is a one-way transition guarded by
// a conditional update so racing callbacks mint at most one key.
type PendingRequest struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	RequestID string `gorm:"type:text;not null;uniqueIndex"` // Opaque callback token.

	UserID uint64 `gorm:"not null;index"`    // Requesting user ID.
	User   *User  `gorm:"foreignKey:UserID"` // Associated user record.

	HWID string `gorm:"type:text;not null"` // Device the key will bind to.

	CompletedSteps int  `gorm:"not null;default:0"`     // Highest checkpoint step reached.
	IsCompleted    bool `gorm:"not null;default:false"` // Set once, by the single winner.

	IssuedIP string `gorm:"type:text"` // Client IP at request creation.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	ExpiresAt time.Time `gorm:"not null;index"`          // Short TTL, typically one hour.
}

// Expired reports whether the request can no longer be completed.
func (p *PendingRequest) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

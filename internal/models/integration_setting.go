package models

import "time"

// Supported ad-network providers.
const (
	// ProviderLinkvertise identifies the Linkvertise integration.
	ProviderLinkvertise = "linkvertise"
	// ProviderLootLabs identifies the LootLabs integration.
	ProviderLootLabs = "lootlabs"
)

// IntegrationSetting stores the publisher configuration for one ad-network
// provider. Exactly one row per provider; dispatch is on the Provider tag,
// never on loose field presence.
type IntegrationSetting struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Provider string `gorm:"type:text;not null;uniqueIndex"` // linkvertise or lootlabs.

	PublisherID     string `gorm:"type:text"` // Publisher account identifier.
	AntiBypassToken string `gorm:"type:text"` // Shared secret for callback verification.
	APIKey          string `gorm:"type:text"` // Provider API key (LootLabs).
	WebhookURL      string `gorm:"type:text"` // Optional provider webhook override.

	Active bool `gorm:"not null;default:false"` // Whether this provider serves links.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

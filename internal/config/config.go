// Package config loads the YAML configuration file for the key server.
// Secrets may be overridden through environment variables so config files can
// be committed without credentials.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when no --config flag is provided.
const DefaultConfigPath = "config.yaml"

// Config is the root configuration document.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Discord   DiscordConfig   `yaml:"discord"`
	Keys      KeysConfig      `yaml:"keys"`
	RateLimit RateLimitConfig `yaml:"rate-limit"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr    string `yaml:"addr"`     // Listen address, e.g. ":8080".
	BaseURL string `yaml:"base-url"` // Public base URL used in callbacks and redirects.
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `yaml:"level"`        // logrus level name.
	File       string `yaml:"file"`         // Log file path; stdout when empty.
	MaxSizeMB  int    `yaml:"max-size-mb"`  // Rotation size threshold.
	MaxBackups int    `yaml:"max-backups"`  // Rotated files to keep.
	MaxAgeDays int    `yaml:"max-age-days"` // Rotated file retention in days.
}

// DatabaseConfig holds store settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // PostgreSQL or SQLite DSN.
}

// DiscordConfig holds identity provider settings.
type DiscordConfig struct {
	ClientID     string `yaml:"client-id"`     // OAuth application client ID.
	ClientSecret string `yaml:"client-secret"` // OAuth application client secret.
	RedirectURL  string `yaml:"redirect-url"`  // OAuth callback URL.
	GuildID      string `yaml:"guild-id"`      // Community server required for login.
	InviteURL    string `yaml:"invite-url"`    // Invite shown when membership is missing.
	BotToken     string `yaml:"bot-token"`     // Bot token for membership re-checks.
	WebhookURL   string `yaml:"webhook-url"`   // Notification webhook; disabled when empty.
	StateSecret  string `yaml:"state-secret"`  // HMAC secret for the OAuth state JWT.
}

// KeysConfig holds key lifecycle settings.
type KeysConfig struct {
	Prefix              string `yaml:"prefix"`               // License key display prefix.
	DurationHours       int    `yaml:"duration-hours"`       // Key lifetime.
	CheckpointsRequired int    `yaml:"checkpoints-required"` // Ad-verification steps before issuance.
	PendingTTLMinutes   int    `yaml:"pending-ttl-minutes"`  // Checkpoint completion deadline.
	SessionTTLHours     int    `yaml:"session-ttl-hours"`    // Login session lifetime.
}

// RateLimitRule holds one fixed-window limit.
type RateLimitRule struct {
	Max           int `yaml:"max"`            // Requests allowed per window.
	WindowSeconds int `yaml:"window-seconds"` // Window length in seconds.
}

// RateLimitConfig holds per-operation limits.
type RateLimitConfig struct {
	Keygen   RateLimitRule `yaml:"keygen"`   // Per-user issuance limit.
	Validate RateLimitRule `yaml:"validate"` // Per-HWID validation limit.
}

// Load reads, parses, and normalizes the configuration file at path.
func Load(path string) (*Config, error) {
	raw, errRead := os.ReadFile(ResolveConfigPath(path))
	if errRead != nil {
		return nil, fmt.Errorf("config: read: %w", errRead)
	}

	cfg := &Config{}
	if errUnmarshal := yaml.Unmarshal(raw, cfg); errUnmarshal != nil {
		return nil, fmt.Errorf("config: parse: %w", errUnmarshal)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return nil, fmt.Errorf("config: database.dsn is required")
	}
	return cfg, nil
}

// ResolveConfigPath falls back to the default path when none is given.
func ResolveConfigPath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return DefaultConfigPath
	}
	return trimmed
}

// applyEnvOverrides lets deployment environments inject secrets.
func (c *Config) applyEnvOverrides() {
	overrides := []struct {
		env    string
		target *string
	}{
		{"DATABASE_DSN", &c.Database.DSN},
		{"DISCORD_CLIENT_ID", &c.Discord.ClientID},
		{"DISCORD_CLIENT_SECRET", &c.Discord.ClientSecret},
		{"DISCORD_BOT_TOKEN", &c.Discord.BotToken},
		{"DISCORD_WEBHOOK_URL", &c.Discord.WebhookURL},
		{"STATE_SECRET", &c.Discord.StateSecret},
	}
	for _, o := range overrides {
		if value, ok := os.LookupEnv(o.env); ok && strings.TrimSpace(value) != "" {
			*o.target = strings.TrimSpace(value)
		}
	}
}

// applyDefaults fills unset fields with production defaults.
func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Server.Addr) == "" {
		c.Server.Addr = ":8080"
	}
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays <= 0 {
		c.Log.MaxAgeDays = 30
	}
	if strings.TrimSpace(c.Keys.Prefix) == "" {
		c.Keys.Prefix = "LUAGUARD"
	}
	if c.Keys.DurationHours <= 0 {
		c.Keys.DurationHours = 24
	}
	if c.Keys.CheckpointsRequired <= 0 {
		c.Keys.CheckpointsRequired = 2
	}
	if c.Keys.PendingTTLMinutes <= 0 {
		c.Keys.PendingTTLMinutes = 60
	}
	if c.Keys.SessionTTLHours <= 0 {
		c.Keys.SessionTTLHours = 24 * 7
	}
	if c.RateLimit.Keygen.Max <= 0 {
		c.RateLimit.Keygen.Max = 5
	}
	if c.RateLimit.Keygen.WindowSeconds <= 0 {
		c.RateLimit.Keygen.WindowSeconds = 3600
	}
	if c.RateLimit.Validate.Max <= 0 {
		c.RateLimit.Validate.Max = 30
	}
	if c.RateLimit.Validate.WindowSeconds <= 0 {
		c.RateLimit.Validate.WindowSeconds = 60
	}
}

// KeyDuration returns the configured key lifetime.
func (c *Config) KeyDuration() time.Duration {
	return time.Duration(c.Keys.DurationHours) * time.Hour
}

// PendingTTL returns the checkpoint completion deadline.
func (c *Config) PendingTTL() time.Duration {
	return time.Duration(c.Keys.PendingTTLMinutes) * time.Minute
}

// SessionTTL returns the login session lifetime.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Keys.SessionTTLHours) * time.Hour
}

// KeygenWindow returns the issuance limiter window.
func (c *Config) KeygenWindow() time.Duration {
	return time.Duration(c.RateLimit.Keygen.WindowSeconds) * time.Second
}

// ValidateWindow returns the validation limiter window.
func (c *Config) ValidateWindow() time.Duration {
	return time.Duration(c.RateLimit.Validate.WindowSeconds) * time.Second
}

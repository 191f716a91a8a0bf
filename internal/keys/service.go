// Package keys implements the key lifecycle engine: issuance, HWID binding,
// validation, revocation, and the checkpoint verification flow that gates
// issuance for non-whitelisted users.
package keys

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/lua-guard/keyserver/internal/adlink"
	"github.com/lua-guard/keyserver/internal/analytics"
	"github.com/lua-guard/keyserver/internal/models"
	"github.com/lua-guard/keyserver/internal/ratelimit"
	"github.com/lua-guard/keyserver/internal/security"
)

// Rule is one fixed-window rate limit.
type Rule struct {
	Max    int
	Window time.Duration
}

// Options configures the lifecycle engine.
type Options struct {
	KeyPrefix           string        // License key display prefix.
	KeyDuration         time.Duration // Lifetime of minted keys.
	PendingTTL          time.Duration // Checkpoint completion deadline.
	CheckpointsRequired int           // Ad steps needed before minting.
	CallbackBaseURL     string        // Absolute URL of the checkpoint callback.
	KeygenLimit         Rule          // Per-user issuance limit.
	ValidateLimit       Rule          // Per-HWID validation limit.
}

// Notifier delivers best-effort notifications about lifecycle events.
type Notifier interface {
	NotifyKeyGenerated(ctx context.Context, username string, keyID uint64, expiresAt time.Time)
}

// Service is the key lifecycle engine.
type Service struct {
	db      *gorm.DB
	limiter *ratelimit.Limiter
	events  *analytics.Recorder

	notifier Notifier
	opts     Options

	now         func() time.Time
	newProvider func(*models.IntegrationSetting) (adlink.Provider, error)
}

// NewService constructs a Service.
func NewService(db *gorm.DB, limiter *ratelimit.Limiter, events *analytics.Recorder, notifier Notifier, opts Options) *Service {
	return &Service{
		db:          db,
		limiter:     limiter,
		events:      events,
		notifier:    notifier,
		opts:        opts,
		now:         time.Now,
		newProvider: adlink.FromSetting,
	}
}

// Issuance statuses returned by Issue.
const (
	// StatusActive means the caller holds a usable key.
	StatusActive = "active"
	// StatusVerificationRequired means the checkpoint flow must complete first.
	StatusVerificationRequired = "verification_required"
)

// IssueResult describes the outcome of an issuance request.
type IssueResult struct {
	Status          string
	Key             *models.Key
	Whitelisted     bool
	VerificationURL string
	RequestID       string
	ExpiresIn       time.Duration
}

// RequestMeta carries per-request client attributes into the engine.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// Issue acquires a key for (user, hwid). Repeat calls while an active
// unexpired key exists return that key unchanged. Whitelisted users mint
// synchronously; everyone else is routed through the checkpoint flow.
func (s *Service) Issue(ctx context.Context, user *models.User, hwid string, meta RequestMeta) (*IssueResult, error) {
	if errGuard := s.guardUser(ctx, user, hwid); errGuard != nil {
		return nil, errGuard
	}
	if res := s.limiter.Allow("keygen:"+user.DiscordID, s.opts.KeygenLimit.Max, s.opts.KeygenLimit.Window); !res.Allowed {
		return nil, &RateLimitedError{RetryAfter: res.RetryAfter}
	}

	if existing, errFind := s.activeKey(ctx, user.ID, hwid); errFind != nil {
		return nil, errFind
	} else if existing != nil {
		return &IssueResult{Status: StatusActive, Key: existing, Whitelisted: user.IsWhitelisted}, nil
	}

	if user.IsWhitelisted {
		key, errMint := s.mintKey(ctx, user, hwid, meta)
		if errMint != nil {
			return nil, errMint
		}
		s.events.Record(ctx, analytics.Entry{
			Type: "key_generated_whitelist", UserID: &user.ID, HWID: hwid, IP: meta.IP,
		})
		return &IssueResult{Status: StatusActive, Key: key, Whitelisted: true}, nil
	}

	return s.startCheckpoint(ctx, user, hwid, meta)
}

// ValidationResult is the success payload of Validate and Redeem.
type ValidationResult struct {
	Key           *models.Key
	ExpiresAt     time.Time
	IsWhitelisted bool
}

// Validate checks a key string against a device. On the first successful
// validation of an unbound key the device is bound permanently; the binding
// write is conditional on the column still being NULL so concurrent first
// validations agree on a single winner.
func (s *Service) Validate(ctx context.Context, keyString, hwid string, meta RequestMeta) (*ValidationResult, error) {
	if res := s.limiter.Allow("validate:"+hwid, s.opts.ValidateLimit.Max, s.opts.ValidateLimit.Window); !res.Allowed {
		return nil, &RateLimitedError{RetryAfter: res.RetryAfter}
	}
	if banned, errBan := s.hwidBanned(ctx, hwid); errBan != nil {
		return nil, errBan
	} else if banned {
		return nil, ErrHWIDBanned
	}

	var key models.Key
	if errFind := s.db.WithContext(ctx).Preload("User").
		Where("key_string = ?", keyString).
		First(&key).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("keys: lookup key: %w", errFind)
	}

	if key.User != nil && key.User.IsBanned {
		return nil, ErrOwnerBanned
	}
	if !key.IsActive {
		return nil, ErrKeyDeactivated
	}
	now := s.now()
	if key.Expired(now) {
		return nil, ErrKeyExpired
	}

	if errBind := s.bindHWID(ctx, &key, hwid); errBind != nil {
		return nil, errBind
	}

	if errTouch := s.db.WithContext(ctx).Model(&models.Key{}).
		Where("id = ?", key.ID).
		Updates(map[string]any{
			"use_count":         gorm.Expr("use_count + 1"),
			"last_validated_at": now,
		}).Error; errTouch != nil {
		return nil, fmt.Errorf("keys: touch key: %w", errTouch)
	}

	s.events.Record(ctx, analytics.Entry{
		Type: "key_validated", UserID: &key.UserID, HWID: hwid, IP: meta.IP, UserAgent: meta.UserAgent,
	})

	whitelisted := key.User != nil && key.User.IsWhitelisted
	return &ValidationResult{Key: &key, ExpiresAt: key.ExpiresAt, IsWhitelisted: whitelisted}, nil
}

// Redeem is the manual-entry variant of Validate. On success it also caches
// the key as the device's current key for fast lookup.
func (s *Service) Redeem(ctx context.Context, keyString, hwid string, meta RequestMeta) (*ValidationResult, error) {
	result, errValidate := s.Validate(ctx, keyString, hwid, meta)
	if errValidate != nil {
		return nil, errValidate
	}

	if errUpsert := s.upsertBinding(ctx, result.Key.UserID, hwid, &result.Key.ID); errUpsert != nil {
		return nil, errUpsert
	}
	return result, nil
}

// Revoke deactivates a key. The transition is irreversible; re-activation is
// not supported and a replacement key must be issued instead.
func (s *Service) Revoke(ctx context.Context, keyID uint64) error {
	tx := s.db.WithContext(ctx).Model(&models.Key{}).
		Where("id = ?", keyID).
		Update("is_active", false)
	if tx.Error != nil {
		return fmt.Errorf("keys: revoke: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return ErrKeyNotFound
	}
	s.events.Record(ctx, analytics.Entry{Type: "key_revoked", Metadata: map[string]any{"key_id": keyID}})
	return nil
}

// ResetBinding clears a key's HWID binding so it can bind to a new device on
// the next validation. Admin-only operation.
func (s *Service) ResetBinding(ctx context.Context, keyID uint64) error {
	tx := s.db.WithContext(ctx).Model(&models.Key{}).
		Where("id = ?", keyID).
		Update("bound_hwid", nil)
	if tx.Error != nil {
		return fmt.Errorf("keys: reset binding: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return ErrKeyNotFound
	}
	s.events.Record(ctx, analytics.Entry{Type: "key_binding_reset", Metadata: map[string]any{"key_id": keyID}})
	return nil
}

// UserKeys lists a user's keys, newest first.
func (s *Service) UserKeys(ctx context.Context, userID uint64) ([]models.Key, error) {
	var rows []models.Key
	if errFind := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("keys: list user keys: %w", errFind)
	}
	return rows, nil
}

// BanUser soft-bans a user; their keys keep existing but fail validation.
func (s *Service) BanUser(ctx context.Context, discordID, reason string) error {
	return s.setUserFlags(ctx, discordID, map[string]any{"is_banned": true, "ban_reason": reason}, "user_banned")
}

// UnbanUser lifts a user ban.
func (s *Service) UnbanUser(ctx context.Context, discordID string) error {
	return s.setUserFlags(ctx, discordID, map[string]any{"is_banned": false, "ban_reason": ""}, "user_unbanned")
}

// SetWhitelisted toggles checkpoint bypass for a user.
func (s *Service) SetWhitelisted(ctx context.Context, discordID string, whitelisted bool) error {
	event := "user_unwhitelisted"
	if whitelisted {
		event = "user_whitelisted"
	}
	return s.setUserFlags(ctx, discordID, map[string]any{"is_whitelisted": whitelisted}, event)
}

// SetAdmin toggles the admin flag for a user.
func (s *Service) SetAdmin(ctx context.Context, discordID string, admin bool) error {
	return s.setUserFlags(ctx, discordID, map[string]any{"is_admin": admin}, "user_admin_changed")
}

// setUserFlags applies field updates to a user addressed by Discord ID.
func (s *Service) setUserFlags(ctx context.Context, discordID string, fields map[string]any, event string) error {
	tx := s.db.WithContext(ctx).Model(&models.User{}).
		Where("discord_id = ?", discordID).
		Updates(fields)
	if tx.Error != nil {
		return fmt.Errorf("keys: update user: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	s.events.Record(ctx, analytics.Entry{Type: event, Metadata: map[string]any{"discord_id": discordID}})
	return nil
}

// BanHWID blocks a device from all issuance and validation.
func (s *Service) BanHWID(ctx context.Context, hwid, reason string) error {
	ban := models.HWIDBan{HWID: hwid, Reason: reason}
	if errCreate := s.db.WithContext(ctx).
		Where("hwid = ?", hwid).
		FirstOrCreate(&ban).Error; errCreate != nil {
		return fmt.Errorf("keys: ban hwid: %w", errCreate)
	}
	s.events.Record(ctx, analytics.Entry{Type: "hwid_banned", HWID: hwid})
	return nil
}

// UnbanHWID removes a device ban.
func (s *Service) UnbanHWID(ctx context.Context, hwid string) error {
	if errDelete := s.db.WithContext(ctx).
		Where("hwid = ?", hwid).
		Delete(&models.HWIDBan{}).Error; errDelete != nil {
		return fmt.Errorf("keys: unban hwid: %w", errDelete)
	}
	s.events.Record(ctx, analytics.Entry{Type: "hwid_unbanned", HWID: hwid})
	return nil
}

// guardUser rejects banned actors before any issuance work happens.
func (s *Service) guardUser(ctx context.Context, user *models.User, hwid string) error {
	if user.IsBanned {
		return ErrUserBanned
	}
	banned, errBan := s.hwidBanned(ctx, hwid)
	if errBan != nil {
		return errBan
	}
	if banned {
		return ErrHWIDBanned
	}
	return nil
}

// hwidBanned reports whether a device is in the ban set.
func (s *Service) hwidBanned(ctx context.Context, hwid string) (bool, error) {
	var count int64
	if errCount := s.db.WithContext(ctx).Model(&models.HWIDBan{}).
		Where("hwid = ?", hwid).
		Count(&count).Error; errCount != nil {
		return false, fmt.Errorf("keys: check hwid ban: %w", errCount)
	}
	return count > 0, nil
}

// activeKey returns the user's active unexpired key on the device, if any.
func (s *Service) activeKey(ctx context.Context, userID uint64, hwid string) (*models.Key, error) {
	var key models.Key
	errFind := s.db.WithContext(ctx).
		Where("user_id = ? AND bound_hwid = ? AND is_active = ? AND expires_at > ?", userID, hwid, true, s.now()).
		Order("created_at DESC").
		First(&key).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("keys: find active key: %w", errFind)
	}
	return &key, nil
}

// mintKey creates a new key bound to (user, hwid) and records the issuance.
func (s *Service) mintKey(ctx context.Context, user *models.User, hwid string, meta RequestMeta) (*models.Key, error) {
	keyString, errGenerate := security.GenerateKey(s.opts.KeyPrefix)
	if errGenerate != nil {
		return nil, fmt.Errorf("keys: %w", errGenerate)
	}

	now := s.now()
	key := models.Key{
		KeyString: keyString,
		UserID:    user.ID,
		BoundHWID: &hwid,
		IssuedIP:  meta.IP,
		IsActive:  true,
		CreatedAt: now,
		ExpiresAt: now.Add(s.opts.KeyDuration),
	}
	if errCreate := s.db.WithContext(ctx).Create(&key).Error; errCreate != nil {
		return nil, fmt.Errorf("keys: create key: %w", errCreate)
	}

	if errCount := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", user.ID).
		UpdateColumn("total_keys_generated", gorm.Expr("total_keys_generated + 1")).Error; errCount != nil {
		log.WithError(errCount).Warn("keys: bump issued key counter failed")
	}
	if errUpsert := s.upsertBinding(ctx, user.ID, hwid, &key.ID); errUpsert != nil {
		return nil, errUpsert
	}

	if s.notifier != nil {
		s.notifier.NotifyKeyGenerated(ctx, user.Username, key.ID, key.ExpiresAt)
	}
	return &key, nil
}

// bindHWID performs the first-use binding, conditional on the column still
// being NULL. A lost race falls through to the mismatch check against the
// winner's value.
func (s *Service) bindHWID(ctx context.Context, key *models.Key, hwid string) error {
	if key.BoundHWID != nil {
		if *key.BoundHWID != hwid {
			return ErrHWIDMismatch
		}
		return nil
	}

	tx := s.db.WithContext(ctx).Model(&models.Key{}).
		Where("id = ? AND bound_hwid IS NULL", key.ID).
		Update("bound_hwid", hwid)
	if tx.Error != nil {
		return fmt.Errorf("keys: bind hwid: %w", tx.Error)
	}
	if tx.RowsAffected == 1 {
		key.BoundHWID = &hwid
		return nil
	}

	var current models.Key
	if errFind := s.db.WithContext(ctx).First(&current, key.ID).Error; errFind != nil {
		return fmt.Errorf("keys: reload key: %w", errFind)
	}
	if current.BoundHWID == nil || *current.BoundHWID != hwid {
		return ErrHWIDMismatch
	}
	key.BoundHWID = current.BoundHWID
	return nil
}

// upsertBinding refreshes the (user, hwid) binding row and its current key
// pointer.
func (s *Service) upsertBinding(ctx context.Context, userID uint64, hwid string, keyID *uint64) error {
	now := s.now()
	binding := models.HWIDBinding{UserID: userID, HWID: hwid, CurrentKeyID: keyID, LastSeenAt: now}

	tx := s.db.WithContext(ctx).Model(&models.HWIDBinding{}).
		Where("user_id = ? AND hwid = ?", userID, hwid).
		Updates(map[string]any{"current_key_id": keyID, "last_seen_at": now})
	if tx.Error != nil {
		return fmt.Errorf("keys: update binding: %w", tx.Error)
	}
	if tx.RowsAffected > 0 {
		return nil
	}
	if errCreate := s.db.WithContext(ctx).Create(&binding).Error; errCreate != nil {
		return fmt.Errorf("keys: create binding: %w", errCreate)
	}
	return nil
}

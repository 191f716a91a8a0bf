package keys

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/lua-guard/keyserver/internal/adlink"
	"github.com/lua-guard/keyserver/internal/analytics"
	"github.com/lua-guard/keyserver/internal/db"
	"github.com/lua-guard/keyserver/internal/models"
	"github.com/lua-guard/keyserver/internal/ratelimit"
)

// fakeProvider returns deterministic links without touching the network.
type fakeProvider struct{}

func (fakeProvider) Name() string { return "fake" }

func (fakeProvider) CreateLink(_ context.Context, callbackURL, requestID string) (string, error) {
	return "https://ads.example/gate/" + requestID, nil
}

func setupService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:keys_%s_%d?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"), time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	sqlDB, errSQL := conn.DB()
	if errSQL != nil {
		t.Fatalf("sql db: %v", errSQL)
	}
	sqlDB.SetMaxOpenConns(1)

	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	if errSeed := conn.Model(&models.IntegrationSetting{}).
		Where("provider = ?", models.ProviderLinkvertise).
		Updates(map[string]any{"publisher_id": "pub-1", "active": true}).Error; errSeed != nil {
		t.Fatalf("activate integration: %v", errSeed)
	}

	svc := NewService(conn, ratelimit.New(), analytics.NewRecorder(conn), nil, Options{
		KeyPrefix:           "LUAGUARD",
		KeyDuration:         24 * time.Hour,
		PendingTTL:          time.Hour,
		CheckpointsRequired: 2,
		CallbackBaseURL:     "https://keys.example/api/checkpoint/callback",
		KeygenLimit:         Rule{Max: 5, Window: time.Hour},
		ValidateLimit:       Rule{Max: 30, Window: time.Minute},
	})
	svc.newProvider = func(*models.IntegrationSetting) (adlink.Provider, error) {
		return fakeProvider{}, nil
	}
	return svc, conn
}

func createUser(t *testing.T, conn *gorm.DB, discordID string, whitelisted bool) *models.User {
	t.Helper()
	user := models.User{DiscordID: discordID, Username: "user-" + discordID, IsWhitelisted: whitelisted}
	if errCreate := conn.Create(&user).Error; errCreate != nil {
		t.Fatalf("create user: %v", errCreate)
	}
	return &user
}

func TestIssueWhitelistedMintsImmediately(t *testing.T) {
	svc, conn := setupService(t)
	user := createUser(t, conn, "wl-1", true)

	result, errIssue := svc.Issue(context.Background(), user, "hwid-whitelisted", RequestMeta{IP: "1.2.3.4"})
	if errIssue != nil {
		t.Fatalf("issue: %v", errIssue)
	}
	if result.Status != StatusActive {
		t.Fatalf("status=%q, want active", result.Status)
	}
	if result.Key == nil || !strings.HasPrefix(result.Key.KeyString, "LUAGUARD-") {
		t.Fatalf("key %v missing prefix", result.Key)
	}
	if got := result.Key.ExpiresAt.Sub(result.Key.CreatedAt); got != 24*time.Hour {
		t.Fatalf("key lifetime=%v, want 24h", got)
	}
	if result.Key.BoundHWID == nil || *result.Key.BoundHWID != "hwid-whitelisted" {
		t.Fatalf("key not bound at issuance: %v", result.Key.BoundHWID)
	}

	var pendingCount int64
	if errCount := conn.Model(&models.PendingRequest{}).Count(&pendingCount).Error; errCount != nil {
		t.Fatalf("count pending: %v", errCount)
	}
	if pendingCount != 0 {
		t.Fatalf("whitelisted issuance created %d pending requests, want 0", pendingCount)
	}
}

func TestIssueReturnsExistingActiveKey(t *testing.T) {
	svc, conn := setupService(t)
	user := createUser(t, conn, "wl-2", true)

	first, errFirst := svc.Issue(context.Background(), user, "hwid-repeat", RequestMeta{})
	if errFirst != nil {
		t.Fatalf("first issue: %v", errFirst)
	}
	second, errSecond := svc.Issue(context.Background(), user, "hwid-repeat", RequestMeta{})
	if errSecond != nil {
		t.Fatalf("second issue: %v", errSecond)
	}
	if second.Key.KeyString != first.Key.KeyString {
		t.Fatalf("second issue minted a new key")
	}

	var keyCount int64
	if errCount := conn.Model(&models.Key{}).Where("user_id = ?", user.ID).Count(&keyCount).Error; errCount != nil {
		t.Fatalf("count keys: %v", errCount)
	}
	if keyCount != 1 {
		t.Fatalf("found %d keys for (user, hwid), want 1", keyCount)
	}
}

func TestIssueNonWhitelistedRequiresVerification(t *testing.T) {
	svc, conn := setupService(t)
	user := createUser(t, conn, "u1", false)

	result, errIssue := svc.Issue(context.Background(), user, "hwid-check-1", RequestMeta{})
	if errIssue != nil {
		t.Fatalf("issue: %v", errIssue)
	}
	if result.Status != StatusVerificationRequired {
		t.Fatalf("status=%q, want verification_required", result.Status)
	}
	if result.RequestID == "" {
		t.Fatalf("missing request id")
	}
	if !strings.HasPrefix(result.VerificationURL, "https://ads.example/gate/") {
		t.Fatalf("unexpected verification url %q", result.VerificationURL)
	}

	var pending models.PendingRequest
	if errFind := conn.Where("request_id = ?", result.RequestID).First(&pending).Error; errFind != nil {
		t.Fatalf("load pending: %v", errFind)
	}
	if pending.UserID != user.ID || pending.HWID != "hwid-check-1" {
		t.Fatalf("pending row mismatch: %+v", pending)
	}
}

func TestIssueBannedUserRejected(t *testing.T) {
	svc, conn := setupService(t)
	user := createUser(t, conn, "banned-1", false)
	user.IsBanned = true

	if _, errIssue := svc.Issue(context.Background(), user, "hwid-banned-user", RequestMeta{}); !errors.Is(errIssue, ErrUserBanned) {
		t.Fatalf("err=%v, want ErrUserBanned", errIssue)
	}
}

func TestIssueRateLimited(t *testing.T) {
	svc, conn := setupService(t)
	user := createUser(t, conn, "limited-1", false)

	for i := 0; i < 5; i++ {
		if _, errIssue := svc.Issue(context.Background(), user, fmt.Sprintf("hwid-limit-%d", i), RequestMeta{}); errIssue != nil {
			t.Fatalf("issue %d: %v", i+1, errIssue)
		}
	}

	_, errIssue := svc.Issue(context.Background(), user, "hwid-limit-final", RequestMeta{})
	rl, ok := IsRateLimited(errIssue)
	if !ok {
		t.Fatalf("err=%v, want RateLimitedError", errIssue)
	}
	if rl.RetryAfter <= 0 {
		t.Fatalf("retry after %v, want positive", rl.RetryAfter)
	}
}

func TestValidateBindsOnFirstUseOnly(t *testing.T) {
	svc, conn := setupService(t)
	user := createUser(t, conn, "v1", false)

	key := models.Key{
		KeyString: "LUAGUARD-AAAA-BBBB-CCCC-DDDD",
		UserID:    user.ID,
		IsActive:  true,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	if errCreate := conn.Create(&key).Error; errCreate != nil {
		t.Fatalf("create key: %v", errCreate)
	}

	result, errValidate := svc.Validate(context.Background(), key.KeyString, "hwid-first-bind", RequestMeta{})
	if errValidate != nil {
		t.Fatalf("validate: %v", errValidate)
	}
	if result.Key.BoundHWID == nil || *result.Key.BoundHWID != "hwid-first-bind" {
		t.Fatalf("first validate did not bind")
	}

	// Same device keeps validating.
	if _, errAgain := svc.Validate(context.Background(), key.KeyString, "hwid-first-bind", RequestMeta{}); errAgain != nil {
		t.Fatalf("second validate: %v", errAgain)
	}

	// A different device must never overwrite the binding.
	if _, errOther := svc.Validate(context.Background(), key.KeyString, "hwid-second-dev", RequestMeta{}); !errors.Is(errOther, ErrHWIDMismatch) {
		t.Fatalf("err=%v, want ErrHWIDMismatch", errOther)
	}

	var stored models.Key
	if errFind := conn.First(&stored, key.ID).Error; errFind != nil {
		t.Fatalf("reload key: %v", errFind)
	}
	if stored.BoundHWID == nil || *stored.BoundHWID != "hwid-first-bind" {
		t.Fatalf("binding overwritten to %v", stored.BoundHWID)
	}
	if stored.UseCount != 2 {
		t.Fatalf("use count=%d, want 2", stored.UseCount)
	}
	if stored.LastValidatedAt == nil {
		t.Fatalf("last validated not set")
	}
}

func TestValidateStateErrors(t *testing.T) {
	svc, conn := setupService(t)
	user := createUser(t, conn, "v2", false)
	hwid := "hwid-states-1"

	if _, errMissing := svc.Validate(context.Background(), "LUAGUARD-0000-0000-0000-0000", hwid, RequestMeta{}); !errors.Is(errMissing, ErrKeyNotFound) {
		t.Fatalf("missing key err=%v, want ErrKeyNotFound", errMissing)
	}

	expired := models.Key{
		KeyString: "LUAGUARD-EXPD-EXPD-EXPD-EXPD",
		UserID:    user.ID,
		BoundHWID: &hwid,
		IsActive:  true,
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if errCreate := conn.Create(&expired).Error; errCreate != nil {
		t.Fatalf("create expired key: %v", errCreate)
	}
	if _, errExpired := svc.Validate(context.Background(), expired.KeyString, hwid, RequestMeta{}); !errors.Is(errExpired, ErrKeyExpired) {
		t.Fatalf("expired err=%v, want ErrKeyExpired", errExpired)
	}

	revoked := models.Key{
		KeyString: "LUAGUARD-RVKD-RVKD-RVKD-RVKD",
		UserID:    user.ID,
		BoundHWID: &hwid,
		IsActive:  false,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	if errCreate := conn.Create(&revoked).Error; errCreate != nil {
		t.Fatalf("create revoked key: %v", errCreate)
	}
	if _, errRevoked := svc.Validate(context.Background(), revoked.KeyString, hwid, RequestMeta{}); !errors.Is(errRevoked, ErrKeyDeactivated) {
		t.Fatalf("revoked err=%v, want ErrKeyDeactivated", errRevoked)
	}
}

func TestValidateOwnerBannedCascades(t *testing.T) {
	svc, conn := setupService(t)
	user := createUser(t, conn, "v3", false)
	hwid := "hwid-owner-ban"

	key := models.Key{
		KeyString: "LUAGUARD-OWNB-OWNB-OWNB-OWNB",
		UserID:    user.ID,
		BoundHWID: &hwid,
		IsActive:  true,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	if errCreate := conn.Create(&key).Error; errCreate != nil {
		t.Fatalf("create key: %v", errCreate)
	}
	if errBan := svc.BanUser(context.Background(), user.DiscordID, "tos"); errBan != nil {
		t.Fatalf("ban user: %v", errBan)
	}

	if _, errValidate := svc.Validate(context.Background(), key.KeyString, hwid, RequestMeta{}); !errors.Is(errValidate, ErrOwnerBanned) {
		t.Fatalf("err=%v, want ErrOwnerBanned", errValidate)
	}
}

func TestValidateBannedHWIDRejectedBeforeLookup(t *testing.T) {
	svc, conn := setupService(t)
	user := createUser(t, conn, "v4", false)
	hwid := "hwid-dev-banned"

	key := models.Key{
		KeyString: "LUAGUARD-DEVB-DEVB-DEVB-DEVB",
		UserID:    user.ID,
		BoundHWID: &hwid,
		IsActive:  true,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	if errCreate := conn.Create(&key).Error; errCreate != nil {
		t.Fatalf("create key: %v", errCreate)
	}
	if errBan := svc.BanHWID(context.Background(), hwid, "shared hwid"); errBan != nil {
		t.Fatalf("ban hwid: %v", errBan)
	}

	if _, errValidate := svc.Validate(context.Background(), key.KeyString, hwid, RequestMeta{}); !errors.Is(errValidate, ErrHWIDBanned) {
		t.Fatalf("err=%v, want ErrHWIDBanned", errValidate)
	}
}

func TestRevokeIsTerminal(t *testing.T) {
	svc, conn := setupService(t)
	user := createUser(t, conn, "v5", true)

	issued, errIssue := svc.Issue(context.Background(), user, "hwid-revoke", RequestMeta{})
	if errIssue != nil {
		t.Fatalf("issue: %v", errIssue)
	}
	if errRevoke := svc.Revoke(context.Background(), issued.Key.ID); errRevoke != nil {
		t.Fatalf("revoke: %v", errRevoke)
	}

	if _, errValidate := svc.Validate(context.Background(), issued.Key.KeyString, "hwid-revoke", RequestMeta{}); !errors.Is(errValidate, ErrKeyDeactivated) {
		t.Fatalf("err=%v, want ErrKeyDeactivated", errValidate)
	}
	if errMissing := svc.Revoke(context.Background(), 99999); !errors.Is(errMissing, ErrKeyNotFound) {
		t.Fatalf("revoke missing err=%v, want ErrKeyNotFound", errMissing)
	}
}

func TestRedeemCachesCurrentKeyPointer(t *testing.T) {
	svc, conn := setupService(t)
	user := createUser(t, conn, "v6", true)

	issued, errIssue := svc.Issue(context.Background(), user, "hwid-redeem", RequestMeta{})
	if errIssue != nil {
		t.Fatalf("issue: %v", errIssue)
	}
	if _, errRedeem := svc.Redeem(context.Background(), issued.Key.KeyString, "hwid-redeem", RequestMeta{}); errRedeem != nil {
		t.Fatalf("redeem: %v", errRedeem)
	}

	var binding models.HWIDBinding
	if errFind := conn.Where("user_id = ? AND hwid = ?", user.ID, "hwid-redeem").First(&binding).Error; errFind != nil {
		t.Fatalf("load binding: %v", errFind)
	}
	if binding.CurrentKeyID == nil || *binding.CurrentKeyID != issued.Key.ID {
		t.Fatalf("binding pointer=%v, want %d", binding.CurrentKeyID, issued.Key.ID)
	}
}

func TestResetBindingAllowsRebind(t *testing.T) {
	svc, conn := setupService(t)
	user := createUser(t, conn, "v7", true)

	issued, errIssue := svc.Issue(context.Background(), user, "hwid-old-device", RequestMeta{})
	if errIssue != nil {
		t.Fatalf("issue: %v", errIssue)
	}
	if errReset := svc.ResetBinding(context.Background(), issued.Key.ID); errReset != nil {
		t.Fatalf("reset binding: %v", errReset)
	}

	result, errValidate := svc.Validate(context.Background(), issued.Key.KeyString, "hwid-new-device", RequestMeta{})
	if errValidate != nil {
		t.Fatalf("validate after reset: %v", errValidate)
	}
	if result.Key.BoundHWID == nil || *result.Key.BoundHWID != "hwid-new-device" {
		t.Fatalf("key did not rebind after reset")
	}
}

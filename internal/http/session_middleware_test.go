package http

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/lua-guard/keyserver/internal/db"
	"github.com/lua-guard/keyserver/internal/models"
)

func setupMiddlewareDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:middleware_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func createSessionUser(t *testing.T, conn *gorm.DB, discordID string, admin, banned bool, expiresAt time.Time) (models.User, string) {
	t.Helper()
	user := models.User{DiscordID: discordID, Username: "u-" + discordID, IsAdmin: admin, IsBanned: banned}
	if errCreate := conn.Create(&user).Error; errCreate != nil {
		t.Fatalf("create user: %v", errCreate)
	}
	token := "token-" + discordID
	session := models.Session{Token: token, UserID: user.ID, ExpiresAt: expiresAt}
	if errCreate := conn.Create(&session).Error; errCreate != nil {
		t.Fatalf("create session: %v", errCreate)
	}
	return user, token
}

func runSessionRequest(conn *gorm.DB, token string, extra ...gin.HandlerFunc) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	chain := append([]gin.HandlerFunc{SessionAuth(conn)}, extra...)
	router.GET("/protected", append(chain, func(c *gin.Context) {
		user := CurrentUser(c)
		if user == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "no user in context"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"discord_id": user.DiscordID})
	})...)

	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if token != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	}
	router.ServeHTTP(recorder, req)
	return recorder
}

func TestSessionAuthMissingCookie(t *testing.T) {
	conn := setupMiddlewareDB(t)

	recorder := runSessionRequest(conn, "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", recorder.Code)
	}
}

func TestSessionAuthUnknownTokenClearsCookie(t *testing.T) {
	conn := setupMiddlewareDB(t)

	recorder := runSessionRequest(conn, "no-such-token")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", recorder.Code)
	}
	setCookie := recorder.Header().Get("Set-Cookie")
	if !strings.Contains(setCookie, SessionCookie+"=") || !strings.Contains(setCookie, "Max-Age=0") {
		t.Fatalf("cookie not cleared: %q", setCookie)
	}
}

func TestSessionAuthExpiredSessionDeleted(t *testing.T) {
	conn := setupMiddlewareDB(t)
	_, token := createSessionUser(t, conn, "expired", false, false, time.Now().Add(-time.Hour))

	recorder := runSessionRequest(conn, token)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", recorder.Code)
	}

	var count int64
	if errCount := conn.Model(&models.Session{}).Where("token = ?", token).Count(&count).Error; errCount != nil {
		t.Fatalf("count sessions: %v", errCount)
	}
	if count != 0 {
		t.Fatalf("expired session row still present")
	}
}

func TestSessionAuthBannedUser(t *testing.T) {
	conn := setupMiddlewareDB(t)
	_, token := createSessionUser(t, conn, "banned", false, true, time.Now().Add(time.Hour))

	recorder := runSessionRequest(conn, token)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("status=%d, want 403", recorder.Code)
	}
}

func TestSessionAuthResolvesUser(t *testing.T) {
	conn := setupMiddlewareDB(t)
	_, token := createSessionUser(t, conn, "resolved", false, false, time.Now().Add(time.Hour))

	recorder := runSessionRequest(conn, token)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200 (body=%s)", recorder.Code, recorder.Body.String())
	}
	if !strings.Contains(recorder.Body.String(), `"resolved"`) {
		t.Fatalf("body missing resolved user: %s", recorder.Body.String())
	}
}

func TestRequireAdminGating(t *testing.T) {
	conn := setupMiddlewareDB(t)
	_, memberToken := createSessionUser(t, conn, "member", false, false, time.Now().Add(time.Hour))
	_, adminToken := createSessionUser(t, conn, "chief", true, false, time.Now().Add(time.Hour))

	if recorder := runSessionRequest(conn, memberToken, RequireAdmin()); recorder.Code != http.StatusForbidden {
		t.Fatalf("member status=%d, want 403", recorder.Code)
	}
	if recorder := runSessionRequest(conn, adminToken, RequireAdmin()); recorder.Code != http.StatusOK {
		t.Fatalf("admin status=%d, want 200", recorder.Code)
	}
}

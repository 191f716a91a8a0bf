// Package handlers implements the public and session-authenticated API
// endpoints.
package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/lua-guard/keyserver/internal/config"
	"github.com/lua-guard/keyserver/internal/discord"
	apihttp "github.com/lua-guard/keyserver/internal/http"
	"github.com/lua-guard/keyserver/internal/models"
	"github.com/lua-guard/keyserver/internal/security"
)

// AuthHandler handles the Discord OAuth login flow and session endpoints.
type AuthHandler struct {
	db      *gorm.DB
	discord *discord.Client
	cfg     *config.Config
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(db *gorm.DB, dc *discord.Client, cfg *config.Config) *AuthHandler {
	return &AuthHandler{db: db, discord: dc, cfg: cfg}
}

// Discord starts the OAuth flow by redirecting to the Discord authorize URL
// with a signed state token.
func (h *AuthHandler) Discord(c *gin.Context) {
	state, errState := security.GenerateState(h.cfg.Discord.StateSecret, c.Query("return"))
	if errState != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login unavailable"})
		return
	}
	c.Redirect(http.StatusFound, h.discord.AuthURL(state))
}

// Callback finishes the OAuth flow: validates state, exchanges the code,
// requires community membership, upserts the user, and installs a session
// cookie. Every outcome is a browser redirect.
func (h *AuthHandler) Callback(c *gin.Context) {
	if c.Query("error") != "" {
		c.Redirect(http.StatusFound, "/?error=access_denied")
		return
	}
	if _, errState := security.ParseState(h.cfg.Discord.StateSecret, c.Query("state")); errState != nil {
		c.Redirect(http.StatusFound, "/?error=invalid_state")
		return
	}
	code := c.Query("code")
	if code == "" {
		c.Redirect(http.StatusFound, "/?error=missing_code")
		return
	}

	ctx := c.Request.Context()
	accessToken, errExchange := h.discord.ExchangeCode(ctx, code)
	if errExchange != nil {
		log.WithError(errExchange).Warn("auth: oauth code exchange failed")
		c.Redirect(http.StatusFound, "/?error=oauth_failed")
		return
	}
	profile, errProfile := h.discord.FetchUser(ctx, accessToken)
	if errProfile != nil {
		log.WithError(errProfile).Warn("auth: fetch discord profile failed")
		c.Redirect(http.StatusFound, "/?error=oauth_failed")
		return
	}

	member, errMember := h.discord.IsMember(ctx, accessToken)
	if errMember != nil {
		log.WithError(errMember).Warn("auth: guild membership check failed")
		c.Redirect(http.StatusFound, "/?error=oauth_failed")
		return
	}
	if !member {
		if h.cfg.Discord.InviteURL != "" {
			c.Redirect(http.StatusFound, h.cfg.Discord.InviteURL)
			return
		}
		c.Redirect(http.StatusFound, "/?error=not_in_server")
		return
	}

	user, errUpsert := h.upsertUser(c, profile)
	if errUpsert != nil {
		log.WithError(errUpsert).Error("auth: upsert user failed")
		c.Redirect(http.StatusFound, "/?error=login_failed")
		return
	}
	if user.IsBanned {
		c.Redirect(http.StatusFound, "/?error=banned")
		return
	}

	token, errToken := security.GenerateSessionToken()
	if errToken != nil {
		log.WithError(errToken).Error("auth: generate session token failed")
		c.Redirect(http.StatusFound, "/?error=login_failed")
		return
	}
	session := models.Session{
		Token:     token,
		UserID:    user.ID,
		ExpiresAt: time.Now().Add(h.cfg.SessionTTL()),
	}
	if errCreate := h.db.WithContext(ctx).Create(&session).Error; errCreate != nil {
		log.WithError(errCreate).Error("auth: create session failed")
		c.Redirect(http.StatusFound, "/?error=login_failed")
		return
	}

	apihttp.SetSessionCookie(c, token, int(h.cfg.SessionTTL().Seconds()))
	c.Redirect(http.StatusFound, returnPath(c.Query("state"), h.cfg.Discord.StateSecret))
}

// upsertUser creates or refreshes the local row for a Discord profile.
func (h *AuthHandler) upsertUser(c *gin.Context, profile *discord.User) (*models.User, error) {
	ctx := c.Request.Context()
	now := time.Now()

	var user models.User
	errFind := h.db.WithContext(ctx).Where("discord_id = ?", profile.ID).First(&user).Error
	if errFind != nil {
		if !errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, errFind
		}
		user = models.User{
			DiscordID:   profile.ID,
			Username:    profile.Username,
			Avatar:      profile.AvatarURL(),
			Email:       profile.Email,
			LastLoginAt: &now,
		}
		if errCreate := h.db.WithContext(ctx).Create(&user).Error; errCreate != nil {
			return nil, errCreate
		}
		h.discord.NotifyNewUser(ctx, user.Username, user.DiscordID)
		return &user, nil
	}

	updates := map[string]any{
		"username":      profile.Username,
		"avatar":        profile.AvatarURL(),
		"email":         profile.Email,
		"last_login_at": now,
	}
	if errUpdate := h.db.WithContext(ctx).Model(&user).Updates(updates).Error; errUpdate != nil {
		return nil, errUpdate
	}
	return &user, nil
}

// returnPath extracts the post-login destination from the state token,
// restricted to same-origin paths.
func returnPath(state, secret string) string {
	claims, errParse := security.ParseState(secret, state)
	if errParse != nil || claims.Return == "" {
		return "/"
	}
	if !strings.HasPrefix(claims.Return, "/") || strings.HasPrefix(claims.Return, "//") {
		return "/"
	}
	return claims.Return
}

// Me returns the authenticated user's profile.
func (h *AuthHandler) Me(c *gin.Context) {
	user := apihttp.CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"discord_id":           user.DiscordID,
		"username":             user.Username,
		"avatar":               user.Avatar,
		"email":                user.Email,
		"is_admin":             user.IsAdmin,
		"is_whitelisted":       user.IsWhitelisted,
		"total_keys_generated": user.TotalKeysGenerated,
		"created_at":           user.CreatedAt,
	})
}

// CheckServer re-checks community membership through the bot API.
func (h *AuthHandler) CheckServer(c *gin.Context) {
	user := apihttp.CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	inServer, errCheck := h.discord.IsMemberViaBot(c.Request.Context(), user.DiscordID)
	if errCheck != nil {
		log.WithError(errCheck).Warn("auth: bot membership check failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "membership check unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"in_server": inServer, "invite_url": h.cfg.Discord.InviteURL})
}

// Logout deletes the current session and clears the cookie.
func (h *AuthHandler) Logout(c *gin.Context) {
	if token, errCookie := c.Cookie(apihttp.SessionCookie); errCookie == nil && token != "" {
		if errDelete := h.db.WithContext(c.Request.Context()).
			Where("token = ?", token).
			Delete(&models.Session{}).Error; errDelete != nil {
			log.WithError(errDelete).Warn("auth: delete session failed")
		}
	}
	apihttp.ClearSessionCookie(c)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

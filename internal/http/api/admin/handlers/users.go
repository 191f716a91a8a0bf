package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/lua-guard/keyserver/internal/db"
	"github.com/lua-guard/keyserver/internal/keys"
	"github.com/lua-guard/keyserver/internal/models"
)

// UsersHandler manages user accounts.
type UsersHandler struct {
	db  *gorm.DB
	svc *keys.Service
}

// NewUsersHandler constructs a UsersHandler.
func NewUsersHandler(conn *gorm.DB, svc *keys.Service) *UsersHandler {
	return &UsersHandler{db: conn, svc: svc}
}

// List returns users, newest first, with optional username search and
// pagination.
func (h *UsersHandler) List(c *gin.Context) {
	limit, errLimit := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if errLimit != nil || limit < 1 || limit > 200 {
		limit = 50
	}
	offset, errOffset := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if errOffset != nil || offset < 0 {
		offset = 0
	}

	query := h.db.WithContext(c.Request.Context()).Model(&models.User{})
	if search := strings.TrimSpace(c.Query("search")); search != "" {
		expr := db.CaseInsensitiveLikeExpr(h.db, "username")
		query = query.Where(expr, db.NormalizeLikePattern(h.db, search))
	}

	var total int64
	if errCount := query.Count(&total).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "count users failed"})
		return
	}

	var rows []models.User
	if errFind := query.
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list users failed"})
		return
	}

	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, gin.H{
			"id":                   row.ID,
			"discord_id":           row.DiscordID,
			"username":             row.Username,
			"is_admin":             row.IsAdmin,
			"is_banned":            row.IsBanned,
			"ban_reason":           row.BanReason,
			"is_whitelisted":       row.IsWhitelisted,
			"total_keys_generated": row.TotalKeysGenerated,
			"last_login_at":        row.LastLoginAt,
			"created_at":           row.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"users": out, "total": total})
}

// userFlagRequest defines the whitelist and admin toggle request bodies.
type userFlagRequest struct {
	DiscordID string `json:"discord_id"`
	Enabled   bool   `json:"enabled"`
}

// SetWhitelist toggles checkpoint bypass for a user.
func (h *UsersHandler) SetWhitelist(c *gin.Context) {
	h.setFlag(c, h.svc.SetWhitelisted)
}

// SetAdmin toggles the admin flag for a user.
func (h *UsersHandler) SetAdmin(c *gin.Context) {
	h.setFlag(c, h.svc.SetAdmin)
}

func (h *UsersHandler) setFlag(c *gin.Context, apply func(ctx context.Context, discordID string, enabled bool) error) {
	var body userFlagRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	discordID := strings.TrimSpace(body.DiscordID)
	if discordID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "discord_id is required"})
		return
	}

	if errApply := apply(c.Request.Context(), discordID, body.Enabled); errApply != nil {
		if errors.Is(errApply, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		log.WithError(errApply).Error("admin: update user flag failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

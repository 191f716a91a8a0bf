package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/lua-guard/keyserver/internal/keys"
	"github.com/lua-guard/keyserver/internal/models"
	"github.com/lua-guard/keyserver/internal/security"
)

// KeysAdminHandler manages issued keys.
type KeysAdminHandler struct {
	db  *gorm.DB
	svc *keys.Service
}

// NewKeysAdminHandler constructs a KeysAdminHandler.
func NewKeysAdminHandler(db *gorm.DB, svc *keys.Service) *KeysAdminHandler {
	return &KeysAdminHandler{db: db, svc: svc}
}

// List returns issued keys, newest first, with pagination. HWIDs are
// truncated in listings.
func (h *KeysAdminHandler) List(c *gin.Context) {
	limit, errLimit := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if errLimit != nil || limit < 1 || limit > 200 {
		limit = 50
	}
	offset, errOffset := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if errOffset != nil || offset < 0 {
		offset = 0
	}

	var total int64
	if errCount := h.db.WithContext(c.Request.Context()).
		Model(&models.Key{}).Count(&total).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "count keys failed"})
		return
	}

	var rows []models.Key
	if errFind := h.db.WithContext(c.Request.Context()).Preload("User").
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list keys failed"})
		return
	}

	now := time.Now()
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		entry := gin.H{
			"id":         row.ID,
			"key":        row.KeyString,
			"status":     row.Status(now),
			"use_count":  row.UseCount,
			"issued_ip":  row.IssuedIP,
			"created_at": row.CreatedAt,
			"expires_at": row.ExpiresAt,
		}
		if row.User != nil {
			entry["discord_id"] = row.User.DiscordID
			entry["username"] = row.User.Username
		}
		if row.BoundHWID != nil {
			entry["bound_hwid"] = security.TruncateHWID(*row.BoundHWID)
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"keys": out, "total": total})
}

// Revoke deactivates a key permanently.
func (h *KeysAdminHandler) Revoke(c *gin.Context) {
	keyID, errParse := strconv.ParseUint(c.Param("id"), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key id"})
		return
	}

	if errRevoke := h.svc.Revoke(c.Request.Context(), keyID); errRevoke != nil {
		if errors.Is(errRevoke, keys.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
			return
		}
		log.WithError(errRevoke).Error("admin: revoke key failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "revoke failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ResetBinding clears a key's device binding so it can rebind on next use.
func (h *KeysAdminHandler) ResetBinding(c *gin.Context) {
	keyID, errParse := strconv.ParseUint(c.Param("id"), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key id"})
		return
	}

	if errReset := h.svc.ResetBinding(c.Request.Context(), keyID); errReset != nil {
		if errors.Is(errReset, keys.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
			return
		}
		log.WithError(errReset).Error("admin: reset binding failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reset binding failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

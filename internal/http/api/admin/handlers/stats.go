package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/lua-guard/keyserver/internal/models"
)

// StatsHandler serves aggregate dashboard numbers.
type StatsHandler struct {
	db *gorm.DB
}

// NewStatsHandler constructs a StatsHandler.
func NewStatsHandler(db *gorm.DB) *StatsHandler {
	return &StatsHandler{db: db}
}

// Stats returns service totals.
func (h *StatsHandler) Stats(c *gin.Context) {
	ctx := c.Request.Context()
	now := time.Now()

	counts := map[string]int64{}
	queries := []struct {
		name  string
		query *gorm.DB
	}{
		{"users", h.db.WithContext(ctx).Model(&models.User{})},
		{"banned_users", h.db.WithContext(ctx).Model(&models.User{}).Where("is_banned = ?", true)},
		{"keys", h.db.WithContext(ctx).Model(&models.Key{})},
		{"active_keys", h.db.WithContext(ctx).Model(&models.Key{}).
			Where("is_active = ? AND expires_at > ?", true, now)},
		{"keys_last_24h", h.db.WithContext(ctx).Model(&models.Key{}).
			Where("created_at > ?", now.Add(-24*time.Hour))},
		{"pending_requests", h.db.WithContext(ctx).Model(&models.PendingRequest{}).
			Where("is_completed = ? AND expires_at > ?", false, now)},
		{"hwid_bans", h.db.WithContext(ctx).Model(&models.HWIDBan{})},
	}
	for _, q := range queries {
		var count int64
		if errCount := q.query.Count(&count).Error; errCount != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "stats query failed"})
			return
		}
		counts[q.name] = count
	}

	c.JSON(http.StatusOK, counts)
}

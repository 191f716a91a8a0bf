package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/lua-guard/keyserver/internal/models"
)

// SettingsHandler manages ad-network integration settings.
type SettingsHandler struct {
	db *gorm.DB
}

// NewSettingsHandler constructs a SettingsHandler.
func NewSettingsHandler(db *gorm.DB) *SettingsHandler {
	return &SettingsHandler{db: db}
}

// List returns all integration settings rows.
func (h *SettingsHandler) List(c *gin.Context) {
	var rows []models.IntegrationSetting
	if errFind := h.db.WithContext(c.Request.Context()).
		Order("provider ASC").
		Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list settings failed"})
		return
	}

	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, gin.H{
			"provider":          row.Provider,
			"publisher_id":      row.PublisherID,
			"anti_bypass_token": row.AntiBypassToken,
			"api_key":           row.APIKey,
			"webhook_url":       row.WebhookURL,
			"active":            row.Active,
			"updated_at":        row.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"integrations": out})
}

// integrationUpdateRequest defines the settings update request body.
type integrationUpdateRequest struct {
	Provider        string `json:"provider"`
	PublisherID     string `json:"publisher_id"`
	AntiBypassToken string `json:"anti_bypass_token"`
	APIKey          string `json:"api_key"`
	WebhookURL      string `json:"webhook_url"`
	Active          bool   `json:"active"`
}

// Update replaces the configuration of one provider.
func (h *SettingsHandler) Update(c *gin.Context) {
	var body integrationUpdateRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	provider := strings.ToLower(strings.TrimSpace(body.Provider))
	if provider != models.ProviderLinkvertise && provider != models.ProviderLootLabs {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
		return
	}

	tx := h.db.WithContext(c.Request.Context()).Model(&models.IntegrationSetting{}).
		Where("provider = ?", provider).
		Updates(map[string]any{
			"publisher_id":      strings.TrimSpace(body.PublisherID),
			"anti_bypass_token": strings.TrimSpace(body.AntiBypassToken),
			"api_key":           strings.TrimSpace(body.APIKey),
			"webhook_url":       strings.TrimSpace(body.WebhookURL),
			"active":            body.Active,
		})
	if tx.Error != nil {
		log.WithError(tx.Error).Error("admin: update integration settings failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	if tx.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "provider not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

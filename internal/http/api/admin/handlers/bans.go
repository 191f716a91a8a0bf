package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/lua-guard/keyserver/internal/keys"
)

// BanHandler applies and lifts user and device bans.
type BanHandler struct {
	svc *keys.Service
}

// NewBanHandler constructs a BanHandler.
func NewBanHandler(svc *keys.Service) *BanHandler {
	return &BanHandler{svc: svc}
}

// banRequest defines the ban endpoint request body.
type banRequest struct {
	SubjectID   string `json:"subject_id"`
	SubjectType string `json:"subject_type"`
	Action      string `json:"action"`
	Reason      string `json:"reason"`
}

// Ban bans or unbans a user (by Discord ID) or an HWID.
func (h *BanHandler) Ban(c *gin.Context) {
	var body banRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	subjectID := strings.TrimSpace(body.SubjectID)
	if subjectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subject_id is required"})
		return
	}

	ctx := c.Request.Context()
	var errApply error
	switch body.SubjectType + "/" + body.Action {
	case "user/ban":
		errApply = h.svc.BanUser(ctx, subjectID, body.Reason)
	case "user/unban":
		errApply = h.svc.UnbanUser(ctx, subjectID)
	case "hwid/ban":
		errApply = h.svc.BanHWID(ctx, subjectID, body.Reason)
	case "hwid/unban":
		errApply = h.svc.UnbanHWID(ctx, subjectID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "subject_type must be user or hwid, action must be ban or unban"})
		return
	}

	if errApply != nil {
		if errors.Is(errApply, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		log.WithError(errApply).Error("admin: apply ban action failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ban action failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

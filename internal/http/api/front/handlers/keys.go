package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	apihttp "github.com/lua-guard/keyserver/internal/http"
	"github.com/lua-guard/keyserver/internal/keys"
	"github.com/lua-guard/keyserver/internal/security"
)

// KeysHandler handles key issuance, validation, and status endpoints.
type KeysHandler struct {
	svc *keys.Service
}

// NewKeysHandler constructs a KeysHandler.
func NewKeysHandler(svc *keys.Service) *KeysHandler {
	return &KeysHandler{svc: svc}
}

// keyRequest is the request body shared by the key endpoints. The HWID may
// alternatively arrive in the X-HWID header.
type keyRequest struct {
	Key       string `json:"key"`
	HWID      string `json:"hwid"`
	RequestID string `json:"requestId"`
}

// resolveHWID prefers the body value and falls back to the X-HWID header.
func resolveHWID(c *gin.Context, body keyRequest) string {
	if hwid := strings.TrimSpace(body.HWID); hwid != "" {
		return hwid
	}
	return strings.TrimSpace(c.GetHeader("X-HWID"))
}

// requestMeta captures the caller's network attributes.
func requestMeta(c *gin.Context) keys.RequestMeta {
	return keys.RequestMeta{IP: c.ClientIP(), UserAgent: c.Request.UserAgent()}
}

// Generate acquires a key for the authenticated user's device, routing
// through the checkpoint flow when required.
func (h *KeysHandler) Generate(c *gin.Context) {
	user := apihttp.CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	var body keyRequest
	_ = c.ShouldBindJSON(&body)
	hwid := resolveHWID(c, body)
	if !security.ValidHWID(hwid) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hwid"})
		return
	}

	result, errIssue := h.svc.Issue(c.Request.Context(), user, hwid, requestMeta(c))
	if errIssue != nil {
		if rl, ok := keys.IsRateLimited(errIssue); ok {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limited",
				"retry_after": int(rl.RetryAfter.Seconds()),
			})
			return
		}
		switch {
		case errors.Is(errIssue, keys.ErrUserBanned), errors.Is(errIssue, keys.ErrHWIDBanned):
			c.JSON(http.StatusForbidden, gin.H{"error": "banned"})
		case errors.Is(errIssue, keys.ErrNotConfigured):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "key generation unavailable"})
		default:
			log.WithError(errIssue).Error("keys: issue failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "key generation failed"})
		}
		return
	}

	if result.Status == keys.StatusActive {
		c.JSON(http.StatusOK, gin.H{
			"status":      keys.StatusActive,
			"key":         result.Key.KeyString,
			"expires_at":  result.Key.ExpiresAt,
			"whitelisted": result.Whitelisted,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":           keys.StatusVerificationRequired,
		"verification_url": result.VerificationURL,
		"request_id":       result.RequestID,
		"expires_in":       int(result.ExpiresIn.Seconds()),
	})
}

// Validate checks a key against a device. Lifecycle rejections are business
// outcomes, returned as valid:false with a reason rather than an HTTP error.
func (h *KeysHandler) Validate(c *gin.Context) {
	h.validate(c, h.svc.Validate)
}

// Redeem is the manual-entry variant of Validate for authenticated users.
func (h *KeysHandler) Redeem(c *gin.Context) {
	if apihttp.CurrentUser(c) == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	h.validate(c, h.svc.Redeem)
}

type validateFunc func(ctx context.Context, keyString, hwid string, meta keys.RequestMeta) (*keys.ValidationResult, error)

func (h *KeysHandler) validate(c *gin.Context, run validateFunc) {
	var body keyRequest
	_ = c.ShouldBindJSON(&body)
	keyString := strings.TrimSpace(body.Key)
	if keyString == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}
	hwid := resolveHWID(c, body)
	if !security.ValidHWID(hwid) {
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": "invalid_hwid"})
		return
	}

	result, errValidate := run(c.Request.Context(), keyString, hwid, requestMeta(c))
	if errValidate != nil {
		if rl, ok := keys.IsRateLimited(errValidate); ok {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limited",
				"retry_after": int(rl.RetryAfter.Seconds()),
			})
			return
		}
		if reason, ok := validationReason(errValidate); ok {
			c.JSON(http.StatusOK, gin.H{"valid": false, "error": reason})
			return
		}
		log.WithError(errValidate).Error("keys: validate failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "validation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"valid":          true,
		"expires_at":     result.ExpiresAt,
		"is_whitelisted": result.IsWhitelisted,
	})
}

// validationReason maps lifecycle errors to client-facing reason codes.
func validationReason(err error) (string, bool) {
	switch {
	case errors.Is(err, keys.ErrKeyNotFound):
		return "not_found", true
	case errors.Is(err, keys.ErrKeyDeactivated):
		return "deactivated", true
	case errors.Is(err, keys.ErrKeyExpired):
		return "expired", true
	case errors.Is(err, keys.ErrHWIDMismatch):
		return "hwid_mismatch", true
	case errors.Is(err, keys.ErrOwnerBanned),
		errors.Is(err, keys.ErrUserBanned),
		errors.Is(err, keys.ErrHWIDBanned):
		return "banned", true
	}
	return "", false
}

// Check reports the state of an in-flight checkpoint request for polling.
func (h *KeysHandler) Check(c *gin.Context) {
	var body keyRequest
	_ = c.ShouldBindJSON(&body)
	requestID := strings.TrimSpace(body.RequestID)
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "requestId is required"})
		return
	}

	status, errStatus := h.svc.PendingStatus(c.Request.Context(), requestID)
	if errStatus != nil {
		switch {
		case errors.Is(errStatus, keys.ErrRequestNotFound):
			c.JSON(http.StatusOK, gin.H{"status": "not_found"})
		case errors.Is(errStatus, keys.ErrRequestExpired):
			c.JSON(http.StatusOK, gin.H{"status": "expired"})
		default:
			log.WithError(errStatus).Error("keys: pending status failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "status check failed"})
		}
		return
	}

	if status.State == keys.PendingStateCompleted {
		response := gin.H{"status": keys.PendingStateCompleted}
		if status.Key != nil {
			response["key"] = status.Key.KeyString
			response["expires_at"] = status.Key.ExpiresAt
		}
		c.JSON(http.StatusOK, response)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         keys.PendingStateWaiting,
		"steps_done":     status.StepsDone,
		"steps_required": status.StepsRequired,
	})
}

// UserKeys lists the authenticated user's keys.
func (h *KeysHandler) UserKeys(c *gin.Context) {
	user := apihttp.CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	rows, errList := h.svc.UserKeys(c.Request.Context(), user.ID)
	if errList != nil {
		log.WithError(errList).Error("keys: list user keys failed")
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
			"created_at": row.CreatedAt,
			"expires_at": row.ExpiresAt,
		}
		if row.BoundHWID != nil {
			entry["bound_hwid"] = security.TruncateHWID(*row.BoundHWID)
		}
		if row.LastValidatedAt != nil {
			entry["last_validated_at"] = row.LastValidatedAt
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"keys": out})
}

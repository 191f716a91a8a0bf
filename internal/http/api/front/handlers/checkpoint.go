package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/lua-guard/keyserver/internal/keys"
)

// CheckpointHandler receives the browser redirects the ad network sends after
// each completed verification step.
type CheckpointHandler struct {
	svc *keys.Service
}

// NewCheckpointHandler constructs a CheckpointHandler.
func NewCheckpointHandler(svc *keys.Service) *CheckpointHandler {
	return &CheckpointHandler{svc: svc}
}

// Callback processes one checkpoint step. The endpoint is browser-driven, so
// every outcome is a redirect back to the site, never a JSON body.
func (h *CheckpointHandler) Callback(c *gin.Context) {
	requestID := c.Query("r")
	if requestID == "" {
		c.Redirect(http.StatusFound, "/?checkpoint=error&reason=invalid")
		return
	}
	step, errStep := strconv.Atoi(c.DefaultQuery("step", "1"))
	if errStep != nil || step < 1 {
		c.Redirect(http.StatusFound, "/?checkpoint=error&reason=invalid")
		return
	}
	token := c.Query("token")

	meta := keys.RequestMeta{IP: c.ClientIP(), UserAgent: c.Request.UserAgent()}
	result, errCallback := h.svc.HandleCallback(c.Request.Context(), requestID, step, token, meta)
	if errCallback != nil {
		switch {
		case errors.Is(errCallback, keys.ErrRequestCompleted):
			// Already minted; a refresh of the final redirect lands here.
			c.Redirect(http.StatusFound, "/?checkpoint=completed")
		case errors.Is(errCallback, keys.ErrRequestNotFound):
			c.Redirect(http.StatusFound, "/?checkpoint=error&reason=not_found")
		case errors.Is(errCallback, keys.ErrRequestExpired):
			c.Redirect(http.StatusFound, "/?checkpoint=error&reason=expired")
		case errors.Is(errCallback, keys.ErrVerificationFailed):
			c.Redirect(http.StatusFound, "/?checkpoint=error&reason=verification_failed")
		default:
			log.WithError(errCallback).Error("checkpoint: callback failed")
			c.Redirect(http.StatusFound, "/?checkpoint=error&reason=internal")
		}
		return
	}

	if result.State == keys.CallbackCompleted {
		c.Redirect(http.StatusFound, "/?checkpoint=completed")
		return
	}
	c.Redirect(http.StatusFound, fmt.Sprintf("/?checkpoint=pending&step=%d&required=%d", result.StepsDone, result.StepsRequired))
}

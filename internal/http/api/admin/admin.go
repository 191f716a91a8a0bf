// Package admin registers the session-and-admin gated management API.
package admin

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	apihttp "github.com/lua-guard/keyserver/internal/http"
	"github.com/lua-guard/keyserver/internal/http/api/admin/handlers"
	"github.com/lua-guard/keyserver/internal/keys"
)

// RegisterAdminRoutes registers the admin endpoints and the public health
// check.
func RegisterAdminRoutes(r *gin.Engine, db *gorm.DB, svc *keys.Service) {
	if r == nil || db == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(db)
	r.GET("/healthz", healthHandler.Healthz)

	group := r.Group("/api/admin")
	group.Use(apihttp.SessionAuth(db), apihttp.RequireAdmin())

	keysHandler := handlers.NewKeysAdminHandler(db, svc)
	group.GET("/keys", keysHandler.List)
	group.POST("/keys/:id/revoke", keysHandler.Revoke)
	group.POST("/keys/:id/reset-binding", keysHandler.ResetBinding)

	banHandler := handlers.NewBanHandler(svc)
	group.POST("/ban", banHandler.Ban)

	usersHandler := handlers.NewUsersHandler(db, svc)
	group.GET("/users", usersHandler.List)
	group.POST("/users/whitelist", usersHandler.SetWhitelist)
	group.POST("/users/admin", usersHandler.SetAdmin)

	statsHandler := handlers.NewStatsHandler(db)
	group.GET("/stats", statsHandler.Stats)

	settingsHandler := handlers.NewSettingsHandler(db)
	group.GET("/settings/integrations", settingsHandler.List)
	group.PUT("/settings/integrations", settingsHandler.Update)
}

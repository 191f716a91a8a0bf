// Package front registers the public and session-authenticated API routes.
package front

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/lua-guard/keyserver/internal/config"
	"github.com/lua-guard/keyserver/internal/discord"
	apihttp "github.com/lua-guard/keyserver/internal/http"
	"github.com/lua-guard/keyserver/internal/http/api/front/handlers"
	"github.com/lua-guard/keyserver/internal/keys"
)

// RegisterFrontRoutes registers the login flow, key lifecycle, and checkpoint
// callback endpoints.
func RegisterFrontRoutes(r *gin.Engine, db *gorm.DB, svc *keys.Service, dc *discord.Client, cfg *config.Config) {
	if r == nil || db == nil {
		return
	}

	api := r.Group("/api")

	authHandler := handlers.NewAuthHandler(db, dc, cfg)
	api.GET("/auth/discord", authHandler.Discord)
	api.GET("/auth/callback", authHandler.Callback)

	keysHandler := handlers.NewKeysHandler(svc)
	api.POST("/keys/validate", keysHandler.Validate)

	checkpointHandler := handlers.NewCheckpointHandler(svc)
	api.GET("/checkpoint/callback", checkpointHandler.Callback)

	authed := api.Group("")
	authed.Use(apihttp.SessionAuth(db))
	authed.GET("/auth/me", authHandler.Me)
	authed.GET("/auth/check-server", authHandler.CheckServer)
	authed.POST("/auth/logout", authHandler.Logout)
	authed.GET("/auth/logout", authHandler.Logout)
	authed.POST("/keys/generate", keysHandler.Generate)
	authed.POST("/keys/redeem", keysHandler.Redeem)
	authed.POST("/keys/check", keysHandler.Check)
	authed.GET("/keys/user", keysHandler.UserKeys)
}

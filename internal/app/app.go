// Package app wires configuration, storage, and the HTTP API into a runnable
// server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/lua-guard/keyserver/internal/analytics"
	"github.com/lua-guard/keyserver/internal/config"
	"github.com/lua-guard/keyserver/internal/db"
	"github.com/lua-guard/keyserver/internal/discord"
	"github.com/lua-guard/keyserver/internal/http/api/admin"
	"github.com/lua-guard/keyserver/internal/http/api/front"
	"github.com/lua-guard/keyserver/internal/keys"
	"github.com/lua-guard/keyserver/internal/logging"
	"github.com/lua-guard/keyserver/internal/ratelimit"
)

// shutdownTimeout bounds the graceful drain on exit.
const shutdownTimeout = 10 * time.Second

// Migrate opens the database and runs migrations without starting the server.
func Migrate(configPath string) error {
	cfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return errLoad
	}
	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// RunServer boots the key server and blocks until ctx is cancelled.
func RunServer(ctx context.Context, configPath string) error {
	cfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return errLoad
	}
	logging.Setup(cfg.Log)

	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	limiter := ratelimit.New()
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Prune()
			}
		}
	}()
	recorder := analytics.NewRecorder(conn)
	discordClient := discord.NewClient(cfg.Discord)
	analytics.NewRetentionCleaner(conn).Start(ctx)

	svc := keys.NewService(conn, limiter, recorder, discordClient, keys.Options{
		KeyPrefix:           cfg.Keys.Prefix,
		KeyDuration:         cfg.KeyDuration(),
		PendingTTL:          cfg.PendingTTL(),
		CheckpointsRequired: cfg.Keys.CheckpointsRequired,
		CallbackBaseURL:     cfg.Server.BaseURL + "/api/checkpoint/callback",
		KeygenLimit:         keys.Rule{Max: cfg.RateLimit.Keygen.Max, Window: cfg.KeygenWindow()},
		ValidateLimit:       keys.Rule{Max: cfg.RateLimit.Validate.Max, Window: cfg.ValidateWindow()},
	})

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	front.RegisterFrontRoutes(engine, conn, svc, discordClient, cfg)
	admin.RegisterAdminRoutes(engine, conn, svc)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", cfg.Server.Addr)
		if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			errCh <- errServe
			return
		}
		errCh <- nil
	}()

	var errRun error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
			errRun = fmt.Errorf("app: shutdown: %w", errShutdown)
		}
		<-errCh
	case errServe := <-errCh:
		if errServe != nil {
			errRun = fmt.Errorf("app: serve: %w", errServe)
		}
	}
	return errRun
}

// requestLogger emits one structured line per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start).Round(time.Millisecond).String(),
			"ip":      c.ClientIP(),
		}).Info("request")
	}
}

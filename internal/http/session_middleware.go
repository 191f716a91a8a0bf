// Package http provides gin middleware shared by the front and admin API
// groups.
package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/lua-guard/keyserver/internal/models"
)

// SessionCookie is the name of the browser session cookie.
const SessionCookie = "session"

// userContextKey is the gin context key holding the resolved user.
const userContextKey = "current_user"

// ClearSessionCookie expires the session cookie on the client.
func ClearSessionCookie(c *gin.Context) {
	c.SetCookie(SessionCookie, "", -1, "/", "", false, true)
}

// SetSessionCookie installs a session cookie with the given lifetime in
// seconds.
func SetSessionCookie(c *gin.Context, token string, maxAge int) {
	c.SetCookie(SessionCookie, token, maxAge, "/", "", false, true)
}

// SessionAuth resolves the session cookie to a user and aborts the request
// when no valid, unbanned identity can be established. Expired sessions are
// deleted and the cookie is cleared so the client re-authenticates.
func SessionAuth(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, errCookie := c.Cookie(SessionCookie)
		if errCookie != nil || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}

		var session models.Session
		if errFind := db.WithContext(c.Request.Context()).Preload("User").
			Where("token = ?", token).
			First(&session).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				ClearSessionCookie(c)
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session lookup failed"})
			return
		}

		if session.Expired(time.Now()) {
			if errDelete := db.WithContext(c.Request.Context()).Delete(&models.Session{}, session.ID).Error; errDelete != nil {
				log.WithError(errDelete).Warn("http: delete expired session failed")
			}
			ClearSessionCookie(c)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
			return
		}
		if session.User == nil {
			ClearSessionCookie(c)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}
		if session.User.IsBanned {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "banned", "reason": session.User.BanReason})
			return
		}

		c.Set(userContextKey, session.User)
		c.Next()
	}
}

// RequireAdmin aborts requests whose resolved user is not an admin. It must
// run after SessionAuth.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := CurrentUser(c)
		if user == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}
		if !user.IsAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin required"})
			return
		}
		c.Next()
	}
}

// CurrentUser returns the user resolved by SessionAuth, or nil.
func CurrentUser(c *gin.Context) *models.User {
	value, ok := c.Get(userContextKey)
	if !ok {
		return nil
	}
	user, ok := value.(*models.User)
	if !ok {
		return nil
	}
	return user
}

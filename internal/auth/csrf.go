package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// safeMethods never change server state and skip the csrf comparison.
var safeMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// CSRFMiddleware requires a matching csrf header and cookie on state-changing
// requests that were authenticated by the session cookie. It runs after Middleware.
func (s *Service) CSRFMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if safeMethods[c.Request.Method] || !cookieAuthenticated(c) {
			c.Next()
			return
		}
		cookieToken, _ := c.Cookie(s.csrfCookieName)
		if !csrfTokensMatch(c.GetHeader(s.csrfHeaderName), cookieToken) {
			userID, _ := UserIDFromContext(c)
			s.log.WithField("user_id", userID).
				WithField("route", c.FullPath()).
				Warn("csrf check failed")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid csrf token"})
			return
		}
		c.Next()
	}
}

func csrfTokensMatch(header, cookie string) bool {
	if header == "" || cookie == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(header), []byte(cookie)) == 1
}

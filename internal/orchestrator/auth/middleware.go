package auth

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mind-ai/mind/internal/orchestrator/errdefs"
)

// Context keys set by the middlewares.
const (
	UsernameKey  = "auth-username"
	KeyPrefixKey = "auth-key-prefix"
)

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(header[len("Bearer "):])
	}
	return ""
}

func abortUnauthorized(c *gin.Context, message string) {
	errdefs.AbortWithError(c, errdefs.New(errdefs.KindAuth, message))
}

// RequireSession guards operator endpoints with a session token.
func (a *Authenticator) RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			abortUnauthorized(c, "missing session token")
			return
		}
		username, err := a.VerifySession(token)
		if err != nil {
			abortUnauthorized(c, "invalid or expired session")
			return
		}
		c.Set(UsernameKey, username)
		c.Next()
	}
}

// RequireKey guards inference endpoints with an API key from either the
// Authorization bearer or the X-API-Key header.
func (a *Authenticator) RequireKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := bearerToken(c)
		if key == "" {
			key = c.GetHeader("X-API-Key")
		}
		rec, err := a.VerifyKey(c.Request.Context(), key)
		if err != nil {
			abortUnauthorized(c, "invalid api key")
			return
		}
		c.Set(KeyPrefixKey, rec.Prefix)
		c.Next()
	}
}

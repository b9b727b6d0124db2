package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

const userIDHeader = "X-User-ID"

const contextUserIDKey = "carelink.user_id"

// identityMiddleware trusts the authenticating proxy in front of this
// service to stamp the caller's id on every request. Requests without a
// parseable id never reach a handler.
func identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(userIDHeader))
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if _, err := snowflake.ParseString(raw); err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Set(contextUserIDKey, raw)
		c.Next()
	}
}

func currentUserID(c *gin.Context) string {
	value, ok := c.Get(contextUserIDKey)
	if !ok {
		return ""
	}
	id, _ := value.(string)
	return id
}

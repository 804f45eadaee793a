package middleware

import (
	"net"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/hetuflow/hetuflow/internal/utils"
	"github.com/hetuflow/hetuflow/pkg/response"
)

const (
	ContextSubject     = "subject"
	ContextRole        = "role"
	ContextPermissions = "permissions"
)

// bearerToken takes the token from the Authorization header, falling back to
// the token query parameter for EventSource clients that cannot set headers.
func bearerToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if token := c.Query("token"); token != "" {
		return token, true
	}
	return "", false
}

// AuthRequired accepts any valid hetuflow token and stores its claims.
func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			response.Unauthorized(c, "authorization header required")
			c.Abort()
			return
		}

		claims, err := utils.ParseToken(token)
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}

		c.Set(ContextSubject, claims.Subject)
		c.Set(ContextRole, claims.Role)
		c.Set(ContextPermissions, claims.Permissions)
		c.Next()
	}
}

// AdminRequired must run after AuthRequired.
func AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetRole(c) != utils.RoleAdmin {
			response.Forbidden(c, "admin access required")
			c.Abort()
			return
		}
		c.Next()
	}
}

// LocalhostOnly rejects requests that do not come from a loopback address.
func LocalhostOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := net.ParseIP(c.ClientIP())
		if ip == nil || !ip.IsLoopback() {
			response.Forbidden(c, "only available from localhost")
			c.Abort()
			return
		}
		c.Next()
	}
}

func GetSubject(c *gin.Context) string {
	return c.GetString(ContextSubject)
}

func GetRole(c *gin.Context) string {
	return c.GetString(ContextRole)
}

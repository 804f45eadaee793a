package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hetuflow/hetuflow/pkg/logger"
)

const auditBodyLimit = 2000

var sensitiveKeys = []string{"password", "secret", "token", "access_token", "api_key"}

// AuditLog writes one structured log line per mutating admin request:
// job and schedule edits, manual triggers, cancels and agent commands.
func AuditLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		method := c.Request.Method
		if method != http.MethodPost && method != http.MethodPut && method != http.MethodDelete {
			c.Next()
			return
		}

		var body string
		if c.Request.Body != nil {
			data, _ := io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewReader(data))
			body = string(data)
			if len(body) > auditBodyLimit {
				body = body[:auditBodyLimit] + "...[truncated]"
			}
			body = maskSensitiveFields(body)
		}

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Info()
		if status >= http.StatusBadRequest {
			event = logger.Warn()
		}
		event.
			Str("subject", GetSubject(c)).
			Str("role", GetRole(c)).
			Str("method", method).
			Str("route", c.FullPath()).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("ip", c.ClientIP()).
			Str("body", body).
			Msg("[Audit] " + auditAction(c.FullPath(), method))
	}
}

// auditAction names the operation from the route, e.g.
// "POST /api/v1/tasks/:id/cancel" becomes "tasks.cancel".
func auditAction(route, method string) string {
	path := strings.TrimPrefix(route, "/api/v1/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		return "unknown"
	}
	resource := parts[0]
	last := parts[len(parts)-1]
	if len(parts) > 1 && !strings.HasPrefix(last, ":") {
		return resource + "." + last
	}
	switch method {
	case http.MethodPost:
		return resource + ".create"
	case http.MethodPut:
		return resource + ".update"
	case http.MethodDelete:
		return resource + ".delete"
	}
	return resource + "." + strings.ToLower(method)
}

func maskSensitiveFields(body string) string {
	lower := strings.ToLower(body)
	for _, key := range sensitiveKeys {
		if strings.Contains(lower, `"`+key+`"`) {
			body = maskJSONValue(body, key)
			lower = strings.ToLower(body)
		}
	}
	return body
}

// maskJSONValue replaces the string value following "key": with ***.
func maskJSONValue(body, key string) string {
	quoted := `"` + key + `"`
	idx := strings.Index(strings.ToLower(body), quoted)
	if idx == -1 {
		return body
	}
	rest := body[idx+len(quoted):]
	colon := strings.Index(rest, ":")
	if colon == -1 {
		return body
	}
	start := idx + len(quoted) + colon + 1
	for start < len(body) && body[start] == ' ' {
		start++
	}
	if start >= len(body) || body[start] != '"' {
		return body
	}
	end := strings.Index(body[start+1:], `"`)
	if end == -1 {
		return body
	}
	return body[:start+1] + "***" + body[start+1+end:]
}

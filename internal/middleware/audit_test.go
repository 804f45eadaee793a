package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestAuditAction(t *testing.T) {
	tests := []struct {
		route    string
		method   string
		expected string
	}{
		{"/api/v1/jobs", "POST", "jobs.create"},
		{"/api/v1/tasks/:id/cancel", "POST", "tasks.cancel"},
		{"/api/v1/schedules/:id/status", "PUT", "schedules.status"},
		{"/api/v1/schedules/:id", "PUT", "schedules.update"},
		{"/api/v1/gateway/command", "POST", "gateway.command"},
		{"", "POST", "unknown"},
	}
	for _, tt := range tests {
		if got := auditAction(tt.route, tt.method); got != tt.expected {
			t.Errorf("auditAction(%q, %s) = %q, expected %q", tt.route, tt.method, got, tt.expected)
		}
	}
}

func TestMaskSensitiveFields(t *testing.T) {
	tests := []struct {
		body     string
		expected string
	}{
		{`{"token":"abc","name":"x"}`, `{"token":"***","name":"x"}`},
		{`{"Secret": "s3"}`, `{"Secret": "***"}`},
		{`{"name":"job"}`, `{"name":"job"}`},
		{`{"token":42}`, `{"token":42}`},
	}
	for _, tt := range tests {
		if got := maskSensitiveFields(tt.body); got != tt.expected {
			t.Errorf("maskSensitiveFields(%s) = %s, expected %s", tt.body, got, tt.expected)
		}
	}
}

func TestAuditLog_KeepsBodyForHandler(t *testing.T) {
	router := gin.New()
	router.Use(AuditLog())
	var seen string
	router.POST("/api/v1/jobs", func(c *gin.Context) {
		data, _ := io.ReadAll(c.Request.Body)
		seen = string(data)
		c.Status(http.StatusCreated)
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/api/v1/jobs", bytes.NewBufferString(`{"name":"backup"}`))
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, expected %d", w.Code, http.StatusCreated)
	}
	if seen != `{"name":"backup"}` {
		t.Errorf("handler body = %q, expected the original body", seen)
	}
}

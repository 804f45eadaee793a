package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func corsRouter(origins ...string) *gin.Engine {
	router := gin.New()
	router.Use(CORS(origins))
	router.GET("/api/events/tasks", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.POST("/api/v1/jobs", func(c *gin.Context) { c.Status(http.StatusCreated) })
	return router
}

func TestCORS_SimpleRequest(t *testing.T) {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/events/tasks", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	corsRouter().ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Error("Access-Control-Allow-Origin is not set")
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Access-Control-Allow-Credentials = %q, expected true", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	tests := []struct {
		path    string
		method  string
		headers string
	}{
		{"/api/v1/jobs", "POST", "Content-Type, Authorization"},
		{"/api/events/tasks", "GET", "Last-Event-ID"},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("OPTIONS", tt.path, nil)
		req.Header.Set("Origin", "http://example.com")
		req.Header.Set("Access-Control-Request-Method", tt.method)
		req.Header.Set("Access-Control-Request-Headers", tt.headers)
		corsRouter().ServeHTTP(w, req)

		if w.Code != http.StatusNoContent && w.Code != http.StatusOK {
			t.Errorf("%s preflight status = %d, expected 200 or 204", tt.path, w.Code)
		}
		if w.Header().Get("Access-Control-Allow-Headers") == "" {
			t.Errorf("%s preflight lacks Access-Control-Allow-Headers", tt.path)
		}
	}
}

func TestCORS_RestrictedOrigins(t *testing.T) {
	router := corsRouter("https://console.example.com")

	tests := []struct {
		origin  string
		allowed bool
	}{
		{"https://console.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/api/events/tasks", nil)
		req.Header.Set("Origin", tt.origin)
		router.ServeHTTP(w, req)

		got := w.Header().Get("Access-Control-Allow-Origin") == tt.origin
		if got != tt.allowed {
			t.Errorf("%s allowed = %v, expected %v", tt.origin, got, tt.allowed)
		}
	}
}

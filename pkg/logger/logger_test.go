package logger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func captureJSON(t *testing.T, level string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Setup(Options{Level: level, Format: "json", Service: "hetuflow-test", Out: &buf})
	t.Cleanup(func() { Init("info") })
	return &buf
}

func lines(buf *bytes.Buffer) []map[string]interface{} {
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(line), &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func TestSetup_LevelAndService(t *testing.T) {
	buf := captureJSON(t, "warn")

	Infof("hidden %d", 1)
	Warnf("shown %d", 2)

	got := lines(buf)
	if len(got) != 1 {
		t.Fatalf("lines = %d, expected 1: %s", len(got), buf.String())
	}
	if got[0]["message"] != "shown 2" {
		t.Errorf("message = %v, expected %q", got[0]["message"], "shown 2")
	}
	if got[0]["service"] != "hetuflow-test" {
		t.Errorf("service = %v, expected hetuflow-test", got[0]["service"])
	}
}

func TestSetup_InvalidLevelFallsBackToInfo(t *testing.T) {
	captureJSON(t, "chatty")
	if Level().String() != "info" {
		t.Errorf("Level() = %s, expected info", Level())
	}
}

func TestGinLogger_QuietPaths(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureJSON(t, "info")

	router := gin.New()
	router.Use(GinLogger())
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/api/v1/jobs/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	for _, path := range []string{"/health", "/api/v1/jobs/42"} {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", path, nil)
		router.ServeHTTP(w, req)
	}

	got := lines(buf)
	if len(got) != 1 {
		t.Fatalf("lines = %d, expected 1: %s", len(got), buf.String())
	}
	if got[0]["route"] != "/api/v1/jobs/:id" || got[0]["level"] != "warn" {
		t.Errorf("line = %v, expected a warn line for the job route", got[0])
	}
}

func TestGinRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	captureJSON(t, "info")

	router := gin.New()
	router.Use(GinRecovery())
	router.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/boom", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, expected %d", w.Code, http.StatusInternalServerError)
	}
}

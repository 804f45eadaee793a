package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func limitedRouter(rl *RateLimiter) *gin.Engine {
	router := gin.New()
	router.Use(rl.Middleware())
	router.GET("/api/v1/gateway/ws", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func hit(router *gin.Engine, addr string) int {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/gateway/ws", nil)
	req.RemoteAddr = addr
	router.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimit_BurstThenBlock(t *testing.T) {
	router := limitedRouter(NewRateLimiter(1, 2))

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		codes = append(codes, hit(router, "10.0.0.1:12345"))
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("burst codes = %v, expected the first two to pass", codes)
	}
	if codes[3] != http.StatusTooManyRequests {
		t.Errorf("code after burst = %d, expected %d", codes[3], http.StatusTooManyRequests)
	}
}

func TestRateLimit_IndependentPerIP(t *testing.T) {
	router := limitedRouter(NewRateLimiter(1, 1))

	if code := hit(router, "10.0.0.1:12345"); code != http.StatusOK {
		t.Errorf("first IP status = %d, expected %d", code, http.StatusOK)
	}
	if code := hit(router, "10.0.0.2:12345"); code != http.StatusOK {
		t.Errorf("second IP status = %d, expected %d", code, http.StatusOK)
	}
}

func TestRateLimit_SweepDropsIdle(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("old")
	now = now.Add(10 * time.Minute)
	rl.Allow("new")

	if remaining := rl.Sweep(5 * time.Minute); remaining != 1 {
		t.Errorf("Sweep() = %d, expected 1", remaining)
	}
	if _, ok := rl.limiters["new"]; !ok {
		t.Error("recent limiter was swept")
	}
}

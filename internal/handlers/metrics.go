package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/hetuflow/hetuflow/internal/services"
)

// Metrics serves the Prometheus registry of m.
// GET /metrics
func Metrics(m *services.Metrics) gin.HandlerFunc {
	return gin.WrapH(m.Handler())
}

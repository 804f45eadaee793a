package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hetuflow/hetuflow/internal/models"
	"github.com/hetuflow/hetuflow/internal/services"
	"gorm.io/gorm"
)

// LeaderStatus reports whether this replica holds the leader lease.
type LeaderStatus interface {
	IsLeader() bool
}

// AgentCounter reports live gateway sessions.
type AgentCounter interface {
	OnlineCount() int
}

// HealthHandler reports the state of every subsystem of this replica.
type HealthHandler struct {
	db       *gorm.DB
	serverID string
	queue    services.EventQueue
	agents   AgentCounter
	hub      *services.TaskEventHub
	leader   LeaderStatus
}

func NewHealthHandler(db *gorm.DB, serverID string, queue services.EventQueue, agents AgentCounter,
	hub *services.TaskEventHub, leader LeaderStatus) *HealthHandler {
	return &HealthHandler{db: db, serverID: serverID, queue: queue, agents: agents, hub: hub, leader: leader}
}

// CheckHealth returns 503 when the database is unreachable.
// GET /health
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	overall := "healthy"
	code := http.StatusOK

	dbStatus := "ok"
	sqlDB, err := h.db.DB()
	if err != nil {
		dbStatus = "error: " + err.Error()
	} else if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		dbStatus = "error: " + err.Error()
	}
	if dbStatus != "ok" {
		overall = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	queueMode := "sync"
	if h.queue != nil && h.queue.IsAsync() {
		queueMode = "async (Redis)"
	}

	var pending int64
	if dbStatus == "ok" {
		h.db.WithContext(c.Request.Context()).Model(&models.SchedTask{}).
			Where("status = ?", models.TaskStatusPending).Count(&pending)
	}

	c.JSON(code, gin.H{
		"status":    overall,
		"service":   "hetuflow",
		"server_id": h.serverID,
		"components": gin.H{
			"database":      dbStatus,
			"dialect":       models.Dialect(h.db),
			"queue_mode":    queueMode,
			"online_agents": h.agents.OnlineCount(),
			"sse_clients":   h.hub.ClientCount(),
			"leader":        h.leader.IsLeader(),
			"pending_tasks": pending,
		},
	})
}

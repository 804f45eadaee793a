package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hetuflow/hetuflow/internal/services"
	"github.com/hetuflow/hetuflow/pkg/logger"
)

const sseKeepAlive = 30 * time.Second

// SSEHandler streams task status changes to admin clients.
type SSEHandler struct {
	hub *services.TaskEventHub
}

func NewSSEHandler(hub *services.TaskEventHub) *SSEHandler {
	return &SSEHandler{hub: hub}
}

// StreamTaskEvents is mounted behind AuthRequired, which also accepts the
// token as a query parameter since EventSource cannot set headers.
// GET /api/events/tasks
func (h *SSEHandler) StreamTaskEvents(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	clientID := uuid.New().String()
	events := h.hub.Subscribe(clientID)
	defer h.hub.Unsubscribe(clientID)

	logger.Info().Str("client_id", clientID).Int("total", h.hub.ClientCount()).Msg("SSE client connected")

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			data, err := json.Marshal(event)
			if err != nil {
				logger.Error().Err(err).Msg("SSE marshal error")
				return true
			}
			fmt.Fprintf(w, "event: task\ndata: %s\n\n", data)
			return true
		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
			return true
		case <-c.Request.Context().Done():
			logger.Info().Str("client_id", clientID).Msg("SSE client disconnected")
			return false
		}
	})
}

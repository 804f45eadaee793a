package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/hetuflow/hetuflow/internal/models"
	"github.com/hetuflow/hetuflow/internal/protocol"
	"github.com/hetuflow/hetuflow/internal/services"
	"github.com/hetuflow/hetuflow/pkg/response"
)

// operatorCommands are the command kinds an admin may push directly.
// Dispatch and registration replies stay internal to the gateway.
var operatorCommands = map[protocol.MessageKind]bool{
	protocol.KindShutdown:     true,
	protocol.KindUpdateConfig: true,
	protocol.KindClearCache:   true,
	protocol.KindFetchMetrics: true,
	protocol.KindCancelTask:   true,
}

// CommandSender delivers operator commands to connected agents.
type CommandSender interface {
	SendCommand(cmd *protocol.GatewayCommand) (string, error)
}

// OnlineChecker reports live gateway sessions.
type OnlineChecker interface {
	IsOnline(agentID string) bool
}

type AgentHandler struct {
	agents *services.AgentService
	online OnlineChecker
	sender CommandSender
}

func NewAgentHandler(agents *services.AgentService, online OnlineChecker, sender CommandSender) *AgentHandler {
	return &AgentHandler{agents: agents, online: online, sender: sender}
}

type agentView struct {
	*models.SchedAgent
	Connected bool `json:"connected"`
}

// List returns the persisted agents, flagging those with a live session on
// this server.
// GET /api/v1/agents
func (h *AgentHandler) List(c *gin.Context) {
	var req services.AgentListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	resp, err := h.agents.List(c.Request.Context(), &req)
	if err != nil {
		renderError(c, err)
		return
	}
	items := make([]agentView, 0, len(resp.Items))
	for i := range resp.Items {
		items = append(items, agentView{SchedAgent: &resp.Items[i], Connected: h.online.IsOnline(resp.Items[i].ID)})
	}
	response.Success(c, gin.H{
		"total":     resp.Total,
		"page":      resp.Page,
		"page_size": resp.PageSize,
		"items":     items,
	})
}

// GET /api/v1/agents/:id
func (h *AgentHandler) Get(c *gin.Context) {
	agent, err := h.agents.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, agentView{SchedAgent: agent, Connected: h.online.IsOnline(agent.ID)})
}

// SendCommand pushes a control message to one agent.
// POST /api/v1/gateway/command
func (h *AgentHandler) SendCommand(c *gin.Context) {
	var cmd protocol.GatewayCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if !operatorCommands[cmd.Kind] {
		response.BadRequest(c, "unsupported command kind: "+string(cmd.Kind))
		return
	}

	messageID, err := h.sender.SendCommand(&cmd)
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, gin.H{"message_id": messageID, "agent_id": cmd.AgentID})
}

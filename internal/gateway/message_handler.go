package gateway

import (
	"context"

	"github.com/hetuflow/hetuflow/internal/protocol"
	"github.com/hetuflow/hetuflow/internal/utils"
	"github.com/hetuflow/hetuflow/pkg/logger"
)

// MessageHandler decodes agent frames and turns them into AgentEvents.
type MessageHandler struct {
	conns    *ConnectionManager
	serverID string
	config   map[string]string
}

func NewMessageHandler(conns *ConnectionManager, serverID string, agentConfig map[string]string) *MessageHandler {
	return &MessageHandler{conns: conns, serverID: serverID, config: agentConfig}
}

// Authenticate validates the registration frame. headerToken is used when
// the payload carries no token.
func (h *MessageHandler) Authenticate(env *protocol.Envelope, headerToken string) (*protocol.AgentRegisterRequest, error) {
	if env.Kind != protocol.KindAgentRegister {
		return nil, newError(KindAuthenticationFailed, "", nil, "expected %s, got %s", protocol.KindAgentRegister, env.Kind)
	}
	var req protocol.AgentRegisterRequest
	if err := env.Decode(&req); err != nil {
		return nil, newError(KindSerialization, "", err, "decode register")
	}
	if req.AgentID == "" {
		return nil, newError(KindSerialization, "", nil, "agent_id is required")
	}
	token := req.Token
	if token == "" {
		token = headerToken
	}
	if _, err := utils.VerifyAgentToken(token, req.AgentID); err != nil {
		return nil, newError(KindAuthenticationFailed, req.AgentID, err, "invalid agent token")
	}
	return &req, nil
}

// Handle routes one frame received on conn. Errors concern only this frame;
// the caller keeps the connection open.
func (h *MessageHandler) Handle(ctx context.Context, conn *AgentConnection, env *protocol.Envelope) error {
	switch env.Kind {
	case protocol.KindAgentRegister:
		req, err := h.Authenticate(env, "")
		if err != nil {
			return err
		}
		if req.AgentID != conn.AgentID {
			return newError(KindAuthenticationFailed, conn.AgentID, nil, "register for %s on foreign session", req.AgentID)
		}
		return h.handleRegister(conn, req)

	case protocol.KindAgentHeartbeat:
		var req protocol.HeartbeatRequest
		if err := env.Decode(&req); err != nil {
			return newError(KindSerialization, conn.AgentID, err, "decode heartbeat")
		}
		req.AgentID = conn.AgentID
		conn.UpdateHeartbeat(&req)
		return h.publish(AgentEvent{Kind: EventHeartbeat, AgentID: conn.AgentID, SessionID: conn.SessionID, Heartbeat: &req})

	case protocol.KindPollTaskRequest:
		var req protocol.TaskPollRequest
		if err := env.Decode(&req); err != nil {
			return newError(KindSerialization, conn.AgentID, err, "decode poll request")
		}
		req.AgentID = conn.AgentID
		return h.publish(AgentEvent{Kind: EventPollRequest, AgentID: conn.AgentID, SessionID: conn.SessionID, Poll: &req})

	case protocol.KindTaskChangedEvent:
		var update protocol.TaskInstanceUpdated
		if err := env.Decode(&update); err != nil {
			return newError(KindSerialization, conn.AgentID, err, "decode task update")
		}
		update.AgentID = conn.AgentID
		return h.publish(AgentEvent{Kind: EventTaskInstanceChanged, AgentID: conn.AgentID, SessionID: conn.SessionID, Update: &update})

	case protocol.KindTaskLog:
		var batch protocol.TaskLogBatch
		if err := env.Decode(&batch); err != nil {
			return newError(KindSerialization, conn.AgentID, err, "decode task log")
		}
		batch.AgentID = conn.AgentID
		return h.publish(AgentEvent{Kind: EventTaskLog, AgentID: conn.AgentID, SessionID: conn.SessionID, Logs: &batch})

	case protocol.KindAck, protocol.KindNack:
		var ack protocol.AckPayload
		if err := env.Decode(&ack); err != nil {
			return newError(KindSerialization, conn.AgentID, err, "decode %s", env.Kind)
		}
		conn.Acknowledge(ack.MessageID, env.Kind == protocol.KindAck)
		if env.Kind == protocol.KindNack {
			logger.Warn().Str("agent", conn.AgentID).Str("message", ack.MessageID).Str("error", ack.Error).Msg("[Gateway] Command rejected")
		}
		return nil
	}

	return newError(KindMessageRoutingFailed, conn.AgentID, nil, "unknown message kind %q", env.Kind)
}

func (h *MessageHandler) handleRegister(conn *AgentConnection, req *protocol.AgentRegisterRequest) error {
	conn.Capabilities = req.Capabilities
	if req.Address != "" {
		conn.Address = req.Address
	}
	conn.UpdateHeartbeat(nil)

	if err := h.publish(AgentEvent{Kind: EventRegistered, AgentID: conn.AgentID, SessionID: conn.SessionID, Register: req}); err != nil {
		return err
	}
	_, err := h.conns.SendCommand(conn.AgentID, protocol.KindAgentRegistered, protocol.AgentRegisteredResponse{
		SessionID:  conn.SessionID,
		ServerID:   h.serverID,
		ServerTime: protocol.NowMillis(),
		Config:     h.config,
	})
	return err
}

func (h *MessageHandler) publish(event AgentEvent) error {
	if !h.conns.Publish(event) {
		return newError(KindAsyncQueue, event.AgentID, nil, "%s event dropped", event.Kind)
	}
	return nil
}

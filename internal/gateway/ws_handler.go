package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hetuflow/hetuflow/internal/config"
	"github.com/hetuflow/hetuflow/internal/protocol"
	"github.com/hetuflow/hetuflow/pkg/logger"
)

// Close codes sent to agents whose registration is rejected.
const (
	CloseAuthFailed      = 4001
	CloseInvalidRegister = 4002
)

// WSHandler upgrades agent connections and runs their read and write loops.
type WSHandler struct {
	conns    *ConnectionManager
	handler  *MessageHandler
	cfg      *config.GatewayConfig
	upgrader websocket.Upgrader
}

func NewWSHandler(conns *ConnectionManager, handler *MessageHandler, cfg *config.GatewayConfig) *WSHandler {
	return &WSHandler{
		conns:   conns,
		handler: handler,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Connect accepts an agent websocket.
// GET /api/v1/gateway/ws
func (h *WSHandler) Connect(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn().Err(err).Str("remote", c.ClientIP()).Msg("[Gateway] Upgrade failed")
		return
	}
	headerToken := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	h.serve(c.Request.Context(), ws, headerToken, c.ClientIP())
}

func (h *WSHandler) serve(ctx context.Context, ws *websocket.Conn, headerToken, remote string) {
	defer ws.Close()
	if h.cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(h.cfg.MaxMessageBytes)
	}

	conn, req, err := h.accept(ws, headerToken, remote)
	if err != nil {
		code := CloseInvalidRegister
		if errors.Is(err, ErrAuthenticationFailed) {
			code = CloseAuthFailed
		}
		logger.Warn().Err(err).Str("remote", remote).Msg("[Gateway] Registration rejected")
		h.closeWith(ws, code, err.Error())
		return
	}

	h.conns.Register(conn)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ws, conn)
	}()

	if err := h.handler.handleRegister(conn, req); err != nil {
		logger.Errorf("[Gateway] Register agent %s failed: %v", conn.AgentID, err)
	} else {
		logger.Infof("[Gateway] Agent %s registered, session %s, address %s", conn.AgentID, conn.SessionID, conn.Address)
	}

	reason := h.readLoop(ctx, ws, conn)
	h.conns.Unregister(conn.AgentID, conn.SessionID, reason)
	conn.Close()
	<-writerDone
}

func (h *WSHandler) accept(ws *websocket.Conn, headerToken, remote string) (*AgentConnection, *protocol.AgentRegisterRequest, error) {
	_ = ws.SetReadDeadline(time.Now().Add(h.registerTimeout()))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, nil, newError(KindSerialization, "", err, "read register frame")
	}
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		return nil, nil, newError(KindSerialization, "", err, "parse register frame")
	}
	req, err := h.handler.Authenticate(env, headerToken)
	if err != nil {
		return nil, nil, err
	}
	_ = ws.SetReadDeadline(time.Time{})

	address := req.Address
	if address == "" {
		address = remote
	}
	conn := NewAgentConnection(req.AgentID, uuid.New().String(), address, req.Capabilities, h.cfg.SendBuffer)
	return conn, req, nil
}

func (h *WSHandler) registerTimeout() time.Duration {
	if h.cfg.RegisterTimeout > 0 {
		return h.cfg.RegisterTimeout
	}
	return 10 * time.Second
}

func (h *WSHandler) readDeadline() time.Duration {
	if h.cfg.PingInterval > 0 {
		return 3 * h.cfg.PingInterval
	}
	return 90 * time.Second
}

// readLoop returns the disconnect reason.
func (h *WSHandler) readLoop(ctx context.Context, ws *websocket.Conn, conn *AgentConnection) string {
	extend := func() { _ = ws.SetReadDeadline(time.Now().Add(h.readDeadline())) }
	extend()
	ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if current, ok := h.conns.Get(conn.AgentID); ok && current != conn {
				return "replaced by new session"
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "closed by agent"
			}
			return err.Error()
		}
		extend()

		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			logger.Warn().Err(err).Str("agent", conn.AgentID).Msg("[Gateway] Dropping malformed frame")
			continue
		}
		if err := h.handler.Handle(ctx, conn, env); err != nil {
			logger.Warn().Err(err).Str("agent", conn.AgentID).Str("kind", string(env.Kind)).Msg("[Gateway] Message handling failed")
			h.nack(conn, env.MessageID, err)
		}
	}
}

func (h *WSHandler) nack(conn *AgentConnection, messageID string, cause error) {
	env, err := protocol.NewEnvelope(protocol.KindNack, protocol.AckPayload{MessageID: messageID, Error: cause.Error()})
	if err != nil {
		return
	}
	_ = conn.Send(env)
}

// writeLoop is the only writer of ws.
func (h *WSHandler) writeLoop(ws *websocket.Conn, conn *AgentConnection) {
	ping := h.cfg.PingInterval
	if ping <= 0 {
		ping = 30 * time.Second
	}
	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	for {
		select {
		case env := <-conn.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(h.writeTimeout()))
			if err := ws.WriteJSON(env); err != nil {
				logger.Warn().Err(err).Str("agent", conn.AgentID).Msg("[Gateway] Write failed")
				conn.Close()
				_ = ws.Close()
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout())); err != nil {
				conn.Close()
				_ = ws.Close()
				return
			}
		case <-conn.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
				time.Now().Add(time.Second))
			_ = ws.Close()
			return
		}
	}
}

func (h *WSHandler) writeTimeout() time.Duration {
	if h.cfg.WriteTimeout > 0 {
		return h.cfg.WriteTimeout
	}
	return 10 * time.Second
}

func (h *WSHandler) closeWith(ws *websocket.Conn, code int, text string) {
	if len(text) > 120 {
		text = text[:120]
	}
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

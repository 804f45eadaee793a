package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hetuflow/hetuflow/internal/config"
	"github.com/hetuflow/hetuflow/internal/models"
	"github.com/hetuflow/hetuflow/internal/protocol"
	"github.com/hetuflow/hetuflow/pkg/logger"
)

var ErrNotConnected = errors.New("not connected to server")

const (
	outboxSize      = 256
	maxRetained     = 1000
	registerTimeout = 10 * time.Second
	readTimeout     = 90 * time.Second
	writeTimeout    = 10 * time.Second
)

// CommandHandler receives the commands read from the server.
type CommandHandler interface {
	HandleCommand(ctx context.Context, env *protocol.Envelope)
}

// LoadReporter exposes the process load sent with heartbeats and polls.
type LoadReporter interface {
	Count() int
	AvailableCapacity() int
	LoadFactor() float64
}

// WSRunner keeps the control-plane websocket to the server alive. While
// disconnected, outbound messages are dropped except terminal task reports,
// which are retained and re-sent after the next registration.
type WSRunner struct {
	cfg    *config.AgentSection
	load   LoadReporter
	dialer *websocket.Dialer

	handler   CommandHandler
	connected atomic.Bool

	mu        sync.Mutex
	out       chan *protocol.Envelope
	retained  []*protocol.Envelope
	sessionID string
	serverID  string
}

func NewWSRunner(cfg *config.AgentSection, load LoadReporter) *WSRunner {
	return &WSRunner{
		cfg:  cfg,
		load: load,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: registerTimeout,
		},
	}
}

// SetHandler installs the command handler; it must be called before Run.
func (r *WSRunner) SetHandler(h CommandHandler) { r.handler = h }

func (r *WSRunner) Connected() bool { return r.connected.Load() }

// Session returns the current session and server ids.
func (r *WSRunner) Session() (sessionID, serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID, r.serverID
}

// Send queues a message for the current session.
func (r *WSRunner) Send(kind protocol.MessageKind, payload interface{}) error {
	env, err := protocol.NewEnvelope(kind, payload)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.out != nil {
		select {
		case r.out <- env:
			return nil
		default:
		}
	}
	if retainable(env) {
		r.retainLocked(env)
		return nil
	}
	if r.out != nil {
		return errors.New("outbound queue full")
	}
	return ErrNotConnected
}

// retainable reports whether env must survive a disconnect: terminal task
// reports are the only record the server gets of a finished instance.
func retainable(env *protocol.Envelope) bool {
	if env.Kind != protocol.KindTaskChangedEvent {
		return false
	}
	var update protocol.TaskInstanceUpdated
	if err := env.Decode(&update); err != nil {
		return false
	}
	return update.Status.IsTerminal()
}

func (r *WSRunner) retainLocked(env *protocol.Envelope) {
	if len(r.retained) >= maxRetained {
		logger.Warnf("[WSRunner] Retained queue full, dropping oldest report %s", r.retained[0].MessageID)
		r.retained = r.retained[1:]
	}
	r.retained = append(r.retained, env)
}

// Retained returns how many reports wait for a connection.
func (r *WSRunner) Retained() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.retained)
}

// attach opens the outbox of a new session and moves retained reports into it.
func (r *WSRunner) attach(sessionID, serverID string) chan *protocol.Envelope {
	out := make(chan *protocol.Envelope, outboxSize)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessionID, r.serverID = sessionID, serverID
	r.out = out
	if n := r.refillLocked(); n > 0 {
		logger.Infof("[WSRunner] Re-sending %d retained task reports, %d still waiting", n, len(r.retained))
	}
	r.connected.Store(true)
	return out
}

// refill moves retained reports into the outbox of the current session.
func (r *WSRunner) refill() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refillLocked()
}

// refillLocked fills the outbox up to half its capacity, leaving the rest
// for live traffic.
func (r *WSRunner) refillLocked() int {
	if r.out == nil {
		return 0
	}
	n := 0
	for n < len(r.retained) && len(r.out) < outboxSize/2 {
		r.out <- r.retained[n]
		n++
	}
	r.retained = r.retained[n:]
	return n
}

// detach closes the session outbox; unsent terminal reports are retained.
func (r *WSRunner) detach(out chan *protocol.Envelope) {
	r.connected.Store(false)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.out = nil
	for {
		select {
		case env := <-out:
			if retainable(env) {
				r.retainLocked(env)
			}
		default:
			return
		}
	}
}

// Run connects and reconnects every reconnect_interval until ctx is done.
func (r *WSRunner) Run(ctx context.Context) error {
	for {
		err := r.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn().Err(err).Str("server", r.cfg.ServerURL).Dur("retry_in", r.cfg.ReconnectInterval).Msg("[WSRunner] Disconnected")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.cfg.ReconnectInterval):
		}
	}
}

func (r *WSRunner) session(ctx context.Context) error {
	header := http.Header{}
	if r.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+r.cfg.Token)
	}
	ws, _, err := r.dialer.DialContext(ctx, r.cfg.ServerURL, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer ws.Close()

	resp, err := r.register(ws)
	if err != nil {
		return err
	}
	logger.Infof("[WSRunner] Registered with server %s, session: %s", resp.ServerID, resp.SessionID)

	out := r.attach(resp.SessionID, resp.ServerID)
	defer r.detach(out)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ws.SetPingHandler(func(data string) error {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	readErr := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		readErr <- r.readLoop(sessCtx, ws)
	}()

	err = r.writeLoop(sessCtx, ws, out, done)
	cancel()
	ws.Close()
	<-done
	if rerr := <-readErr; err == nil {
		err = rerr
	}
	return err
}

func (r *WSRunner) register(ws *websocket.Conn) (*protocol.AgentRegisteredResponse, error) {
	env, err := protocol.NewEnvelope(protocol.KindAgentRegister, protocol.AgentRegisterRequest{
		AgentID: r.cfg.AgentID,
		Capabilities: protocol.AgentCapabilities{
			MaxConcurrentTasks: r.cfg.MaxConcurrentTasks,
			Labels:             models.Labels(r.cfg.Labels),
			Metadata:           r.cfg.Metadata,
		},
		Address: r.cfg.Name,
		Token:   r.cfg.Token,
	})
	if err != nil {
		return nil, err
	}

	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteJSON(env); err != nil {
		return nil, fmt.Errorf("send register: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(registerTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("await registration: %w", err)
	}
	reply, err := protocol.ParseEnvelope(data)
	if err != nil {
		return nil, err
	}
	if reply.Kind != protocol.KindAgentRegistered {
		return nil, fmt.Errorf("expected %s, got %s", protocol.KindAgentRegistered, reply.Kind)
	}
	var resp protocol.AgentRegisteredResponse
	if err := reply.Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (r *WSRunner) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			logger.Warnf("[WSRunner] Malformed frame dropped: %v", err)
			continue
		}
		if r.handler != nil {
			r.handler.HandleCommand(ctx, env)
		}
	}
}

// writeLoop is the only writer of ws; it also sends heartbeats.
func (r *WSRunner) writeLoop(ctx context.Context, ws *websocket.Conn, out <-chan *protocol.Envelope, done <-chan struct{}) error {
	heartbeat := time.NewTicker(r.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	write := func(env *protocol.Envelope) error {
		ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		return ws.WriteJSON(env)
	}

	for {
		select {
		case <-ctx.Done():
			for drained := false; !drained; {
				select {
				case env := <-out:
					if err := write(env); err != nil {
						drained = true
					}
				default:
					drained = true
				}
			}
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent stopping"),
				time.Now().Add(writeTimeout))
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return nil
		case <-done:
			return nil
		case env := <-out:
			if err := write(env); err != nil {
				if retainable(env) {
					r.mu.Lock()
					r.retainLocked(env)
					r.mu.Unlock()
				}
				return fmt.Errorf("write %s: %w", env.Kind, err)
			}
			r.refill()
		case <-heartbeat.C:
			env, err := protocol.NewEnvelope(protocol.KindAgentHeartbeat, r.heartbeat())
			if err != nil {
				return err
			}
			if err := write(env); err != nil {
				return fmt.Errorf("write heartbeat: %w", err)
			}
			r.refill()
		}
	}
}

func (r *WSRunner) heartbeat() protocol.HeartbeatRequest {
	load := r.load.LoadFactor()
	status := models.AgentStatusOnline
	if load >= r.cfg.LoadThreshold {
		status = models.AgentStatusBusy
	}
	return protocol.HeartbeatRequest{
		AgentID:           r.cfg.AgentID,
		Status:            status,
		RunningTasks:      r.load.Count(),
		AvailableCapacity: r.load.AvailableCapacity(),
		LoadFactor:        load,
		Timestamp:         protocol.NowMillis(),
	}
}

package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/hetuflow/hetuflow/internal/protocol"
	"github.com/hetuflow/hetuflow/pkg/logger"
)

type AgentEventKind string

const (
	EventRegistered          AgentEventKind = "registered"
	EventUnregistered        AgentEventKind = "unregistered"
	EventHeartbeat           AgentEventKind = "heartbeat"
	EventPollRequest         AgentEventKind = "poll_request"
	EventTaskInstanceChanged AgentEventKind = "task_instance_changed"
	EventTaskLog             AgentEventKind = "task_log"
)

// AgentEvent is published for every registration change and routed agent
// message. Only the field matching Kind is set.
type AgentEvent struct {
	Kind      AgentEventKind
	AgentID   string
	SessionID string
	At        time.Time

	Register  *protocol.AgentRegisterRequest
	Heartbeat *protocol.HeartbeatRequest
	Poll      *protocol.TaskPollRequest
	Update    *protocol.TaskInstanceUpdated
	Logs      *protocol.TaskLogBatch
	Reason    string
}

const defaultEventBuffer = 1024

// ConnectionManager is the only owner of live agent sessions.
type ConnectionManager struct {
	mu    sync.RWMutex
	conns map[string]*AgentConnection

	subMu sync.RWMutex
	subs  map[string]chan AgentEvent
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		conns: make(map[string]*AgentConnection),
		subs:  make(map[string]chan AgentEvent),
	}
}

// Register installs conn and returns the session it replaced, already closed.
func (m *ConnectionManager) Register(conn *AgentConnection) *AgentConnection {
	m.mu.Lock()
	prev := m.conns[conn.AgentID]
	m.conns[conn.AgentID] = conn
	m.mu.Unlock()

	if prev != nil {
		prev.Close()
		logger.Infof("[Gateway] Agent %s reconnected, replaced session %s", conn.AgentID, prev.SessionID)
	}
	return prev
}

// Unregister removes the agent when sessionID is still its current session
// and publishes EventUnregistered. A stale session is ignored.
func (m *ConnectionManager) Unregister(agentID, sessionID, reason string) bool {
	m.mu.Lock()
	conn, ok := m.conns[agentID]
	if !ok || conn.SessionID != sessionID {
		m.mu.Unlock()
		return false
	}
	delete(m.conns, agentID)
	m.mu.Unlock()

	conn.Close()
	m.Publish(AgentEvent{Kind: EventUnregistered, AgentID: agentID, SessionID: sessionID, Reason: reason})
	logger.Infof("[Gateway] Agent %s disconnected: %s", agentID, reason)
	return true
}

func (m *ConnectionManager) Get(agentID string) (*AgentConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[agentID]
	return conn, ok
}

func (m *ConnectionManager) SendToAgent(agentID string, env *protocol.Envelope) error {
	conn, ok := m.Get(agentID)
	if !ok {
		return newError(KindConnectionNotFound, agentID, nil, "agent not connected")
	}
	return conn.Send(env)
}

// SendCommand wraps payload in a command envelope and queues it for agentID.
func (m *ConnectionManager) SendCommand(agentID string, kind protocol.MessageKind, payload interface{}) (*protocol.Envelope, error) {
	if !kind.IsCommand() {
		return nil, newError(KindMessageRoutingFailed, agentID, nil, "%q is not a command", kind)
	}
	env, err := protocol.NewEnvelope(kind, payload)
	if err != nil {
		return nil, newError(KindSerialization, agentID, err, "encode %s", kind)
	}
	if err := m.SendToAgent(agentID, env); err != nil {
		return nil, err
	}
	return env, nil
}

// Broadcast queues env on every session and returns the agents that could
// not take it.
func (m *ConnectionManager) Broadcast(env *protocol.Envelope) []string {
	var failed []string
	for _, conn := range m.snapshot() {
		if err := conn.Send(env); err != nil {
			failed = append(failed, conn.AgentID)
		}
	}
	return failed
}

func (m *ConnectionManager) snapshot() []*AgentConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*AgentConnection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

// OnlineAgents returns the ids of connected agents, sorted.
func (m *ConnectionManager) OnlineAgents() []string {
	var ids []string
	for _, c := range m.snapshot() {
		if c.IsOnline() {
			ids = append(ids, c.AgentID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *ConnectionManager) OnlineCount() int {
	return len(m.OnlineAgents())
}

func (m *ConnectionManager) IsOnline(agentID string) bool {
	conn, ok := m.Get(agentID)
	return ok && conn.IsOnline()
}

// SelectBestAgent prefers the fewest consecutive failures, then the fewest
// tasks handled. Returns nil when no agent is connected.
func (m *ConnectionManager) SelectBestAgent() *AgentConnection {
	var best *AgentConnection
	var bestStats ReliabilityStats
	for _, c := range m.snapshot() {
		if !c.IsOnline() {
			continue
		}
		s := c.Stats()
		if best == nil ||
			s.ConsecutiveFailures < bestStats.ConsecutiveFailures ||
			(s.ConsecutiveFailures == bestStats.ConsecutiveFailures && s.TotalTasks < bestStats.TotalTasks) ||
			(s.ConsecutiveFailures == bestStats.ConsecutiveFailures && s.TotalTasks == bestStats.TotalTasks && c.AgentID < best.AgentID) {
			best, bestStats = c, s
		}
	}
	return best
}

// CleanupStale drops sessions whose last heartbeat is older than maxIdle.
func (m *ConnectionManager) CleanupStale(maxIdle time.Duration) []string {
	cutoff := time.Now().Add(-maxIdle)
	var removed []string
	for _, c := range m.snapshot() {
		if c.LastHeartbeat().Before(cutoff) && m.Unregister(c.AgentID, c.SessionID, "heartbeat timeout") {
			removed = append(removed, c.AgentID)
		}
	}
	return removed
}

// Subscribe returns a buffered channel receiving every published event.
func (m *ConnectionManager) Subscribe(name string) <-chan AgentEvent {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if old, ok := m.subs[name]; ok {
		close(old)
	}
	ch := make(chan AgentEvent, defaultEventBuffer)
	m.subs[name] = ch
	return ch
}

func (m *ConnectionManager) Unsubscribe(name string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if ch, ok := m.subs[name]; ok {
		close(ch)
		delete(m.subs, name)
	}
}

// Publish never blocks. It returns false when a subscriber dropped the event.
func (m *ConnectionManager) Publish(event AgentEvent) bool {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	delivered := true
	for name, ch := range m.subs {
		select {
		case ch <- event:
		default:
			delivered = false
			logger.Warn().Str("subscriber", name).Str("kind", string(event.Kind)).Str("agent", event.AgentID).
				Msg("[Gateway] Event dropped, subscriber buffer full")
		}
	}
	return delivered
}

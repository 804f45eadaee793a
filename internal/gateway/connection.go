package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hetuflow/hetuflow/internal/protocol"
)

const maxPendingAcks = 1024

// ReliabilityStats tracks how well an agent answers dispatched work.
type ReliabilityStats struct {
	TotalTasks          int64     `json:"total_tasks"`
	SuccessTasks        int64     `json:"success_tasks"`
	FailedTasks         int64     `json:"failed_tasks"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	AvgResponseMs       float64   `json:"avg_response_ms"`
	LastSuccessAt       time.Time `json:"last_success_at"`
}

// AgentConnection is one live agent session. Commands are queued on out and
// written to the socket by the session's single writer goroutine.
type AgentConnection struct {
	AgentID      string
	SessionID    string
	Address      string
	Capabilities protocol.AgentCapabilities
	ConnectedAt  time.Time

	lastHeartbeatMs atomic.Int64
	runningTasks    atomic.Int32
	loadFactor      atomic.Uint64 // percent

	mu      sync.Mutex
	stats   ReliabilityStats
	pending map[string]time.Time

	out       chan *protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func NewAgentConnection(agentID, sessionID, address string, caps protocol.AgentCapabilities, buffer int) *AgentConnection {
	if buffer <= 0 {
		buffer = 256
	}
	now := time.Now()
	c := &AgentConnection{
		AgentID:      agentID,
		SessionID:    sessionID,
		Address:      address,
		Capabilities: caps,
		ConnectedAt:  now,
		pending:      make(map[string]time.Time),
		out:          make(chan *protocol.Envelope, buffer),
		done:         make(chan struct{}),
	}
	c.lastHeartbeatMs.Store(now.UnixMilli())
	return c
}

// Send queues env without blocking. A full buffer is an AsyncQueueError.
func (c *AgentConnection) Send(env *protocol.Envelope) error {
	select {
	case <-c.done:
		return newError(KindConnectionNotFound, c.AgentID, nil, "session %s closed", c.SessionID)
	default:
	}
	select {
	case c.out <- env:
		if env.Kind == protocol.KindDispatchTask {
			c.trackPending(env.MessageID)
		}
		return nil
	case <-c.done:
		return newError(KindConnectionNotFound, c.AgentID, nil, "session %s closed", c.SessionID)
	default:
		return newError(KindAsyncQueue, c.AgentID, nil, "send buffer full (%d)", cap(c.out))
	}
}

func (c *AgentConnection) Outbound() <-chan *protocol.Envelope { return c.out }

func (c *AgentConnection) Done() <-chan struct{} { return c.done }

func (c *AgentConnection) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *AgentConnection) IsOnline() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// UpdateHeartbeat records liveness and load. A heartbeat also clears the
// consecutive failure streak.
func (c *AgentConnection) UpdateHeartbeat(req *protocol.HeartbeatRequest) {
	c.lastHeartbeatMs.Store(time.Now().UnixMilli())
	if req != nil {
		c.runningTasks.Store(int32(req.RunningTasks))
		c.loadFactor.Store(uint64(req.LoadFactor * 100))
	}
	c.mu.Lock()
	c.stats.ConsecutiveFailures = 0
	c.mu.Unlock()
}

func (c *AgentConnection) LastHeartbeat() time.Time {
	return time.UnixMilli(c.lastHeartbeatMs.Load())
}

func (c *AgentConnection) RunningTasks() int { return int(c.runningTasks.Load()) }

func (c *AgentConnection) LoadFactor() float64 { return float64(c.loadFactor.Load()) / 100 }

func (c *AgentConnection) trackPending(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) >= maxPendingAcks {
		cutoff := time.Now().Add(-time.Minute)
		for id, at := range c.pending {
			if at.Before(cutoff) {
				delete(c.pending, id)
			}
		}
	}
	c.pending[messageID] = time.Now()
}

// Acknowledge resolves a pending dispatch. Unknown message ids are ignored.
func (c *AgentConnection) Acknowledge(messageID string, ok bool) {
	c.mu.Lock()
	sentAt, found := c.pending[messageID]
	delete(c.pending, messageID)
	c.mu.Unlock()
	if !found {
		return
	}
	if ok {
		c.RecordSuccess(time.Since(sentAt))
	} else {
		c.RecordFailure()
	}
}

func (c *AgentConnection) RecordSuccess(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.TotalTasks++
	c.stats.SuccessTasks++
	c.stats.ConsecutiveFailures = 0
	c.stats.LastSuccessAt = time.Now()
	ms := float64(d.Milliseconds())
	if c.stats.SuccessTasks == 1 {
		c.stats.AvgResponseMs = ms
	} else {
		c.stats.AvgResponseMs = (c.stats.AvgResponseMs*float64(c.stats.SuccessTasks-1) + ms) / float64(c.stats.SuccessTasks)
	}
}

func (c *AgentConnection) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.TotalTasks++
	c.stats.FailedTasks++
	c.stats.ConsecutiveFailures++
}

func (c *AgentConnection) Stats() ReliabilityStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

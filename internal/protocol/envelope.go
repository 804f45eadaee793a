// Package protocol defines the JSON messages exchanged between agents and
// servers over the gateway websocket.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageKind discriminates the payload carried by an Envelope.
type MessageKind string

// Server -> agent commands.
const (
	KindShutdown        MessageKind = "shutdown"
	KindUpdateConfig    MessageKind = "update_config"
	KindClearCache      MessageKind = "clear_cache"
	KindFetchMetrics    MessageKind = "fetch_metrics"
	KindAgentRegistered MessageKind = "agent_registered"
	KindDispatchTask    MessageKind = "dispatch_task"
	KindCancelTask      MessageKind = "cancel_task"
	KindLogForward      MessageKind = "log_forward"
)

// Agent -> server events.
const (
	KindAck              MessageKind = "ack"
	KindNack             MessageKind = "nack"
	KindAgentRegister    MessageKind = "agent_register"
	KindAgentHeartbeat   MessageKind = "agent_heartbeat"
	KindPollTaskRequest  MessageKind = "poll_task_request"
	KindTaskChangedEvent MessageKind = "task_changed_event"
	KindTaskLog          MessageKind = "task_log"
)

var commandKinds = map[MessageKind]bool{
	KindShutdown: true, KindUpdateConfig: true, KindClearCache: true, KindFetchMetrics: true,
	KindAgentRegistered: true, KindDispatchTask: true, KindCancelTask: true, KindLogForward: true,
}

var eventKinds = map[MessageKind]bool{
	KindAck: true, KindNack: true, KindAgentRegister: true, KindAgentHeartbeat: true,
	KindPollTaskRequest: true, KindTaskChangedEvent: true, KindTaskLog: true,
}

// IsCommand reports whether k travels server -> agent.
func (k MessageKind) IsCommand() bool { return commandKinds[k] }

// IsEvent reports whether k travels agent -> server.
func (k MessageKind) IsEvent() bool { return eventKinds[k] }

// Envelope is the single frame type on the wire.
type Envelope struct {
	MessageID string          `json:"message_id"`
	Timestamp int64           `json:"timestamp"` // epoch millis
	Kind      MessageKind     `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into a fresh envelope.
func NewEnvelope(kind MessageKind, payload interface{}) (*Envelope, error) {
	env := &Envelope{
		MessageID: uuid.New().String(),
		Timestamp: NowMillis(),
		Kind:      kind,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		env.Payload = data
	}
	return env, nil
}

// Decode unmarshals the payload into out.
func (e *Envelope) Decode(out interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// ParseEnvelope decodes a raw frame.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Kind == "" {
		return nil, fmt.Errorf("envelope %q has no kind", env.MessageID)
	}
	return &env, nil
}

// NowMillis returns the current wall clock in epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

package protocol

import (
	"github.com/hetuflow/hetuflow/internal/models"
)

type AgentCapabilities struct {
	MaxConcurrentTasks int               `json:"max_concurrent_tasks"`
	Labels             models.Labels     `json:"labels"`
	Metadata           map[string]string `json:"metadata"`
}

// AgentRegisterRequest is the first frame an agent sends after connecting.
type AgentRegisterRequest struct {
	AgentID      string            `json:"agent_id"`
	Capabilities AgentCapabilities `json:"capabilities"`
	Address      string            `json:"address"`
	Token        string            `json:"token"`
}

// AgentRegisteredResponse acknowledges registration.
type AgentRegisteredResponse struct {
	SessionID  string            `json:"session_id"`
	ServerID   string            `json:"server_id"`
	ServerTime int64             `json:"server_time"`
	Config     map[string]string `json:"config,omitempty"`
}

type HeartbeatRequest struct {
	AgentID           string             `json:"agent_id"`
	Status            models.AgentStatus `json:"status"`
	RunningTasks      int                `json:"running_tasks"`
	AvailableCapacity int                `json:"available_capacity"`
	LoadFactor        float64            `json:"load_factor"`
	Timestamp         int64              `json:"timestamp"`
}

// TaskPollRequest primes the server with what this agent can accept now.
type TaskPollRequest struct {
	AgentID           string        `json:"agent_id"`
	MaxTasks          int           `json:"max_tasks"`
	Labels            models.Labels `json:"labels"`
	AvailableCapacity int           `json:"available_capacity"`
}

// DispatchTaskRequest carries a claimed task and the instance created for it.
type DispatchTaskRequest struct {
	TaskInstanceID string           `json:"task_instance_id"`
	Task           models.SchedTask `json:"task"`
}

type CancelTaskRequest struct {
	TaskInstanceID string `json:"task_instance_id"`
	TaskID         string `json:"task_id"`
	Reason         string `json:"reason"`
}

type ShutdownRequest struct {
	Reason   string `json:"reason"`
	Graceful bool   `json:"graceful"`
}

// TaskInstanceUpdated reports a status change of one task instance. The
// server orders updates per instance by Timestamp, not by arrival.
type TaskInstanceUpdated struct {
	TaskInstanceID string                    `json:"task_instance_id"`
	TaskID         string                    `json:"task_id"`
	AgentID        string                    `json:"agent_id"`
	Status         models.TaskInstanceStatus `json:"status"`
	Timestamp      int64                     `json:"timestamp"` // epoch millis
	Output         string                    `json:"output,omitempty"`
	ErrorMessage   string                    `json:"error_message,omitempty"`
	ExitCode       *int                      `json:"exit_code,omitempty"`
	Metrics        *models.TaskMetrics       `json:"metrics,omitempty"`
	Progress       float64                   `json:"progress,omitempty"`
}

// LogStream names the child output stream a log line came from.
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
)

// LogEntry is one output line. Sequence is monotonic per task instance.
type LogEntry struct {
	Sequence  uint64    `json:"sequence"`
	Stream    LogStream `json:"stream"`
	Line      string    `json:"line"`
	Timestamp int64     `json:"timestamp"`
}

type TaskLogBatch struct {
	TaskInstanceID string     `json:"task_instance_id"`
	TaskID         string     `json:"task_id"`
	AgentID        string     `json:"agent_id"`
	Entries        []LogEntry `json:"entries"`
}

// AckPayload answers a message by id. Nack carries the failure reason.
type AckPayload struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

// GatewayCommand is the admin request to push an arbitrary command.
type GatewayCommand struct {
	AgentID string         `json:"agent_id" binding:"required"`
	Kind    MessageKind    `json:"kind" binding:"required"`
	Params  map[string]any `json:"params"`
}

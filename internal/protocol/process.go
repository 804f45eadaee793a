package protocol

import (
	"time"

	"github.com/hetuflow/hetuflow/internal/models"
)

// ProcessEventKind classifies a child process lifecycle event.
type ProcessEventKind string

const (
	ProcessStarted           ProcessEventKind = "started"
	ProcessExited            ProcessEventKind = "exited"
	ProcessSigterm           ProcessEventKind = "sigterm"
	ProcessSigkill           ProcessEventKind = "sigkill"
	ProcessResourceViolation ProcessEventKind = "resource_violation"
	ProcessBecameZombie      ProcessEventKind = "became_zombie"
)

// IsTerminal reports whether the event ends the process lifecycle.
func (k ProcessEventKind) IsTerminal() bool {
	return k != ProcessStarted
}

// ProcessStatus is the supervisor's view of a child process.
type ProcessStatus string

const (
	ProcessStatusRunning ProcessStatus = "running"
	ProcessStatusExited  ProcessStatus = "exited"
	ProcessStatusKilled  ProcessStatus = "killed"
	ProcessStatusZombie  ProcessStatus = "zombie"
	ProcessStatusTimeout ProcessStatus = "timeout"
)

// KillReason records why the supervisor terminated a process.
type KillReason string

const (
	KillReasonNone     KillReason = ""
	KillReasonCancel   KillReason = "cancelled"
	KillReasonTimeout  KillReason = "timeout"
	KillReasonShutdown KillReason = "shutdown"
)

// ProcessEvent is emitted by the supervisor for every lifecycle change.
// Exactly one terminal event is emitted per started process.
type ProcessEvent struct {
	InstanceID string           `json:"instance_id"`
	TaskID     string           `json:"task_id"`
	Kind       ProcessEventKind `json:"kind"`
	PID        int              `json:"pid"`
	ExitCode   *int             `json:"exit_code,omitempty"`
	Reason     KillReason       `json:"reason,omitempty"`
	Message    string           `json:"message,omitempty"`
	Output     string           `json:"output,omitempty"`
	At         time.Time        `json:"at"`
}

// InstanceStatus maps a process event onto the reported task instance status.
func (e ProcessEvent) InstanceStatus() models.TaskInstanceStatus {
	switch e.Kind {
	case ProcessStarted:
		return models.InstanceStatusRunning
	case ProcessExited:
		if e.ExitCode != nil && *e.ExitCode != 0 {
			return models.InstanceStatusFailed
		}
		return models.InstanceStatusSucceeded
	case ProcessSigterm, ProcessSigkill:
		switch e.Reason {
		case KillReasonTimeout:
			return models.InstanceStatusTimeout
		case KillReasonCancel:
			return models.InstanceStatusCancelled
		}
		return models.InstanceStatusFailed
	default:
		return models.InstanceStatusFailed
	}
}

// ToUpdate converts a process event into the wire status report.
func (e ProcessEvent) ToUpdate(agentID string) *TaskInstanceUpdated {
	update := &TaskInstanceUpdated{
		TaskInstanceID: e.InstanceID,
		TaskID:         e.TaskID,
		AgentID:        agentID,
		Status:         e.InstanceStatus(),
		Timestamp:      e.At.UnixMilli(),
		ExitCode:       e.ExitCode,
		Output:         e.Output,
	}
	if update.Status != models.InstanceStatusRunning && update.Status != models.InstanceStatusSucceeded {
		update.ErrorMessage = e.Message
		if update.ErrorMessage == "" {
			update.ErrorMessage = string(e.Kind)
		}
	}
	if update.Status == models.InstanceStatusSucceeded {
		update.Progress = 1
	}
	return update
}

package models

import "strconv"

// TaskStatus is the lifecycle state of a SchedTask.
type TaskStatus int32

const (
	TaskStatusPending      TaskStatus = 1
	TaskStatusLocked       TaskStatus = 10
	TaskStatusDispatched   TaskStatus = 20
	TaskStatusWaitingRetry TaskStatus = 30
	TaskStatusFailed       TaskStatus = 90
	TaskStatusCancelled    TaskStatus = 99
	TaskStatusSucceeded    TaskStatus = 100
)

var taskStatusNames = map[TaskStatus]string{
	TaskStatusPending:      "pending",
	TaskStatusLocked:       "locked",
	TaskStatusDispatched:   "dispatched",
	TaskStatusWaitingRetry: "waiting_retry",
	TaskStatusFailed:       "failed",
	TaskStatusCancelled:    "cancelled",
	TaskStatusSucceeded:    "succeeded",
}

func (s TaskStatus) String() string {
	if name, ok := taskStatusNames[s]; ok {
		return name
	}
	return "task_status(" + strconv.Itoa(int(s)) + ")"
}

// IsTerminal reports whether no further transition is expected without
// outside intervention. Failed is terminal only once retries are exhausted,
// which the retry sweep decides, so it is listed here as well.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusCancelled || s == TaskStatusFailed
}

// taskTransitions lists every legal status change. Reclaim edges back to
// Pending are included for Locked, Dispatched and WaitingRetry.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:      {TaskStatusLocked, TaskStatusCancelled},
	TaskStatusLocked:       {TaskStatusDispatched, TaskStatusCancelled, TaskStatusPending},
	TaskStatusDispatched:   {TaskStatusWaitingRetry, TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled, TaskStatusPending},
	TaskStatusWaitingRetry: {TaskStatusLocked, TaskStatusPending, TaskStatusCancelled},
	TaskStatusFailed:       {TaskStatusPending},
}

// CanTransitionTo reports whether s -> next is a legal transition.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PredecessorsOf returns every status from which next may be entered.
func PredecessorsOf(next TaskStatus) []TaskStatus {
	var out []TaskStatus
	for from, tos := range taskTransitions {
		for _, to := range tos {
			if to == next {
				out = append(out, from)
			}
		}
	}
	return out
}

// TaskInstanceStatus is the state of one execution attempt on an agent.
type TaskInstanceStatus int32

const (
	InstanceStatusPending    TaskInstanceStatus = 1
	InstanceStatusDispatched TaskInstanceStatus = 5
	InstanceStatusRunning    TaskInstanceStatus = 10
	InstanceStatusTimeout    TaskInstanceStatus = 20
	InstanceStatusPaused     TaskInstanceStatus = 30
	InstanceStatusSkipped    TaskInstanceStatus = 40
	InstanceStatusFailed     TaskInstanceStatus = 90
	InstanceStatusCancelled  TaskInstanceStatus = 99
	InstanceStatusSucceeded  TaskInstanceStatus = 100
)

var instanceStatusNames = map[TaskInstanceStatus]string{
	InstanceStatusPending:    "pending",
	InstanceStatusDispatched: "dispatched",
	InstanceStatusRunning:    "running",
	InstanceStatusTimeout:    "timeout",
	InstanceStatusPaused:     "paused",
	InstanceStatusSkipped:    "skipped",
	InstanceStatusFailed:     "failed",
	InstanceStatusCancelled:  "cancelled",
	InstanceStatusSucceeded:  "succeeded",
}

func (s TaskInstanceStatus) String() string {
	if name, ok := instanceStatusNames[s]; ok {
		return name
	}
	return "instance_status(" + strconv.Itoa(int(s)) + ")"
}

func (s TaskInstanceStatus) IsValid() bool {
	_, ok := instanceStatusNames[s]
	return ok
}

func (s TaskInstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceStatusTimeout, InstanceStatusSkipped, InstanceStatusFailed, InstanceStatusCancelled, InstanceStatusSucceeded:
		return true
	}
	return false
}

type ScheduleKind int32

const (
	ScheduleKindCron     ScheduleKind = 1
	ScheduleKindInterval ScheduleKind = 2
	ScheduleKindDaemon   ScheduleKind = 3
	ScheduleKindEvent    ScheduleKind = 4
	ScheduleKindFlow     ScheduleKind = 5
)

func (k ScheduleKind) String() string {
	switch k {
	case ScheduleKindCron:
		return "cron"
	case ScheduleKindInterval:
		return "interval"
	case ScheduleKindDaemon:
		return "daemon"
	case ScheduleKindEvent:
		return "event"
	case ScheduleKindFlow:
		return "flow"
	}
	return "schedule_kind(" + strconv.Itoa(int(k)) + ")"
}

type ScheduleStatus int32

const (
	ScheduleStatusCreated  ScheduleStatus = 1
	ScheduleStatusExpired  ScheduleStatus = 98
	ScheduleStatusDisabled ScheduleStatus = 99
	ScheduleStatusEnabled  ScheduleStatus = 100
)

type JobStatus int32

const (
	JobStatusCreated  JobStatus = 1
	JobStatusDisabled JobStatus = 99
	JobStatusEnabled  JobStatus = 100
)

type ServerStatus int32

const (
	ServerStatusInactive ServerStatus = 99
	ServerStatusActive   ServerStatus = 100
)

type AgentStatus int32

const (
	AgentStatusIdle          AgentStatus = 10
	AgentStatusBusy          AgentStatus = 20
	AgentStatusConnecting    AgentStatus = 30
	AgentStatusDisconnecting AgentStatus = 31
	AgentStatusOffline       AgentStatus = 90
	AgentStatusError         AgentStatus = 99
	AgentStatusOnline        AgentStatus = 100
)

// LiveAgentStatuses are the statuses the overdue sweep considers connected.
var LiveAgentStatuses = []AgentStatus{AgentStatusIdle, AgentStatusBusy, AgentStatusOnline}

func (s AgentStatus) String() string {
	switch s {
	case AgentStatusIdle:
		return "idle"
	case AgentStatusBusy:
		return "busy"
	case AgentStatusConnecting:
		return "connecting"
	case AgentStatusDisconnecting:
		return "disconnecting"
	case AgentStatusOffline:
		return "offline"
	case AgentStatusError:
		return "error"
	case AgentStatusOnline:
		return "online"
	}
	return "agent_status(" + strconv.Itoa(int(s)) + ")"
}

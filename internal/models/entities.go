package models

import (
	"time"
)

// Labels are key/value tags. An agent can run a task when the task's labels
// are a subset of the agent's labels.
type Labels map[string]string

// Contains reports whether every entry of required is present in l.
func (l Labels) Contains(required Labels) bool {
	for k, v := range required {
		if got, ok := l[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// DistributedLock is a named lease row with a fencing token.
type DistributedLock struct {
	ID        string    `gorm:"primaryKey;size:100" json:"id"`
	Value     string    `gorm:"size:100;not null" json:"value"`
	Token     int64     `gorm:"not null;default:1" json:"token"`
	LockedAt  time.Time `gorm:"not null" json:"locked_at"`
	ExpiresAt time.Time `gorm:"index;not null" json:"expires_at"`
}

func (DistributedLock) TableName() string { return "distributed_lock" }

// SchedServer is a coordinating server replica.
type SchedServer struct {
	ID              string       `gorm:"primaryKey;size:64" json:"id"`
	Name            string       `gorm:"size:200" json:"name"`
	Address         string       `gorm:"size:200" json:"address"`
	Status          ServerStatus `gorm:"index;not null" json:"status"`
	LastHeartbeatAt time.Time    `gorm:"index" json:"last_heartbeat_at"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

func (SchedServer) TableName() string { return "sched_server" }

// AgentCapabilities is what an agent reports at registration.
type AgentCapabilities struct {
	MaxConcurrentTasks int               `json:"max_concurrent_tasks"`
	Labels             Labels            `json:"labels"`
	Metadata           map[string]string `json:"metadata"`
}

// AgentStatistics is the persisted projection of connection reliability.
type AgentStatistics struct {
	SuccessTasks        uint64  `json:"success_tasks"`
	FailureTasks        uint64  `json:"failure_tasks"`
	TotalTasks          uint64  `json:"total_tasks"`
	AvgResponseMs       float64 `json:"avg_response_ms"`
	LastFailureMs       int64   `json:"last_failure_ms"`
	ConsecutiveFailures uint32  `json:"consecutive_failures"`
}

// SchedAgent is the durable projection of an agent session.
type SchedAgent struct {
	ID              string            `gorm:"primaryKey;size:64" json:"id"`
	Description     string            `gorm:"size:500" json:"description"`
	Address         string            `gorm:"size:200" json:"address"`
	Status          AgentStatus       `gorm:"index;not null" json:"status"`
	Capabilities    AgentCapabilities `gorm:"serializer:json;type:text" json:"capabilities"`
	Statistics      AgentStatistics   `gorm:"serializer:json;type:text" json:"statistics"`
	LastHeartbeatAt time.Time         `gorm:"index" json:"last_heartbeat_at"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func (SchedAgent) TableName() string { return "sched_agent" }

// ResourceLimits caps what a spawned process may consume.
type ResourceLimits struct {
	MaxMemoryMB    uint64 `json:"max_memory_mb,omitempty"`
	MaxCPUSeconds  uint64 `json:"max_cpu_seconds,omitempty"`
	MaxOpenFiles   uint64 `json:"max_open_files,omitempty"`
	MaxOutputBytes uint64 `json:"max_output_bytes,omitempty"`
}

// TaskConfig is copied from the job onto every task so later job edits do
// not affect tasks already generated.
type TaskConfig struct {
	Timeout        uint32          `json:"timeout"`        // seconds
	MaxRetries     uint32          `json:"max_retries"`    // attempts after the first
	RetryInterval  uint32          `json:"retry_interval"` // seconds
	Cmd            string          `json:"cmd"`
	Args           []string        `json:"args"`
	CaptureOutput  bool            `json:"capture_output"`
	MaxOutputSize  uint64          `json:"max_output_size"`
	Labels         Labels          `json:"labels,omitempty"`
	ResourceLimits *ResourceLimits `json:"resource_limits,omitempty"`
}

// SchedJob is a reusable execution definition.
type SchedJob struct {
	ID          string            `gorm:"primaryKey;size:36" json:"id"`
	NamespaceID string            `gorm:"size:100;index;default:default" json:"namespace_id"`
	Name        string            `gorm:"size:200;not null" json:"name"`
	Description string            `gorm:"size:1000" json:"description"`
	Environment map[string]string `gorm:"serializer:json;type:text" json:"environment"`
	Config      TaskConfig        `gorm:"serializer:json;type:text" json:"config"`
	Status      JobStatus         `gorm:"index;not null" json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func (SchedJob) TableName() string { return "sched_job" }

// SchedSchedule binds a cron expression or interval to a job.
type SchedSchedule struct {
	ID             string         `gorm:"primaryKey;size:36" json:"id"`
	JobID          string         `gorm:"size:36;index;not null" json:"job_id"`
	Name           string         `gorm:"size:200" json:"name"`
	Description    string         `gorm:"size:1000" json:"description"`
	ScheduleKind   ScheduleKind   `gorm:"not null" json:"schedule_kind"`
	StartTime      *time.Time     `json:"start_time"`
	EndTime        *time.Time     `json:"end_time"`
	Status         ScheduleStatus `gorm:"index;not null" json:"status"`
	CronExpression string         `gorm:"size:200" json:"cron_expression"`
	IntervalSecs   int            `json:"interval_secs"`
	MaxCount       int            `json:"max_count"` // 0 means unbounded
	GeneratedCount int            `gorm:"not null;default:0" json:"generated_count"`
	Priority       int            `gorm:"not null;default:0" json:"priority"`
	NextRunAt      *time.Time     `gorm:"index" json:"next_run_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (SchedSchedule) TableName() string { return "sched_schedule" }

// SchedTask is one unit of work. (ScheduleID, ScheduledAt) is unique for
// schedule generated tasks; manual and event tasks carry a nil ScheduleID.
type SchedTask struct {
	ID           string            `gorm:"primaryKey;size:36" json:"id"`
	JobID        string            `gorm:"size:36;index;not null" json:"job_id"`
	NamespaceID  string            `gorm:"size:100;default:default" json:"namespace_id"`
	Priority     int               `gorm:"not null;default:0" json:"priority"`
	Status       TaskStatus        `gorm:"index:idx_task_claim,priority:1;not null" json:"status"`
	ScheduleID   *string           `gorm:"size:36;uniqueIndex:uk_task_schedule_time" json:"schedule_id"`
	ScheduledAt  time.Time         `gorm:"uniqueIndex:uk_task_schedule_time;index:idx_task_claim,priority:2;not null" json:"scheduled_at"`
	ScheduleKind ScheduleKind      `gorm:"not null" json:"schedule_kind"`
	CompletedAt  *time.Time        `json:"completed_at"`
	Environment  map[string]string `gorm:"serializer:json;type:text" json:"environment"`
	Parameters   map[string]any    `gorm:"serializer:json;type:text" json:"parameters"`
	Config       TaskConfig        `gorm:"serializer:json;type:text" json:"config"`
	RetryCount   int               `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries   int               `gorm:"not null;default:0" json:"max_retries"`
	Dependencies []string          `gorm:"serializer:json;type:text" json:"dependencies"`
	LockedAt     *time.Time        `json:"locked_at"`
	LockVersion  int               `gorm:"not null;default:0" json:"lock_version"`
	AgentID      *string           `gorm:"size:64;index" json:"agent_id"`
	ServerID     *string           `gorm:"size:64;index" json:"server_id"`
	InstanceID   *string           `gorm:"size:36" json:"instance_id"` // current attempt
	ErrorMessage string            `gorm:"type:text" json:"error_message"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `gorm:"index" json:"updated_at"`
}

func (SchedTask) TableName() string { return "sched_task" }

// TaskMetrics are resource figures reported by the agent for one attempt.
type TaskMetrics struct {
	CPUTimeSecs float64 `json:"cpu_time"`
	MemoryPeak  uint64  `json:"memory_peak"`
	DiskRead    uint64  `json:"disk_read"`
	DiskWrite   uint64  `json:"disk_write"`
}

// SchedTaskInstance is one execution attempt of a task on an agent.
type SchedTaskInstance struct {
	ID           string             `gorm:"primaryKey;size:36" json:"id"`
	TaskID       string             `gorm:"size:36;index;not null" json:"task_id"`
	JobID        string             `gorm:"size:36;index;not null" json:"job_id"`
	AgentID      string             `gorm:"size:64;index" json:"agent_id"`
	Status       TaskInstanceStatus `gorm:"index;not null" json:"status"`
	StartedAt    *time.Time         `json:"started_at"`
	CompletedAt  *time.Time         `json:"completed_at"`
	Output       string             `gorm:"type:text" json:"output"`
	ErrorMessage string             `gorm:"type:text" json:"error_message"`
	ExitCode     *int               `json:"exit_code"`
	Metrics      *TaskMetrics       `gorm:"serializer:json;type:text" json:"metrics"`
	Progress     float64            `json:"progress"`
	ReportedAtMs int64              `gorm:"not null;default:0" json:"reported_at_ms"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

func (SchedTaskInstance) TableName() string { return "sched_task_instance" }

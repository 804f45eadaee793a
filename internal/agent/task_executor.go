package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hetuflow/hetuflow/internal/config"
	"github.com/hetuflow/hetuflow/internal/models"
	"github.com/hetuflow/hetuflow/internal/protocol"
	"github.com/hetuflow/hetuflow/pkg/logger"
)

const dispatchDedupSize = 4096

// Sender queues an envelope for the server.
type Sender interface {
	Send(kind protocol.MessageKind, payload interface{}) error
	Connected() bool
}

// TaskExecutor handles the commands the server pushes to this agent.
type TaskExecutor struct {
	cfg        *config.AgentConfig
	supervisor *ProcessSupervisor
	sender     Sender
	seen       *lru.Cache[string, time.Time]
	onShutdown func(graceful bool)
	now        func() time.Time
}

func NewTaskExecutor(cfg *config.AgentConfig, supervisor *ProcessSupervisor, sender Sender, onShutdown func(graceful bool)) (*TaskExecutor, error) {
	seen, err := lru.New[string, time.Time](dispatchDedupSize)
	if err != nil {
		return nil, fmt.Errorf("dispatch deduper init: %w", err)
	}
	return &TaskExecutor{
		cfg:        cfg,
		supervisor: supervisor,
		sender:     sender,
		seen:       seen,
		onShutdown: onShutdown,
		now:        time.Now,
	}, nil
}

// HandleCommand processes one server command and answers it with Ack or
// Nack.
func (e *TaskExecutor) HandleCommand(ctx context.Context, env *protocol.Envelope) {
	var err error
	switch env.Kind {
	case protocol.KindDispatchTask:
		err = e.dispatch(ctx, env)
	case protocol.KindCancelTask:
		err = e.cancel(env)
	case protocol.KindShutdown:
		var req protocol.ShutdownRequest
		if len(env.Payload) > 0 {
			err = env.Decode(&req)
		}
		if err == nil {
			logger.Infof("[Executor] Shutdown requested: %s (graceful: %v)", req.Reason, req.Graceful)
			e.reply(env.MessageID, nil)
			if e.onShutdown != nil {
				e.onShutdown(req.Graceful)
			}
			return
		}
	case protocol.KindClearCache:
		e.seen.Purge()
	case protocol.KindUpdateConfig, protocol.KindFetchMetrics, protocol.KindLogForward:
		logger.Infof("[Executor] %s accepted", env.Kind)
	case protocol.KindAgentRegistered:
		return
	default:
		err = fmt.Errorf("unsupported command %q", env.Kind)
	}
	e.reply(env.MessageID, err)
}

func (e *TaskExecutor) reply(messageID string, err error) {
	kind := protocol.KindAck
	ack := protocol.AckPayload{MessageID: messageID}
	if err != nil {
		kind = protocol.KindNack
		ack.Error = err.Error()
	}
	if sendErr := e.sender.Send(kind, ack); sendErr != nil {
		logger.Debugf("[Executor] %s for %s not sent: %v", kind, messageID, sendErr)
	}
}

func (e *TaskExecutor) dispatch(ctx context.Context, env *protocol.Envelope) error {
	var req protocol.DispatchTaskRequest
	if err := env.Decode(&req); err != nil {
		return err
	}
	if req.TaskInstanceID == "" {
		return errors.New("task_instance_id is required")
	}

	if seen, _ := e.seen.ContainsOrAdd(req.TaskInstanceID, e.now()); seen {
		logger.Infof("[Executor] Duplicate dispatch of instance %s ignored", req.TaskInstanceID)
		return nil
	}

	if e.supervisor.AvailableCapacity() <= 0 {
		e.reportFailed(&req, ErrAtCapacity.Error())
		return nil
	}

	spec := SpecFromDispatch(&req, e.cfg)
	if _, err := e.supervisor.Spawn(ctx, spec); err != nil {
		if errors.Is(err, ErrAtCapacity) {
			e.reportFailed(&req, ErrAtCapacity.Error())
			return nil
		}
		e.reportFailed(&req, err.Error())
		return err
	}
	return nil
}

func (e *TaskExecutor) reportFailed(req *protocol.DispatchTaskRequest, msg string) {
	logger.Warnf("[Executor] Instance %s rejected: %s", req.TaskInstanceID, msg)
	err := e.sender.Send(protocol.KindTaskChangedEvent, &protocol.TaskInstanceUpdated{
		TaskInstanceID: req.TaskInstanceID,
		TaskID:         req.Task.ID,
		AgentID:        e.cfg.Agent.AgentID,
		Status:         models.InstanceStatusFailed,
		Timestamp:      e.now().UnixMilli(),
		ErrorMessage:   msg,
	})
	if err != nil {
		logger.Warnf("[Executor] Failure report for %s not sent: %v", req.TaskInstanceID, err)
	}
}

func (e *TaskExecutor) cancel(env *protocol.Envelope) error {
	var req protocol.CancelTaskRequest
	if err := env.Decode(&req); err != nil {
		return err
	}
	logger.Infof("[Executor] Cancelling instance %s: %s", req.TaskInstanceID, req.Reason)
	err := e.supervisor.Kill(req.TaskInstanceID, protocol.KillReasonCancel)
	if errors.Is(err, ErrProcessNotFound) {
		// already finished; its terminal report is on the way
		return nil
	}
	return err
}

// SpecFromDispatch builds the process spec of a dispatched task. Each task
// runs in <work_dir>/<job_id>/<task_id>.
func SpecFromDispatch(req *protocol.DispatchTaskRequest, cfg *config.AgentConfig) ProcessSpec {
	task := &req.Task

	timeout := cfg.Process.DefaultTimeout
	if task.Config.Timeout > 0 {
		timeout = time.Duration(task.Config.Timeout) * time.Second
	}
	maxOutput := cfg.Process.MaxOutputSize
	if task.Config.MaxOutputSize > 0 {
		maxOutput = int64(task.Config.MaxOutputSize)
	}
	if l := task.Config.ResourceLimits; l != nil && l.MaxOutputBytes > 0 && (maxOutput == 0 || int64(l.MaxOutputBytes) < maxOutput) {
		maxOutput = int64(l.MaxOutputBytes)
	}

	env := make(map[string]string, len(task.Environment)+4)
	for k, v := range task.Environment {
		env[k] = v
	}
	env["HETUFLOW_TASK_ID"] = task.ID
	env["HETUFLOW_TASK_INSTANCE_ID"] = req.TaskInstanceID
	env["HETUFLOW_JOB_ID"] = task.JobID
	if len(task.Parameters) > 0 {
		if data, err := json.Marshal(task.Parameters); err == nil {
			env["HETUFLOW_PARAMETERS"] = string(data)
		}
	}

	workDir := ""
	if cfg.Agent.WorkDir != "" {
		workDir = filepath.Join(cfg.Agent.WorkDir, task.JobID, task.ID)
	}

	return ProcessSpec{
		InstanceID:    req.TaskInstanceID,
		TaskID:        task.ID,
		JobID:         task.JobID,
		Cmd:           task.Config.Cmd,
		Args:          task.Config.Args,
		Env:           env,
		WorkDir:       workDir,
		Timeout:       timeout,
		Limits:        task.Config.ResourceLimits,
		MaxOutput:     maxOutput,
		CaptureOutput: task.Config.CaptureOutput,
	}
}

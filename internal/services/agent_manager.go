package services

import (
	"context"
	"errors"

	"github.com/hetuflow/hetuflow/internal/gateway"
	"github.com/hetuflow/hetuflow/internal/models"
	"github.com/hetuflow/hetuflow/internal/protocol"
	"github.com/hetuflow/hetuflow/pkg/logger"
)

const agentManagerSubscriber = "agent_manager"

// busyLoadFactor is the reported load from which an agent is shown as Busy.
const busyLoadFactor = 0.8

// AgentManager reacts to gateway events: it persists agent state, answers
// poll requests with claimed tasks and feeds status reports into the
// event queue.
type AgentManager struct {
	serverID string
	conns    *gateway.ConnectionManager
	agents   *AgentService
	tasks    *TaskStore
	queue    EventQueue
	logs     *LogReceiver
	hub      *TaskEventHub
	metrics  *Metrics
}

func NewAgentManager(serverID string, conns *gateway.ConnectionManager, agents *AgentService, tasks *TaskStore,
	queue EventQueue, logs *LogReceiver, hub *TaskEventHub, metrics *Metrics) *AgentManager {
	return &AgentManager{
		serverID: serverID,
		conns:    conns,
		agents:   agents,
		tasks:    tasks,
		queue:    queue,
		logs:     logs,
		hub:      hub,
		metrics:  metrics,
	}
}

// Run consumes gateway events until ctx is done.
func (m *AgentManager) Run(ctx context.Context) {
	events := m.conns.Subscribe(agentManagerSubscriber)
	defer m.conns.Unsubscribe(agentManagerSubscriber)

	logger.Infof("[AgentManager] Started on server %s", m.serverID)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := m.HandleEvent(ctx, ev); err != nil {
				logger.Error().Err(err).Str("agent", ev.AgentID).Str("kind", string(ev.Kind)).Msg("[AgentManager] Event failed")
			}
		}
	}
}

// HandleEvent processes one gateway event.
func (m *AgentManager) HandleEvent(ctx context.Context, ev gateway.AgentEvent) error {
	switch ev.Kind {
	case gateway.EventRegistered:
		m.metrics.SetAgentsConnected(m.conns.OnlineCount())
		return m.agents.Upsert(ctx, ev.AgentID, ev.Register.Address, models.AgentCapabilities(ev.Register.Capabilities))

	case gateway.EventHeartbeat:
		status := models.AgentStatusOnline
		if ev.Heartbeat.LoadFactor >= busyLoadFactor {
			status = models.AgentStatusBusy
		}
		if err := m.agents.Heartbeat(ctx, ev.AgentID, status); err != nil {
			return err
		}
		if conn, ok := m.conns.Get(ev.AgentID); ok {
			return m.agents.UpdateStatistics(ctx, ev.AgentID, statisticsOf(conn.Stats()))
		}
		return nil

	case gateway.EventPollRequest:
		_, err := m.DispatchTo(ctx, ev.AgentID, ev.Poll)
		return err

	case gateway.EventTaskInstanceChanged:
		return m.queue.Enqueue(ev.Update)

	case gateway.EventTaskLog:
		return m.logs.Write(ev.Logs)

	case gateway.EventUnregistered:
		m.metrics.SetAgentsConnected(m.conns.OnlineCount())
		if m.conns.IsOnline(ev.AgentID) {
			// a newer session of the same agent is already registered
			return nil
		}
		if err := m.agents.MarkOffline(ctx, ev.AgentID); err != nil {
			return err
		}
		n, err := m.tasks.ReclaimForAgents(ctx, nil, []string{ev.AgentID})
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Infof("[AgentManager] Reclaimed %d tasks of disconnected agent %s", n, ev.AgentID)
			m.metrics.TasksReclaimed(ReclaimAgentDetached, n)
		}
		return nil
	}
	return nil
}

func statisticsOf(s gateway.ReliabilityStats) models.AgentStatistics {
	return models.AgentStatistics{
		SuccessTasks:        uint64(s.SuccessTasks),
		FailureTasks:        uint64(s.FailedTasks),
		TotalTasks:          uint64(s.TotalTasks),
		AvgResponseMs:       s.AvgResponseMs,
		ConsecutiveFailures: uint32(s.ConsecutiveFailures),
	}
}

// DispatchTo claims tasks for the polling agent and pushes them over its
// session. It returns the ids of the tasks whose push was accepted.
func (m *AgentManager) DispatchTo(ctx context.Context, agentID string, poll *protocol.TaskPollRequest) ([]string, error) {
	conn, ok := m.conns.Get(agentID)
	if !ok {
		return nil, nil
	}
	limit := poll.MaxTasks
	if poll.AvailableCapacity < limit {
		limit = poll.AvailableCapacity
	}
	if limit <= 0 {
		return nil, nil
	}
	labels := poll.Labels
	if len(labels) == 0 {
		labels = conn.Capabilities.Labels
	}

	claimed, err := m.tasks.Claim(ctx, ClaimRequest{ServerID: m.serverID, AgentID: agentID, Limit: limit, Labels: labels})
	if err != nil {
		return nil, err
	}
	m.metrics.TasksClaimed(len(claimed))

	var dispatched []string
	for i := range claimed {
		if err := m.dispatch(ctx, &claimed[i], agentID); err != nil {
			logger.Warn().Err(err).Str("task", claimed[i].ID).Str("agent", agentID).Msg("[AgentManager] Dispatch failed")
			m.metrics.DispatchFailed()
			continue
		}
		dispatched = append(dispatched, claimed[i].ID)
		m.metrics.TaskDispatched()
	}
	if len(dispatched) > 0 {
		logger.Infof("[AgentManager] Dispatched %d/%d tasks to agent %s", len(dispatched), len(claimed), agentID)
	}
	return dispatched, nil
}

func (m *AgentManager) dispatch(ctx context.Context, task *models.SchedTask, agentID string) error {
	inst, err := m.tasks.StartAttempt(ctx, task, agentID)
	if err != nil {
		if !errors.Is(err, ErrClaimLost) {
			m.release(ctx, task)
		}
		return err
	}

	_, sendErr := m.conns.SendCommand(agentID, protocol.KindDispatchTask, protocol.DispatchTaskRequest{
		TaskInstanceID: inst.ID,
		Task:           *task,
	})
	if sendErr != nil {
		m.release(ctx, task)
		if _, err := m.tasks.UpdateInstance(ctx, &protocol.TaskInstanceUpdated{
			TaskInstanceID: inst.ID,
			TaskID:         task.ID,
			AgentID:        agentID,
			Status:         models.InstanceStatusFailed,
			Timestamp:      protocol.NowMillis(),
			ErrorMessage:   sendErr.Error(),
		}); err != nil {
			logger.Warnf("[AgentManager] Failed to close instance %s: %v", inst.ID, err)
		}
		return sendErr
	}

	ok, err := m.tasks.MarkDispatched(ctx, task.ID, task.LockVersion, agentID)
	if err != nil {
		return err
	}
	if !ok {
		logger.Debugf("[AgentManager] Task %s moved on before MarkDispatched", task.ID)
	}
	return nil
}

func (m *AgentManager) release(ctx context.Context, task *models.SchedTask) {
	if _, err := m.tasks.ReleaseClaim(ctx, task.ID, task.LockVersion); err != nil {
		logger.Errorf("[AgentManager] Release task %s failed: %v", task.ID, err)
	}
}

// HandleTaskEvent persists one instance report. It is the EventQueue
// processor, so it runs on the async worker or the sync queue goroutine.
func (m *AgentManager) HandleTaskEvent(ctx context.Context, update *protocol.TaskInstanceUpdated) error {
	applied, err := m.tasks.UpdateInstance(ctx, update)
	if err != nil {
		if errors.Is(err, ErrInstanceNotFound) {
			logger.Warnf("[AgentManager] Dropping report for unknown instance %s", update.TaskInstanceID)
			return nil
		}
		return err
	}
	if !applied {
		logger.Debugf("[AgentManager] Stale report for instance %s ignored", update.TaskInstanceID)
		return nil
	}

	task, err := m.tasks.ApplyInstanceUpdate(ctx, update)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil
		}
		return err
	}
	m.metrics.TaskStatusEvent(update.Status.String())
	if update.Status.IsTerminal() {
		m.logs.Forget(update.TaskInstanceID)
	}

	event := TaskEvent{
		TaskID:       update.TaskID,
		InstanceID:   update.TaskInstanceID,
		AgentID:      update.AgentID,
		Status:       update.Status,
		StatusName:   update.Status.String(),
		ErrorMessage: update.ErrorMessage,
		Timestamp:    update.Timestamp,
	}
	if task != nil {
		event.TaskStatus = task.Status.String()
	}
	m.hub.Publish(event)
	return nil
}

// CancelTask cancels a task and, when it was handed to an agent that is
// still connected, tells that agent to kill the running instance.
func (m *AgentManager) CancelTask(ctx context.Context, taskID string) (*models.SchedTask, error) {
	before, err := m.tasks.Cancel(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if before.AgentID != nil && *before.AgentID != "" && m.conns.IsOnline(*before.AgentID) {
		instances, err := m.tasks.ListInstances(ctx, taskID)
		if err != nil {
			return nil, err
		}
		for _, inst := range instances {
			if inst.Status.IsTerminal() || inst.AgentID != *before.AgentID {
				continue
			}
			if _, err := m.conns.SendCommand(inst.AgentID, protocol.KindCancelTask, protocol.CancelTaskRequest{
				TaskInstanceID: inst.ID,
				TaskID:         taskID,
				Reason:         "cancelled by user",
			}); err != nil {
				logger.Warnf("[AgentManager] Cancel of instance %s not delivered: %v", inst.ID, err)
			}
		}
	}

	task, err := m.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	m.hub.Publish(TaskEvent{TaskID: taskID, AgentID: derefString(before.AgentID), TaskStatus: task.Status.String(),
		Status: models.InstanceStatusCancelled, StatusName: models.InstanceStatusCancelled.String(), Timestamp: protocol.NowMillis()})
	return task, nil
}

// SendCommand pushes an operator command to a connected agent.
func (m *AgentManager) SendCommand(cmd *protocol.GatewayCommand) (string, error) {
	var payload interface{}
	if len(cmd.Params) > 0 {
		payload = cmd.Params
	}
	env, err := m.conns.SendCommand(cmd.AgentID, cmd.Kind, payload)
	if err != nil {
		return "", err
	}
	logger.Infof("[AgentManager] Sent %s to agent %s", cmd.Kind, cmd.AgentID)
	return env.MessageID, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

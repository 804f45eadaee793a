package services

import (
	"context"
	"testing"
	"time"

	"github.com/hetuflow/hetuflow/internal/gateway"
	"github.com/hetuflow/hetuflow/internal/models"
	"github.com/hetuflow/hetuflow/internal/protocol"
	"gorm.io/gorm"
)

type agentManagerFixture struct {
	db      *gorm.DB
	conns   *gateway.ConnectionManager
	conn    *gateway.AgentConnection
	tasks   *TaskStore
	agents  *AgentService
	hub     *TaskEventHub
	manager *AgentManager
	job     *models.SchedJob
}

func newAgentManagerFixture(t *testing.T, buffer int) *agentManagerFixture {
	t.Helper()
	db := newTestDB(t)
	f := &agentManagerFixture{
		db:     db,
		conns:  gateway.NewConnectionManager(),
		tasks:  NewTaskStore(db, 0),
		agents: NewAgentService(db),
		hub:    NewTaskEventHub(),
		job:    createTestJob(t, db, models.TaskConfig{MaxRetries: 1}),
	}
	logs := newTestLogReceiver(t, 0, nil)
	queue := NewSyncQueue()
	f.manager = NewAgentManager("s1", f.conns, f.agents, f.tasks, queue, logs, f.hub, nil)
	queue.SetProcessor(f.manager.HandleTaskEvent)

	f.conn = gateway.NewAgentConnection("agent-1", "sess-1", "127.0.0.1", protocol.AgentCapabilities{
		MaxConcurrentTasks: 4,
		Labels:             models.Labels{"os": "linux"},
	}, buffer)
	f.conns.Register(f.conn)

	err := f.manager.HandleEvent(context.Background(), gateway.AgentEvent{
		Kind:     gateway.EventRegistered,
		AgentID:  "agent-1",
		Register: &protocol.AgentRegisterRequest{AgentID: "agent-1", Address: "127.0.0.1"},
	})
	if err != nil {
		t.Fatalf("HandleEvent(registered) error = %v", err)
	}
	return f
}

func nextEnvelope(t *testing.T, conn *gateway.AgentConnection) *protocol.Envelope {
	t.Helper()
	select {
	case env := <-conn.Outbound():
		return env
	case <-time.After(time.Second):
		t.Fatal("no outbound envelope")
		return nil
	}
}

func (f *agentManagerFixture) dispatchOne(t *testing.T) (*models.SchedTask, *protocol.DispatchTaskRequest) {
	t.Helper()
	task := createTestTask(t, f.db, f.job, nil)
	ids, err := f.manager.DispatchTo(context.Background(), "agent-1", &protocol.TaskPollRequest{MaxTasks: 1, AvailableCapacity: 1})
	if err != nil || len(ids) != 1 || ids[0] != task.ID {
		t.Fatalf("DispatchTo() = %v, %v, expected [%s]", ids, err, task.ID)
	}
	env := nextEnvelope(t, f.conn)
	if env.Kind != protocol.KindDispatchTask {
		t.Fatalf("envelope kind = %s, expected %s", env.Kind, protocol.KindDispatchTask)
	}
	var req protocol.DispatchTaskRequest
	if err := env.Decode(&req); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return task, &req
}

func TestAgentManager_DispatchTo(t *testing.T) {
	f := newAgentManagerFixture(t, 8)
	task, req := f.dispatchOne(t)

	if req.Task.ID != task.ID || req.Task.Config.Cmd != "echo" {
		t.Errorf("dispatched task = %s/%q, expected %s/echo", req.Task.ID, req.Task.Config.Cmd, task.ID)
	}
	got := reloadTask(t, f.db, task.ID)
	if got.Status != models.TaskStatusDispatched || derefString(got.AgentID) != "agent-1" {
		t.Errorf("task = %s on %v, expected dispatched on agent-1", got.Status, got.AgentID)
	}
	inst, err := f.tasks.GetInstance(context.Background(), req.TaskInstanceID)
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if inst.AgentID != "agent-1" || inst.Status != models.InstanceStatusDispatched {
		t.Errorf("instance = %s/%s, expected agent-1/dispatched", inst.AgentID, inst.Status)
	}

	// capacity is the binding limit
	createTestTask(t, f.db, f.job, nil)
	ids, _ := f.manager.DispatchTo(context.Background(), "agent-1", &protocol.TaskPollRequest{MaxTasks: 5, AvailableCapacity: 0})
	if len(ids) != 0 {
		t.Errorf("dispatched %d tasks with no capacity, expected 0", len(ids))
	}
	if ids, _ = f.manager.DispatchTo(context.Background(), "agent-9", &protocol.TaskPollRequest{MaxTasks: 5, AvailableCapacity: 5}); len(ids) != 0 {
		t.Errorf("dispatched %d tasks to an unknown agent, expected 0", len(ids))
	}
}

func TestAgentManager_DispatchFailureReleasesTask(t *testing.T) {
	f := newAgentManagerFixture(t, 1)
	ctx := context.Background()

	filler, _ := protocol.NewEnvelope(protocol.KindClearCache, nil)
	if err := f.conn.Send(filler); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	task := createTestTask(t, f.db, f.job, nil)
	ids, err := f.manager.DispatchTo(ctx, "agent-1", &protocol.TaskPollRequest{MaxTasks: 1, AvailableCapacity: 1})
	if err != nil || len(ids) != 0 {
		t.Fatalf("DispatchTo() = %v, %v, expected none", ids, err)
	}

	got := reloadTask(t, f.db, task.ID)
	if got.Status != models.TaskStatusPending || got.AgentID != nil {
		t.Errorf("task = %s on %v, expected pending and unassigned", got.Status, got.AgentID)
	}
	instances, _ := f.tasks.ListInstances(ctx, task.ID)
	if len(instances) != 1 || instances[0].Status != models.InstanceStatusFailed {
		t.Errorf("instances = %+v, expected one failed instance", instances)
	}
}

func TestAgentManager_HandleTaskEvent(t *testing.T) {
	f := newAgentManagerFixture(t, 8)
	ctx := context.Background()
	events := f.hub.Subscribe("test")
	task, req := f.dispatchOne(t)

	report := func(status models.TaskInstanceStatus, ts int64) {
		t.Helper()
		err := f.manager.HandleTaskEvent(ctx, &protocol.TaskInstanceUpdated{
			TaskInstanceID: req.TaskInstanceID,
			TaskID:         task.ID,
			AgentID:        "agent-1",
			Status:         status,
			Timestamp:      ts,
		})
		if err != nil {
			t.Fatalf("HandleTaskEvent(%s) error = %v", status, err)
		}
	}

	report(models.InstanceStatusRunning, 1000)
	if got := reloadTask(t, f.db, task.ID); got.Status != models.TaskStatusDispatched {
		t.Errorf("task after running = %s, expected dispatched", got.Status)
	}
	select {
	case ev := <-events:
		if ev.TaskID != task.ID || ev.Status != models.InstanceStatusRunning {
			t.Errorf("event = %+v, expected running for %s", ev, task.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no task event published")
	}

	report(models.InstanceStatusSucceeded, 2000)
	if got := reloadTask(t, f.db, task.ID); got.Status != models.TaskStatusSucceeded {
		t.Errorf("task after success = %s, expected succeeded", got.Status)
	}

	// late report is dropped
	report(models.InstanceStatusRunning, 1500)
	inst, _ := f.tasks.GetInstance(ctx, req.TaskInstanceID)
	if inst.Status != models.InstanceStatusSucceeded {
		t.Errorf("instance = %s, expected succeeded", inst.Status)
	}

	err := f.manager.HandleTaskEvent(ctx, &protocol.TaskInstanceUpdated{TaskInstanceID: "missing", Status: models.InstanceStatusRunning, Timestamp: 1})
	if err != nil {
		t.Errorf("HandleTaskEvent(unknown instance) error = %v, expected nil", err)
	}
}

func TestAgentManager_CancelTaskNotifiesAgent(t *testing.T) {
	f := newAgentManagerFixture(t, 8)
	task, req := f.dispatchOne(t)

	got, err := f.manager.CancelTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("CancelTask() error = %v", err)
	}
	if got.Status != models.TaskStatusCancelled {
		t.Errorf("status = %s, expected cancelled", got.Status)
	}

	env := nextEnvelope(t, f.conn)
	if env.Kind != protocol.KindCancelTask {
		t.Fatalf("envelope kind = %s, expected %s", env.Kind, protocol.KindCancelTask)
	}
	var cancel protocol.CancelTaskRequest
	env.Decode(&cancel)
	if cancel.TaskInstanceID != req.TaskInstanceID || cancel.TaskID != task.ID {
		t.Errorf("cancel = %+v, expected instance %s", cancel, req.TaskInstanceID)
	}
}

func TestAgentManager_HeartbeatAndDisconnect(t *testing.T) {
	f := newAgentManagerFixture(t, 8)
	ctx := context.Background()
	task, _ := f.dispatchOne(t)

	err := f.manager.HandleEvent(ctx, gateway.AgentEvent{
		Kind:      gateway.EventHeartbeat,
		AgentID:   "agent-1",
		Heartbeat: &protocol.HeartbeatRequest{AgentID: "agent-1", LoadFactor: 0.9},
	})
	if err != nil {
		t.Fatalf("HandleEvent(heartbeat) error = %v", err)
	}
	agent, _ := f.agents.Get(ctx, "agent-1")
	if agent.Status != models.AgentStatusBusy {
		t.Errorf("agent status = %v, expected %v", agent.Status, models.AgentStatusBusy)
	}

	f.conns.Unregister("agent-1", "sess-1", "test")
	err = f.manager.HandleEvent(ctx, gateway.AgentEvent{Kind: gateway.EventUnregistered, AgentID: "agent-1", SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("HandleEvent(unregistered) error = %v", err)
	}

	agent, _ = f.agents.Get(ctx, "agent-1")
	if agent.Status != models.AgentStatusOffline {
		t.Errorf("agent status = %v, expected %v", agent.Status, models.AgentStatusOffline)
	}
	if got := reloadTask(t, f.db, task.ID); got.Status != models.TaskStatusPending {
		t.Errorf("task after disconnect = %s, expected pending", got.Status)
	}
}

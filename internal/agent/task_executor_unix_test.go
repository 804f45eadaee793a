//go:build !windows

package agent

import (
	"context"
	"testing"

	"github.com/hetuflow/hetuflow/internal/models"
	"github.com/hetuflow/hetuflow/internal/protocol"
)

type executorFixture struct {
	sender     *fakeSender
	supervisor *ProcessSupervisor
	executor   *TaskExecutor
	shutdown   []bool
}

func newExecutorFixture(t *testing.T, maxProcs int) *executorFixture {
	t.Helper()
	cfg := testAgentConfig(t)
	f := &executorFixture{
		sender:     newFakeSender(),
		supervisor: newTestSupervisor(t, testProcessConfig(), maxProcs),
	}
	executor, err := NewTaskExecutor(cfg, f.supervisor, f.sender, func(graceful bool) {
		f.shutdown = append(f.shutdown, graceful)
	})
	if err != nil {
		t.Fatalf("NewTaskExecutor() error = %v", err)
	}
	f.executor = executor
	return f
}

func dispatchEnvelope(t *testing.T, instanceID, script string) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.KindDispatchTask, protocol.DispatchTaskRequest{
		TaskInstanceID: instanceID,
		Task: models.SchedTask{
			ID:     "task-" + instanceID,
			JobID:  "job-1",
			Config: models.TaskConfig{Cmd: "sh", Args: []string{"-c", script}},
		},
	})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	return env
}

func decodeAck(t *testing.T, env *protocol.Envelope) protocol.AckPayload {
	t.Helper()
	var ack protocol.AckPayload
	if err := env.Decode(&ack); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return ack
}

func TestTaskExecutor_DispatchAndDedup(t *testing.T) {
	f := newExecutorFixture(t, 4)
	ctx := context.Background()
	env := dispatchEnvelope(t, "inst-1", "sleep 30")

	f.executor.HandleCommand(ctx, env)
	f.executor.HandleCommand(ctx, env)

	acks := f.sender.byKind(protocol.KindAck)
	if len(acks) != 2 {
		t.Fatalf("acks = %d, expected 2", len(acks))
	}
	if ack := decodeAck(t, acks[0]); ack.MessageID != env.MessageID {
		t.Errorf("ack message id = %s, expected %s", ack.MessageID, env.MessageID)
	}
	if n := f.supervisor.Count(); n != 1 {
		t.Errorf("Count() = %d after duplicate dispatch, expected 1", n)
	}

	cancel, _ := protocol.NewEnvelope(protocol.KindCancelTask, protocol.CancelTaskRequest{TaskInstanceID: "inst-1", Reason: "user"})
	f.executor.HandleCommand(ctx, cancel)
	ev := terminalEvent(t, f.supervisor, "inst-1")
	if ev.Reason != protocol.KillReasonCancel {
		t.Errorf("reason = %s, expected %s", ev.Reason, protocol.KillReasonCancel)
	}

	// cancelling a finished instance is not an error
	f.executor.HandleCommand(ctx, cancel)
	if nacks := f.sender.byKind(protocol.KindNack); len(nacks) != 0 {
		t.Errorf("nacks = %d, expected 0", len(nacks))
	}
}

func TestTaskExecutor_RejectsAtCapacity(t *testing.T) {
	f := newExecutorFixture(t, 1)
	ctx := context.Background()

	f.executor.HandleCommand(ctx, dispatchEnvelope(t, "busy", "sleep 30"))
	f.executor.HandleCommand(ctx, dispatchEnvelope(t, "extra", "true"))

	reports := f.sender.byKind(protocol.KindTaskChangedEvent)
	if len(reports) != 1 {
		t.Fatalf("task reports = %d, expected 1", len(reports))
	}
	var update protocol.TaskInstanceUpdated
	if err := reports[0].Decode(&update); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if update.TaskInstanceID != "extra" || update.Status != models.InstanceStatusFailed || update.ErrorMessage != ErrAtCapacity.Error() {
		t.Errorf("update = %+v, expected extra failed at capacity", update)
	}
	if update.AgentID != "agent-1" {
		t.Errorf("agent id = %s, expected agent-1", update.AgentID)
	}
}

func TestTaskExecutor_SpawnFailureNacks(t *testing.T) {
	f := newExecutorFixture(t, 4)
	env, _ := protocol.NewEnvelope(protocol.KindDispatchTask, protocol.DispatchTaskRequest{
		TaskInstanceID: "bad",
		Task:           models.SchedTask{ID: "t", JobID: "j", Config: models.TaskConfig{Cmd: "/nonexistent/hetuflow-binary"}},
	})

	f.executor.HandleCommand(context.Background(), env)

	if nacks := f.sender.byKind(protocol.KindNack); len(nacks) != 1 {
		t.Fatalf("nacks = %d, expected 1", len(nacks))
	}
	if reports := f.sender.byKind(protocol.KindTaskChangedEvent); len(reports) != 1 {
		t.Errorf("task reports = %d, expected 1", len(reports))
	}
}

func TestTaskExecutor_ControlCommands(t *testing.T) {
	f := newExecutorFixture(t, 4)
	ctx := context.Background()

	shutdown, _ := protocol.NewEnvelope(protocol.KindShutdown, protocol.ShutdownRequest{Reason: "maintenance", Graceful: true})
	f.executor.HandleCommand(ctx, shutdown)
	if len(f.shutdown) != 1 || !f.shutdown[0] {
		t.Errorf("shutdown calls = %v, expected [true]", f.shutdown)
	}

	purge, _ := protocol.NewEnvelope(protocol.KindClearCache, nil)
	f.executor.HandleCommand(ctx, purge)

	registered, _ := protocol.NewEnvelope(protocol.KindAgentRegistered, protocol.AgentRegisteredResponse{SessionID: "s"})
	f.executor.HandleCommand(ctx, registered)

	bogus, _ := protocol.NewEnvelope(protocol.KindAgentHeartbeat, nil)
	f.executor.HandleCommand(ctx, bogus)

	if acks := f.sender.byKind(protocol.KindAck); len(acks) != 2 {
		t.Errorf("acks = %d, expected 2", len(acks))
	}
	nacks := f.sender.byKind(protocol.KindNack)
	if len(nacks) != 1 {
		t.Fatalf("nacks = %d, expected 1", len(nacks))
	}
	if ack := decodeAck(t, nacks[0]); ack.MessageID != bogus.MessageID || ack.Error == "" {
		t.Errorf("nack = %+v, expected an error for %s", ack, bogus.MessageID)
	}
}

package agent

import (
	"context"
	"time"

	"github.com/hetuflow/hetuflow/internal/protocol"
	"github.com/hetuflow/hetuflow/pkg/logger"
)

const (
	logFlushInterval = 500 * time.Millisecond
	logBatchLines    = 100
)

// EventRunner forwards supervisor output to the server: log lines in
// per-instance batches and lifecycle events as task status reports. An
// instance's pending log lines always go out before its status report.
type EventRunner struct {
	agentID    string
	supervisor *ProcessSupervisor
	sender     Sender

	pending map[string]*protocol.TaskLogBatch
	order   []string
}

func NewEventRunner(agentID string, supervisor *ProcessSupervisor, sender Sender) *EventRunner {
	return &EventRunner{
		agentID:    agentID,
		supervisor: supervisor,
		sender:     sender,
		pending:    make(map[string]*protocol.TaskLogBatch),
	}
}

func (r *EventRunner) Run(ctx context.Context) error {
	ticker := time.NewTicker(logFlushInterval)
	defer ticker.Stop()

	events := r.supervisor.Events()
	logs := r.supervisor.Logs()
	stopped := r.supervisor.Stopped()

	for {
		select {
		case <-ctx.Done():
			r.drainLogs()
			r.drainEvents()
			r.flushAll()
			return nil
		case <-stopped:
			r.drainLogs()
			r.drainEvents()
			r.flushAll()
			logger.Infof("[EventRunner] Supervisor stopped, final reports flushed")
			return nil
		case line := <-logs:
			r.addLine(line)
		case ev := <-events:
			r.handleEvent(ev)
		case <-ticker.C:
			r.flushAll()
		}
	}
}

func (r *EventRunner) addLine(line LogLine) {
	batch, ok := r.pending[line.InstanceID]
	if !ok {
		batch = &protocol.TaskLogBatch{
			TaskInstanceID: line.InstanceID,
			TaskID:         line.TaskID,
			AgentID:        r.agentID,
		}
		r.pending[line.InstanceID] = batch
		r.order = append(r.order, line.InstanceID)
	}
	batch.Entries = append(batch.Entries, line.Entry)
	if len(batch.Entries) >= logBatchLines {
		r.flush(line.InstanceID)
	}
}

func (r *EventRunner) handleEvent(ev protocol.ProcessEvent) {
	if ev.Kind.IsTerminal() {
		r.drainLogs()
		r.flush(ev.InstanceID)
	}
	update := ev.ToUpdate(r.agentID)
	if err := r.sender.Send(protocol.KindTaskChangedEvent, update); err != nil {
		logger.Warn().Err(err).Str("instance", ev.InstanceID).Str("status", update.Status.String()).Msg("[EventRunner] Status report not sent")
	}
}

// drainLogs moves every log line already queued by the supervisor into the
// pending batches.
func (r *EventRunner) drainLogs() {
	logs := r.supervisor.Logs()
	for {
		select {
		case line := <-logs:
			r.addLine(line)
		default:
			return
		}
	}
}

func (r *EventRunner) drainEvents() {
	events := r.supervisor.Events()
	for {
		select {
		case ev := <-events:
			r.handleEvent(ev)
		default:
			return
		}
	}
}

func (r *EventRunner) flush(instanceID string) {
	batch, ok := r.pending[instanceID]
	if !ok {
		return
	}
	delete(r.pending, instanceID)
	for i, id := range r.order {
		if id == instanceID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if len(batch.Entries) == 0 {
		return
	}
	if err := r.sender.Send(protocol.KindTaskLog, batch); err != nil {
		logger.Debugf("[EventRunner] Dropped %d log lines of %s: %v", len(batch.Entries), instanceID, err)
	}
}

func (r *EventRunner) flushAll() {
	for len(r.order) > 0 {
		r.flush(r.order[0])
	}
}

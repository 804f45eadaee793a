package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hetuflow/hetuflow/internal/config"
	"github.com/hetuflow/hetuflow/pkg/logger"
)

const drainPollInterval = 500 * time.Millisecond

// Application wires the agent runners together and owns their lifecycle.
type Application struct {
	cfg        *config.AgentConfig
	supervisor *ProcessSupervisor
	ws         *WSRunner
	poller     *PollRunner
	events     *EventRunner
	executor   *TaskExecutor

	mu         sync.Mutex
	cancelProc context.CancelFunc
	draining   bool
	// set when Shutdown is called before Run
	stopEarly bool
}

func NewApplication(cfg *config.AgentConfig) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Application{cfg: cfg}
	a.supervisor = NewProcessSupervisor(&cfg.Process, cfg.Agent.MaxConcurrentTasks)
	a.ws = NewWSRunner(&cfg.Agent, a.supervisor)
	a.poller = NewPollRunner(&cfg.Agent, a.supervisor, a.ws)
	a.events = NewEventRunner(cfg.Agent.AgentID, a.supervisor, a.ws)

	executor, err := NewTaskExecutor(cfg, a.supervisor, a.ws, a.Shutdown)
	if err != nil {
		return nil, fmt.Errorf("task executor: %w", err)
	}
	a.executor = executor
	a.ws.SetHandler(executor)
	return a, nil
}

func (a *Application) Supervisor() *ProcessSupervisor { return a.supervisor }

// Run blocks until ctx is done or the server requests a shutdown. Running
// processes are killed first, their final reports are flushed, and only then
// is the server connection closed.
func (a *Application) Run(ctx context.Context) error {
	procCtx, cancelProc := context.WithCancel(ctx)
	defer cancelProc()
	linkCtx, cancelLink := context.WithCancel(context.Background())
	defer cancelLink()

	a.mu.Lock()
	a.cancelProc = cancelProc
	if a.stopEarly {
		cancelProc()
	}
	a.mu.Unlock()

	logger.Info().
		Str("agent_id", a.cfg.Agent.AgentID).
		Str("server", a.cfg.Agent.ServerURL).
		Int("max_concurrent_tasks", a.cfg.Agent.MaxConcurrentTasks).
		Msg("[Agent] Starting")

	var g errgroup.Group
	g.Go(func() error { return a.supervisor.Run(procCtx) })
	g.Go(func() error { return a.poller.Run(procCtx) })
	g.Go(func() error {
		defer cancelLink()
		return a.events.Run(linkCtx)
	})
	g.Go(func() error { return a.ws.Run(linkCtx) })

	err := g.Wait()
	logger.Infof("[Agent] Stopped")
	return err
}

// Shutdown stops the agent. A graceful shutdown stops polling and waits for
// the running processes to finish before stopping; otherwise they are killed
// right away.
func (a *Application) Shutdown(graceful bool) {
	a.mu.Lock()
	cancel := a.cancelProc
	if cancel == nil {
		a.stopEarly = true
		a.mu.Unlock()
		return
	}
	if !graceful {
		a.mu.Unlock()
		cancel()
		return
	}
	if a.draining {
		a.mu.Unlock()
		return
	}
	a.draining = true
	a.mu.Unlock()

	a.poller.Pause()
	logger.Infof("[Agent] Draining %d running processes before shutdown", a.supervisor.Count())
	go func() {
		ticker := time.NewTicker(drainPollInterval)
		defer ticker.Stop()
		for a.supervisor.Count() > 0 {
			select {
			case <-a.supervisor.Stopped():
				return
			case <-ticker.C:
			}
		}
		cancel()
	}()
}

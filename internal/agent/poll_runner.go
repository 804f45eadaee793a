package agent

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hetuflow/hetuflow/internal/config"
	"github.com/hetuflow/hetuflow/internal/models"
	"github.com/hetuflow/hetuflow/internal/protocol"
	"github.com/hetuflow/hetuflow/pkg/logger"
)

// PollRunner periodically asks the server for work while this agent has
// spare capacity.
type PollRunner struct {
	cfg    *config.AgentSection
	load   LoadReporter
	sender Sender
	paused atomic.Bool
}

func NewPollRunner(cfg *config.AgentSection, load LoadReporter, sender Sender) *PollRunner {
	return &PollRunner{cfg: cfg, load: load, sender: sender}
}

// Pause stops further polls; running tasks are not affected.
func (p *PollRunner) Pause() { p.paused.Store(true) }

func (p *PollRunner) Resume() { p.paused.Store(false) }

// Poll sends one poll request if the agent can take work. It reports
// whether a request was sent.
func (p *PollRunner) Poll() bool {
	if p.paused.Load() || !p.sender.Connected() {
		return false
	}
	if p.cfg.LoadThreshold > 0 && p.load.LoadFactor() >= p.cfg.LoadThreshold {
		return false
	}
	capacity := p.load.AvailableCapacity()
	if capacity <= 0 {
		return false
	}

	err := p.sender.Send(protocol.KindPollTaskRequest, protocol.TaskPollRequest{
		AgentID:           p.cfg.AgentID,
		MaxTasks:          capacity,
		Labels:            models.Labels(p.cfg.Labels),
		AvailableCapacity: capacity,
	})
	if err != nil {
		logger.Debugf("[PollRunner] Poll not sent: %v", err)
		return false
	}
	return true
}

func (p *PollRunner) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Poll()
		}
	}
}

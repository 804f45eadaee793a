package services

import (
	"context"
	"time"

	"github.com/hetuflow/hetuflow/internal/config"
	"github.com/hetuflow/hetuflow/pkg/logger"
)

const RetryBatchSize = 100

// RetryService periodically returns retryable tasks to Pending.
type RetryService struct {
	tasks   *TaskStore
	cfg     *config.SchedulerConfig
	leader  LeadershipHint
	metrics *Metrics
}

func NewRetryService(tasks *TaskStore, cfg *config.SchedulerConfig, leader LeadershipHint, metrics *Metrics) *RetryService {
	return &RetryService{tasks: tasks, cfg: cfg, leader: leader, metrics: metrics}
}

func (s *RetryService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RetryCheckInterval)
	defer ticker.Stop()

	logger.Infof("[Retry] Scheduler started, interval: %v, grace: %v", s.cfg.RetryCheckInterval, s.cfg.RetryGrace)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.leader != nil && !s.leader.IsLeader() {
				continue
			}
			s.ProcessRetryable(ctx)
		}
	}
}

// ProcessRetryable runs one requeue pass and returns how many tasks moved.
func (s *RetryService) ProcessRetryable(ctx context.Context) int64 {
	n, err := s.tasks.RequeueRetryable(ctx, s.cfg.RetryGrace, RetryBatchSize)
	if err != nil {
		logger.Errorf("[Retry] Failed to requeue tasks: %v", err)
	}
	if n > 0 {
		logger.Infof("[Retry] Requeued %d tasks", n)
		s.metrics.TasksRequeued(n)
	}
	return n
}

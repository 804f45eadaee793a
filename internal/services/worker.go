package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hetuflow/hetuflow/internal/config"
	"github.com/hetuflow/hetuflow/internal/protocol"
	"github.com/hetuflow/hetuflow/pkg/logger"
	"github.com/hibiken/asynq"
)

// Worker persists status reports that the AsyncQueue pushed to Redis.
// Every server replica runs one, so a report is applied by whichever
// replica dequeues it first.
type Worker struct {
	server    *asynq.Server
	processor EventProcessor
}

// NewWorker returns nil when Redis is disabled.
func NewWorker(cfg *config.RedisConfig) *Worker {
	if !cfg.Enabled {
		return nil
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}

	server := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB},
		asynq.Config{
			Concurrency:     concurrency,
			Queues:          map[string]int{EventQueueName: 1},
			ShutdownTimeout: 10 * time.Second,
			RetryDelayFunc:  reportRetryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Error().Err(err).Str("type", task.Type()).Int("retry", retried).Int("max_retry", maxRetry).
					Msg("[Worker] Report processing failed")
			}),
		},
	)
	return &Worker{server: server}
}

// reportRetryDelay backs off linearly up to half a minute; reports go stale
// quickly, so the asynq default of minutes is too slow.
func reportRetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	d := time.Duration(n+1) * 2 * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func (w *Worker) SetProcessor(processor EventProcessor) {
	w.processor = processor
}

// Run consumes reports until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeInstanceEvent, w.handleInstanceEvent)

	logger.Infof("[Worker] Starting report worker")
	if err := w.server.Start(mux); err != nil {
		return fmt.Errorf("start report worker: %w", err)
	}
	<-ctx.Done()
	w.server.Shutdown()
	logger.Infof("[Worker] Shutdown complete")
	return nil
}

func (w *Worker) handleInstanceEvent(ctx context.Context, t *asynq.Task) error {
	var update protocol.TaskInstanceUpdated
	if err := json.Unmarshal(t.Payload(), &update); err != nil {
		return fmt.Errorf("decode report: %v: %w", err, asynq.SkipRetry)
	}
	if w.processor == nil {
		logger.Warnf("[Worker] No processor set, report for %s dropped", update.TaskInstanceID)
		return nil
	}

	err := w.processor(ctx, &update)
	if errors.Is(err, ErrInstanceNotFound) || errors.Is(err, ErrTaskNotFound) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

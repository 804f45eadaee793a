package services

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/hetuflow/hetuflow/internal/config"
	"github.com/hetuflow/hetuflow/internal/protocol"
	"github.com/hetuflow/hetuflow/pkg/logger"
	"github.com/hibiken/asynq"
)

const (
	TaskTypeInstanceEvent = "task:event"
	EventQueueName        = "events"
)

// EventProcessor persists one task instance status report.
type EventProcessor func(context.Context, *protocol.TaskInstanceUpdated) error

// EventQueue decouples agent status reports from the connection read loop.
type EventQueue interface {
	// Enqueue hands a report over for persistence
	Enqueue(update *protocol.TaskInstanceUpdated) error
	// IsAsync returns true if reports are persisted by a separate worker
	IsAsync() bool
	// Close releases the queue's resources
	Close() error
}

var (
	globalEventQueue EventQueue
	eventQueueOnce   sync.Once
)

// InitEventQueue picks the Redis-backed queue when enabled and reachable,
// otherwise the in-process one.
func InitEventQueue(cfg *config.Config) EventQueue {
	eventQueueOnce.Do(func() {
		if cfg.Redis.Enabled {
			queue, err := NewAsyncQueue(&cfg.Redis)
			if err != nil {
				logger.Infof("[EventQueue] Redis unavailable, falling back to sync mode: %v", err)
				globalEventQueue = NewSyncQueue()
			} else {
				logger.Infof("[EventQueue] Async queue initialized with Redis at %s", cfg.Redis.Addr)
				globalEventQueue = queue
			}
		} else {
			logger.Infof("[EventQueue] Sync queue initialized (Redis disabled)")
			globalEventQueue = NewSyncQueue()
		}
	})
	return globalEventQueue
}

func GetEventQueue() EventQueue {
	return globalEventQueue
}

// AsyncQueue implements EventQueue on asynq (Redis).
type AsyncQueue struct {
	client   *asynq.Client
	maxRetry int
}

func NewAsyncQueue(cfg *config.RedisConfig) (*AsyncQueue, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	client := asynq.NewClient(redisOpt)

	// ping Redis through the inspector
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	if _, err := inspector.Queues(); err != nil {
		client.Close()
		return nil, err
	}

	return &AsyncQueue{client: client, maxRetry: cfg.MaxRetry}, nil
}

func (q *AsyncQueue) Enqueue(update *protocol.TaskInstanceUpdated) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return err
	}

	t := asynq.NewTask(TaskTypeInstanceEvent, payload)
	info, err := q.client.Enqueue(t,
		asynq.Queue(EventQueueName),
		asynq.MaxRetry(q.maxRetry),
	)
	if err != nil {
		return err
	}

	logger.Debug().Str("id", info.ID).Str("instance", update.TaskInstanceID).Msg("[AsyncQueue] Event enqueued")
	return nil
}

func (q *AsyncQueue) IsAsync() bool {
	return true
}

func (q *AsyncQueue) Close() error {
	return q.client.Close()
}

// SyncQueue persists reports in-process, one goroutine per report.
type SyncQueue struct {
	processor EventProcessor
	wg        sync.WaitGroup
}

func NewSyncQueue() *SyncQueue {
	return &SyncQueue{}
}

func (q *SyncQueue) SetProcessor(processor EventProcessor) {
	q.processor = processor
}

func (q *SyncQueue) Enqueue(update *protocol.TaskInstanceUpdated) error {
	if q.processor == nil {
		logger.Warnf("[SyncQueue] No processor set, event for %s dropped", update.TaskInstanceID)
		return nil
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if err := q.processor(context.Background(), update); err != nil {
			logger.Errorf("[SyncQueue] Event processing failed for %s: %v", update.TaskInstanceID, err)
		}
	}()

	return nil
}

func (q *SyncQueue) IsAsync() bool {
	return false
}

// Close waits for reports already handed to the processor.
func (q *SyncQueue) Close() error {
	q.wg.Wait()
	return nil
}

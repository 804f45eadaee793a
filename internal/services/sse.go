package services

import (
	"sync"

	"github.com/hetuflow/hetuflow/internal/models"
)

// TaskEvent is pushed to admin clients when a task or instance changes.
type TaskEvent struct {
	TaskID       string                    `json:"task_id"`
	InstanceID   string                    `json:"instance_id,omitempty"`
	AgentID      string                    `json:"agent_id,omitempty"`
	TaskStatus   string                    `json:"task_status,omitempty"`
	Status       models.TaskInstanceStatus `json:"status"`
	StatusName   string                    `json:"status_name"`
	ErrorMessage string                    `json:"error,omitempty"`
	Timestamp    int64                     `json:"timestamp"`
}

// TaskEventHub fans task events out to SSE subscribers.
type TaskEventHub struct {
	clients map[string]chan TaskEvent
	mu      sync.RWMutex
}

func NewTaskEventHub() *TaskEventHub {
	return &TaskEventHub{
		clients: make(map[string]chan TaskEvent),
	}
}

func (h *TaskEventHub) Subscribe(clientID string) <-chan TaskEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan TaskEvent, 100)
	h.clients[clientID] = ch
	return ch
}

func (h *TaskEventHub) Unsubscribe(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.clients[clientID]; ok {
		close(ch)
		delete(h.clients, clientID)
	}
}

// Publish never blocks; slow clients miss events.
func (h *TaskEventHub) Publish(event TaskEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.clients {
		select {
		case ch <- event:
		default:
		}
	}
}

func (h *TaskEventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var globalTaskEventHub *TaskEventHub
var taskEventHubOnce sync.Once

func GetTaskEventHub() *TaskEventHub {
	taskEventHubOnce.Do(func() {
		globalTaskEventHub = NewTaskEventHub()
	})
	return globalTaskEventHub
}

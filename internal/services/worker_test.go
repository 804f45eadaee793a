package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hetuflow/hetuflow/internal/config"
	"github.com/hetuflow/hetuflow/internal/protocol"
	"github.com/hibiken/asynq"
)

func TestNewWorker_DisabledReturnsNil(t *testing.T) {
	if w := NewWorker(&config.RedisConfig{Enabled: false}); w != nil {
		t.Error("NewWorker() with Redis disabled should return nil")
	}
}

func TestReportRetryDelay(t *testing.T) {
	tests := []struct {
		n        int
		expected time.Duration
	}{
		{0, 2 * time.Second},
		{4, 10 * time.Second},
		{50, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := reportRetryDelay(tt.n, nil, nil); got != tt.expected {
			t.Errorf("reportRetryDelay(%d) = %v, expected %v", tt.n, got, tt.expected)
		}
	}
}

func TestWorker_HandleInstanceEvent(t *testing.T) {
	payload, _ := json.Marshal(protocol.TaskInstanceUpdated{TaskInstanceID: "inst-1", TaskID: "task-1"})

	tests := []struct {
		name      string
		payload   []byte
		procErr   error
		wantErr   bool
		skipRetry bool
	}{
		{"applied", payload, nil, false, false},
		{"bad payload", []byte("{"), nil, true, true},
		{"unknown instance", payload, fmt.Errorf("%w: inst-1", ErrInstanceNotFound), true, true},
		{"database down", payload, errors.New("connection reset"), true, false},
	}
	for _, tt := range tests {
		var got string
		w := &Worker{}
		w.SetProcessor(func(_ context.Context, update *protocol.TaskInstanceUpdated) error {
			got = update.TaskInstanceID
			return tt.procErr
		})

		err := w.handleInstanceEvent(context.Background(), asynq.NewTask(TaskTypeInstanceEvent, tt.payload))
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: error = %v, expected error %v", tt.name, err, tt.wantErr)
		}
		if errors.Is(err, asynq.SkipRetry) != tt.skipRetry {
			t.Errorf("%s: SkipRetry = %v, expected %v", tt.name, errors.Is(err, asynq.SkipRetry), tt.skipRetry)
		}
		if tt.name == "applied" && got != "inst-1" {
			t.Errorf("%s: processed %q, expected inst-1", tt.name, got)
		}
	}
}

package services

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hetuflow/hetuflow/internal/models"
)

type staticLeader struct{ leader atomic.Bool }

func (l *staticLeader) IsLeader() bool { return l.leader.Load() }

func TestRetryService_ProcessRetryable(t *testing.T) {
	db := newTestDB(t)
	store := NewTaskStore(db, 0)
	job := createTestJob(t, db, models.TaskConfig{})
	task := createTestTask(t, db, job, func(task *models.SchedTask) {
		task.Status = models.TaskStatusWaitingRetry
		task.RetryCount = 1
		task.MaxRetries = 3
	})

	metrics := NewMetrics()
	svc := NewRetryService(store, testSchedulerConfig(), nil, metrics)
	if n := svc.ProcessRetryable(context.Background()); n != 1 {
		t.Errorf("ProcessRetryable() = %d, expected 1", n)
	}
	if got := reloadTask(t, db, task.ID); got.Status != models.TaskStatusPending {
		t.Errorf("status = %s, expected Pending", got.Status)
	}
	if n := svc.ProcessRetryable(context.Background()); n != 0 {
		t.Errorf("second ProcessRetryable() = %d, expected 0", n)
	}
}

func TestRetryService_RunSkipsFollowers(t *testing.T) {
	db := newTestDB(t)
	store := NewTaskStore(db, 0)
	job := createTestJob(t, db, models.TaskConfig{})
	task := createTestTask(t, db, job, func(task *models.SchedTask) {
		task.Status = models.TaskStatusWaitingRetry
		task.MaxRetries = 3
	})

	cfg := testSchedulerConfig()
	cfg.RetryCheckInterval = 10 * time.Millisecond
	leader := &staticLeader{}
	svc := NewRetryService(store, cfg, leader, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	if got := reloadTask(t, db, task.ID); got.Status != models.TaskStatusWaitingRetry {
		t.Errorf("follower requeued task: status = %s, expected WaitingRetry", got.Status)
	}

	leader.leader.Store(true)
	deadline := time.Now().Add(2 * time.Second)
	for reloadTask(t, db, task.ID).Status != models.TaskStatusPending {
		if time.Now().After(deadline) {
			t.Fatal("leader did not requeue the task")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
}

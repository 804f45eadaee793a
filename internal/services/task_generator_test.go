package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hetuflow/hetuflow/internal/models"
)

var generatorBase = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestGenerator(t *testing.T) (*TaskGenerator, *JobService, *models.SchedJob) {
	t.Helper()
	db := newTestDB(t)
	jobs := NewJobService(db)
	job, err := jobs.CreateJob(context.Background(), &CreateJobRequest{
		Name:   "backup",
		Config: models.TaskConfig{Cmd: "backup.sh", MaxRetries: 2},
	})
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	gen := NewTaskGenerator(db, testSchedulerConfig(), nil, nil)
	gen.now = func() time.Time { return generatorBase }
	return gen, jobs, job
}

func countScheduleTasks(t *testing.T, gen *TaskGenerator, scheduleID string) int64 {
	t.Helper()
	var n int64
	gen.db.Model(&models.SchedTask{}).Where("schedule_id = ?", scheduleID).Count(&n)
	return n
}

func TestTaskGenerator_CronWindowIsIdempotent(t *testing.T) {
	gen, jobs, job := newTestGenerator(t)
	ctx := context.Background()

	schedule, err := jobs.CreateSchedule(ctx, &CreateScheduleRequest{
		JobID:          job.ID,
		ScheduleKind:   models.ScheduleKindCron,
		CronExpression: "*/10 * * * *",
		Priority:       5,
	})
	if err != nil {
		t.Fatalf("CreateSchedule() error = %v", err)
	}

	from, to := generatorBase, generatorBase.Add(time.Hour)
	ids, err := gen.GenerateForWindow(ctx, from, to)
	if err != nil {
		t.Fatalf("GenerateForWindow() error = %v", err)
	}
	if len(ids) != 6 {
		t.Fatalf("generated %d tasks, expected 6", len(ids))
	}

	// the same window again, also with next_run_at cleared, adds nothing
	if ids, _ = gen.GenerateForWindow(ctx, from, to); len(ids) != 0 {
		t.Errorf("second run generated %d tasks, expected 0", len(ids))
	}
	gen.db.Model(&models.SchedSchedule{}).Where("id = ?", schedule.ID).Update("next_run_at", nil)
	if ids, _ = gen.GenerateForWindow(ctx, from, to); len(ids) != 0 {
		t.Errorf("run with cleared next_run_at generated %d tasks, expected 0", len(ids))
	}
	if n := countScheduleTasks(t, gen, schedule.ID); n != 6 {
		t.Errorf("stored tasks = %d, expected 6", n)
	}

	got, _ := jobs.GetSchedule(ctx, schedule.ID)
	if got.GeneratedCount != 6 {
		t.Errorf("generated_count = %d, expected 6", got.GeneratedCount)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(to) {
		t.Errorf("next_run_at = %v, expected %v", got.NextRunAt, to)
	}

	var task models.SchedTask
	gen.db.Where("schedule_id = ?", schedule.ID).Order("scheduled_at ASC").First(&task)
	if task.Priority != 5 || task.MaxRetries != 2 || task.Config.Cmd != "backup.sh" {
		t.Errorf("task = priority %d retries %d cmd %q, expected 5/2/backup.sh", task.Priority, task.MaxRetries, task.Config.Cmd)
	}
	if !task.ScheduledAt.Equal(from) {
		t.Errorf("first scheduled_at = %v, expected %v", task.ScheduledAt, from)
	}
}

func TestTaskGenerator_CronMaxCountExpires(t *testing.T) {
	gen, jobs, job := newTestGenerator(t)
	ctx := context.Background()

	schedule, _ := jobs.CreateSchedule(ctx, &CreateScheduleRequest{
		JobID:          job.ID,
		ScheduleKind:   models.ScheduleKindCron,
		CronExpression: "0 */10 * * * *",
		MaxCount:       3,
	})

	ids, err := gen.GenerateForWindow(ctx, generatorBase, generatorBase.Add(time.Hour))
	if err != nil {
		t.Fatalf("GenerateForWindow() error = %v", err)
	}
	if len(ids) != 3 {
		t.Errorf("generated %d tasks, expected 3", len(ids))
	}

	got, _ := jobs.GetSchedule(ctx, schedule.ID)
	if got.Status != models.ScheduleStatusExpired {
		t.Errorf("status = %v, expected %v", got.Status, models.ScheduleStatusExpired)
	}
}

func TestTaskGenerator_IntervalSlotsAlignToStart(t *testing.T) {
	gen, jobs, job := newTestGenerator(t)
	ctx := context.Background()

	start := generatorBase
	schedule, err := jobs.CreateSchedule(ctx, &CreateScheduleRequest{
		JobID:        job.ID,
		ScheduleKind: models.ScheduleKindInterval,
		StartTime:    &start,
		IntervalSecs: 900,
	})
	if err != nil {
		t.Fatalf("CreateSchedule() error = %v", err)
	}

	ids, _ := gen.GenerateForWindow(ctx, start.Add(5*time.Minute), start.Add(time.Hour))
	if len(ids) != 3 {
		t.Errorf("first window generated %d tasks, expected 3", len(ids))
	}
	ids, _ = gen.GenerateForWindow(ctx, start.Add(time.Hour), start.Add(2*time.Hour))
	if len(ids) != 4 {
		t.Errorf("second window generated %d tasks, expected 4", len(ids))
	}

	var times []time.Time
	gen.db.Model(&models.SchedTask{}).Where("schedule_id = ?", schedule.ID).Order("scheduled_at ASC").Pluck("scheduled_at", &times)
	for i, at := range times {
		expected := start.Add(time.Duration(i+1) * 15 * time.Minute)
		if !at.Equal(expected) {
			t.Errorf("slot %d = %v, expected %v", i, at, expected)
		}
	}
}

func TestIntervalTimes_ZeroInterval(t *testing.T) {
	anchor := generatorBase.Add(10 * time.Minute)

	_, _, err := intervalTimes(&models.SchedSchedule{StartTime: &anchor, MaxCount: 2}, generatorBase, generatorBase.Add(time.Hour), generatorBase.Add(time.Hour), 10)
	if !errors.Is(err, ErrIntervalNotSet) {
		t.Errorf("error = %v, expected ErrIntervalNotSet", err)
	}

	times, next, err := intervalTimes(&models.SchedSchedule{StartTime: &anchor, MaxCount: 1}, generatorBase, generatorBase.Add(time.Hour), generatorBase.Add(time.Hour), 1)
	if err != nil {
		t.Fatalf("intervalTimes() error = %v", err)
	}
	if len(times) != 1 || !times[0].Equal(anchor) || next != nil {
		t.Errorf("single shot = %v next %v, expected [%v] and nil", times, next, anchor)
	}

	times, next, _ = intervalTimes(&models.SchedSchedule{StartTime: &anchor, MaxCount: 1}, generatorBase, generatorBase.Add(5*time.Minute), generatorBase.Add(5*time.Minute), 1)
	if len(times) != 0 || next == nil || !next.Equal(anchor) {
		t.Errorf("future single shot = %v next %v, expected none and %v", times, next, anchor)
	}
}

func TestTaskGenerator_EndTimePassedExpires(t *testing.T) {
	gen, jobs, job := newTestGenerator(t)
	ctx := context.Background()

	start := generatorBase.Add(-2 * time.Hour)
	end := generatorBase.Add(-time.Hour)
	schedule, _ := jobs.CreateSchedule(ctx, &CreateScheduleRequest{
		JobID:          job.ID,
		ScheduleKind:   models.ScheduleKindCron,
		CronExpression: "@hourly",
		StartTime:      &start,
		EndTime:        &end,
	})

	ids, _ := gen.GenerateForWindow(ctx, generatorBase, generatorBase.Add(time.Hour))
	if len(ids) != 0 {
		t.Errorf("generated %d tasks after end time, expected 0", len(ids))
	}
	got, _ := jobs.GetSchedule(ctx, schedule.ID)
	if got.Status != models.ScheduleStatusExpired {
		t.Errorf("status = %v, expected %v", got.Status, models.ScheduleStatusExpired)
	}
}

func TestTaskGenerator_EventAndManualTasks(t *testing.T) {
	gen, jobs, job := newTestGenerator(t)
	ctx := context.Background()

	event, _ := jobs.CreateSchedule(ctx, &CreateScheduleRequest{JobID: job.ID, ScheduleKind: models.ScheduleKindEvent})
	task, err := gen.CreateEventTask(ctx, event.ID, nil)
	if err != nil {
		t.Fatalf("CreateEventTask() error = %v", err)
	}
	if task.Priority != DefaultEventTaskPriority || task.Status != models.TaskStatusPending {
		t.Errorf("event task = priority %d status %s, expected %d pending", task.Priority, task.Status, DefaultEventTaskPriority)
	}

	priority := 7
	task, _ = gen.CreateEventTask(ctx, event.ID, &TriggerScheduleRequest{Priority: &priority, Parameters: map[string]any{"k": "v"}})
	if task.Priority != 7 || task.Parameters["k"] != "v" {
		t.Errorf("event task = priority %d params %v, expected 7 and k=v", task.Priority, task.Parameters)
	}
	got, _ := jobs.GetSchedule(ctx, event.ID)
	if got.GeneratedCount != 2 {
		t.Errorf("generated_count = %d, expected 2", got.GeneratedCount)
	}

	cron, _ := jobs.CreateSchedule(ctx, &CreateScheduleRequest{JobID: job.ID, ScheduleKind: models.ScheduleKindCron, CronExpression: "@daily"})
	if _, err := gen.CreateEventTask(ctx, cron.ID, nil); err == nil {
		t.Error("CreateEventTask on a cron schedule should fail")
	}

	manual, err := gen.CreateManualTask(ctx, &CreateTaskRequest{JobID: job.ID, Priority: 3})
	if err != nil {
		t.Fatalf("CreateManualTask() error = %v", err)
	}
	if manual.ScheduleID != nil || manual.Priority != 3 || manual.ScheduleKind != models.ScheduleKindEvent {
		t.Errorf("manual task = schedule %v priority %d kind %s, expected no schedule, 3, event", manual.ScheduleID, manual.Priority, manual.ScheduleKind)
	}
	if _, err := gen.CreateManualTask(ctx, &CreateTaskRequest{JobID: "missing"}); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("CreateManualTask(missing) error = %v, expected ErrJobNotFound", err)
	}
}

func TestJobService_CreateScheduleValidation(t *testing.T) {
	_, jobs, job := newTestGenerator(t)
	ctx := context.Background()
	start := generatorBase
	end := generatorBase.Add(-time.Hour)

	tests := []struct {
		name string
		req  CreateScheduleRequest
		want error
	}{
		{"bad cron", CreateScheduleRequest{JobID: job.ID, ScheduleKind: models.ScheduleKindCron, CronExpression: "not a cron"}, ErrInvalidRequest},
		{"zero interval", CreateScheduleRequest{JobID: job.ID, ScheduleKind: models.ScheduleKindInterval, MaxCount: 5}, ErrInvalidRequest},
		{"end before start", CreateScheduleRequest{JobID: job.ID, ScheduleKind: models.ScheduleKindEvent, StartTime: &start, EndTime: &end}, ErrInvalidRequest},
		{"unknown kind", CreateScheduleRequest{JobID: job.ID, ScheduleKind: models.ScheduleKind(42)}, ErrInvalidRequest},
		{"missing job", CreateScheduleRequest{JobID: "missing", ScheduleKind: models.ScheduleKindEvent}, ErrJobNotFound},
	}
	for _, tt := range tests {
		req := tt.req
		if _, err := jobs.CreateSchedule(ctx, &req); !errors.Is(err, tt.want) {
			t.Errorf("%s: CreateSchedule() error = %v, expected %v", tt.name, err, tt.want)
		}
	}

	if _, err := jobs.CreateJob(ctx, &CreateJobRequest{Name: "no-cmd"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("CreateJob without cmd error = %v, expected %v", err, ErrInvalidRequest)
	}
}

func TestJobService_SetScheduleEnabled(t *testing.T) {
	_, jobs, job := newTestGenerator(t)
	ctx := context.Background()

	schedule, err := jobs.CreateSchedule(ctx, &CreateScheduleRequest{JobID: job.ID, ScheduleKind: models.ScheduleKindEvent})
	if err != nil {
		t.Fatalf("CreateSchedule() error = %v", err)
	}

	disabled, err := jobs.SetScheduleEnabled(ctx, schedule.ID, false)
	if err != nil {
		t.Fatalf("SetScheduleEnabled(false) error = %v", err)
	}
	if disabled.Status != models.ScheduleStatusDisabled {
		t.Errorf("Status = %v, expected %v", disabled.Status, models.ScheduleStatusDisabled)
	}

	if err := jobs.db.Model(&models.SchedSchedule{}).Where("id = ?", schedule.ID).
		Update("status", models.ScheduleStatusExpired).Error; err != nil {
		t.Fatalf("expire schedule: %v", err)
	}
	if _, err := jobs.SetScheduleEnabled(ctx, schedule.ID, true); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("re-enabling an expired schedule error = %v, expected %v", err, ErrInvalidRequest)
	}
	if _, err := jobs.SetScheduleEnabled(ctx, "missing", true); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("SetScheduleEnabled(missing) error = %v, expected %v", err, ErrScheduleNotFound)
	}
}

package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hetuflow/hetuflow/internal/config"
	"github.com/hetuflow/hetuflow/internal/models"
	"github.com/hetuflow/hetuflow/pkg/logger"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultEventTaskPriority is used for event-triggered tasks without an
// explicit priority so they overtake routine scheduled work.
const DefaultEventTaskPriority = 100

// cronParser accepts standard 5-field expressions, an optional leading
// seconds field and descriptors such as @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var ErrIntervalNotSet = errors.New("interval_secs is zero while max_count > 1")

// LeadershipHint reports whether this replica currently leads. It is a hint
// only; generated rows are deduplicated by the database.
type LeadershipHint interface {
	IsLeader() bool
}

// TaskGenerator expands due schedules into Pending tasks.
type TaskGenerator struct {
	db      *gorm.DB
	cfg     *config.SchedulerConfig
	leader  LeadershipHint
	metrics *Metrics
	now     func() time.Time
}

func NewTaskGenerator(db *gorm.DB, cfg *config.SchedulerConfig, leader LeadershipHint, metrics *Metrics) *TaskGenerator {
	return &TaskGenerator{db: db, cfg: cfg, leader: leader, metrics: metrics, now: time.Now}
}

type CreateTaskRequest struct {
	JobID       string         `json:"job_id" binding:"required"`
	Priority    int            `json:"priority"`
	Parameters  map[string]any `json:"parameters"`
	ScheduledAt *time.Time     `json:"scheduled_at"`
}

type TriggerScheduleRequest struct {
	Priority   *int           `json:"priority"`
	Parameters map[string]any `json:"parameters"`
}

// Run generates tasks every job_check_interval while this replica leads.
func (g *TaskGenerator) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.JobCheckInterval)
	defer ticker.Stop()

	logger.Infof("[Generator] Started, interval: %v, lookahead: %v", g.cfg.JobCheckInterval, g.cfg.JobCheckDuration)
	for {
		select {
		case <-ctx.Done():
			logger.Infof("[Generator] Stopped")
			return
		case <-ticker.C:
			if g.leader != nil && !g.leader.IsLeader() {
				continue
			}
			now := g.now()
			if _, err := g.GenerateForWindow(ctx, now, now.Add(g.cfg.JobCheckDuration)); err != nil {
				logger.Errorf("[Generator] Generation failed: %v", err)
			}
		}
	}
}

// GenerateForWindow creates the tasks of every enabled cron or interval
// schedule whose fire times fall in [from, to). It returns the ids of the
// tasks actually inserted; slots that already have a task are skipped.
func (g *TaskGenerator) GenerateForWindow(ctx context.Context, from, to time.Time) ([]string, error) {
	var schedules []models.SchedSchedule
	err := g.db.WithContext(ctx).
		Where("status = ? AND schedule_kind IN ?", models.ScheduleStatusEnabled,
			[]models.ScheduleKind{models.ScheduleKindCron, models.ScheduleKindInterval}).
		Where("next_run_at IS NULL OR next_run_at < ?", to).
		Find(&schedules).Error
	if err != nil {
		return nil, fmt.Errorf("find schedulable schedules: %w", err)
	}

	var generated []string
	for i := range schedules {
		ids, err := g.generateSchedule(ctx, &schedules[i], from, to)
		if err != nil {
			logger.Warnf("[Generator] Schedule %s skipped: %v", schedules[i].ID, err)
			continue
		}
		generated = append(generated, ids...)
	}

	if len(generated) > 0 {
		logger.Infof("[Generator] Generated %d tasks for window %s - %s", len(generated), from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	g.metrics.TasksGenerated(len(generated))
	return generated, nil
}

func (g *TaskGenerator) generateSchedule(ctx context.Context, schedule *models.SchedSchedule, from, to time.Time) ([]string, error) {
	db := g.db.WithContext(ctx)

	if schedule.EndTime != nil && schedule.EndTime.Before(from) {
		return nil, g.expire(db, schedule, "end time passed")
	}
	if schedule.MaxCount > 0 && schedule.GeneratedCount >= schedule.MaxCount {
		return nil, g.expire(db, schedule, "max count reached")
	}

	var job models.SchedJob
	res := db.Where("id = ? AND status = ?", schedule.JobID, models.JobStatusEnabled).Limit(1).Find(&job)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	until := to
	if schedule.EndTime != nil && schedule.EndTime.Before(until) {
		until = *schedule.EndTime
	}

	times, next, err := g.fireTimes(schedule, from, until, to)
	if err != nil {
		return nil, err
	}

	var ids []string
	err = db.Transaction(func(tx *gorm.DB) error {
		for _, at := range times {
			task := newScheduledTask(&job, schedule, at)
			inserted, err := insertTaskOnce(tx, task)
			if err != nil {
				return err
			}
			if inserted {
				ids = append(ids, task.ID)
			}
		}

		count := schedule.GeneratedCount + len(ids)
		updates := map[string]interface{}{
			"generated_count": count,
			"next_run_at":     next,
		}
		exhausted := schedule.MaxCount > 0 && count >= schedule.MaxCount
		pastEnd := schedule.EndTime != nil && (next == nil || !next.Before(*schedule.EndTime))
		if exhausted || pastEnd || next == nil {
			updates["status"] = models.ScheduleStatusExpired
		}
		return tx.Model(&models.SchedSchedule{}).Where("id = ?", schedule.ID).Updates(updates).Error
	})
	if err != nil {
		return nil, fmt.Errorf("generate tasks for schedule %s: %w", schedule.ID, err)
	}
	return ids, nil
}

// fireTimes returns the fire times in [from, until), capped by the remaining
// max_count and max_generate_per_schedule, and the first fire time at or
// after to (nil when the schedule will never fire again).
func (g *TaskGenerator) fireTimes(schedule *models.SchedSchedule, from, until, to time.Time) ([]time.Time, *time.Time, error) {
	limit := g.cfg.MaxGeneratePerSchedule
	if limit <= 0 {
		limit = 1000
	}
	if schedule.MaxCount > 0 {
		if remaining := schedule.MaxCount - schedule.GeneratedCount; remaining < limit {
			limit = remaining
		}
	}

	switch schedule.ScheduleKind {
	case models.ScheduleKindCron:
		return cronTimes(schedule, from, until, to, limit)
	case models.ScheduleKindInterval:
		return intervalTimes(schedule, from, until, to, limit)
	}
	return nil, nil, fmt.Errorf("schedule kind %s is not generated", schedule.ScheduleKind)
}

func cronTimes(schedule *models.SchedSchedule, from, until, to time.Time, limit int) ([]time.Time, *time.Time, error) {
	sched, err := cronParser.Parse(schedule.CronExpression)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid cron expression %q: %w", schedule.CronExpression, err)
	}

	start := from
	if schedule.StartTime != nil && schedule.StartTime.After(start) {
		start = *schedule.StartTime
	}

	var times []time.Time
	// Next is strictly after its argument; step back so start itself can fire.
	cursor := start.Add(-time.Nanosecond)
	for i := 0; i < limit; i++ {
		at := sched.Next(cursor)
		if at.IsZero() || !at.Before(until) {
			break
		}
		times = append(times, at)
		cursor = at
	}

	next := sched.Next(to.Add(-time.Nanosecond))
	if len(times) > 0 && len(times) == limit {
		// capped: resume right after the last generated slot
		next = sched.Next(times[len(times)-1])
	}
	if next.IsZero() {
		return times, nil, nil
	}
	return times, &next, nil
}

// intervalTimes aligns slots to start_time + k*interval_secs so repeated
// windows hit the same slots. Without a start time the schedule's creation
// time is the anchor.
func intervalTimes(schedule *models.SchedSchedule, from, until, to time.Time, limit int) ([]time.Time, *time.Time, error) {
	anchor := schedule.CreatedAt
	if schedule.StartTime != nil {
		anchor = *schedule.StartTime
	}

	if schedule.IntervalSecs <= 0 {
		if schedule.MaxCount > 1 {
			return nil, nil, ErrIntervalNotSet
		}
		// single shot at the anchor
		if schedule.GeneratedCount > 0 || limit <= 0 {
			return nil, nil, nil
		}
		if anchor.Before(until) {
			return []time.Time{anchor}, nil, nil
		}
		return nil, &anchor, nil
	}

	interval := time.Duration(schedule.IntervalSecs) * time.Second
	slot := func(t time.Time) time.Time {
		if !t.After(anchor) {
			return anchor
		}
		k := (t.Sub(anchor) + interval - 1) / interval
		return anchor.Add(k * interval)
	}

	var times []time.Time
	for at := slot(from); at.Before(until) && len(times) < limit; at = at.Add(interval) {
		times = append(times, at)
	}

	next := slot(to)
	if len(times) > 0 && len(times) == limit {
		next = times[len(times)-1].Add(interval)
	}
	return times, &next, nil
}

func newScheduledTask(job *models.SchedJob, schedule *models.SchedSchedule, at time.Time) *models.SchedTask {
	scheduleID := schedule.ID
	return &models.SchedTask{
		ID:           newID(),
		JobID:        job.ID,
		NamespaceID:  job.NamespaceID,
		Priority:     schedule.Priority,
		Status:       models.TaskStatusPending,
		ScheduleID:   &scheduleID,
		ScheduledAt:  at,
		ScheduleKind: schedule.ScheduleKind,
		Environment:  job.Environment,
		Parameters:   map[string]any{},
		Config:       job.Config,
		MaxRetries:   int(job.Config.MaxRetries),
	}
}

// insertTaskOnce inserts task unless a task for the same schedule slot
// exists. The unique index backs the check under concurrent generators.
func insertTaskOnce(tx *gorm.DB, task *models.SchedTask) (bool, error) {
	if task.ScheduleID != nil {
		var exists int64
		if err := tx.Model(&models.SchedTask{}).
			Where("schedule_id = ? AND scheduled_at = ?", *task.ScheduleID, task.ScheduledAt).
			Count(&exists).Error; err != nil {
			return false, err
		}
		if exists > 0 {
			return false, nil
		}
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(task)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (g *TaskGenerator) expire(db *gorm.DB, schedule *models.SchedSchedule, reason string) error {
	logger.Infof("[Generator] Schedule %s expired: %s", schedule.ID, reason)
	return db.Model(&models.SchedSchedule{}).
		Where("id = ?", schedule.ID).
		Update("status", models.ScheduleStatusExpired).Error
}

// CreateEventTask creates an immediately due task for an event schedule.
func (g *TaskGenerator) CreateEventTask(ctx context.Context, scheduleID string, req *TriggerScheduleRequest) (*models.SchedTask, error) {
	db := g.db.WithContext(ctx)

	var schedule models.SchedSchedule
	res := db.Where("id = ?", scheduleID).Limit(1).Find(&schedule)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, scheduleID)
	}
	if schedule.ScheduleKind != models.ScheduleKindEvent {
		return nil, fmt.Errorf("%w: schedule %s is %s, not event", ErrInvalidRequest, scheduleID, schedule.ScheduleKind)
	}
	if schedule.Status != models.ScheduleStatusEnabled {
		return nil, fmt.Errorf("%w: schedule %s is not enabled", ErrInvalidRequest, scheduleID)
	}

	var job models.SchedJob
	res = db.Where("id = ? AND status = ?", schedule.JobID, models.JobStatusEnabled).Limit(1).Find(&job)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s is missing or disabled", ErrJobNotFound, schedule.JobID)
	}

	task := newScheduledTask(&job, &schedule, g.now())
	task.Priority = DefaultEventTaskPriority
	if req != nil {
		if req.Priority != nil {
			task.Priority = *req.Priority
		}
		if req.Parameters != nil {
			task.Parameters = req.Parameters
		}
	}

	if err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(task).Error; err != nil {
			return err
		}
		return tx.Model(&models.SchedSchedule{}).Where("id = ?", schedule.ID).
			Update("generated_count", gorm.Expr("generated_count + 1")).Error
	}); err != nil {
		return nil, fmt.Errorf("create event task: %w", err)
	}

	logger.Infof("[Generator] Event task %s created for schedule %s", task.ID, scheduleID)
	g.metrics.TasksGenerated(1)
	return task, nil
}

// CreateManualTask creates a task for a job outside any schedule.
func (g *TaskGenerator) CreateManualTask(ctx context.Context, req *CreateTaskRequest) (*models.SchedTask, error) {
	db := g.db.WithContext(ctx)

	var job models.SchedJob
	res := db.Where("id = ?", req.JobID).Limit(1).Find(&job)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, req.JobID)
	}
	if job.Status == models.JobStatusDisabled {
		return nil, fmt.Errorf("%w: job %s is disabled", ErrInvalidRequest, req.JobID)
	}

	scheduledAt := g.now()
	if req.ScheduledAt != nil {
		scheduledAt = *req.ScheduledAt
	}
	params := req.Parameters
	if params == nil {
		params = map[string]any{}
	}

	task := &models.SchedTask{
		ID:           newID(),
		JobID:        job.ID,
		NamespaceID:  job.NamespaceID,
		Priority:     req.Priority,
		Status:       models.TaskStatusPending,
		ScheduledAt:  scheduledAt,
		ScheduleKind: models.ScheduleKindEvent,
		Environment:  job.Environment,
		Parameters:   params,
		Config:       job.Config,
		MaxRetries:   int(job.Config.MaxRetries),
	}
	if err := db.Create(task).Error; err != nil {
		return nil, fmt.Errorf("create manual task: %w", err)
	}
	g.metrics.TasksGenerated(1)
	return task, nil
}

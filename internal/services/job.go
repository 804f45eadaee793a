package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hetuflow/hetuflow/internal/models"
	"gorm.io/gorm"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrInvalidRequest   = errors.New("invalid request")
)

func newID() string {
	return uuid.New().String()
}

// JobService manages jobs and the schedules bound to them.
type JobService struct {
	db *gorm.DB
}

func NewJobService(db *gorm.DB) *JobService {
	return &JobService{db: db}
}

type CreateJobRequest struct {
	NamespaceID string            `json:"namespace_id"`
	Name        string            `json:"name" binding:"required"`
	Description string            `json:"description"`
	Environment map[string]string `json:"environment"`
	Config      models.TaskConfig `json:"config"`
	Enabled     *bool             `json:"enabled"`
}

type JobListRequest struct {
	Page        int    `form:"page"`
	PageSize    int    `form:"page_size"`
	NamespaceID string `form:"namespace_id"`
	Name        string `form:"name"`
}

type JobListResponse struct {
	Total    int64             `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
	Items    []models.SchedJob `json:"items"`
}

type CreateScheduleRequest struct {
	JobID          string              `json:"job_id" binding:"required"`
	Name           string              `json:"name"`
	Description    string              `json:"description"`
	ScheduleKind   models.ScheduleKind `json:"schedule_kind" binding:"required"`
	StartTime      *time.Time          `json:"start_time"`
	EndTime        *time.Time          `json:"end_time"`
	CronExpression string              `json:"cron_expression"`
	IntervalSecs   int                 `json:"interval_secs"`
	MaxCount       int                 `json:"max_count"`
	Priority       int                 `json:"priority"`
	Enabled        *bool               `json:"enabled"`
}

type ScheduleListRequest struct {
	Page     int                   `form:"page"`
	PageSize int                   `form:"page_size"`
	JobID    string                `form:"job_id"`
	Status   models.ScheduleStatus `form:"status"`
}

type ScheduleListResponse struct {
	Total    int64                  `json:"total"`
	Page     int                    `json:"page"`
	PageSize int                    `json:"page_size"`
	Items    []models.SchedSchedule `json:"items"`
}

// CreateJob stores a job definition. Jobs are enabled unless asked otherwise.
func (s *JobService) CreateJob(ctx context.Context, req *CreateJobRequest) (*models.SchedJob, error) {
	if req.Config.Cmd == "" {
		return nil, fmt.Errorf("%w: config.cmd is required", ErrInvalidRequest)
	}
	if req.NamespaceID == "" {
		req.NamespaceID = "default"
	}

	job := &models.SchedJob{
		ID:          newID(),
		NamespaceID: req.NamespaceID,
		Name:        req.Name,
		Description: req.Description,
		Environment: req.Environment,
		Config:      req.Config,
		Status:      models.JobStatusEnabled,
	}
	if req.Enabled != nil && !*req.Enabled {
		job.Status = models.JobStatusDisabled
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

func (s *JobService) GetJob(ctx context.Context, id string) (*models.SchedJob, error) {
	var job models.SchedJob
	res := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&job)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return &job, nil
}

func (s *JobService) ListJobs(ctx context.Context, req *JobListRequest) (*JobListResponse, error) {
	if req.Page == 0 {
		req.Page = 1
	}
	if req.PageSize == 0 {
		req.PageSize = 20
	}

	var jobs []models.SchedJob
	var total int64

	query := s.db.WithContext(ctx).Model(&models.SchedJob{})
	if req.NamespaceID != "" {
		query = query.Where("namespace_id = ?", req.NamespaceID)
	}
	if req.Name != "" {
		query = query.Where("name LIKE ?", "%"+req.Name+"%")
	}
	query.Count(&total)

	offset := (req.Page - 1) * req.PageSize
	if err := query.Offset(offset).Limit(req.PageSize).Order("created_at DESC").Find(&jobs).Error; err != nil {
		return nil, err
	}

	return &JobListResponse{
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
		Items:    jobs,
	}, nil
}

// CreateSchedule validates and stores a schedule for an existing job.
func (s *JobService) CreateSchedule(ctx context.Context, req *CreateScheduleRequest) (*models.SchedSchedule, error) {
	if _, err := s.GetJob(ctx, req.JobID); err != nil {
		return nil, err
	}

	switch req.ScheduleKind {
	case models.ScheduleKindCron:
		if _, err := cronParser.Parse(req.CronExpression); err != nil {
			return nil, fmt.Errorf("%w: cron expression %q: %v", ErrInvalidRequest, req.CronExpression, err)
		}
	case models.ScheduleKindInterval:
		if req.IntervalSecs <= 0 && req.MaxCount != 1 {
			return nil, fmt.Errorf("%w: interval_secs must be positive unless max_count is 1", ErrInvalidRequest)
		}
	case models.ScheduleKindEvent, models.ScheduleKindDaemon, models.ScheduleKindFlow:
	default:
		return nil, fmt.Errorf("%w: unknown schedule kind %d", ErrInvalidRequest, req.ScheduleKind)
	}
	if req.StartTime != nil && req.EndTime != nil && !req.EndTime.After(*req.StartTime) {
		return nil, fmt.Errorf("%w: end_time must be after start_time", ErrInvalidRequest)
	}

	schedule := &models.SchedSchedule{
		ID:             newID(),
		JobID:          req.JobID,
		Name:           req.Name,
		Description:    req.Description,
		ScheduleKind:   req.ScheduleKind,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
		Status:         models.ScheduleStatusEnabled,
		CronExpression: req.CronExpression,
		IntervalSecs:   req.IntervalSecs,
		MaxCount:       req.MaxCount,
		Priority:       req.Priority,
	}
	if req.Enabled != nil && !*req.Enabled {
		schedule.Status = models.ScheduleStatusDisabled
	}
	if err := s.db.WithContext(ctx).Create(schedule).Error; err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	return schedule, nil
}

func (s *JobService) GetSchedule(ctx context.Context, id string) (*models.SchedSchedule, error) {
	var schedule models.SchedSchedule
	res := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&schedule)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	return &schedule, nil
}

func (s *JobService) ListSchedules(ctx context.Context, req *ScheduleListRequest) (*ScheduleListResponse, error) {
	if req.Page == 0 {
		req.Page = 1
	}
	if req.PageSize == 0 {
		req.PageSize = 20
	}

	var schedules []models.SchedSchedule
	var total int64

	query := s.db.WithContext(ctx).Model(&models.SchedSchedule{})
	if req.JobID != "" {
		query = query.Where("job_id = ?", req.JobID)
	}
	if req.Status != 0 {
		query = query.Where("status = ?", req.Status)
	}
	query.Count(&total)

	offset := (req.Page - 1) * req.PageSize
	if err := query.Offset(offset).Limit(req.PageSize).Order("created_at DESC").Find(&schedules).Error; err != nil {
		return nil, err
	}

	return &ScheduleListResponse{
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
		Items:    schedules,
	}, nil
}

// SetScheduleEnabled toggles a schedule. Expired schedules stay expired.
func (s *JobService) SetScheduleEnabled(ctx context.Context, id string, enabled bool) (*models.SchedSchedule, error) {
	status := models.ScheduleStatusDisabled
	if enabled {
		status = models.ScheduleStatusEnabled
	}
	res := s.db.WithContext(ctx).Model(&models.SchedSchedule{}).
		Where("id = ? AND status <> ?", id, models.ScheduleStatusExpired).
		Update("status", status)
	if res.Error != nil {
		return nil, res.Error
	}
	schedule, err := s.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 && schedule.Status == models.ScheduleStatusExpired {
		return nil, fmt.Errorf("%w: schedule %s has expired", ErrInvalidRequest, id)
	}
	return schedule, nil
}

package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/hetuflow/hetuflow/internal/models"
	"github.com/hetuflow/hetuflow/internal/services"
	"github.com/hetuflow/hetuflow/pkg/response"
)

// TaskCreator materializes tasks outside the generator window.
type TaskCreator interface {
	CreateEventTask(ctx context.Context, scheduleID string, req *services.TriggerScheduleRequest) (*models.SchedTask, error)
	CreateManualTask(ctx context.Context, req *services.CreateTaskRequest) (*models.SchedTask, error)
}

type ScheduleHandler struct {
	jobs    *services.JobService
	creator TaskCreator
}

func NewScheduleHandler(jobs *services.JobService, creator TaskCreator) *ScheduleHandler {
	return &ScheduleHandler{jobs: jobs, creator: creator}
}

type scheduleStatusRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// GET /api/v1/schedules
func (h *ScheduleHandler) List(c *gin.Context) {
	var req services.ScheduleListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	resp, err := h.jobs.ListSchedules(c.Request.Context(), &req)
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, resp)
}

// GET /api/v1/schedules/:id
func (h *ScheduleHandler) Get(c *gin.Context) {
	schedule, err := h.jobs.GetSchedule(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, schedule)
}

// POST /api/v1/schedules
func (h *ScheduleHandler) Create(c *gin.Context) {
	var req services.CreateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	schedule, err := h.jobs.CreateSchedule(c.Request.Context(), &req)
	if err != nil {
		renderError(c, err)
		return
	}
	response.Created(c, schedule)
}

// UpdateStatus enables or disables a schedule.
// PUT /api/v1/schedules/:id/status
func (h *ScheduleHandler) UpdateStatus(c *gin.Context) {
	var req scheduleStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	schedule, err := h.jobs.SetScheduleEnabled(c.Request.Context(), c.Param("id"), *req.Enabled)
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, schedule)
}

// Trigger creates an immediately due task for an event schedule. The body
// is optional.
// POST /api/v1/schedules/:id/trigger
func (h *ScheduleHandler) Trigger(c *gin.Context) {
	var req services.TriggerScheduleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}

	task, err := h.creator.CreateEventTask(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		renderError(c, err)
		return
	}
	response.Created(c, task)
}

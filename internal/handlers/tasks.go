package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/hetuflow/hetuflow/internal/models"
	"github.com/hetuflow/hetuflow/internal/services"
	"github.com/hetuflow/hetuflow/pkg/response"
)

// TaskCanceller cancels a task and stops its running instance.
type TaskCanceller interface {
	CancelTask(ctx context.Context, taskID string) (*models.SchedTask, error)
}

type TaskHandler struct {
	tasks     *services.TaskStore
	creator   TaskCreator
	canceller TaskCanceller
}

func NewTaskHandler(tasks *services.TaskStore, creator TaskCreator, canceller TaskCanceller) *TaskHandler {
	return &TaskHandler{tasks: tasks, creator: creator, canceller: canceller}
}

// GET /api/v1/tasks
func (h *TaskHandler) List(c *gin.Context) {
	var req services.TaskListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	resp, err := h.tasks.ListTasks(c.Request.Context(), &req)
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, resp)
}

// GET /api/v1/tasks/:id
func (h *TaskHandler) Get(c *gin.Context) {
	task, err := h.tasks.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, task)
}

// Instances lists every execution attempt of a task.
// GET /api/v1/tasks/:id/instances
func (h *TaskHandler) Instances(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := h.tasks.GetTask(ctx, c.Param("id")); err != nil {
		renderError(c, err)
		return
	}
	instances, err := h.tasks.ListInstances(ctx, c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, instances)
}

// Create queues a one-off task for a job.
// POST /api/v1/tasks
func (h *TaskHandler) Create(c *gin.Context) {
	var req services.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	task, err := h.creator.CreateManualTask(c.Request.Context(), &req)
	if err != nil {
		renderError(c, err)
		return
	}
	response.Created(c, task)
}

// POST /api/v1/tasks/:id/cancel
func (h *TaskHandler) Cancel(c *gin.Context) {
	task, err := h.canceller.CancelTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, task)
}

package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/hetuflow/hetuflow/internal/services"
	"github.com/hetuflow/hetuflow/pkg/response"
)

type JobHandler struct {
	jobs *services.JobService
}

func NewJobHandler(jobs *services.JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// List returns jobs, newest first.
// GET /api/v1/jobs
func (h *JobHandler) List(c *gin.Context) {
	var req services.JobListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	resp, err := h.jobs.ListJobs(c.Request.Context(), &req)
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, resp)
}

// GET /api/v1/jobs/:id
func (h *JobHandler) Get(c *gin.Context) {
	job, err := h.jobs.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	response.Success(c, job)
}

// POST /api/v1/jobs
func (h *JobHandler) Create(c *gin.Context) {
	var req services.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	job, err := h.jobs.CreateJob(c.Request.Context(), &req)
	if err != nil {
		renderError(c, err)
		return
	}
	response.Created(c, job)
}

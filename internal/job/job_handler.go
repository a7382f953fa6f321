package job

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/schoolerp/jobqueue/common"
	"github.com/schoolerp/jobqueue/internal/config"
	"github.com/schoolerp/jobqueue/internal/dto"
	"github.com/schoolerp/jobqueue/middleware"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type JobHandler struct {
	service JobServiceInterface
}

func NewJobHandler(s JobServiceInterface) *JobHandler {
	return &JobHandler{service: s}
}

var _ JobHandlerInterface = (*JobHandler)(nil)

// RegisterRoutes mounts the job endpoints on r.
func RegisterRoutes(r gin.IRouter, h JobHandlerInterface) {
	r.POST("/jobs", h.Create)
	r.GET("/jobs", h.List)
	r.GET("/jobs/:id", h.Get)
	r.POST("/jobs/:id/retry", h.Retry)
	r.GET("/queues/:topic/stats", h.Stats)
}

// Create handles HTTP requests for enqueuing a new job.
// It validates and binds the request body, delegates to the JobService,
// and returns HTTP 201 with the new job id.
func (h *JobHandler) Create(c *gin.Context) {
	var req dto.JobCreateDTO

	if !middleware.Bind(c, &req) {
		c.Abort()
		return
	}

	id, err := h.service.Enqueue(c.Request.Context(), req.Topic, req.Kind, req.Payload, req.EnqueueOptions)
	if err != nil {
		c.Error(err)
		c.Abort()
		return
	}

	c.JSON(http.StatusCreated, dto.JobCreatedDTO{ID: id})
}

// Get handles HTTP requests to fetch a job by its ID.
func (h *JobHandler) Get(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	resp, err := h.service.GetJobByID(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// List returns the newest jobs, optionally filtered by topic and state.
func (h *JobHandler) List(c *gin.Context) {
	filter := dto.ListFilter{
		Topic: c.Query("topic"),
		State: config.JobState(c.Query("state")),
		Limit: defaultListLimit,
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxListLimit {
			c.Error(common.Errf(http.StatusBadRequest, "limit must be between 1 and %d", maxListLimit))
			return
		}
		filter.Limit = limit
	}

	jobs, err := h.service.ListJobs(c.Request.Context(), filter)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, jobs)
}

// Retry moves a failed job back to waiting.
func (h *JobHandler) Retry(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	if err := h.service.RetryJob(c.Request.Context(), id); err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *JobHandler) Stats(c *gin.Context) {
	stats, err := h.service.GetStats(c.Request.Context(), c.Param("topic"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

func jobID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if err := uuid.Validate(id); err != nil {
		c.Error(common.Errf(http.StatusBadRequest, "invalid ID"))
		return "", false
	}
	return id, true
}

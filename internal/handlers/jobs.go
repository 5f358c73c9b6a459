package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fablecast/fablecast-backend/internal/platform/dbctx"
	"github.com/fablecast/fablecast-backend/internal/services"
)

type JobsHandler struct {
	jobs services.VideoJobService
}

func NewJobsHandler(jobs services.VideoJobService) *JobsHandler {
	return &JobsHandler{jobs: jobs}
}

func (h *JobsHandler) dbc(c *gin.Context) dbctx.Context {
	return dbctx.Context{Ctx: c.Request.Context()}
}

// POST /api/jobs
func (h *JobsHandler) CreateJob(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "missing_owner", fmt.Errorf("missing or invalid X-User-ID"))
		return
	}
	var req services.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	job, err := h.jobs.Create(h.dbc(c), owner, req)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job": job})
}

// GET /api/jobs
func (h *JobsHandler) ListJobs(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "missing_owner", fmt.Errorf("missing or invalid X-User-ID"))
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	out, err := h.jobs.ListForOwner(h.dbc(c), owner, limit)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"jobs": out})
}

// GET /api/jobs/:id
func (h *JobsHandler) GetJobByID(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "missing_owner", fmt.Errorf("missing or invalid X-User-ID"))
		return
	}
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	view, err := h.jobs.GetForOwner(h.dbc(c), owner, jobID)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, view)
}

// GET /api/jobs/:id/artifacts
func (h *JobsHandler) GetJobArtifacts(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "missing_owner", fmt.Errorf("missing or invalid X-User-ID"))
		return
	}
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	artifacts, err := h.jobs.ArtifactsForOwner(h.dbc(c), owner, jobID)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"artifacts": artifacts})
}

// POST /api/jobs/:id/resume
func (h *JobsHandler) ResumeJob(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "missing_owner", fmt.Errorf("missing or invalid X-User-ID"))
		return
	}
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.jobs.Resume(c.Request.Context(), owner, jobID)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

// POST /api/jobs/:id/cancel
func (h *JobsHandler) CancelJob(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "missing_owner", fmt.Errorf("missing or invalid X-User-ID"))
		return
	}
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.jobs.Cancel(h.dbc(c), owner, jobID)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

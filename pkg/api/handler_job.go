package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/lexpipe/lexpipe/pkg/models"
	"github.com/lexpipe/lexpipe/pkg/services"
)

const defaultPerPage = 25

// listJobsHandler handles GET /api/v1/matters/:matterID/jobs.
func (s *Server) listJobsHandler(c *echo.Context) error {
	matterID := c.Param("matterID")

	page := 1
	if v := c.QueryParam("page"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			page = p
		}
	}
	perPage := defaultPerPage
	if v := c.QueryParam("per_page"); v != "" {
		if pp, err := strconv.Atoi(v); err == nil && pp > 0 && pp <= 100 {
			perPage = pp
		}
	}

	filter := services.ListJobsFilter{
		DocumentID: c.QueryParam("document_id"),
		Limit:      perPage,
		Offset:     (page - 1) * perPage,
	}
	if v := c.QueryParam("status"); v != "" {
		status := models.JobStatus(v)
		switch status {
		case models.JobStatusQueued, models.JobStatusProcessing, models.JobStatusCompleted,
			models.JobStatusFailed, models.JobStatusCancelled, models.JobStatusSkipped:
			filter.Status = status
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+v)
		}
	}

	ctx := c.Request().Context()
	jobs, err := s.jobs.ListJobs(ctx, matterID, filter)
	if err != nil {
		return err
	}
	total, err := s.jobs.CountJobs(ctx, matterID, filter)
	if err != nil {
		return err
	}

	totalPages := (total + perPage - 1) / perPage
	if jobs == nil {
		jobs = []*models.ProcessingJob{}
	}
	return c.JSON(http.StatusOK, &JobListResponse{
		Jobs: jobs,
		Meta: ListMeta{Total: total, Page: page, PerPage: perPage, TotalPages: totalPages},
	})
}

// getJobHandler handles GET /api/v1/matters/:matterID/jobs/:id.
func (s *Server) getJobHandler(c *echo.Context) error {
	matterID := c.Param("matterID")
	jobID := c.Param("id")
	if jobID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "job id is required")
	}

	if s.matterCache != nil {
		if cached, ok := s.matterCache.Get(matterID, "job:"+jobID); ok {
			if detail, ok := cached.(*JobDetailResponse); ok && detail.Status.IsTerminal() {
				// Only terminal jobs are served from cache; live ones change
				// too fast for a stale read to be acceptable.
				return c.JSON(http.StatusOK, detail)
			}
		}
	}

	ctx := c.Request().Context()
	job, err := s.jobs.GetJob(ctx, matterID, jobID)
	if err != nil {
		return err
	}
	history, err := s.stages.ListStageHistory(ctx, jobID)
	if err != nil {
		return err
	}

	detail := &JobDetailResponse{ProcessingJob: job, StageHistory: history}
	if s.matterCache != nil && job.Status.IsTerminal() {
		s.matterCache.Set(matterID, "job:"+jobID, detail)
	}
	return c.JSON(http.StatusOK, detail)
}

// cancelJobHandler handles POST /api/v1/matters/:matterID/jobs/:id/cancel.
func (s *Server) cancelJobHandler(c *echo.Context) error {
	matterID := c.Param("matterID")
	jobID := c.Param("id")
	if jobID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "job id is required")
	}

	job, err := s.jobs.CancelJob(c.Request().Context(), matterID, jobID)
	if err != nil {
		return err
	}

	// Interrupt the worker on this pod if it is running the job right now;
	// other pods notice via the periodic CANCELLED check.
	if s.workerPool != nil {
		s.workerPool.CancelJob(jobID)
	}
	s.invalidate(matterID)

	return c.JSON(http.StatusOK, &TransitionResponse{
		JobID:     job.ID,
		NewStatus: string(job.Status),
		Message:   "Job cancellation requested",
	})
}

// retryRequest is the body for POST .../jobs/:id/retry.
type retryRequest struct {
	// Restart drops the stage cursor and checkpoints for a from-scratch run.
	// The default keeps partial progress so the rerun resumes mid-stage.
	Restart bool `json:"restart"`
}

// retryJobHandler handles POST /api/v1/matters/:matterID/jobs/:id/retry.
func (s *Server) retryJobHandler(c *echo.Context) error {
	matterID := c.Param("matterID")
	jobID := c.Param("id")
	if jobID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "job id is required")
	}

	var req retryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	ctx := c.Request().Context()
	job, err := s.jobs.RetryJob(ctx, matterID, jobID, req.Restart)
	if err != nil {
		return err
	}
	if err := s.pipeline.Dispatch(ctx, job.ID, 0); err != nil {
		return err
	}
	s.invalidate(matterID)

	msg := "Job requeued, resuming from checkpoint"
	if req.Restart {
		msg = "Job requeued from the beginning"
	}
	return c.JSON(http.StatusOK, &TransitionResponse{
		JobID:     job.ID,
		NewStatus: string(job.Status),
		Message:   msg,
	})
}

// skipRequest is the body for POST .../jobs/:id/skip.
type skipRequest struct {
	Reason string `json:"reason"`
}

// skipJobHandler handles POST /api/v1/matters/:matterID/jobs/:id/skip.
func (s *Server) skipJobHandler(c *echo.Context) error {
	matterID := c.Param("matterID")
	jobID := c.Param("id")
	if jobID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "job id is required")
	}

	var req skipRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Reason == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reason is required")
	}

	job, err := s.jobs.SkipJob(c.Request().Context(), matterID, jobID, req.Reason)
	if err != nil {
		return err
	}
	if s.workerPool != nil {
		s.workerPool.CancelJob(jobID)
	}
	s.invalidate(matterID)

	return c.JSON(http.StatusOK, &TransitionResponse{
		JobID:     job.ID,
		NewStatus: string(job.Status),
	})
}

// queueStatsHandler handles GET /api/v1/matters/:matterID/queue/stats.
func (s *Server) queueStatsHandler(c *echo.Context) error {
	matterID := c.Param("matterID")

	if s.matterCache != nil {
		if cached, ok := s.matterCache.Get(matterID, "queue_stats"); ok {
			if stats, ok := cached.(*models.QueueStats); ok {
				return c.JSON(http.StatusOK, stats)
			}
		}
	}

	stats, err := s.jobs.GetQueueStats(c.Request().Context(), matterID)
	if err != nil {
		return err
	}
	if s.matterCache != nil {
		s.matterCache.Set(matterID, "queue_stats", stats)
	}
	return c.JSON(http.StatusOK, stats)
}

// invalidate drops every cached read for a matter after a mutation.
func (s *Server) invalidate(matterID string) {
	if s.matterCache != nil {
		s.matterCache.InvalidateMatter(matterID)
	}
}

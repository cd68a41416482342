package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/lexpipe/lexpipe/pkg/config"
	"github.com/lexpipe/lexpipe/pkg/database"
	"github.com/lexpipe/lexpipe/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health. Minimal unauthenticated liveness check:
// only the database is probed, so an external-provider outage never makes
// the orchestrator restart the pod.
func (s *Server) healthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if pool := database.CheckPool(ctx, s.dbClient.DB()); !pool.Healthy {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: pool.Error}
	} else {
		checks["database"] = HealthCheck{Status: healthStatusHealthy}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	return c.JSON(httpStatus, &HealthResponse{Status: status, Checks: checks})
}

// systemHealthHandler handles GET /api/v1/system/health: database, Redis,
// and worker pool state in one payload for dashboards.
func (s *Server) systemHealthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	dbPool := database.CheckPool(ctx, s.dbClient.DB())
	switch {
	case !dbPool.Healthy:
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: dbPool.Error}
	case dbPool.Saturated:
		// Queries are queuing behind the pool; jobs slow down before
		// anything outright fails.
		status = healthStatusDegraded
		checks["database"] = HealthCheck{Status: healthStatusDegraded, Message: "connection pool saturated"}
	default:
		checks["database"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.rdb != nil {
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			// Redis only degrades: rate limiting fails open and ETAs fall
			// back to the default rate.
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["redis"] = HealthCheck{Status: healthStatusDegraded, Message: err.Error()}
		} else {
			checks["redis"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	var poolPayload any
	if s.workerPool != nil {
		pool := s.workerPool.Health(ctx)
		poolPayload = pool
		if pool != nil && !pool.IsHealthy {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			msg := healthStatusUnhealthy
			if pool.DBError != "" {
				msg = pool.DBError
			}
			checks["worker_pool"] = HealthCheck{Status: healthStatusDegraded, Message: msg}
		} else {
			checks["worker_pool"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	return c.JSON(httpStatus, map[string]any{
		"status":   status,
		"version":  version.Full(),
		"checks":   checks,
		"database": dbPool,
		"pool":     poolPayload,
	})
}

// recoveryStatsHandler handles GET /api/v1/jobs/recovery/stats.
func (s *Server) recoveryStatsHandler(c *echo.Context) error {
	if s.recoveryCfg == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "recovery is not configured")
	}
	ctx := c.Request().Context()

	cutoff := time.Now().UTC().Add(-s.recoveryCfg.StaleTimeout)
	stale, err := s.jobs.ListStaleProcessing(ctx, cutoff, s.recoveryCfg.BatchLimit)
	if err != nil {
		return err
	}
	recovered, err := s.jobs.CountRecoveredSince(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		return err
	}

	resp := &RecoveryStatsResponse{
		StaleJobsCount:    len(stale),
		RecoveredLastHour: recovered,
		StaleJobs:         stale,
		Configuration: RecoveryConfiguration{
			StaleTimeoutMinutes: int(s.recoveryCfg.StaleTimeout.Minutes()),
			MaxRecoveryRetries:  s.recoveryCfg.MaxRecoveryRetries,
			RecoveryEnabled:     s.sweeper != nil,
		},
	}
	if s.sweeper != nil {
		resp.Sweeps = s.sweeper.Status()
	}
	return c.JSON(http.StatusOK, resp)
}

// recoveryRunHandler handles POST /api/v1/jobs/recovery/run: an on-demand
// stale sweep outside the ticker schedule.
func (s *Server) recoveryRunHandler(c *echo.Context) error {
	if s.sweeper == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "recovery is not configured")
	}
	summary := s.sweeper.SweepStale(c.Request().Context())
	return c.JSON(http.StatusOK, summary)
}

// recoverJobHandler handles POST /api/v1/jobs/recovery/:id.
func (s *Server) recoverJobHandler(c *echo.Context) error {
	if s.sweeper == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "recovery is not configured")
	}
	jobID := c.Param("id")
	if jobID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "job id is required")
	}

	outcome, err := s.sweeper.RecoverOne(c.Request().Context(), jobID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, outcome)
}

// tierDescriptions label the endpoint classes on the status payload.
var tierDescriptions = map[string]string{
	config.TierCritical: "uploads and job mutations",
	config.TierExport:   "exports and downloads",
	config.TierSearch:   "search and listing",
	config.TierStandard: "general API traffic",
	config.TierReadOnly: "single-resource reads",
	config.TierHealth:   "health and status probes",
}

// rateLimitStatusHandler handles GET /api/v1/ratelimit/status. The key
// defaults to the caller's IP; dashboards pass ?key=<matterID>.
func (s *Server) rateLimitStatusHandler(c *echo.Context) error {
	if s.limiter == nil || s.rateCfg == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "rate limiting is not configured")
	}
	key := c.QueryParam("key")
	if key == "" {
		key = c.RealIP()
	}

	usages, err := s.limiter.Status(c.Request().Context(), key)
	if err != nil {
		return fmt.Errorf("failed to read rate limit status: %w", err)
	}

	tiers := make(map[string]TierStatus, len(usages))
	for _, u := range usages {
		tiers[u.Tier] = TierStatus{
			Limit:       u.Limit,
			Window:      "1m",
			Description: tierDescriptions[u.Tier],
			Used:        u.Used,
			Remaining:   u.Remaining,
			Reset:       u.Reset,
		}
	}
	return c.JSON(http.StatusOK, &RateLimitStatusResponse{
		Key:     key,
		Tiers:   tiers,
		Storage: "redis",
	})
}

// cacheStatsHandler handles GET /api/v1/system/cache.
func (s *Server) cacheStatsHandler(c *echo.Context) error {
	if s.matterCache == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "cache is not configured")
	}
	return c.JSON(http.StatusOK, s.matterCache.Stats())
}

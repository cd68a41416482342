// Package api exposes the job engine over HTTP: job lifecycle endpoints,
// document upload, recovery and rate-limit introspection, and the WebSocket
// progress feed. Every route is scoped to a matter where the resource is;
// cross-matter reads are structurally impossible at this layer.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
	"github.com/redis/go-redis/v9"

	"github.com/lexpipe/lexpipe/pkg/cache"
	"github.com/lexpipe/lexpipe/pkg/config"
	"github.com/lexpipe/lexpipe/pkg/database"
	"github.com/lexpipe/lexpipe/pkg/eta"
	"github.com/lexpipe/lexpipe/pkg/external"
	"github.com/lexpipe/lexpipe/pkg/models"
	"github.com/lexpipe/lexpipe/pkg/queue"
	"github.com/lexpipe/lexpipe/pkg/ratelimit"
	"github.com/lexpipe/lexpipe/pkg/recovery"
	"github.com/lexpipe/lexpipe/pkg/services"
)

// JobDirectory is the slice of services.JobService the handlers use.
type JobDirectory interface {
	ListJobs(ctx context.Context, matterID string, filter services.ListJobsFilter) ([]*models.ProcessingJob, error)
	CountJobs(ctx context.Context, matterID string, filter services.ListJobsFilter) (int, error)
	GetJob(ctx context.Context, matterID, jobID string) (*models.ProcessingJob, error)
	CancelJob(ctx context.Context, matterID, jobID string) (*models.ProcessingJob, error)
	RetryJob(ctx context.Context, matterID, jobID string, restart bool) (*models.ProcessingJob, error)
	SkipJob(ctx context.Context, matterID, jobID, reason string) (*models.ProcessingJob, error)
	GetQueueStats(ctx context.Context, matterID string) (*models.QueueStats, error)
	ListStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]*models.ProcessingJob, error)
	CountRecoveredSince(ctx context.Context, since time.Time) (int, error)
}

// StageHistoryReader loads per-stage history for job detail responses.
type StageHistoryReader interface {
	ListStageHistory(ctx context.Context, jobID string) ([]*models.JobStageHistory, error)
}

// DocumentDirectory is the slice of services.DocumentService the handlers use.
type DocumentDirectory interface {
	CreateDocument(ctx context.Context, matterID, fileName, blobPath string, pageCount int) (*models.Document, error)
	GetDocument(ctx context.Context, matterID, documentID string) (*models.Document, error)
	ListDocuments(ctx context.Context, matterID string, limit int) ([]*models.Document, error)
}

// PipelineStarter creates and dispatches processing jobs. Implemented by
// pipeline.Orchestrator.
type PipelineStarter interface {
	Start(ctx context.Context, matterID, documentID string, jobType models.JobType) (*models.ProcessingJob, error)
	Dispatch(ctx context.Context, jobID string, delay time.Duration) error
}

// PoolStatus exposes the worker pool to the health and cancel endpoints.
type PoolStatus interface {
	Health(ctx context.Context) *queue.PoolHealth
	CancelJob(jobID string) bool
}

// RecoveryRunner exposes the sweeper to the manual recovery endpoints.
type RecoveryRunner interface {
	SweepStale(ctx context.Context) recovery.Summary
	RecoverOne(ctx context.Context, jobID string) (*recovery.Outcome, error)
	Status() map[string]recovery.Summary
}

// UsageReporter reads current rate-limit window state without consuming it.
type UsageReporter interface {
	Status(ctx context.Context, key string) ([]ratelimit.TierUsage, error)
}

// ETAReader estimates processing duration for queued documents.
type ETAReader interface {
	EstimateDocument(ctx context.Context, pageCount, queueDepth int) eta.Estimate
}

// ConnectionHandler owns WebSocket connections. Implemented by
// events.Broadcaster.
type ConnectionHandler interface {
	HandleConnection(ctx context.Context, conn *websocket.Conn)
}

// Server is the HTTP server for the job engine API.
type Server struct {
	cfg       *config.ServerConfig
	dbClient  *database.Client
	jobs      JobDirectory
	stages    StageHistoryReader
	documents DocumentDirectory
	blob      external.Blob
	pipeline  PipelineStarter

	// Optional collaborators, wired via Set* before Start.
	rdb         *redis.Client
	workerPool  PoolStatus
	sweeper     RecoveryRunner
	recoveryCfg *config.RecoveryConfig
	limiter     *ratelimit.Limiter
	rateCfg     *config.RateLimitConfig
	broadcaster ConnectionHandler
	matterCache *cache.MatterCache
	estimator   ETAReader

	echo       *echo.Echo
	httpServer *http.Server
}

// NewServer creates a Server with its required collaborators. Optional ones
// (worker pool, sweeper, limiter, broadcaster, cache, estimator) are attached
// with the Set* methods; routes are built lazily on first Handler call.
func NewServer(cfg *config.ServerConfig, dbClient *database.Client, jobs JobDirectory, stages StageHistoryReader, documents DocumentDirectory, blob external.Blob, pipeline PipelineStarter) *Server {
	return &Server{
		cfg:       cfg,
		dbClient:  dbClient,
		jobs:      jobs,
		stages:    stages,
		documents: documents,
		blob:      blob,
		pipeline:  pipeline,
	}
}

// SetRedis wires the Redis client for health checks.
func (s *Server) SetRedis(rdb *redis.Client) { s.rdb = rdb }

// SetWorkerPool wires the worker pool for health and cancel propagation.
func (s *Server) SetWorkerPool(pool PoolStatus) { s.workerPool = pool }

// SetSweeper wires the recovery sweeper and its config for the recovery endpoints.
func (s *Server) SetSweeper(sweeper RecoveryRunner, cfg *config.RecoveryConfig) {
	s.sweeper = sweeper
	s.recoveryCfg = cfg
}

// SetLimiter wires the rate limiter; nil disables throttling middleware.
func (s *Server) SetLimiter(l *ratelimit.Limiter, cfg *config.RateLimitConfig) {
	s.limiter = l
	s.rateCfg = cfg
}

// SetBroadcaster wires the WebSocket connection handler.
func (s *Server) SetBroadcaster(b ConnectionHandler) { s.broadcaster = b }

// SetCache wires the per-matter read cache.
func (s *Server) SetCache(c *cache.MatterCache) { s.matterCache = c }

// SetEstimator wires the ETA estimator for document detail responses.
func (s *Server) SetEstimator(e ETAReader) { s.estimator = e }

// Handler returns the routed http.Handler, building routes on first use.
func (s *Server) Handler() http.Handler {
	if s.echo == nil {
		s.echo = s.routes()
	}
	return s.echo
}

// limited attaches the tier's rate-limit middleware when a limiter is wired.
func (s *Server) limited(tier string) []echo.MiddlewareFunc {
	if s.limiter == nil {
		return nil
	}
	return []echo.MiddlewareFunc{ratelimit.Middleware(s.limiter, tier)}
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.Use(errorEnvelope())
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler, s.limited(config.TierHealth)...)

	v1 := e.Group("/api/v1")

	matters := v1.Group("/matters/:matterID")
	matters.GET("/jobs", s.listJobsHandler, s.limited(config.TierReadOnly)...)
	matters.GET("/jobs/:id", s.getJobHandler, s.limited(config.TierReadOnly)...)
	matters.POST("/jobs/:id/cancel", s.cancelJobHandler, s.limited(config.TierCritical)...)
	matters.POST("/jobs/:id/retry", s.retryJobHandler, s.limited(config.TierCritical)...)
	matters.POST("/jobs/:id/skip", s.skipJobHandler, s.limited(config.TierCritical)...)
	matters.GET("/queue/stats", s.queueStatsHandler, s.limited(config.TierReadOnly)...)
	matters.GET("/documents", s.listDocumentsHandler, s.limited(config.TierReadOnly)...)
	matters.GET("/documents/:id", s.getDocumentHandler, s.limited(config.TierReadOnly)...)
	matters.POST("/documents", s.uploadDocumentHandler, s.limited(config.TierStandard)...)

	v1.GET("/jobs/recovery/stats", s.recoveryStatsHandler, s.limited(config.TierReadOnly)...)
	v1.POST("/jobs/recovery/run", s.recoveryRunHandler, s.limited(config.TierCritical)...)
	v1.POST("/jobs/recovery/:id", s.recoverJobHandler, s.limited(config.TierCritical)...)

	v1.GET("/ratelimit/status", s.rateLimitStatusHandler)
	v1.GET("/system/health", s.systemHealthHandler, s.limited(config.TierHealth)...)
	v1.GET("/system/cache", s.cacheStatsHandler, s.limited(config.TierReadOnly)...)

	v1.GET("/ws", s.wsHandler)

	return e
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

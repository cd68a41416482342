// lexpipe server — provides the HTTP API, runs queue workers, and owns the
// background recovery and retention loops for document processing.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/lexpipe/lexpipe/pkg/api"
	"github.com/lexpipe/lexpipe/pkg/cache"
	"github.com/lexpipe/lexpipe/pkg/cleanup"
	"github.com/lexpipe/lexpipe/pkg/config"
	"github.com/lexpipe/lexpipe/pkg/database"
	"github.com/lexpipe/lexpipe/pkg/eta"
	"github.com/lexpipe/lexpipe/pkg/events"
	"github.com/lexpipe/lexpipe/pkg/external"
	"github.com/lexpipe/lexpipe/pkg/ocr"
	"github.com/lexpipe/lexpipe/pkg/pipeline"
	"github.com/lexpipe/lexpipe/pkg/progress"
	"github.com/lexpipe/lexpipe/pkg/queue"
	"github.com/lexpipe/lexpipe/pkg/ratelimit"
	"github.com/lexpipe/lexpipe/pkg/recovery"
	"github.com/lexpipe/lexpipe/pkg/services"
	"github.com/lexpipe/lexpipe/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	configPath := flag.String("config",
		getEnv("LEXPIPE_CONFIG", "./deploy/config/lexpipe.yaml"),
		"Path to configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, continuing with existing environment", "error", err)
	}

	podID := resolvePodID()
	slog.Info("Starting lexpipe",
		"version", version.Full(),
		"pod_id", podID,
		"config", *configPath)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database (runs migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	db := dbClient.DB()
	slog.Info("Connected to PostgreSQL database")

	// 3. Redis — rate limiting, ETA window, worker liveness. The engine
	// degrades rather than dies when Redis is down, so a failed ping only
	// warns.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("Redis unreachable at startup, continuing degraded", "addr", cfg.Redis.Addr, "error", err)
	}

	// 4. Stores and domain services
	jobService := services.NewJobService(db)
	documentService := services.NewDocumentService(db)
	stageService := services.NewStageService(db)
	chunkService := services.NewChunkService(db)
	taskStore := queue.NewTaskStore(db)
	slog.Info("Services initialized")

	// 5. Broadcast infrastructure: events persist for catch-up and fan out
	// over LISTEN/NOTIFY to every pod's WebSocket clients.
	eventStore := events.NewStore(db)
	broadcaster := events.NewBroadcaster(eventStore, 10*time.Second)
	notifyListener := events.NewNotifyListener(dbConfig.DSN(), broadcaster)
	if err := notifyListener.Start(ctx); err != nil {
		slog.Error("Failed to start notify listener", "error", err)
		os.Exit(1)
	}
	defer notifyListener.Stop(ctx)
	broadcaster.SetListener(notifyListener)
	publisher := events.NewPublisher(db)
	slog.Info("Broadcast infrastructure initialized")

	// 6. External providers
	blob, err := external.NewFSBlob(cfg.Server.BlobDir)
	if err != nil {
		slog.Error("Failed to open blob store", "dir", cfg.Server.BlobDir, "error", err)
		os.Exit(1)
	}
	ocrProvider := external.NewBreakerOCR(external.NewSidecarOCR(
		getEnv("OCR_SERVICE_URL", "http://localhost:9091"), nil))
	embedder := external.NewSidecarEmbedder(
		getEnv("EMBED_SERVICE_URL", "http://localhost:9092"), nil)
	llm := external.NewSidecarLLM(
		getEnv("LLM_SERVICE_URL", "http://localhost:9093"), nil)

	// 7. Pipeline
	liveness := queue.NewLiveness(rdb, podID, cfg.Queue.LivenessTTL)
	estimator := eta.NewEstimator(rdb, cfg.ETA, liveness)
	coordinator := ocr.NewCoordinator(chunkService, ocrProvider, blob, cfg.OCR)
	tracker := progress.NewTracker(jobService)
	executor := pipeline.NewExecutor(jobService, stageService, tracker, publisher)
	stages := pipeline.NewStages(documentService, blob, coordinator, embedder, llm)
	orchestrator := pipeline.NewOrchestrator(
		executor, stages, jobService, jobService, documentService, taskStore, publisher, estimator)

	// 8. Worker pool (registers liveness and runs the startup orphan pass)
	workerPool := queue.NewWorkerPool(
		podID, taskStore, jobService, cfg.Queue, orchestrator, publisher, liveness)
	if err := workerPool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 9. Background loops: recovery sweeps and retention pruning
	sweeper := recovery.NewSweeper(
		cfg.Recovery, cfg.Retention, jobService, stageService, documentService,
		chunkService, coordinator, orchestrator)
	sweeper.Start(ctx)

	cleanupService := cleanup.NewService(cfg.Retention, taskStore, eventStore)
	cleanupService.Start(ctx)

	// 10. HTTP server
	matterCache, err := cache.NewMatterCache(cfg.Cache)
	if err != nil {
		slog.Error("Failed to build matter cache", "error", err)
		os.Exit(1)
	}

	httpServer := api.NewServer(
		cfg.Server, dbClient, jobService, stageService, documentService, blob, orchestrator)
	httpServer.SetRedis(rdb)
	httpServer.SetWorkerPool(workerPool)
	httpServer.SetSweeper(sweeper, cfg.Recovery)
	httpServer.SetLimiter(ratelimit.NewLimiter(rdb, cfg.RateLimit), cfg.RateLimit)
	httpServer.SetBroadcaster(broadcaster)
	httpServer.SetCache(matterCache)
	httpServer.SetEstimator(estimator)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.Start(cfg.Server.ListenAddr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("lexpipe started successfully",
		"pod_id", podID,
		"workers", cfg.Queue.WorkerCount)

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown. Background loops stop first so nothing new is
	// dispatched, then workers drain, then the HTTP listener closes.
	sweeper.Stop()
	cleanupService.Stop()

	workerShutdownCtx, workerCancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer workerCancel()

	done := make(chan struct{})
	go func() {
		workerPool.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-workerShutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded — released jobs will be orphan-recovered")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}

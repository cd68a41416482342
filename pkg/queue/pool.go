package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/lexpipe/lexpipe/pkg/config"
	"github.com/lexpipe/lexpipe/pkg/services"
)

// WorkerPool manages a pool of queue workers plus the pod's liveness
// registration and the startup orphan pass.
type WorkerPool struct {
	podID     string
	tasks     *TaskStore
	jobs      *services.JobService
	config    *config.QueueConfig
	executor  JobExecutor
	publisher EventPublisher
	liveness  *Liveness
	workers   []*Worker

	// Job cancel registry: job_id -> cancel function
	activeJobs map[string]context.CancelFunc
	mu         sync.RWMutex
	started    bool
	stopping   atomic.Bool
}

// NewWorkerPool creates a new worker pool. liveness and publisher may be nil.
func NewWorkerPool(podID string, tasks *TaskStore, jobs *services.JobService, cfg *config.QueueConfig, executor JobExecutor, publisher EventPublisher, liveness *Liveness) *WorkerPool {
	return &WorkerPool{
		podID:      podID,
		tasks:      tasks,
		jobs:       jobs,
		config:     cfg,
		executor:   executor,
		publisher:  publisher,
		liveness:   liveness,
		workers:    make([]*Worker, 0, cfg.WorkerCount),
		activeJobs: make(map[string]context.CancelFunc),
	}
}

// Start registers liveness, releases work abandoned by dead pods, and spawns
// worker goroutines. Safe to call multiple times; repeats are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.config.WorkerCount)

	if p.liveness != nil {
		if err := p.liveness.Start(ctx); err != nil {
			return fmt.Errorf("starting liveness: %w", err)
		}
		if err := p.recoverAbandoned(ctx); err != nil {
			// Not fatal: the stale sweeper catches anything missed here.
			slog.Error("Startup orphan pass failed", "pod_id", p.podID, "error", err)
		}
	}

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.tasks, p.jobs, p.config, p.executor, p.publisher, p)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish. Workers
// finish or release their current jobs before exiting.
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully")
	p.stopping.Store(true)

	active := p.getActiveJobIDs()
	if len(active) > 0 {
		slog.Info("Cancelling active jobs for release", "count", len(active), "job_ids", active)
	}
	p.mu.RLock()
	for _, cancel := range p.activeJobs {
		cancel()
	}
	p.mu.RUnlock()

	for _, worker := range p.workers {
		worker.Stop()
	}

	if p.liveness != nil {
		p.liveness.Stop()
	}

	slog.Info("Worker pool stopped gracefully")
}

// Stopping reports whether graceful shutdown is underway. Workers use it to
// distinguish a shutdown cancel from a user cancel.
func (p *WorkerPool) Stopping() bool {
	return p.stopping.Load()
}

// recoverAbandoned releases tasks and jobs claimed by pods absent from the
// liveness registry. Runs once at startup so a crashed pod's work resumes
// without waiting for the stale timeout.
func (p *WorkerPool) recoverAbandoned(ctx context.Context) error {
	alive, err := p.liveness.ListAlive(ctx)
	if err != nil {
		return fmt.Errorf("listing alive pods: %w", err)
	}

	released, err := p.tasks.ReleaseAbandoned(ctx, alive)
	if err != nil {
		return fmt.Errorf("releasing abandoned tasks: %w", err)
	}

	orphans, err := p.jobs.ListOrphanedByPod(ctx, alive, 0)
	if err != nil {
		return fmt.Errorf("listing orphaned jobs: %w", err)
	}
	recovered := 0
	for _, job := range orphans {
		if err := p.jobs.RecoverJob(ctx, job); err != nil {
			slog.Warn("Failed to recover orphaned job", "job_id", job.ID, "error", err)
			continue
		}
		if _, err := p.tasks.Enqueue(ctx, TaskTypeRunJob, &job.ID, nil, job.UpdatedAt); err != nil {
			slog.Warn("Failed to enqueue task for recovered job", "job_id", job.ID, "error", err)
			continue
		}
		recovered++
	}

	if released > 0 || recovered > 0 {
		slog.Info("Startup orphan pass complete",
			"pod_id", p.podID,
			"tasks_released", released,
			"jobs_recovered", recovered,
			"alive_pods", len(alive))
	}
	return nil
}

// RegisterJob stores a cancel function for manual cancellation.
func (p *WorkerPool) RegisterJob(jobID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeJobs[jobID] = cancel
}

// UnregisterJob removes the cancel function when processing ends.
func (p *WorkerPool) UnregisterJob(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeJobs, jobID)
}

// CancelJob triggers context cancellation for a job running on this pod.
// Returns true if the job was found and cancelled here.
func (p *WorkerPool) CancelJob(jobID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeJobs[jobID]; ok {
		cancel()
		return true
	}
	return false
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health(ctx context.Context) *PoolHealth {
	queueDepth, errQ := p.tasks.Depth(ctx)
	if errQ != nil {
		slog.Error("Failed to query queue depth for health check", "pod_id", p.podID, "error", errQ)
	}
	running, errR := p.tasks.CountRunning(ctx)
	if errR != nil {
		slog.Error("Failed to query running tasks for health check", "pod_id", p.podID, "error", errR)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	dbHealthy := errQ == nil && errR == nil
	isHealthy := len(p.workers) > 0 && running <= p.config.MaxConcurrentJobs && dbHealthy

	var dbError string
	if errQ != nil {
		dbError = fmt.Sprintf("queue depth query failed: %v", errQ)
	} else if errR != nil {
		dbError = fmt.Sprintf("running tasks query failed: %v", errR)
	}

	return &PoolHealth{
		IsHealthy:     isHealthy,
		DBReachable:   dbHealthy,
		DBError:       dbError,
		PodID:         p.podID,
		ActiveWorkers: activeWorkers,
		TotalWorkers:  len(p.workers),
		ActiveJobs:    running,
		MaxConcurrent: p.config.MaxConcurrentJobs,
		QueueDepth:    queueDepth,
		WorkerStats:   workerStats,
	}
}

// getActiveJobIDs returns IDs of currently processing jobs (for logging).
func (p *WorkerPool) getActiveJobIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	jobs := make([]string, 0, len(p.activeJobs))
	for id := range p.activeJobs {
		jobs = append(jobs, id)
	}
	return jobs
}

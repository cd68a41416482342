// Package cleanup enforces data retention: finished task rows and broadcast
// event rows are deleted once they age past their configured windows.
//
// All operations are idempotent and safe to run from multiple pods. OCR chunk
// retention is owned by the recovery sweeper, which also removes blobs.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/lexpipe/lexpipe/pkg/config"
)

// TaskPruner deletes finished task rows. Implemented by queue.TaskStore.
type TaskPruner interface {
	DeleteFinished(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventPruner deletes old broadcast event rows. Implemented by events.Store.
type EventPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service periodically enforces the retention windows.
type Service struct {
	config *config.RetentionConfig
	tasks  TaskPruner
	events EventPruner

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service. events may be nil when broadcasting
// is disabled.
func NewService(cfg *config.RetentionConfig, tasks TaskPruner, events EventPruner) *Service {
	return &Service{
		config: cfg,
		tasks:  tasks,
		events: events,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"task_retention", s.config.TaskRetention,
		"event_retention", s.config.EventRetention,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunAll(ctx)
		}
	}
}

// RunAll executes one retention pass.
func (s *Service) RunAll(ctx context.Context) {
	s.pruneTasks(ctx)
	s.pruneEvents(ctx)
}

func (s *Service) pruneTasks(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.config.TaskRetention)
	count, err := s.tasks.DeleteFinished(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: task pruning failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted finished tasks", "count", count)
	}
}

func (s *Service) pruneEvents(ctx context.Context) {
	if s.events == nil {
		return
	}
	cutoff := time.Now().UTC().Add(-s.config.EventRetention)
	count, err := s.events.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: event pruning failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted old events", "count", count)
	}
}

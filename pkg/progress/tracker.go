// Package progress tracks per-item completion inside a pipeline stage and
// persists it into the job's metadata so a retried stage skips work that
// already succeeded. Writes are batched: flushing on every item would hammer
// the job row, and losing at most flushInterval-1 items of idempotent work on
// a crash is an acceptable trade.
package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/lexpipe/lexpipe/pkg/models"
)

// flushInterval is the item-count batch size between persisted flushes.
const flushInterval = 10

// ProgressStore persists stage progress into job metadata. Implemented by
// services.JobService.
type ProgressStore interface {
	SavePartialProgress(ctx context.Context, jobID, stageName string, progress *models.StageProgress) error
	ClearPartialProgress(ctx context.Context, jobID, stageName string) error
}

// Stage is one stage's live progress, bound to its job for flushing.
type Stage struct {
	Name     string
	Progress *models.StageProgress

	jobID      string
	sinceFlush int
}

// IsDone reports whether an item already completed in a previous attempt.
func (s *Stage) IsDone(itemID string) bool {
	return s.Progress.IsDone(itemID)
}

// MarkDone records a successful item.
func (s *Stage) MarkDone(itemID string) {
	s.Progress.MarkDone(itemID)
	s.sinceFlush++
}

// MarkFailed records a permanently failed item with its error text.
func (s *Stage) MarkFailed(itemID string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	s.Progress.MarkFailed(itemID, msg)
	s.sinceFlush++
}

// Remaining filters allItems to those not yet done, preserving order.
func (s *Stage) Remaining(allItems []string) []string {
	return s.Progress.Remaining(allItems)
}

// Pct is the stage-internal completion percentage.
func (s *Stage) Pct() int {
	return s.Progress.Pct()
}

// Tracker hydrates, batches, and persists stage progress.
type Tracker struct {
	store ProgressStore
}

// NewTracker creates a Tracker over the given store.
func NewTracker(store ProgressStore) *Tracker {
	return &Tracker{store: store}
}

// GetOrCreate returns the job's progress for stageName, hydrated from the
// job's metadata when a previous attempt left one behind. totalItems is
// refreshed on every call: the item set can legitimately differ between
// attempts (a re-planned chunk split, a shrunk candidate list).
func (t *Tracker) GetOrCreate(job *models.ProcessingJob, stageName string, totalItems int) *Stage {
	var sp *models.StageProgress
	if job.Metadata.PartialProgress != nil {
		sp = job.Metadata.PartialProgress[stageName]
	}
	if sp == nil {
		sp = models.NewStageProgress(totalItems)
		now := time.Now().UTC()
		sp.StartedAt = &now
	} else {
		sp.TotalItems = totalItems
	}
	return &Stage{Name: stageName, Progress: sp, jobID: job.ID}
}

// Flush persists the stage back into job metadata. Without force it only
// writes on every flushInterval-th recorded item; stage completion must
// always flush with force=true.
func (t *Tracker) Flush(ctx context.Context, stage *Stage, force bool) error {
	if !force {
		if stage.sinceFlush == 0 || len(stage.Progress.ProcessedItems)%flushInterval != 0 {
			return nil
		}
	}
	if err := t.store.SavePartialProgress(ctx, stage.jobID, stage.Name, stage.Progress); err != nil {
		return fmt.Errorf("failed to flush progress for stage %s: %w", stage.Name, err)
	}
	stage.sinceFlush = 0
	return nil
}

// Clear removes a stage's record from job metadata. Used when a restart
// deliberately discards prior work.
func (t *Tracker) Clear(ctx context.Context, jobID, stageName string) error {
	if err := t.store.ClearPartialProgress(ctx, jobID, stageName); err != nil {
		return fmt.Errorf("failed to clear progress for stage %s: %w", stageName, err)
	}
	return nil
}

package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/lexpipe/lexpipe/pkg/models"
)

// poisonThreshold is how many times the same item may fail with the same
// error before the job is failed outright instead of retried.
const poisonThreshold = 3

// StageHandler implements one pipeline stage. The executor owns iteration,
// progress, and retry bookkeeping; the handler only knows how to enumerate
// and process items.
type StageHandler interface {
	// Name is the stage's name as recorded in history and current_stage.
	Name() string

	// Items returns the stage's work items in processing order. Called at
	// the start of every attempt, so a resumed stage re-derives the same
	// IDs and skips the ones already done.
	Items(ctx context.Context, job *models.ProcessingJob) ([]string, error)

	// ProcessItem performs one item's work. Idempotent: a crash between
	// doing the work and recording it means the item runs again.
	ProcessItem(ctx context.Context, job *models.ProcessingJob, itemID string) error

	// TolerateItemFailures reports whether a permanently failed item is
	// recorded and skipped (true) or aborts the stage (false).
	TolerateItemFailures() bool
}

// PermanentError marks a stage failure as not worth retrying. Anything a
// handler does not wrap this way (and is not transient) still fails the
// attempt, but the orchestrator's retry budget applies.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// PoisonError is raised when one item keeps failing identically; the job is
// failed without burning further retries on it.
type PoisonError struct {
	Stage  string
	ItemID string
	Err    error
}

func (e *PoisonError) Error() string {
	return fmt.Sprintf("stage %s item %s failed %d times with the same error: %v",
		e.Stage, e.ItemID, poisonThreshold, e.Err)
}

func (e *PoisonError) Unwrap() error { return e.Err }

// CancelledError signals that the job was cancelled while the stage ran.
type CancelledError struct{}

func (e *CancelledError) Error() string { return "job cancelled" }

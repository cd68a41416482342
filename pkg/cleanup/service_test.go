package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexpipe/lexpipe/pkg/config"
)

type fakeTaskPruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	deleted int64
	err     error
}

func (f *fakeTaskPruner) DeleteFinished(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.deleted, f.err
}

func (f *fakeTaskPruner) runs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

type fakeEventPruner struct {
	cutoffs []time.Time
	deleted int64
	err     error
}

func (f *fakeEventPruner) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.deleted, f.err
}

func testRetentionConfig() *config.RetentionConfig {
	return &config.RetentionConfig{
		ChunkRetention:  24 * time.Hour,
		TaskRetention:   7 * 24 * time.Hour,
		EventRetention:  time.Hour,
		CleanupInterval: time.Hour,
	}
}

func TestRunAll_PrunesTasksAndEvents(t *testing.T) {
	tasks := &fakeTaskPruner{deleted: 12}
	events := &fakeEventPruner{deleted: 3}
	svc := NewService(testRetentionConfig(), tasks, events)

	before := time.Now().UTC()
	svc.RunAll(t.Context())

	require.Len(t, tasks.cutoffs, 1)
	require.Len(t, events.cutoffs, 1)

	// Cutoffs sit one retention window in the past.
	taskWant := before.Add(-7 * 24 * time.Hour)
	assert.WithinDuration(t, taskWant, tasks.cutoffs[0], time.Minute)
	eventWant := before.Add(-time.Hour)
	assert.WithinDuration(t, eventWant, events.cutoffs[0], time.Minute)
}

func TestRunAll_TaskErrorDoesNotStopEventPruning(t *testing.T) {
	tasks := &fakeTaskPruner{err: errors.New("pq: deadlock detected")}
	events := &fakeEventPruner{}
	svc := NewService(testRetentionConfig(), tasks, events)

	svc.RunAll(t.Context())
	assert.Len(t, events.cutoffs, 1)
}

func TestRunAll_NilEventPrunerIsSkipped(t *testing.T) {
	tasks := &fakeTaskPruner{}
	svc := NewService(testRetentionConfig(), tasks, nil)

	svc.RunAll(t.Context())
	assert.Len(t, tasks.cutoffs, 1)
}

func TestStartStop_RunsImmediatePass(t *testing.T) {
	tasks := &fakeTaskPruner{}
	svc := NewService(testRetentionConfig(), tasks, &fakeEventPruner{})

	svc.Start(t.Context())
	defer svc.Stop()

	require.Eventually(t, func() bool {
		return tasks.runs() >= 1
	}, time.Second, 10*time.Millisecond)
}

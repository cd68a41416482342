package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lexpipe/lexpipe/pkg/config"
	"github.com/lexpipe/lexpipe/pkg/eta"
	"github.com/lexpipe/lexpipe/pkg/models"
	"github.com/lexpipe/lexpipe/pkg/recovery"
	"github.com/lexpipe/lexpipe/pkg/services"
)

const testMatterID = "6b1e0a9e-3f2d-4c5b-8a7f-1d2e3c4b5a69"

// fakeJobs is an in-memory JobDirectory.
type fakeJobs struct {
	mu        sync.Mutex
	jobs      map[string]*models.ProcessingJob
	stale     []*models.ProcessingJob
	recovered int

	cancelErr error
	retryErr  error
	skipErr   error
}

func newFakeJobs(jobs ...*models.ProcessingJob) *fakeJobs {
	f := &fakeJobs{jobs: make(map[string]*models.ProcessingJob)}
	for _, j := range jobs {
		f.jobs[j.ID] = j
	}
	return f
}

func (f *fakeJobs) sorted() []*models.ProcessingJob {
	out := make([]*models.ProcessingJob, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out
}

func (f *fakeJobs) ListJobs(_ context.Context, matterID string, filter services.ListJobsFilter) ([]*models.ProcessingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ProcessingJob
	for _, j := range f.sorted() {
		if j.MatterID != matterID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeJobs) CountJobs(ctx context.Context, matterID string, filter services.ListJobsFilter) (int, error) {
	jobs, err := f.ListJobs(ctx, matterID, filter)
	return len(jobs), err
}

func (f *fakeJobs) GetJob(_ context.Context, matterID, jobID string) (*models.ProcessingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok || job.MatterID != matterID {
		return nil, services.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobs) CancelJob(ctx context.Context, matterID, jobID string) (*models.ProcessingJob, error) {
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	job, err := f.GetJob(ctx, matterID, jobID)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatusCancelled
	return job, nil
}

func (f *fakeJobs) RetryJob(ctx context.Context, matterID, jobID string, restart bool) (*models.ProcessingJob, error) {
	if f.retryErr != nil {
		return nil, f.retryErr
	}
	job, err := f.GetJob(ctx, matterID, jobID)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatusQueued
	if restart {
		job.CompletedStages = 0
		job.CurrentStage = ""
	}
	return job, nil
}

func (f *fakeJobs) SkipJob(ctx context.Context, matterID, jobID, _ string) (*models.ProcessingJob, error) {
	if f.skipErr != nil {
		return nil, f.skipErr
	}
	job, err := f.GetJob(ctx, matterID, jobID)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatusSkipped
	return job, nil
}

func (f *fakeJobs) GetQueueStats(_ context.Context, matterID string) (*models.QueueStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &models.QueueStats{MatterID: matterID, ByStatus: map[models.JobStatus]int{}}
	for _, j := range f.jobs {
		if j.MatterID == matterID {
			stats.ByStatus[j.Status]++
		}
	}
	return stats, nil
}

func (f *fakeJobs) ListStaleProcessing(context.Context, time.Time, int) ([]*models.ProcessingJob, error) {
	return f.stale, nil
}

func (f *fakeJobs) CountRecoveredSince(context.Context, time.Time) (int, error) {
	return f.recovered, nil
}

// fakeStages returns canned stage history.
type fakeStages struct {
	history []*models.JobStageHistory
}

func (f *fakeStages) ListStageHistory(context.Context, string) ([]*models.JobStageHistory, error) {
	return f.history, nil
}

// fakeDocuments is an in-memory DocumentDirectory.
type fakeDocuments struct {
	mu   sync.Mutex
	docs map[string]*models.Document
}

func newFakeDocuments(docs ...*models.Document) *fakeDocuments {
	f := &fakeDocuments{docs: make(map[string]*models.Document)}
	for _, d := range docs {
		f.docs[d.ID] = d
	}
	return f
}

func (f *fakeDocuments) CreateDocument(_ context.Context, matterID, fileName, blobPath string, pageCount int) (*models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := &models.Document{
		ID:        uuid.New().String(),
		MatterID:  matterID,
		FileName:  fileName,
		BlobPath:  blobPath,
		PageCount: pageCount,
		Status:    models.DocumentStatusPending,
	}
	f.docs[doc.ID] = doc
	return doc, nil
}

func (f *fakeDocuments) GetDocument(_ context.Context, matterID, documentID string) (*models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[documentID]
	if !ok || doc.MatterID != matterID {
		return nil, services.ErrNotFound
	}
	return doc, nil
}

func (f *fakeDocuments) ListDocuments(_ context.Context, matterID string, _ int) ([]*models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Document
	for _, d := range f.docs {
		if d.MatterID == matterID {
			out = append(out, d)
		}
	}
	return out, nil
}

// fakePipeline records Start and Dispatch calls.
type fakePipeline struct {
	mu         sync.Mutex
	started    []string // documentID
	dispatched []string // jobID
}

func (f *fakePipeline) Start(_ context.Context, matterID, documentID string, jobType models.JobType) (*models.ProcessingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, documentID)
	return &models.ProcessingJob{
		ID:          uuid.New().String(),
		MatterID:    matterID,
		DocumentID:  &documentID,
		JobType:     jobType,
		Status:      models.JobStatusQueued,
		TotalStages: 7,
	}, nil
}

func (f *fakePipeline) Dispatch(_ context.Context, jobID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, jobID)
	return nil
}

// fakeSweeper records manual recovery calls.
type fakeSweeper struct {
	summary  recovery.Summary
	outcome  *recovery.Outcome
	oneErr   error
	sweeps   int
	oneCalls []string
}

func (f *fakeSweeper) SweepStale(context.Context) recovery.Summary {
	f.sweeps++
	return f.summary
}

func (f *fakeSweeper) RecoverOne(_ context.Context, jobID string) (*recovery.Outcome, error) {
	f.oneCalls = append(f.oneCalls, jobID)
	return f.outcome, f.oneErr
}

func (f *fakeSweeper) Status() map[string]recovery.Summary {
	return map[string]recovery.Summary{"stale": f.summary}
}

// stubEstimator returns a fixed low-confidence estimate.
type stubEstimator struct {
	duration time.Duration
}

func (s stubEstimator) EstimateDocument(context.Context, int, int) eta.Estimate {
	return eta.Estimate{
		Min:        s.duration / 2,
		Best:       s.duration,
		Max:        s.duration * 2,
		Confidence: eta.ConfidenceLow,
		Samples:    1,
	}
}

func apiJob(status models.JobStatus) *models.ProcessingJob {
	docID := uuid.New().String()
	return &models.ProcessingJob{
		ID:          uuid.New().String(),
		MatterID:    testMatterID,
		DocumentID:  &docID,
		JobType:     models.JobTypeDocumentProcessing,
		Status:      status,
		TotalStages: 7,
	}
}

type testServer struct {
	*Server
	jobs     *fakeJobs
	docs     *fakeDocuments
	pipeline *fakePipeline
}

func newTestServer(jobs *fakeJobs, docs *fakeDocuments) *testServer {
	pipeline := &fakePipeline{}
	s := NewServer(config.DefaultServerConfig(), nil, jobs, &fakeStages{}, docs, nil, pipeline)
	return &testServer{Server: s, jobs: jobs, docs: docs, pipeline: pipeline}
}

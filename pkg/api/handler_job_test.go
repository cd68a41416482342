package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexpipe/lexpipe/pkg/cache"
	"github.com/lexpipe/lexpipe/pkg/config"
	"github.com/lexpipe/lexpipe/pkg/models"
	"github.com/lexpipe/lexpipe/pkg/services"
)

func doJSON(t *testing.T, s *testServer, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestListJobs_PaginationMeta(t *testing.T) {
	jobs := newFakeJobs(apiJob(models.JobStatusQueued), apiJob(models.JobStatusProcessing),
		apiJob(models.JobStatusCompleted))
	s := newTestServer(jobs, newFakeDocuments())

	rec := doJSON(t, s, http.MethodGet, "/api/v1/matters/"+testMatterID+"/jobs?per_page=2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp JobListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Meta.Total)
	assert.Equal(t, 1, resp.Meta.Page)
	assert.Equal(t, 2, resp.Meta.PerPage)
	assert.Equal(t, 2, resp.Meta.TotalPages)
}

func TestListJobs_StatusFilter(t *testing.T) {
	jobs := newFakeJobs(apiJob(models.JobStatusQueued), apiJob(models.JobStatusFailed))
	s := newTestServer(jobs, newFakeDocuments())

	rec := doJSON(t, s, http.MethodGet, "/api/v1/matters/"+testMatterID+"/jobs?status=FAILED", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp JobListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, models.JobStatusFailed, resp.Jobs[0].Status)
}

func TestListJobs_InvalidStatusIsEnveloped(t *testing.T) {
	s := newTestServer(newFakeJobs(), newFakeDocuments())

	rec := doJSON(t, s, http.MethodGet, "/api/v1/matters/"+testMatterID+"/jobs?status=RUNNING", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "INVALID_REQUEST", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "RUNNING")
}

func TestGetJob_IncludesStageHistory(t *testing.T) {
	job := apiJob(models.JobStatusProcessing)
	s := newTestServer(newFakeJobs(job), newFakeDocuments())
	s.stages = &fakeStages{history: []*models.JobStageHistory{
		{StageName: "ocr", Status: models.StageStatusCompleted},
		{StageName: "validation", Status: models.StageStatusInProgress},
	}}

	rec := doJSON(t, s, http.MethodGet, "/api/v1/matters/"+testMatterID+"/jobs/"+job.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		ID           string                    `json:"id"`
		StageHistory []*models.JobStageHistory `json:"stage_history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, job.ID, resp.ID)
	require.Len(t, resp.StageHistory, 2)
	assert.Equal(t, "ocr", resp.StageHistory[0].StageName)
}

func TestGetJob_WrongMatterIsNotFound(t *testing.T) {
	job := apiJob(models.JobStatusProcessing)
	s := newTestServer(newFakeJobs(job), newFakeDocuments())

	other := "0f8fad5b-d9cb-469f-a165-70867728950e"
	rec := doJSON(t, s, http.MethodGet, "/api/v1/matters/"+other+"/jobs/"+job.ID, "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestCancelJob(t *testing.T) {
	job := apiJob(models.JobStatusProcessing)
	s := newTestServer(newFakeJobs(job), newFakeDocuments())

	rec := doJSON(t, s, http.MethodPost, "/api/v1/matters/"+testMatterID+"/jobs/"+job.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TransitionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "CANCELLED", resp.NewStatus)
}

func TestCancelJob_TerminalIsConflict(t *testing.T) {
	job := apiJob(models.JobStatusCompleted)
	jobs := newFakeJobs(job)
	jobs.cancelErr = services.ErrTerminalState
	s := newTestServer(jobs, newFakeDocuments())

	rec := doJSON(t, s, http.MethodPost, "/api/v1/matters/"+testMatterID+"/jobs/"+job.ID+"/cancel", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "TERMINAL_STATE", resp.Error.Code)
}

func TestRetryJob_DispatchesResumedRun(t *testing.T) {
	job := apiJob(models.JobStatusFailed)
	job.CompletedStages = 3
	s := newTestServer(newFakeJobs(job), newFakeDocuments())

	rec := doJSON(t, s, http.MethodPost,
		"/api/v1/matters/"+testMatterID+"/jobs/"+job.ID+"/retry", `{"restart":false}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TransitionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "QUEUED", resp.NewStatus)
	assert.Contains(t, resp.Message, "checkpoint")

	// The rerun keeps its stage cursor and was handed to the queue.
	assert.Equal(t, 3, job.CompletedStages)
	assert.Equal(t, []string{job.ID}, s.pipeline.dispatched)
}

func TestRetryJob_RestartClearsCursor(t *testing.T) {
	job := apiJob(models.JobStatusFailed)
	job.CompletedStages = 3
	s := newTestServer(newFakeJobs(job), newFakeDocuments())

	rec := doJSON(t, s, http.MethodPost,
		"/api/v1/matters/"+testMatterID+"/jobs/"+job.ID+"/retry", `{"restart":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, job.CompletedStages)
}

func TestSkipJob_RequiresReason(t *testing.T) {
	job := apiJob(models.JobStatusQueued)
	s := newTestServer(newFakeJobs(job), newFakeDocuments())

	rec := doJSON(t, s, http.MethodPost,
		"/api/v1/matters/"+testMatterID+"/jobs/"+job.ID+"/skip", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost,
		"/api/v1/matters/"+testMatterID+"/jobs/"+job.ID+"/skip", `{"reason":"duplicate upload"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TransitionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "SKIPPED", resp.NewStatus)
}

func TestQueueStats_UsesCacheUntilInvalidated(t *testing.T) {
	job := apiJob(models.JobStatusQueued)
	s := newTestServer(newFakeJobs(job), newFakeDocuments())
	mc, err := cache.NewMatterCache(config.DefaultCacheConfig())
	require.NoError(t, err)
	s.SetCache(mc)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/matters/"+testMatterID+"/queue/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// Mutate behind the cache's back: the cached payload is served.
	job.Status = models.JobStatusProcessing
	rec = doJSON(t, s, http.MethodGet, "/api/v1/matters/"+testMatterID+"/queue/stats", "")
	var stats models.QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.ByStatus[models.JobStatusQueued])

	// A cancel on the same matter invalidates, so the next read is fresh.
	doJSON(t, s, http.MethodPost, "/api/v1/matters/"+testMatterID+"/jobs/"+job.ID+"/cancel", "")
	rec = doJSON(t, s, http.MethodGet, "/api/v1/matters/"+testMatterID+"/queue/stats", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.ByStatus[models.JobStatusCancelled])
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(newFakeJobs(), newFakeDocuments())

	rec := doJSON(t, s, http.MethodGet, "/api/v1/matters/"+testMatterID+"/jobs", "")
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

package eta

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexpipe/lexpipe/pkg/config"
)

func newTestEstimator(t *testing.T) (*Estimator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewEstimator(rdb, config.DefaultETAConfig(), nil), mr
}

func TestEstimateDocument_FallbackRate(t *testing.T) {
	est, _ := newTestEstimator(t)

	// Empty window: 3.0 s/page fallback, low confidence (2.0x), 2 workers.
	e := est.EstimateDocument(context.Background(), 100, 0)
	assert.Equal(t, ConfidenceLow, e.Confidence)
	assert.Equal(t, 0, e.Samples)
	// base = 100 pages * 3.0 s/page / 2 workers = 150s
	assert.Equal(t, 75*time.Second, e.Min)
	assert.Equal(t, 150*time.Second, e.Best)
	assert.Equal(t, 300*time.Second, e.Max)
}

func TestEstimateDocument_MinimumFloor(t *testing.T) {
	est, _ := newTestEstimator(t)

	// A 1-page document floors the whole band at 30s.
	e := est.EstimateDocument(context.Background(), 1, 0)
	assert.Equal(t, 30*time.Second, e.Min)
	assert.Equal(t, 30*time.Second, e.Best)
	assert.Equal(t, 30*time.Second, e.Max)
}

func TestEstimateDocument_ZeroPages(t *testing.T) {
	est, _ := newTestEstimator(t)

	e := est.EstimateDocument(context.Background(), 0, 5)
	assert.Equal(t, time.Duration(0), e.Min)
	assert.Equal(t, time.Duration(0), e.Best)
	assert.Equal(t, time.Duration(0), e.Max)
	assert.Equal(t, ConfidenceHigh, e.Confidence)
}

func TestEstimateDocument_LearnsFromSamples(t *testing.T) {
	est, _ := newTestEstimator(t)
	ctx := context.Background()

	// 10 samples of 1 s/page lifts confidence to high (1.3x).
	for i := 0; i < 10; i++ {
		require.NoError(t, est.RecordSample(ctx, 10, 10*time.Second))
	}

	e := est.EstimateDocument(ctx, 100, 0)
	assert.Equal(t, ConfidenceHigh, e.Confidence)
	assert.Equal(t, 10, e.Samples)
	// base = 100 pages * 1.0 s/page / 2 workers = 50s
	assert.InDelta(t, 50.0/1.3, e.Min.Seconds(), 0.01)
	assert.Equal(t, 50*time.Second, e.Best)
	assert.Equal(t, 65*time.Second, e.Max)
}

func TestEstimateDocument_MediumConfidence(t *testing.T) {
	est, _ := newTestEstimator(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, est.RecordSample(ctx, 10, 20*time.Second))
	}

	e := est.EstimateDocument(ctx, 100, 0)
	assert.Equal(t, ConfidenceMedium, e.Confidence)
	// base = 100 pages * 2.0 s/page / 2 workers = 100s, medium 1.5x
	assert.InDelta(t, 100.0/1.5, e.Min.Seconds(), 0.01)
	assert.Equal(t, 100*time.Second, e.Best)
	assert.Equal(t, 150*time.Second, e.Max)
}

func TestEstimateDocument_QueueDepthStretchesEstimate(t *testing.T) {
	est, _ := newTestEstimator(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, est.RecordSample(ctx, 10, 10*time.Second))
	}

	ahead := est.EstimateDocument(ctx, 100, 4)
	empty := est.EstimateDocument(ctx, 100, 0)
	assert.Greater(t, ahead.Best, empty.Best)
	// 4 jobs ahead over 2 fallback workers: 3x the empty-queue estimate.
	assert.Equal(t, 3*empty.Best, ahead.Best)
}

func TestRecordSample_TrimsWindow(t *testing.T) {
	est, mr := newTestEstimator(t)
	ctx := context.Background()

	for i := 0; i < 150; i++ {
		require.NoError(t, est.RecordSample(ctx, 10, 30*time.Second))
	}

	entries, err := mr.List(historyKey)
	require.NoError(t, err)
	assert.Len(t, entries, 100)
}

func TestRecordSample_InvalidatesCachedAverage(t *testing.T) {
	est, mr := newTestEstimator(t)
	ctx := context.Background()

	require.NoError(t, est.RecordSample(ctx, 10, 10*time.Second))
	est.EstimateDocument(ctx, 10, 0) // populates the avg cache
	assert.True(t, mr.Exists(avgKey))

	require.NoError(t, est.RecordSample(ctx, 10, 50*time.Second))
	assert.False(t, mr.Exists(avgKey))
}

func TestRecordSample_IgnoresEmptySamples(t *testing.T) {
	est, mr := newTestEstimator(t)
	require.NoError(t, est.RecordSample(context.Background(), 0, 10*time.Second))
	assert.False(t, mr.Exists(historyKey))
}

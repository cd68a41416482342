// Package eta estimates job completion times from a rolling window of
// recent processing-time samples kept in Redis. Predictions carry a
// min/best/max band that widens when the window is shallow: an early
// finish reads as fast, a blown estimate reads as broken.
package eta

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lexpipe/lexpipe/pkg/config"
)

// Redis keys for the shared metrics window.
const (
	historyKey = "metrics:processing_time:history"
	avgKey     = "metrics:processing_time:avg"
)

// Confidence grades an estimate by sample depth.
type Confidence string

// Confidence levels and their pessimism multipliers.
const (
	ConfidenceHigh   Confidence = "high"   // >= 10 samples
	ConfidenceMedium Confidence = "medium" // >= 5 samples
	ConfidenceLow    Confidence = "low"    // fewer, or fallback rate
)

func (c Confidence) multiplier() float64 {
	switch c {
	case ConfidenceHigh:
		return 1.3
	case ConfidenceMedium:
		return 1.5
	default:
		return 2.0
	}
}

func confidenceFor(samples int) Confidence {
	switch {
	case samples >= 10:
		return ConfidenceHigh
	case samples >= 5:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// sample is one completed document's throughput record. Stored in the Redis
// list as "page_count:duration_ms".
type sample struct {
	PageCount  int
	DurationMS int64
}

func (s sample) encode() string {
	return strconv.Itoa(s.PageCount) + ":" + strconv.FormatInt(s.DurationMS, 10)
}

func decodeSample(v string) (sample, bool) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return sample{}, false
	}
	pages, err1 := strconv.Atoi(parts[0])
	ms, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil || pages <= 0 {
		return sample{}, false
	}
	return sample{PageCount: pages, DurationMS: ms}, true
}

// Estimate is a confidence-banded completion-time prediction. Best is the
// straight throughput projection; Min and Max widen with low confidence.
type Estimate struct {
	Min        time.Duration `json:"min"`
	Best       time.Duration `json:"best"`
	Max        time.Duration `json:"max"`
	Confidence Confidence    `json:"confidence"`
	Samples    int           `json:"samples"`
}

// WorkerCounter reports live worker pods. Implemented by queue.Liveness.
type WorkerCounter interface {
	ListAlive(ctx context.Context) ([]string, error)
}

// Estimator computes ETAs from the shared Redis window.
type Estimator struct {
	rdb     *redis.Client
	cfg     *config.ETAConfig
	workers WorkerCounter // may be nil
}

// NewEstimator creates an Estimator. workers may be nil; the fallback
// worker count is used then.
func NewEstimator(rdb *redis.Client, cfg *config.ETAConfig, workers WorkerCounter) *Estimator {
	return &Estimator{rdb: rdb, cfg: cfg, workers: workers}
}

// RecordSample appends a completed document's throughput to the rolling
// window and invalidates the cached average.
func (e *Estimator) RecordSample(ctx context.Context, pageCount int, duration time.Duration) error {
	if pageCount <= 0 || duration <= 0 {
		return nil // nothing useful to learn from
	}
	entry := sample{PageCount: pageCount, DurationMS: duration.Milliseconds()}.encode()

	pipe := e.rdb.TxPipeline()
	pipe.LPush(ctx, historyKey, entry)
	pipe.LTrim(ctx, historyKey, 0, int64(e.cfg.HistorySize)-1)
	pipe.Del(ctx, avgKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record processing sample: %w", err)
	}
	return nil
}

// EstimateDocument predicts processing time for a document of pageCount
// pages with queueDepth jobs ahead of it.
func (e *Estimator) EstimateDocument(ctx context.Context, pageCount, queueDepth int) Estimate {
	if pageCount <= 0 {
		return Estimate{Confidence: ConfidenceHigh}
	}

	secPerPage, samples := e.secondsPerPage(ctx)
	conf := confidenceFor(samples)
	workers := e.workerCount(ctx)

	// Pages fan out across the worker pool; jobs ahead delay the first slot.
	queueFactor := 1.0 + float64(queueDepth)/float64(workers)
	base := float64(pageCount) * secPerPage / float64(workers) * queueFactor

	factor := conf.multiplier()
	minD := secondsToDuration(base / factor)
	if minD < e.cfg.MinEstimate {
		minD = e.cfg.MinEstimate
	}
	best := secondsToDuration(base)
	if best < minD {
		best = minD
	}
	maxD := secondsToDuration(base * factor)
	if maxD < best {
		maxD = best
	}
	return Estimate{Min: minD, Best: best, Max: maxD, Confidence: conf, Samples: samples}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// secondsPerPage returns the window average, consulting the cached value
// first. Falls back to the configured rate when the window is empty or
// Redis is unreachable.
func (e *Estimator) secondsPerPage(ctx context.Context) (float64, int) {
	cached, err := e.rdb.Get(ctx, avgKey).Result()
	if err == nil {
		if avg, n, ok := parseAvg(cached); ok {
			return avg, n
		}
	} else if !errors.Is(err, redis.Nil) {
		slog.Warn("ETA average cache read failed", "error", err)
	}

	entries, err := e.rdb.LRange(ctx, historyKey, 0, -1).Result()
	if err != nil {
		slog.Warn("ETA history read failed, using fallback rate", "error", err)
		return e.cfg.FallbackSecondsPerPage, 0
	}

	var totalPages int
	var totalMS int64
	n := 0
	for _, entry := range entries {
		s, ok := decodeSample(entry)
		if !ok {
			continue
		}
		totalPages += s.PageCount
		totalMS += s.DurationMS
		n++
	}
	if n == 0 || totalPages == 0 {
		return e.cfg.FallbackSecondsPerPage, 0
	}

	avg := float64(totalMS) / 1000.0 / float64(totalPages)
	if err := e.rdb.Set(ctx, avgKey, formatAvg(avg, n), e.cfg.AvgCacheTTL).Err(); err != nil {
		slog.Warn("ETA average cache write failed", "error", err)
	}
	return avg, n
}

func (e *Estimator) workerCount(ctx context.Context) int {
	if e.workers != nil {
		if alive, err := e.workers.ListAlive(ctx); err == nil && len(alive) > 0 {
			return len(alive)
		}
	}
	return e.cfg.FallbackWorkers
}

// The cached average is stored as "avg:count" so one key carries both.
func formatAvg(avg float64, n int) string {
	return strconv.FormatFloat(avg, 'f', 6, 64) + ":" + strconv.Itoa(n)
}

func parseAvg(v string) (float64, int, bool) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	avg, err1 := strconv.ParseFloat(parts[0], 64)
	n, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || avg <= 0 {
		return 0, 0, false
	}
	return avg, n, true
}

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const livenessKeyPrefix = "workers:active:"

// Liveness maintains this pod's presence in the shared Redis worker registry.
// Each pod refreshes workers:active:<pod_id> with a TTL; a pod that dies
// simply stops refreshing and its key expires. The startup orphan pass and
// the stale sweeper read the registry to tell dead pods from live ones.
type Liveness struct {
	rdb      *redis.Client
	podID    string
	ttl      time.Duration
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLiveness creates a liveness registry handle for this pod.
func NewLiveness(rdb *redis.Client, podID string, ttl time.Duration) *Liveness {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Liveness{
		rdb:      rdb,
		podID:    podID,
		ttl:      ttl,
		interval: ttl / 3,
		stopCh:   make(chan struct{}),
	}
}

// Start registers the pod immediately and begins the refresh loop.
func (l *Liveness) Start(ctx context.Context) error {
	if err := l.refresh(ctx); err != nil {
		return fmt.Errorf("failed to register worker liveness: %w", err)
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.refresh(ctx); err != nil {
					slog.Warn("Worker liveness refresh failed", "pod_id", l.podID, "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop ends the refresh loop and deletes this pod's key so restarts see the
// old identity as dead immediately.
func (l *Liveness) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.rdb.Del(ctx, livenessKeyPrefix+l.podID).Err(); err != nil {
		slog.Warn("Failed to deregister worker liveness", "pod_id", l.podID, "error", err)
	}
}

func (l *Liveness) refresh(ctx context.Context) error {
	return l.rdb.Set(ctx, livenessKeyPrefix+l.podID, time.Now().UTC().Format(time.RFC3339), l.ttl).Err()
}

// ListAlive returns the pod IDs currently present in the registry.
func (l *Liveness) ListAlive(ctx context.Context) ([]string, error) {
	var (
		pods   []string
		cursor uint64
	)
	for {
		keys, next, err := l.rdb.Scan(ctx, cursor, livenessKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker registry: %w", err)
		}
		for _, key := range keys {
			pods = append(pods, strings.TrimPrefix(key, livenessKeyPrefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return pods, nil
}

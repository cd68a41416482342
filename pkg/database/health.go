package database

import (
	"context"
	"database/sql"
	"time"
)

// PoolStatus is a health snapshot of the shared connection pool. Every
// matter-scoped store, the task queue, and both sweepers run on this pool,
// so waiters here mean the whole pipeline is queuing behind the database.
type PoolStatus struct {
	Healthy      bool   `json:"healthy"`
	PingMillis   int64  `json:"ping_ms"`
	Error        string `json:"error,omitempty"`
	OpenConns    int    `json:"open_connections"`
	InUse        int    `json:"in_use"`
	Idle         int    `json:"idle"`
	WaitCount    int64  `json:"wait_count"`
	WaitMillis   int64  `json:"wait_ms"`
	MaxOpenConns int    `json:"max_open_conns"`
	Saturated    bool   `json:"saturated"`
}

// CheckPool pings the database and snapshots pool pressure. It does not
// return an error; an unreachable database comes back with Healthy false and
// the ping error inline so the health handlers can still render a payload.
func CheckPool(ctx context.Context, db *sql.DB) *PoolStatus {
	start := time.Now()
	if err := db.PingContext(ctx); err != nil {
		return &PoolStatus{
			PingMillis: time.Since(start).Milliseconds(),
			Error:      err.Error(),
		}
	}

	stats := db.Stats()
	return &PoolStatus{
		Healthy:      true,
		PingMillis:   time.Since(start).Milliseconds(),
		OpenConns:    stats.OpenConnections,
		InUse:        stats.InUse,
		Idle:         stats.Idle,
		WaitCount:    stats.WaitCount,
		WaitMillis:   stats.WaitDuration.Milliseconds(),
		MaxOpenConns: stats.MaxOpenConnections,
		Saturated: stats.MaxOpenConnections > 0 &&
			stats.InUse >= stats.MaxOpenConnections,
	}
}

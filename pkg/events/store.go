package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CatchupEvent holds one persisted event returned by the catchup query.
type CatchupEvent struct {
	ID      int64
	Payload map[string]any
}

// Store reads and prunes the persisted events table.
type Store struct {
	db *sql.DB
}

// NewStore creates a new event Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetCatchupEvents returns persisted events on a channel with id > sinceID,
// oldest first, capped at limit.
func (s *Store) GetCatchupEvents(ctx context.Context, channel string, sinceID int64, limit int) ([]CatchupEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload FROM events
		WHERE channel = $1 AND id > $2
		ORDER BY id LIMIT $3`,
		channel, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query catchup events: %w", err)
	}
	defer rows.Close()

	var out []CatchupEvent
	for rows.Next() {
		var (
			e       CatchupEvent
			payload []byte
		)
		if err := rows.Scan(&e.ID, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan catchup event: %w", err)
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal catchup payload: %w", err)
		}
		if e.Payload != nil {
			e.Payload["db_event_id"] = e.ID
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate catchup events: %w", err)
	}
	return out, nil
}

// DeleteOlderThan prunes persisted events past retention. Returns the count
// deleted.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

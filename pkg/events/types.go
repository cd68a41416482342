// Package events provides real-time progress delivery via WebSocket and
// PostgreSQL NOTIFY/LISTEN for cross-pod distribution.
//
// Status events (job.status) are persisted to the events table and then
// broadcast via NOTIFY in the same transaction, so a client that reconnects
// can catch up from the table. Progress events (job.progress, chunk.progress)
// are transient: NOTIFY only, high-frequency, safe to lose — the next tick
// supersedes them.
package events

// Persistent event types (stored in DB + NOTIFY).
const (
	EventTypeJobStatus = "job.status"
)

// Transient event types (NOTIFY only, no DB persistence).
const (
	EventTypeJobProgress   = "job.progress"
	EventTypeChunkProgress = "chunk.progress"
)

// GlobalJobsChannel carries job status events for every matter. Operator
// dashboards subscribe here.
const GlobalJobsChannel = "jobs"

// MatterChannel returns the channel name for one matter's events.
// Format: "matter:{matter_id}"
func MatterChannel(matterID string) string {
	return "matter:" + matterID
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action      string `json:"action"`                  // "subscribe", "unsubscribe", "catchup", "ping"
	Channel     string `json:"channel,omitempty"`       // Channel name (e.g., "matter:abc-123")
	LastEventID *int64 `json:"last_event_id,omitempty"` // For catchup
}

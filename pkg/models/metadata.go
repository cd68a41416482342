package models

import (
	"encoding/json"
	"time"
)

// StageProgress records per-item completion inside a single stage so a
// retried stage skips work that already succeeded. Persisted inside
// JobMetadata.PartialProgress keyed by stage name.
type StageProgress struct {
	TotalItems     int               `json:"total_items"`
	ProcessedItems map[string]bool   `json:"processed_items,omitempty"`
	FailedItems    map[string]string `json:"failed_items,omitempty"`
	FailureCounts  map[string]int    `json:"failure_counts,omitempty"`
	LastItemID     string            `json:"last_item_id,omitempty"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
}

// NewStageProgress returns an empty progress record for a stage.
func NewStageProgress(totalItems int) *StageProgress {
	return &StageProgress{
		TotalItems:     totalItems,
		ProcessedItems: make(map[string]bool),
		FailedItems:    make(map[string]string),
	}
}

// IsDone reports whether the item already completed successfully.
func (p *StageProgress) IsDone(itemID string) bool {
	return p.ProcessedItems[itemID]
}

// MarkDone records a successful item.
func (p *StageProgress) MarkDone(itemID string) {
	if p.ProcessedItems == nil {
		p.ProcessedItems = make(map[string]bool)
	}
	p.ProcessedItems[itemID] = true
	p.LastItemID = itemID
	delete(p.FailedItems, itemID)
}

// MarkFailed records a failed item with its error. Repeated failures of the
// same item accumulate in FailureCounts, which the executor's poison-pill
// check consults; the count resets when the error text changes, since a
// different error is a different problem.
func (p *StageProgress) MarkFailed(itemID, errMsg string) {
	if p.FailedItems == nil {
		p.FailedItems = make(map[string]string)
	}
	if p.FailureCounts == nil {
		p.FailureCounts = make(map[string]int)
	}
	if p.FailedItems[itemID] == errMsg {
		p.FailureCounts[itemID]++
	} else {
		p.FailureCounts[itemID] = 1
	}
	p.FailedItems[itemID] = errMsg
	p.LastItemID = itemID
}

// Remaining filters allItems down to those not yet processed, preserving
// declared order. Failed items are included: a re-run gives them another
// chance unless the stage's policy already aborted the job.
func (p *StageProgress) Remaining(allItems []string) []string {
	remaining := make([]string, 0, len(allItems))
	for _, id := range allItems {
		if !p.IsDone(id) {
			remaining = append(remaining, id)
		}
	}
	return remaining
}

// Pct returns the stage-internal completion percentage.
func (p *StageProgress) Pct() int {
	if p.TotalItems <= 0 {
		return 100
	}
	return len(p.ProcessedItems) * 100 / p.TotalItems
}

// JobMetadata is the typed view of the job row's metadata column. Known keys
// are first-class fields; anything else round-trips through Extra so records
// written by newer builds are not silently dropped.
type JobMetadata struct {
	PartialProgress    map[string]*StageProgress
	RecoveryAttempts   int
	LastRecoveryAt     *time.Time
	RecoveredFromStage string
	Extra              map[string]json.RawMessage
}

// knownMetadataKeys are the fields lifted out of the metadata blob.
var knownMetadataKeys = map[string]bool{
	"partial_progress":     true,
	"recovery_attempts":    true,
	"last_recovery_at":     true,
	"recovered_from_stage": true,
}

type metadataWire struct {
	PartialProgress    map[string]*StageProgress `json:"partial_progress,omitempty"`
	RecoveryAttempts   int                       `json:"recovery_attempts,omitempty"`
	LastRecoveryAt     *time.Time                `json:"last_recovery_at,omitempty"`
	RecoveredFromStage string                    `json:"recovered_from_stage,omitempty"`
}

// MarshalJSON merges the known fields with Extra into a single object.
func (m JobMetadata) MarshalJSON() ([]byte, error) {
	wire, err := json.Marshal(metadataWire{
		PartialProgress:    m.PartialProgress,
		RecoveryAttempts:   m.RecoveryAttempts,
		LastRecoveryAt:     m.LastRecoveryAt,
		RecoveredFromStage: m.RecoveredFromStage,
	})
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return wire, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(wire, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if !knownMetadataKeys[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON splits known keys into fields and keeps the rest in Extra.
func (m *JobMetadata) UnmarshalJSON(data []byte) error {
	var wire metadataWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.PartialProgress = wire.PartialProgress
	m.RecoveryAttempts = wire.RecoveryAttempts
	m.LastRecoveryAt = wire.LastRecoveryAt
	m.RecoveredFromStage = wire.RecoveredFromStage

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range knownMetadataKeys {
		delete(raw, k)
	}
	if len(raw) > 0 {
		m.Extra = raw
	} else {
		m.Extra = nil
	}
	return nil
}

package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageProgress_MarkDoneClearsFailure(t *testing.T) {
	p := NewStageProgress(3)
	p.MarkFailed("doc-1", "provider hiccup")
	require.Contains(t, p.FailedItems, "doc-1")

	p.MarkDone("doc-1")
	assert.True(t, p.IsDone("doc-1"))
	assert.NotContains(t, p.FailedItems, "doc-1")
	assert.Equal(t, "doc-1", p.LastItemID)
}

func TestStageProgress_FailureCountResetsOnNewError(t *testing.T) {
	p := NewStageProgress(1)
	p.MarkFailed("doc-1", "timeout")
	p.MarkFailed("doc-1", "timeout")
	assert.Equal(t, 2, p.FailureCounts["doc-1"])

	// A different error is a different problem; the poison counter restarts.
	p.MarkFailed("doc-1", "page 4 unreadable")
	assert.Equal(t, 1, p.FailureCounts["doc-1"])
}

func TestStageProgress_Remaining(t *testing.T) {
	p := NewStageProgress(4)
	p.MarkDone("b")
	p.MarkFailed("c", "boom")

	// Declared order preserved; failed items get another chance.
	remaining := p.Remaining([]string{"a", "b", "c", "d"})
	assert.Equal(t, []string{"a", "c", "d"}, remaining)
}

func TestStageProgress_Pct(t *testing.T) {
	p := NewStageProgress(4)
	assert.Equal(t, 0, p.Pct())
	p.MarkDone("a")
	assert.Equal(t, 25, p.Pct())

	empty := NewStageProgress(0)
	assert.Equal(t, 100, empty.Pct())
}

func TestJobMetadata_RoundTrip(t *testing.T) {
	recoveredAt := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	meta := JobMetadata{
		PartialProgress: map[string]*StageProgress{
			"ocr": {TotalItems: 3, ProcessedItems: map[string]bool{"doc-1": true}},
		},
		RecoveryAttempts:   2,
		LastRecoveryAt:     &recoveredAt,
		RecoveredFromStage: "ocr",
	}

	data, err := json.Marshal(meta)
	require.NoError(t, err)

	var got JobMetadata
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, 2, got.RecoveryAttempts)
	assert.Equal(t, "ocr", got.RecoveredFromStage)
	require.NotNil(t, got.LastRecoveryAt)
	assert.True(t, got.LastRecoveryAt.Equal(recoveredAt))
	require.Contains(t, got.PartialProgress, "ocr")
	assert.True(t, got.PartialProgress["ocr"].IsDone("doc-1"))
	assert.Nil(t, got.Extra)
}

func TestJobMetadata_PreservesUnknownKeys(t *testing.T) {
	// A blob written by a newer build carries keys this build does not know.
	blob := []byte(`{"recovery_attempts":1,"export_format":"pdf","reviewer":{"id":7}}`)

	var meta JobMetadata
	require.NoError(t, json.Unmarshal(blob, &meta))
	assert.Equal(t, 1, meta.RecoveryAttempts)
	require.Contains(t, meta.Extra, "export_format")
	require.Contains(t, meta.Extra, "reviewer")

	// Writing the row back must not drop the foreign keys.
	meta.RecoveryAttempts = 2
	out, err := json.Marshal(meta)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &raw))
	assert.JSONEq(t, `"pdf"`, string(raw["export_format"]))
	assert.JSONEq(t, `{"id":7}`, string(raw["reviewer"]))
	assert.JSONEq(t, `2`, string(raw["recovery_attempts"]))
}

func TestJobMetadata_ExtraCannotShadowKnownKeys(t *testing.T) {
	meta := JobMetadata{
		RecoveryAttempts: 3,
		Extra: map[string]json.RawMessage{
			"recovery_attempts": json.RawMessage(`99`),
			"custom":            json.RawMessage(`true`),
		},
	}
	out, err := json.Marshal(meta)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &raw))
	assert.JSONEq(t, `3`, string(raw["recovery_attempts"]))
	assert.JSONEq(t, `true`, string(raw["custom"]))
}

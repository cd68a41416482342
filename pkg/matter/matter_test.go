package matter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scopedRow struct {
	ID       string
	MatterID string
}

func (r scopedRow) GetMatterID() string { return r.MatterID }

const (
	matterA = "6b1e0a9e-3f2d-4c5b-8a7f-1d2e3c4b5a69"
	matterB = "99999999-9999-4999-8999-999999999999"
)

func TestValidateID(t *testing.T) {
	id, err := ValidateID(matterA)
	require.NoError(t, err)
	assert.Equal(t, matterA, id)
}

func TestValidateID_Normalizes(t *testing.T) {
	id, err := ValidateID("6B1E0A9E-3F2D-4C5B-8A7F-1D2E3C4B5A69")
	require.NoError(t, err)
	assert.Equal(t, matterA, id)
}

func TestValidateID_Rejects(t *testing.T) {
	for _, raw := range []string{"", "not-a-uuid", "6b1e0a9e", "6b1e0a9e-3f2d-4c5b-8a7f-1d2e3c4b5a6"} {
		_, err := ValidateID(raw)
		require.ErrorIs(t, err, ErrInvalidMatter, "raw %q", raw)
	}
}

func TestValidateRows(t *testing.T) {
	rows := []scopedRow{
		{ID: "1", MatterID: matterA},
		{ID: "2", MatterID: matterA},
	}
	out, err := ValidateRows(rows, matterA)
	require.NoError(t, err)
	assert.Equal(t, rows, out)
}

func TestValidateRows_LeakFailsClosed(t *testing.T) {
	rows := []scopedRow{
		{ID: "1", MatterID: matterA},
		{ID: "2", MatterID: matterB},
	}
	out, err := ValidateRows(rows, matterA)
	require.Error(t, err)
	// No partial result: the caller must not see the clean rows either.
	assert.Nil(t, out)

	var leak *LeakError
	require.ErrorAs(t, err, &leak)
	assert.Equal(t, matterA, leak.Requested)
	assert.Equal(t, matterB, leak.Found)
	assert.True(t, IsLeak(err))
}

func TestValidateRow(t *testing.T) {
	row := scopedRow{ID: "1", MatterID: matterA}
	out, err := ValidateRow(row, matterA)
	require.NoError(t, err)
	assert.Equal(t, row, out)
}

func TestValidateRow_LeakReturnsZero(t *testing.T) {
	row := scopedRow{ID: "1", MatterID: matterB}
	out, err := ValidateRow(row, matterA)
	require.Error(t, err)
	assert.True(t, IsLeak(err))
	assert.Zero(t, out)
}

func TestIsLeak_OtherErrors(t *testing.T) {
	assert.False(t, IsLeak(errors.New("connection refused")))
	assert.False(t, IsLeak(ErrInvalidMatter))
	assert.False(t, IsLeak(nil))
}

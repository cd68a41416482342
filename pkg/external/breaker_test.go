package external

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOCR_PassesThroughSuccess(t *testing.T) {
	fake := &FakeOCR{}
	b := NewBreakerOCR(fake)

	res, err := b.ProcessDocument(context.Background(), []byte("%PDF"), 1)
	require.NoError(t, err)
	require.Len(t, res.Pages, 1)
	assert.Equal(t, 1, res.Pages[0].PageNumber)
}

func TestBreakerOCR_OpensAfterConsecutiveFailures(t *testing.T) {
	boom := errors.New("provider 503")
	fake := &FakeOCR{Errs: []error{boom, boom, boom, boom, boom}}
	b := NewBreakerOCR(fake)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := b.ProcessDocument(ctx, nil, 1)
		require.ErrorIs(t, err, boom)
	}

	// Breaker is open now: the provider is no longer called, and the
	// failure reads as transient so callers back off instead of failing
	// the job.
	_, err := b.ProcessDocument(ctx, nil, 1)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 5, fake.Calls)
}

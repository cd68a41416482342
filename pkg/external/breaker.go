package external

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerOCR wraps an OCR provider with a circuit breaker so a struggling
// provider sheds load instead of timing out every chunk task in the pool.
// An open breaker surfaces as a transient error, which the stage retry path
// already handles.
type BreakerOCR struct {
	inner OCR
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerOCR wraps inner. The breaker opens after 5 consecutive failures
// and probes again after 30 seconds.
func NewBreakerOCR(inner OCR) *BreakerOCR {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "external-ocr",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &BreakerOCR{inner: inner, cb: cb}
}

func (b *BreakerOCR) ProcessDocument(ctx context.Context, pdf []byte, firstPage int) (*OCRResult, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.ProcessDocument(ctx, pdf, firstPage)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if err != nil {
		return nil, err
	}
	result, _ := res.(*OCRResult)
	return result, nil
}

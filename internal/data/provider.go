// Package data provides historical candle access for backtests.
package data

import (
	"context"
	"errors"
	"time"

	"github.com/techprocreative/strategy-engine/pkg/types"
)

// ErrNoData is returned when a provider has no candles at all for the
// requested symbol, timeframe and window.
var ErrNoData = errors.New("no historical data available")

// Provider serves historical candles for a symbol and timeframe. Candles
// come back sorted by timestamp ascending; a provider returns ErrNoData
// rather than an empty slice when nothing matches.
type Provider interface {
	GetHistoricalData(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.Candle, error)
	Name() string
}

// RateLimited wraps a provider with a bound on concurrent requests.
type RateLimited struct {
	inner Provider
	slots chan struct{}
}

// NewRateLimited wraps the provider, allowing at most maxConcurrent
// in-flight requests.
func NewRateLimited(inner Provider, maxConcurrent int) *RateLimited {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &RateLimited{
		inner: inner,
		slots: make(chan struct{}, maxConcurrent),
	}
}

// GetHistoricalData acquires a slot, honoring context cancellation while
// waiting, then delegates to the wrapped provider.
func (r *RateLimited) GetHistoricalData(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.Candle, error) {
	select {
	case r.slots <- struct{}{}:
		defer func() { <-r.slots }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return r.inner.GetHistoricalData(ctx, symbol, timeframe, start, end)
}

// Name returns the wrapped provider's name.
func (r *RateLimited) Name() string {
	return r.inner.Name()
}

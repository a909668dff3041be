package api

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/techprocreative/strategy-engine/internal/data"
	"github.com/techprocreative/strategy-engine/pkg/types"
)

// Metrics holds the Prometheus instruments for the API server.
type Metrics struct {
	BacktestsStarted   prometheus.Counter
	BacktestsCompleted prometheus.Counter
	BacktestsFailed    prometheus.Counter
	BacktestsCancelled prometheus.Counter
	BacktestsRejected  prometheus.Counter
	PartialDataRuns    prometheus.Counter
	RunDuration        prometheus.Histogram
	ProviderRequests   *prometheus.CounterVec
}

// NewMetrics registers the instruments with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BacktestsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "strategy_engine_backtests_started_total",
			Help: "Number of backtests accepted for execution.",
		}),
		BacktestsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "strategy_engine_backtests_completed_total",
			Help: "Number of backtests that finished successfully.",
		}),
		BacktestsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "strategy_engine_backtests_failed_total",
			Help: "Number of backtests that ended with an error.",
		}),
		BacktestsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "strategy_engine_backtests_cancelled_total",
			Help: "Number of backtests cancelled by a caller.",
		}),
		BacktestsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "strategy_engine_rule_documents_rejected_total",
			Help: "Number of rule documents that failed validation.",
		}),
		PartialDataRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "strategy_engine_partial_data_runs_total",
			Help: "Number of completed runs covering less data than requested.",
		}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "strategy_engine_run_duration_seconds",
			Help:    "Wall-clock duration of backtest runs.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		ProviderRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strategy_engine_provider_requests_total",
			Help: "Candle provider requests by provider and outcome.",
		}, []string{"provider", "outcome"}),
	}
}

// instrumentedProvider counts candle fetches per provider and outcome.
type instrumentedProvider struct {
	inner    data.Provider
	requests *prometheus.CounterVec
}

func (p *instrumentedProvider) Name() string {
	return p.inner.Name()
}

func (p *instrumentedProvider) GetHistoricalData(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.Candle, error) {
	candles, err := p.inner.GetHistoricalData(ctx, symbol, timeframe, start, end)

	outcome := "ok"
	switch {
	case errors.Is(err, data.ErrNoData):
		outcome = "no_data"
	case err != nil:
		outcome = "error"
	}
	p.requests.WithLabelValues(p.inner.Name(), outcome).Inc()

	return candles, err
}

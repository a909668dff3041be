package indicator_test

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/techprocreative/strategy-engine/internal/indicator"
	"github.com/techprocreative/strategy-engine/internal/rules"
	"github.com/techprocreative/strategy-engine/pkg/types"
)

func candlesFromCloses(closes []float64) []types.Candle {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]types.Candle, len(closes))
	for i, c := range closes {
		d := decimal.NewFromFloat(c)
		candles[i] = types.Candle{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      d,
			High:      d.Add(decimal.NewFromFloat(0.0005)),
			Low:       d.Sub(decimal.NewFromFloat(0.0005)),
			Close:     d,
			Volume:    decimal.NewFromInt(1000),
		}
	}
	return candles
}

func flatCandles(n int, price float64) []types.Candle {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := decimal.NewFromFloat(price)
	candles := make([]types.Candle, n)
	for i := range candles {
		candles[i] = types.Candle{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      d, High: d, Low: d, Close: d,
			Volume: decimal.NewFromInt(1000),
		}
	}
	return candles
}

func mustRef(t *testing.T, name string) rules.IndicatorRef {
	t.Helper()
	ref, err := rules.ParseIndicator(name)
	if err != nil {
		t.Fatalf("ParseIndicator(%s): %v", name, err)
	}
	return ref
}

func TestSMAWarmupAndValues(t *testing.T) {
	set := indicator.NewSet(candlesFromCloses([]float64{1, 2, 3, 4, 5}))

	series, err := set.Series(mustRef(t, "sma_3"))
	if err != nil {
		t.Fatalf("Series failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if !math.IsNaN(series[i]) {
			t.Errorf("Expected NaN at warm-up index %d, got %v", i, series[i])
		}
	}
	want := []float64{2, 3, 4}
	for i, w := range want {
		if got := series[i+2]; math.Abs(got-w) > 1e-9 {
			t.Errorf("SMA[%d] = %v, want %v", i+2, got, w)
		}
	}
}

func TestEMASeedsFromSMA(t *testing.T) {
	set := indicator.NewSet(candlesFromCloses([]float64{2, 4, 6, 8, 10}))

	series, err := set.Series(mustRef(t, "ema_3"))
	if err != nil {
		t.Fatalf("Series failed: %v", err)
	}

	if !math.IsNaN(series[0]) || !math.IsNaN(series[1]) {
		t.Error("Expected NaN during EMA warm-up")
	}
	// Seed = SMA(2,4,6) = 4.
	if math.Abs(series[2]-4) > 1e-9 {
		t.Errorf("EMA seed = %v, want 4", series[2])
	}
	// Next: (8-4)*0.5 + 4 = 6.
	if math.Abs(series[3]-6) > 1e-9 {
		t.Errorf("EMA[3] = %v, want 6", series[3])
	}
}

func TestRSIZeroLossReads100(t *testing.T) {
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 1.0 + float64(i)*0.01
	}
	set := indicator.NewSet(candlesFromCloses(closes))

	series, err := set.Series(mustRef(t, "rsi_14"))
	if err != nil {
		t.Fatalf("Series failed: %v", err)
	}

	if !math.IsNaN(series[13]) {
		t.Error("Expected NaN before the first full RSI window")
	}
	for i := 14; i < len(series); i++ {
		if series[i] != 100 {
			t.Errorf("RSI[%d] = %v, want 100 on a loss-free series", i, series[i])
		}
	}
}

func TestATRFlatSeriesIsZero(t *testing.T) {
	set := indicator.NewSet(flatCandles(30, 1.1000))

	series, err := set.Series(mustRef(t, "atr_14"))
	if err != nil {
		t.Fatalf("Series failed: %v", err)
	}

	if series[29] != 0 {
		t.Errorf("ATR on flat candles = %v, want 0", series[29])
	}
}

func TestStochasticFlatRangeReads50(t *testing.T) {
	set := indicator.NewSet(flatCandles(30, 1.1000))

	series, err := set.Series(mustRef(t, "stochastic_k"))
	if err != nil {
		t.Fatalf("Series failed: %v", err)
	}

	if series[20] != 50 {
		t.Errorf("Stochastic %%K on flat range = %v, want 50", series[20])
	}
}

func TestMACDSignalNeedsWarmup(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 1.0 + 0.01*math.Sin(float64(i)/5)
	}
	set := indicator.NewSet(candlesFromCloses(closes))

	line, err := set.Series(mustRef(t, "macd"))
	if err != nil {
		t.Fatalf("Series failed: %v", err)
	}
	signal, err := set.Series(mustRef(t, "macd_signal"))
	if err != nil {
		t.Fatalf("Series failed: %v", err)
	}

	if !math.IsNaN(line[24]) {
		t.Error("MACD line should be NaN before the slow EMA settles")
	}
	if math.IsNaN(line[25]) {
		t.Error("MACD line should have a value once both EMAs exist")
	}
	if !math.IsNaN(signal[25]) {
		t.Error("Signal line needs its own warm-up past the MACD line")
	}
	if math.IsNaN(signal[40]) {
		t.Error("Signal line should have settled by bar 40")
	}
}

func TestSeriesCached(t *testing.T) {
	set := indicator.NewSet(candlesFromCloses([]float64{1, 2, 3, 4, 5, 6}))

	first, err := set.Series(mustRef(t, "sma_3"))
	if err != nil {
		t.Fatalf("Series failed: %v", err)
	}
	second, err := set.Series(mustRef(t, "sma_3"))
	if err != nil {
		t.Fatalf("Series failed: %v", err)
	}

	if &first[0] != &second[0] {
		t.Error("Expected the cached slice to be returned on the second lookup")
	}
}

func TestAlignIndexUsesClosedCandlesOnly(t *testing.T) {
	// Four-hour candles starting at midnight.
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var candles []types.Candle
	for i := 0; i < 6; i++ {
		d := decimal.NewFromFloat(1.1)
		candles = append(candles, types.Candle{
			Timestamp: start.Add(time.Duration(i) * 4 * time.Hour),
			Open:      d, High: d, Low: d, Close: d,
		})
	}
	set := indicator.NewSet(candles)

	// A base bar closing at 03:00 sees no closed 4h candle yet.
	if idx := set.AlignIndex(types.Timeframe4h, start.Add(3*time.Hour).Unix()); idx != -1 {
		t.Errorf("Expected -1 before any 4h close, got %d", idx)
	}
	// At exactly 04:00 the first 4h candle has closed.
	if idx := set.AlignIndex(types.Timeframe4h, start.Add(4*time.Hour).Unix()); idx != 0 {
		t.Errorf("Expected index 0 at the first close, got %d", idx)
	}
	// At 09:00 only the first candle is closed; the second closes at 08:00.
	if idx := set.AlignIndex(types.Timeframe4h, start.Add(9*time.Hour).Unix()); idx != 1 {
		t.Errorf("Expected index 1 at 09:00, got %d", idx)
	}
}

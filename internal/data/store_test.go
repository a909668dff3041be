package data_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/techprocreative/strategy-engine/internal/data"
	"github.com/techprocreative/strategy-engine/pkg/types"
	"go.uber.org/zap"
)

func hourlyCandles(start time.Time, n int) []types.Candle {
	candles := make([]types.Candle, n)
	for i := range candles {
		price := decimal.NewFromFloat(1.1).Add(decimal.NewFromInt(int64(i)).Div(decimal.NewFromInt(10000)))
		candles[i] = types.Candle{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      price,
			High:      price.Add(decimal.NewFromFloat(0.0005)),
			Low:       price.Sub(decimal.NewFromFloat(0.0005)),
			Close:     price,
			Volume:    decimal.NewFromInt(1000),
		}
	}
	return candles
}

func TestSaveAndLoadRoundtrip(t *testing.T) {
	store, err := data.NewFileStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	saved := hourlyCandles(start, 48)
	if err := store.SaveCandles("EURUSD", types.Timeframe1h, saved); err != nil {
		t.Fatalf("SaveCandles failed: %v", err)
	}

	got, err := store.GetHistoricalData(context.Background(), "EURUSD", types.Timeframe1h,
		start, start.Add(47*time.Hour))
	if err != nil {
		t.Fatalf("GetHistoricalData failed: %v", err)
	}
	if len(got) != 48 {
		t.Fatalf("Expected 48 candles, got %d", len(got))
	}
	if !got[0].Close.Equal(saved[0].Close) {
		t.Errorf("First close = %s, want %s", got[0].Close, saved[0].Close)
	}
}

func TestRangeClipping(t *testing.T) {
	store, err := data.NewFileStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := store.SaveCandles("EURUSD", types.Timeframe1h, hourlyCandles(start, 24)); err != nil {
		t.Fatalf("SaveCandles failed: %v", err)
	}

	got, err := store.GetHistoricalData(context.Background(), "EURUSD", types.Timeframe1h,
		start.Add(6*time.Hour), start.Add(11*time.Hour))
	if err != nil {
		t.Fatalf("GetHistoricalData failed: %v", err)
	}
	if len(got) != 6 {
		t.Fatalf("Expected 6 candles, got %d", len(got))
	}
	if !got[0].Timestamp.Equal(start.Add(6 * time.Hour)) {
		t.Errorf("First timestamp = %s, want %s", got[0].Timestamp, start.Add(6*time.Hour))
	}

	// Requesting a window past the data reports no data.
	_, err = store.GetHistoricalData(context.Background(), "EURUSD", types.Timeframe1h,
		start.Add(100*time.Hour), start.Add(200*time.Hour))
	if !errors.Is(err, data.ErrNoData) {
		t.Errorf("Expected ErrNoData past the series, got %v", err)
	}
}

func TestMissingSymbolIsErrNoData(t *testing.T) {
	store, err := data.NewFileStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	_, err = store.GetHistoricalData(context.Background(), "XAUUSD", types.Timeframe1h,
		time.Now().Add(-24*time.Hour), time.Now())
	if !errors.Is(err, data.ErrNoData) {
		t.Errorf("Expected ErrNoData for a missing symbol, got %v", err)
	}
}

func TestSymbolsAndDataRange(t *testing.T) {
	store, err := data.NewFileStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := store.SaveCandles("GBPUSD", types.Timeframe1h, hourlyCandles(start, 10)); err != nil {
		t.Fatalf("SaveCandles failed: %v", err)
	}
	if err := store.SaveCandles("EURUSD", types.Timeframe1h, hourlyCandles(start, 10)); err != nil {
		t.Fatalf("SaveCandles failed: %v", err)
	}

	symbols := store.Symbols()
	if len(symbols) != 2 || symbols[0] != "EURUSD" || symbols[1] != "GBPUSD" {
		t.Errorf("Unexpected symbol list: %v", symbols)
	}

	rangeStart, rangeEnd, err := store.DataRange("EURUSD")
	if err != nil {
		t.Fatalf("DataRange failed: %v", err)
	}
	if !rangeStart.Equal(start) || !rangeEnd.Equal(start.Add(9*time.Hour)) {
		t.Errorf("DataRange = [%s, %s]", rangeStart, rangeEnd)
	}

	if _, _, err := store.DataRange("USDJPY"); !errors.Is(err, data.ErrNoData) {
		t.Errorf("Expected ErrNoData for unknown symbol, got %v", err)
	}
}

func TestMetadataSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	store, err := data.NewFileStore(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	if err := store.SaveCandles("EURUSD", types.Timeframe1h, hourlyCandles(start, 5)); err != nil {
		t.Fatalf("SaveCandles failed: %v", err)
	}

	reopened, err := data.NewFileStore(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if symbols := reopened.Symbols(); len(symbols) != 1 || symbols[0] != "EURUSD" {
		t.Errorf("Expected metadata to persist, got %v", symbols)
	}
}

func TestRateLimitedHonorsContext(t *testing.T) {
	store, err := data.NewFileStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	limited := data.NewRateLimited(store, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = limited.GetHistoricalData(ctx, "EURUSD", types.Timeframe1h, start, start.Add(time.Hour))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

package backtest_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/techprocreative/strategy-engine/internal/backtest"
	"github.com/techprocreative/strategy-engine/internal/data"
	"github.com/techprocreative/strategy-engine/internal/rules"
	"github.com/techprocreative/strategy-engine/pkg/types"
	"go.uber.org/zap"
)

// stubProvider serves fixed candles per timeframe from memory.
type stubProvider struct {
	candles map[types.Timeframe][]types.Candle
}

func (p *stubProvider) GetHistoricalData(_ context.Context, _ string, tf types.Timeframe, start, end time.Time) ([]types.Candle, error) {
	var out []types.Candle
	for _, c := range p.candles[tf] {
		if !c.Timestamp.Before(start) && !c.Timestamp.After(end) {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, data.ErrNoData
	}
	return out, nil
}

func (p *stubProvider) Name() string { return "stub" }

func bar(ts time.Time, open, high, low, close float64) types.Candle {
	return types.Candle{
		Timestamp: ts,
		Open:      decimal.NewFromFloat(open),
		High:      decimal.NewFromFloat(high),
		Low:       decimal.NewFromFloat(low),
		Close:     decimal.NewFromFloat(close),
		Volume:    decimal.NewFromInt(1000),
	}
}

func buyRules(t *testing.T, threshold float64) *rules.RuleSet {
	t.Helper()
	closeRef, err := rules.ParseIndicator("close")
	if err != nil {
		t.Fatalf("ParseIndicator: %v", err)
	}
	return &rules.RuleSet{
		Name:      "breakout",
		Symbols:   []string{"EURUSD"},
		Timeframe: types.Timeframe1h,
		Direction: types.DirectionBuy,
		Entry: rules.Group{
			Logic: rules.LogicAnd,
			Conditions: []rules.Condition{{
				Indicator: closeRef,
				Operator:  rules.OpGreaterThan,
				Value:     rules.Operand{Literal: threshold},
			}},
		},
		Risk: rules.RiskConfig{
			StopLoss:   rules.StopLossSpec{Type: "fixed", Pips: 20},
			TakeProfit: rules.TakeProfitSpec{Type: "fixed", Pips: 40},
			Sizing:     rules.SizingSpec{Method: "fixed", FixedLots: 1, MinLot: 0.01, MaxLot: 10},
			PipValue:   10,
		},
	}
}

func request(start time.Time, hours int) types.BacktestRequest {
	return types.BacktestRequest{
		Symbol:         "EURUSD",
		Timeframe:      types.Timeframe1h,
		StartDate:      start,
		EndDate:        start.Add(time.Duration(hours) * time.Hour),
		InitialBalance: decimal.NewFromInt(10000),
	}
}

func TestStopFillsWhenBarSpansStopAndTarget(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	provider := &stubProvider{candles: map[types.Timeframe][]types.Candle{
		types.Timeframe1h: {
			bar(start, 1.1000, 1.1005, 1.0995, 1.1000),
			// Entry bar: close above the threshold opens at 1.1010.
			bar(start.Add(1*time.Hour), 1.1000, 1.1012, 1.0998, 1.1010),
			// Range spans both the 1.0990 stop and the 1.1050 target.
			bar(start.Add(2*time.Hour), 1.1010, 1.1060, 1.0980, 1.1000),
			bar(start.Add(3*time.Hour), 1.1000, 1.1004, 1.0996, 1.1000),
		},
	}}

	engine := backtest.NewEngine(zap.NewNop(), provider)
	result, err := engine.Run(context.Background(), "run1", buyRules(t, 1.1005), request(start, 3), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.TotalTrades != 1 {
		t.Fatalf("Expected 1 trade, got %d", result.TotalTrades)
	}
	trade := result.Trades[0]
	if trade.ExitReason != types.ExitReasonStopLoss {
		t.Errorf("ExitReason = %s, want stop_loss when the bar touches both levels", trade.ExitReason)
	}
	if !trade.ExitPrice.Equal(decimal.NewFromFloat(1.0990)) {
		t.Errorf("ExitPrice = %s, want the stop at 1.0990", trade.ExitPrice)
	}
	// 20 losing pips at $10/pip on 1 lot.
	if !result.FinalBalance.Equal(decimal.NewFromInt(9800)) {
		t.Errorf("FinalBalance = %s, want 9800", result.FinalBalance)
	}
	if result.Metadata.DataSource != "stub" {
		t.Errorf("DataSource = %s, want stub", result.Metadata.DataSource)
	}
}

func TestRSIReversalOpensOnce(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]types.Candle, 0, 30)
	for i := 0; i < 30; i++ {
		// Steady decline keeps RSI pinned near zero once it has a reading.
		price := 1.1300 - float64(i)*0.0010
		candles = append(candles, bar(start.Add(time.Duration(i)*time.Hour),
			price, price+0.0005, price-0.0005, price))
	}
	provider := &stubProvider{candles: map[types.Timeframe][]types.Candle{types.Timeframe1h: candles}}

	rsiRef, err := rules.ParseIndicator("rsi_14")
	if err != nil {
		t.Fatalf("ParseIndicator: %v", err)
	}
	rs := &rules.RuleSet{
		Name:      "rsi-reversal",
		Symbols:   []string{"EURUSD"},
		Timeframe: types.Timeframe1h,
		Direction: types.DirectionBuy,
		Entry: rules.Group{
			Logic: rules.LogicAnd,
			Conditions: []rules.Condition{{
				Indicator: rsiRef,
				Operator:  rules.OpLessThan,
				Value:     rules.Operand{Literal: 30},
			}},
		},
		Risk: rules.RiskConfig{
			StopLoss:     rules.StopLossSpec{Type: "fixed", Pips: 500},
			TakeProfit:   rules.TakeProfitSpec{Type: "fixed"},
			Sizing:       rules.SizingSpec{Method: "fixed", FixedLots: 1, MinLot: 0.01, MaxLot: 10},
			MaxPositions: 1,
			PipValue:     10,
		},
	}

	engine := backtest.NewEngine(zap.NewNop(), provider)
	result, err := engine.Run(context.Background(), "rsi", rs, request(start, 29), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The signal stays true every bar after warm-up, but the single position
	// slot keeps it to one trade, liquidated when the data ends.
	if result.TotalTrades != 1 {
		t.Fatalf("Expected 1 trade, got %d", result.TotalTrades)
	}
	trade := result.Trades[0]
	if trade.ExitReason != types.ExitReasonEndOfData {
		t.Errorf("ExitReason = %s, want end_of_data", trade.ExitReason)
	}
	// Entry at the first bar with an RSI reading, not during warm-up.
	if !trade.EntryTime.Equal(start.Add(14 * time.Hour)) {
		t.Errorf("EntryTime = %s, want the first post-warm-up bar", trade.EntryTime)
	}
	if result.Rejections == 0 {
		t.Error("Expected rejections while the slot was held")
	}
}

func TestExitRuleClosesPosition(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	provider := &stubProvider{candles: map[types.Timeframe][]types.Candle{
		types.Timeframe1h: {
			bar(start, 1.1000, 1.1005, 1.0995, 1.1000),
			// Entry bar: close above the threshold opens at 1.1010.
			bar(start.Add(1*time.Hour), 1.1000, 1.1012, 1.0998, 1.1010),
			// Exit rule fires on the close; the low stays above the 1.0990 stop.
			bar(start.Add(2*time.Hour), 1.1010, 1.1012, 1.0993, 1.0995),
			bar(start.Add(3*time.Hour), 1.0995, 1.1000, 1.0993, 1.0996),
		},
	}}

	closeRef, err := rules.ParseIndicator("close")
	if err != nil {
		t.Fatalf("ParseIndicator: %v", err)
	}
	rs := buyRules(t, 1.1005)
	rs.Exit = &rules.Group{
		Logic: rules.LogicAnd,
		Conditions: []rules.Condition{{
			Indicator: closeRef,
			Operator:  rules.OpLessThan,
			Value:     rules.Operand{Literal: 1.1000},
		}},
	}

	engine := backtest.NewEngine(zap.NewNop(), provider)
	result, err := engine.Run(context.Background(), "exitrule", rs, request(start, 3), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.TotalTrades != 1 {
		t.Fatalf("Expected 1 trade, got %d", result.TotalTrades)
	}
	trade := result.Trades[0]
	if trade.ExitReason != types.ExitReasonExitRule {
		t.Errorf("ExitReason = %s, want exit_rule", trade.ExitReason)
	}
	if !trade.ExitPrice.Equal(decimal.NewFromFloat(1.0995)) {
		t.Errorf("ExitPrice = %s, want the 1.0995 close", trade.ExitPrice)
	}
}

func TestRunIsDeterministic(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]types.Candle, 0, 200)
	for i := 0; i < 200; i++ {
		// Oscillating closes so entries fire and time out repeatedly.
		price := 1.1000
		if i%7 < 3 {
			price = 1.1020
		}
		candles = append(candles, bar(start.Add(time.Duration(i)*time.Hour),
			price, price+0.0005, price-0.0005, price))
	}
	provider := &stubProvider{candles: map[types.Timeframe][]types.Candle{types.Timeframe1h: candles}}

	rs := buyRules(t, 1.1010)
	rs.Risk.TimeLimitBars = 4
	rs.Risk.MaxPositions = 2

	engine := backtest.NewEngine(zap.NewNop(), provider)
	req := request(start, 199)

	first, err := engine.Run(context.Background(), "det", rs, req, nil)
	if err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	second, err := engine.Run(context.Background(), "det", rs, req, nil)
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}

	if first.TotalTrades == 0 {
		t.Fatal("Scenario produced no trades")
	}

	firstJSON, err := json.Marshal(first)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	secondJSON, err := json.Marshal(second)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(firstJSON) != string(secondJSON) {
		t.Error("Identical runs produced different results")
	}
}

func TestMaxPositionsBlocksOverlap(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]types.Candle, 0, 50)
	for i := 0; i < 50; i++ {
		candles = append(candles, bar(start.Add(time.Duration(i)*time.Hour),
			1.1020, 1.1025, 1.1015, 1.1020))
	}
	provider := &stubProvider{candles: map[types.Timeframe][]types.Candle{types.Timeframe1h: candles}}

	rs := buyRules(t, 1.1010)
	rs.Risk.MaxPositions = 1
	rs.Risk.TimeLimitBars = 5

	engine := backtest.NewEngine(zap.NewNop(), provider)
	result, err := engine.Run(context.Background(), "caps", rs, request(start, 49), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.TotalTrades < 2 {
		t.Fatalf("Expected repeated trades, got %d", result.TotalTrades)
	}
	if result.Rejections == 0 {
		t.Error("Expected rejections while the single slot was occupied")
	}
	for i := 1; i < len(result.Trades); i++ {
		if result.Trades[i].EntryTime.Before(result.Trades[i-1].ExitTime) {
			t.Errorf("Trade %d overlaps trade %d", i, i-1)
		}
	}
}

func TestNoDataIsFatal(t *testing.T) {
	provider := &stubProvider{candles: map[types.Timeframe][]types.Candle{}}
	engine := backtest.NewEngine(zap.NewNop(), provider)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := engine.Run(context.Background(), "empty", buyRules(t, 1.1), request(start, 24), nil)

	var unavailable *backtest.DataUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("Expected DataUnavailableError, got %v", err)
	}
	if unavailable.Symbol != "EURUSD" {
		t.Errorf("Symbol = %s, want EURUSD", unavailable.Symbol)
	}
	if !errors.Is(err, data.ErrNoData) {
		t.Error("Expected the error chain to include ErrNoData")
	}
}

func TestPartialCoverageIsReported(t *testing.T) {
	// Data covers two days; the request asks for five.
	dataStart := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	candles := make([]types.Candle, 0, 48)
	for i := 0; i < 48; i++ {
		candles = append(candles, bar(dataStart.Add(time.Duration(i)*time.Hour),
			1.1, 1.1005, 1.0995, 1.1))
	}
	provider := &stubProvider{candles: map[types.Timeframe][]types.Candle{types.Timeframe1h: candles}}

	engine := backtest.NewEngine(zap.NewNop(), provider)
	req := types.BacktestRequest{
		Symbol:         "EURUSD",
		Timeframe:      types.Timeframe1h,
		StartDate:      dataStart.Add(-48 * time.Hour),
		EndDate:        dataStart.Add(72 * time.Hour),
		InitialBalance: decimal.NewFromInt(10000),
	}

	result, err := engine.Run(context.Background(), "partial", buyRules(t, 2.0), req, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !result.Metadata.PartialData {
		t.Error("Expected the partial data flag on a clipped window")
	}
	if !result.Metadata.ActualStart.Equal(dataStart) {
		t.Errorf("ActualStart = %s, want %s", result.Metadata.ActualStart, dataStart)
	}
	if result.Metadata.DataPoints != 48 {
		t.Errorf("DataPoints = %d, want 48", result.Metadata.DataPoints)
	}
}

func TestCancellationStopsTheRun(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]types.Candle, 0, 100)
	for i := 0; i < 100; i++ {
		candles = append(candles, bar(start.Add(time.Duration(i)*time.Hour),
			1.1, 1.1005, 1.0995, 1.1))
	}
	provider := &stubProvider{candles: map[types.Timeframe][]types.Candle{types.Timeframe1h: candles}}
	engine := backtest.NewEngine(zap.NewNop(), provider)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Run(ctx, "cancelled", buyRules(t, 1.2), request(start, 99), nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestProgressReachesCompletion(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]types.Candle, 0, 1200)
	for i := 0; i < 1200; i++ {
		candles = append(candles, bar(start.Add(time.Duration(i)*time.Hour),
			1.1, 1.1005, 1.0995, 1.1))
	}
	provider := &stubProvider{candles: map[types.Timeframe][]types.Candle{types.Timeframe1h: candles}}
	engine := backtest.NewEngine(zap.NewNop(), provider)

	var updates []types.BacktestProgress
	_, err := engine.Run(context.Background(), "progress", buyRules(t, 1.2), request(start, 1199),
		func(p types.BacktestProgress) { updates = append(updates, p) })
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(updates) < 3 {
		t.Fatalf("Expected periodic updates, got %d", len(updates))
	}
	last := updates[len(updates)-1]
	if last.BarsProcessed != 1200 || last.TotalBars != 1200 {
		t.Errorf("Final update = %d/%d bars, want 1200/1200", last.BarsProcessed, last.TotalBars)
	}
}

func TestEquityCurveTracksLosses(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	provider := &stubProvider{candles: map[types.Timeframe][]types.Candle{
		types.Timeframe1h: {
			bar(start, 1.1000, 1.1005, 1.0995, 1.1000),
			bar(start.Add(1*time.Hour), 1.1000, 1.1012, 1.0998, 1.1010),
			bar(start.Add(2*time.Hour), 1.1010, 1.1012, 1.0980, 1.0985),
			bar(start.Add(3*time.Hour), 1.0985, 1.0990, 1.0980, 1.0985),
		},
	}}

	engine := backtest.NewEngine(zap.NewNop(), provider)
	result, err := engine.Run(context.Background(), "curve", buyRules(t, 1.1005), request(start, 3), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(result.EquityCurve) != 4 {
		t.Fatalf("Expected one curve point per bar, got %d", len(result.EquityCurve))
	}
	if result.MaxDrawdown.IsZero() {
		t.Error("Expected a nonzero max drawdown after the losing trade")
	}
	if result.WinRate.IsPositive() {
		t.Errorf("WinRate = %s, want 0 with only a losing trade", result.WinRate)
	}
}

// Package backtest simulates a strategy bar by bar over historical candles.
//
// The engine processes candles strictly in order: open positions are managed
// against each bar before new entries are considered, and rule evaluation
// only ever sees data up to the current bar. Runs are deterministic: the
// same rule set and candles produce an identical result, trade IDs included.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"github.com/techprocreative/strategy-engine/internal/data"
	"github.com/techprocreative/strategy-engine/internal/evaluator"
	"github.com/techprocreative/strategy-engine/internal/indicator"
	"github.com/techprocreative/strategy-engine/internal/risk"
	"github.com/techprocreative/strategy-engine/internal/rules"
	"github.com/techprocreative/strategy-engine/pkg/types"
	"go.uber.org/zap"
)

// DataUnavailableError is the fatal error returned when a run cannot start
// because the provider has no candles for the requested window.
type DataUnavailableError struct {
	Symbol    string
	Timeframe types.Timeframe
	Err       error
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("no data for %s %s: %v", e.Symbol, e.Timeframe, e.Err)
}

func (e *DataUnavailableError) Unwrap() error {
	return e.Err
}

const progressEvery = 500 // bars between progress reports

// Engine runs backtests against a candle provider.
type Engine struct {
	logger   *zap.Logger
	provider data.Provider
	eval     *evaluator.Evaluator
}

// NewEngine creates a backtest engine.
func NewEngine(logger *zap.Logger, provider data.Provider) *Engine {
	return &Engine{
		logger:   logger,
		provider: provider,
		eval:     evaluator.New(logger),
	}
}

// Run executes one backtest. progress may be nil; when set it receives
// periodic updates and a final report. Cancellation is honored between bars
// and returns ctx.Err().
func (e *Engine) Run(ctx context.Context, runID string, rs *rules.RuleSet, req types.BacktestRequest, progress func(types.BacktestProgress)) (*types.BacktestResult, error) {
	symbol := req.Symbol
	if symbol == "" && len(rs.Symbols) > 0 {
		symbol = rs.Symbols[0]
	}
	timeframe := req.Timeframe
	if timeframe == "" {
		timeframe = rs.Timeframe
	}

	candles, err := e.provider.GetHistoricalData(ctx, symbol, timeframe, req.StartDate, req.EndDate)
	if err != nil {
		if errors.Is(err, data.ErrNoData) {
			return nil, &DataUnavailableError{Symbol: symbol, Timeframe: timeframe, Err: err}
		}
		return nil, fmt.Errorf("loading candles for %s %s: %w", symbol, timeframe, err)
	}

	sets := map[types.Timeframe]*indicator.Set{
		timeframe: indicator.NewSet(candles),
	}
	for _, tf := range rs.Timeframes() {
		if tf == timeframe {
			continue
		}
		aux, auxErr := e.provider.GetHistoricalData(ctx, symbol, tf, req.StartDate.Add(-tf.Duration()*300), req.EndDate)
		if auxErr != nil {
			// Conditions on this timeframe will evaluate false with a
			// diagnostic; the run itself proceeds.
			e.logger.Warn("auxiliary timeframe unavailable",
				zap.String("symbol", symbol),
				zap.String("timeframe", string(tf)),
				zap.Error(auxErr))
			continue
		}
		sets[tf] = indicator.NewSet(aux)
	}

	sim := newSimulation(e, runID, rs, symbol, timeframe, req.InitialBalance)

	e.logger.Info("backtest started",
		zap.String("id", runID),
		zap.String("strategy", rs.Name),
		zap.String("symbol", symbol),
		zap.Int("bars", len(candles)))

	for i := range candles {
		if err := ctx.Err(); err != nil {
			e.logger.Info("backtest cancelled",
				zap.String("id", runID),
				zap.Int("bar", i))
			return nil, err
		}

		sim.step(sets, timeframe, i)

		if progress != nil && (i%progressEvery == 0 || i == len(candles)-1) {
			progress(types.BacktestProgress{
				ID:             runID,
				Status:         "running",
				Progress:       float64(i+1) / float64(len(candles)) * 100,
				BarsProcessed:  i + 1,
				TotalBars:      len(candles),
				CurrentDate:    candles[i].Timestamp,
				TradesExecuted: len(sim.trades),
				CurrentEquity:  sim.balance,
			})
		}
	}

	sim.closeAll(candles[len(candles)-1], types.ExitReasonEndOfData)

	result := sim.result(req, candles)
	result.Metadata.DataSource = e.provider.Name()

	e.logger.Info("backtest completed",
		zap.String("id", runID),
		zap.Int("trades", result.TotalTrades),
		zap.String("finalBalance", result.FinalBalance.String()),
		zap.String("return", result.ReturnPercentage.StringFixed(2)+"%"))
	return result, nil
}

// simulation holds the mutable state of one run.
type simulation struct {
	engine    *Engine
	rs        *rules.RuleSet
	rm        *risk.Manager
	runID     string
	symbol    string
	timeframe types.Timeframe

	seq        int
	balance    decimal.Decimal
	peak       decimal.Decimal
	dailyStart decimal.Decimal
	currentDay string

	open       []*types.Position
	trades     []types.Trade
	curve      []types.EquityCurvePoint
	rejections int

	atrRef rules.IndicatorRef
	emaRef rules.IndicatorRef
}

func newSimulation(e *Engine, runID string, rs *rules.RuleSet, symbol string, timeframe types.Timeframe, initial decimal.Decimal) *simulation {
	atrPeriod := rs.Risk.StopLoss.ATRPeriod
	if atrPeriod == 0 {
		atrPeriod = 14
	}
	atrRef, _ := rules.ParseIndicator(fmt.Sprintf("atr_%d", atrPeriod))
	emaRef, _ := rules.ParseIndicator("ema_50")

	return &simulation{
		engine:     e,
		rs:         rs,
		rm:         risk.NewManager(e.logger, symbol, rs.Risk),
		runID:      runID,
		symbol:     symbol,
		timeframe:  timeframe,
		balance:    initial,
		peak:       initial,
		dailyStart: initial,
		atrRef:     atrRef,
		emaRef:     emaRef,
	}
}

// step advances the simulation by one bar.
func (s *simulation) step(sets map[types.Timeframe]*indicator.Set, base types.Timeframe, i int) {
	baseSet := sets[base]
	bar := baseSet.Candle(i)

	day := bar.Timestamp.UTC().Format("2006-01-02")
	if day != s.currentDay {
		s.currentDay = day
		s.dailyStart = s.balance
	}

	s.managePositions(baseSet, i, bar)

	snaps := s.snapshots(sets, base, i)

	if s.rs.Exit != nil && len(s.open) > 0 {
		if d := s.engine.eval.EvaluateExit(s.rs, snaps); d.Fired {
			s.closeAll(bar, types.ExitReasonExitRule)
		}
	}

	s.tryEnter(baseSet, snaps, i, bar)

	s.recordEquity(bar)
}

// snapshots builds one snapshot per timeframe, aligning auxiliary
// timeframes so only fully closed candles are visible.
func (s *simulation) snapshots(sets map[types.Timeframe]*indicator.Set, base types.Timeframe, i int) map[types.Timeframe]*indicator.Snapshot {
	baseSet := sets[base]
	snaps := map[types.Timeframe]*indicator.Snapshot{
		base: baseSet.At(i),
	}
	baseClose := baseSet.Candle(i).CloseTime(base).Unix()
	for tf, set := range sets {
		if tf == base {
			continue
		}
		if idx := set.AlignIndex(tf, baseClose); idx >= 0 {
			snaps[tf] = set.At(idx)
		}
	}
	return snaps
}

// managePositions applies stop, target, time-limit, trailing and partial
// logic against one bar. When the bar's range touches both the stop and the
// target, the stop fills; intrabar order is unknowable from OHLC, so the
// engine assumes the worse outcome.
func (s *simulation) managePositions(baseSet *indicator.Set, i int, bar types.Candle) {
	remaining := s.open[:0]
	for _, pos := range s.open {
		if s.stopHit(pos, bar) {
			s.close(pos, pos.Lots, pos.StopLoss, bar, types.ExitReasonStopLoss)
			continue
		}
		if s.targetHit(pos, bar) {
			s.close(pos, pos.Lots, pos.TakeProfit, bar, types.ExitReasonTakeProfit)
			continue
		}
		if s.rs.Risk.TimeLimitBars > 0 && i-pos.OpenedAtBar >= s.rs.Risk.TimeLimitBars {
			s.close(pos, pos.Lots, bar.Close, bar, types.ExitReasonTimeLimit)
			continue
		}

		if action := s.rm.NextPartial(pos, bar.Close); action != nil {
			s.close(pos, action.CloseLots, bar.Close, bar, types.ExitReasonPartial)
			if pos.Lots.IsPositive() {
				pos.PartialsTaken++
				pos.State = types.PositionStatePartial
				if action.MoveToBreakeven {
					pos.StopLoss = pos.EntryPrice
				}
			}
		}
		if pos.Lots.IsPositive() {
			if newStop, moved := s.rm.TrailStop(pos, bar.Close); moved {
				pos.StopLoss = newStop
			}
			remaining = append(remaining, pos)
		}
	}
	s.open = remaining
}

func (s *simulation) stopHit(pos *types.Position, bar types.Candle) bool {
	if pos.StopLoss.IsZero() {
		return false
	}
	if pos.Direction == types.DirectionBuy {
		return bar.Low.LessThanOrEqual(pos.StopLoss)
	}
	return bar.High.GreaterThanOrEqual(pos.StopLoss)
}

func (s *simulation) targetHit(pos *types.Position, bar types.Candle) bool {
	if pos.TakeProfit.IsZero() {
		return false
	}
	if pos.Direction == types.DirectionBuy {
		return bar.High.GreaterThanOrEqual(pos.TakeProfit)
	}
	return bar.Low.LessThanOrEqual(pos.TakeProfit)
}

func (s *simulation) tryEnter(baseSet *indicator.Set, snaps map[types.Timeframe]*indicator.Snapshot, i int, bar types.Candle) {
	decision := s.engine.eval.EvaluateEntry(s.rs, snaps)
	if !decision.Fired {
		return
	}

	atr := s.currentATR(baseSet, i)

	if !s.volatilityOK(baseSet, i) {
		s.engine.logger.Debug("entry skipped by volatility filter",
			zap.String("id", s.runID),
			zap.Time("bar", bar.Timestamp))
		return
	}

	dir := s.direction(snaps)

	if s.rs.Risk.CloseOnOppositeSignal {
		for _, pos := range append([]*types.Position(nil), s.open...) {
			if pos.Direction != dir {
				s.close(pos, pos.Lots, bar.Close, bar, types.ExitReasonOppositeSignal)
				s.remove(pos)
			}
		}
	}

	if s.balance.LessThanOrEqual(decimal.Zero) {
		return
	}

	order, err := s.rm.Size(dir, bar.Close, atr, risk.Account{
		Equity:           s.balance,
		DailyStartEquity: s.dailyStart,
		OpenPositions:    len(s.open),
	})
	if err != nil {
		var rej *risk.Rejection
		if errors.As(err, &rej) {
			s.rejections++
			s.engine.logger.Debug("entry rejected",
				zap.String("id", s.runID),
				zap.Time("bar", bar.Timestamp),
				zap.String("reason", rej.Reason))
		}
		return
	}

	s.seq++
	pos := &types.Position{
		ID:          fmt.Sprintf("%s-p%04d", s.runID, s.seq),
		Symbol:      s.symbol,
		Direction:   dir,
		Lots:        order.Lots,
		InitialLots: order.Lots,
		EntryPrice:  bar.Close,
		StopLoss:    order.StopLoss,
		TakeProfit:  order.TakeProfit,
		StopPips:    order.StopPips,
		OpenedAt:    bar.Timestamp,
		OpenedAtBar: i,
		State:       types.PositionStateOpen,
	}
	s.open = append(s.open, pos)
}

// direction picks the trade side: the rule set's explicit direction when
// declared, otherwise trend-following on EMA(50).
func (s *simulation) direction(snaps map[types.Timeframe]*indicator.Snapshot) types.Direction {
	if s.rs.Direction != "" {
		return s.rs.Direction
	}

	snap := snaps[s.timeframe]
	closeRef, _ := rules.ParseIndicator("close")
	price, perr := snap.Value(closeRef)
	ema, eerr := snap.Value(s.emaRef)
	if perr != nil || eerr != nil || math.IsNaN(price) || math.IsNaN(ema) {
		return types.DirectionBuy
	}
	if price >= ema {
		return types.DirectionBuy
	}
	return types.DirectionSell
}

func (s *simulation) currentATR(baseSet *indicator.Set, i int) float64 {
	series, err := baseSet.Series(s.atrRef)
	if err != nil || i >= len(series) {
		return math.NaN()
	}
	return series[i]
}

func (s *simulation) volatilityOK(baseSet *indicator.Set, i int) bool {
	vf := s.rs.VolatilityFilter
	if vf == nil {
		return true
	}

	ref, err := rules.ParseIndicator(fmt.Sprintf("atr_%d", vf.ATRPeriod))
	if err != nil {
		return true
	}
	series, err := baseSet.Series(ref)
	if err != nil || i >= len(series) || math.IsNaN(series[i]) {
		return true
	}

	atrPips := decimal.NewFromFloat(series[i]).Div(s.rm.PipSize()).InexactFloat64()
	if vf.MinATR > 0 && atrPips < vf.MinATR {
		return false
	}
	if vf.MaxATR > 0 && atrPips > vf.MaxATR {
		return false
	}
	return true
}

// close realizes lots of a position at exitPrice, recording a trade.
func (s *simulation) close(pos *types.Position, lots, exitPrice decimal.Decimal, bar types.Candle, reason types.ExitReason) {
	pnl, pips := s.rm.PnL(pos.Direction, pos.EntryPrice, exitPrice, lots)

	s.seq++
	s.trades = append(s.trades, types.Trade{
		ID:         fmt.Sprintf("%s-t%04d", s.runID, s.seq),
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Direction:  pos.Direction,
		Lots:       lots,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exitPrice,
		EntryTime:  pos.OpenedAt,
		ExitTime:   bar.Timestamp,
		PnL:        pnl,
		Pips:       pips,
		ExitReason: reason,
	})

	s.balance = s.balance.Add(pnl)
	pos.Lots = pos.Lots.Sub(lots)
	pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
	if !pos.Lots.IsPositive() {
		pos.State = types.PositionStateClosed
	}
}

func (s *simulation) remove(target *types.Position) {
	for i, pos := range s.open {
		if pos == target {
			s.open = append(s.open[:i], s.open[i+1:]...)
			return
		}
	}
}

// closeAll liquidates every open position at the bar close.
func (s *simulation) closeAll(bar types.Candle, reason types.ExitReason) {
	for _, pos := range s.open {
		s.close(pos, pos.Lots, bar.Close, bar, reason)
	}
	s.open = nil
}

// recordEquity samples the curve, marking open positions to the bar close.
func (s *simulation) recordEquity(bar types.Candle) {
	equity := s.balance
	for _, pos := range s.open {
		pnl, _ := s.rm.PnL(pos.Direction, pos.EntryPrice, bar.Close, pos.Lots)
		equity = equity.Add(pnl)
	}

	if equity.GreaterThan(s.peak) {
		s.peak = equity
	}
	drawdown := decimal.Zero
	if s.peak.IsPositive() {
		drawdown = s.peak.Sub(equity).Div(s.peak)
	}

	s.curve = append(s.curve, types.EquityCurvePoint{
		Timestamp: bar.Timestamp,
		Equity:    equity,
		Drawdown:  drawdown,
	})
}

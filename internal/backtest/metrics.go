package backtest

import (
	"github.com/shopspring/decimal"
	"github.com/techprocreative/strategy-engine/pkg/types"
	"github.com/techprocreative/strategy-engine/pkg/utils"
)

// result finalizes the run into a BacktestResult. Nothing here reads the
// wall clock: identical inputs produce an identical result.
func (s *simulation) result(req types.BacktestRequest, candles []types.Candle) *types.BacktestResult {
	pnls := make([]decimal.Decimal, len(s.trades))
	equities := make([]decimal.Decimal, 0, len(s.curve)+1)
	equities = append(equities, req.InitialBalance)
	for _, p := range s.curve {
		equities = append(equities, p.Equity)
	}

	var wins, losses []decimal.Decimal
	for i, t := range s.trades {
		pnls[i] = t.PnL
		if t.PnL.GreaterThan(decimal.Zero) {
			wins = append(wins, t.PnL)
		} else if t.PnL.LessThan(decimal.Zero) {
			losses = append(losses, t.PnL.Abs())
		}
	}
	winning, losing := len(wins), len(losses)
	avgWin := utils.CalculateMean(wins)
	avgLoss := utils.CalculateMean(losses)

	winRate := utils.CalculateWinRate(pnls)
	// Expectancy per trade: winRate*avgWin - lossRate*avgLoss.
	expectancy := winRate.Mul(avgWin).
		Sub(decimal.NewFromInt(1).Sub(winRate).Mul(avgLoss))

	profitFactor := decimal.Zero
	if len(pnls) > 0 {
		profitFactor = utils.CalculateProfitFactor(pnls)
	}

	returnPct := decimal.Zero
	if req.InitialBalance.IsPositive() {
		returnPct = s.balance.Sub(req.InitialBalance).
			Div(req.InitialBalance).
			Mul(decimal.NewFromInt(100))
	}

	actualStart := candles[0].Timestamp
	actualEnd := candles[len(candles)-1].Timestamp
	tolerance := s.timeframe.Duration()
	partial := actualStart.After(req.StartDate.Add(tolerance)) ||
		actualEnd.Before(req.EndDate.Add(-tolerance))

	trades := s.trades
	if trades == nil {
		trades = []types.Trade{}
	}

	return &types.BacktestResult{
		ID:               s.runID,
		Symbol:           s.symbol,
		Timeframe:        s.timeframe,
		InitialBalance:   req.InitialBalance,
		FinalBalance:     s.balance,
		ReturnPercentage: returnPct,
		TotalTrades:      len(trades),
		WinningTrades:    winning,
		LosingTrades:     losing,
		WinRate:          winRate,
		ProfitFactor:     profitFactor,
		MaxDrawdown:      utils.CalculateMaxDrawdown(equities),
		AvgWin:           avgWin,
		AvgLoss:          avgLoss,
		Expectancy:       expectancy,
		EquityCurve:      s.curve,
		Trades:           trades,
		Rejections:       s.rejections,
		Metadata: types.ResultMetadata{
			RequestedStart: req.StartDate,
			RequestedEnd:   req.EndDate,
			ActualStart:    actualStart,
			ActualEnd:      actualEnd,
			DataPoints:     len(candles),
			PartialData:    partial,
		},
	}
}

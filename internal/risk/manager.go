// Package risk turns entry signals into sized orders and drives the
// trailing-stop and partial-exit lifecycle of open positions.
package risk

import (
	"math"

	"github.com/shopspring/decimal"
	"github.com/techprocreative/strategy-engine/internal/rules"
	"github.com/techprocreative/strategy-engine/pkg/types"
	"github.com/techprocreative/strategy-engine/pkg/utils"
	"go.uber.org/zap"
)

const (
	// fallbackStopPips replaces an ATR stop when no usable reading exists.
	fallbackStopPips = 25
	// minStopPips floors ATR-derived stop distances.
	minStopPips = 5
	// minTargetPips floors risk:reward targets.
	minTargetPips = 10
)

// Rejection reports why a signal could not be sized into an order. It is a
// normal per-bar outcome, not a run failure.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string {
	return "order rejected: " + r.Reason
}

// Account is the portfolio state the manager sizes against.
type Account struct {
	Equity           decimal.Decimal
	DailyStartEquity decimal.Decimal
	OpenPositions    int
}

// SizedOrder is a fully specified order ready for the engine to open.
type SizedOrder struct {
	Lots       decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal // zero when exits are staged partials only
	StopPips   decimal.Decimal
}

// Manager applies one rule set's risk configuration.
type Manager struct {
	logger   *zap.Logger
	cfg      rules.RiskConfig
	symbol   string
	pipSize  decimal.Decimal
	pipValue decimal.Decimal
}

// NewManager creates a risk manager for one symbol and rule set.
func NewManager(logger *zap.Logger, symbol string, cfg rules.RiskConfig) *Manager {
	return &Manager{
		logger:   logger,
		cfg:      cfg,
		symbol:   symbol,
		pipSize:  utils.PipSize(symbol),
		pipValue: decimal.NewFromFloat(cfg.PipValue),
	}
}

// Size converts an entry signal into a sized order, or returns a *Rejection
// when a cap blocks it. atr is the current ATR reading in price units; pass
// NaN when unavailable.
func (m *Manager) Size(dir types.Direction, price decimal.Decimal, atr float64, acct Account) (*SizedOrder, error) {
	if m.cfg.MaxPositions > 0 && acct.OpenPositions >= m.cfg.MaxPositions {
		return nil, &Rejection{Reason: "max open positions reached"}
	}
	if rej := m.checkDailyLoss(acct); rej != nil {
		return nil, rej
	}
	if acct.Equity.LessThanOrEqual(decimal.Zero) {
		return nil, &Rejection{Reason: "account equity depleted"}
	}

	stopPips := m.stopPips(atr)
	if stopPips.LessThanOrEqual(decimal.Zero) {
		return nil, &Rejection{Reason: "stop distance resolved to zero"}
	}

	lots, rej := m.lots(stopPips, atr, acct.Equity)
	if rej != nil {
		return nil, rej
	}

	order := &SizedOrder{
		Lots:     lots,
		StopPips: stopPips,
	}

	stopDist := utils.PipsToPrice(m.symbol, stopPips)
	tpPips := m.targetPips(stopPips)
	tpDist := utils.PipsToPrice(m.symbol, tpPips)

	if dir == types.DirectionBuy {
		order.StopLoss = price.Sub(stopDist)
		if tpPips.IsPositive() {
			order.TakeProfit = price.Add(tpDist)
		}
	} else {
		order.StopLoss = price.Add(stopDist)
		if tpPips.IsPositive() {
			order.TakeProfit = price.Sub(tpDist)
		}
	}

	return order, nil
}

func (m *Manager) checkDailyLoss(acct Account) *Rejection {
	if m.cfg.MaxDailyLossPercent <= 0 || acct.DailyStartEquity.IsZero() {
		return nil
	}
	loss := acct.DailyStartEquity.Sub(acct.Equity)
	if !loss.IsPositive() {
		return nil
	}
	lossPct := loss.Div(acct.DailyStartEquity).Mul(decimal.NewFromInt(100))
	if lossPct.GreaterThanOrEqual(decimal.NewFromFloat(m.cfg.MaxDailyLossPercent)) {
		return &Rejection{Reason: "daily loss limit reached"}
	}
	return nil
}

// stopPips resolves the stop distance in pips. ATR stops keep a floor and
// honor configured min/max clamps; an unusable ATR reading falls back to the
// fixed default distance.
func (m *Manager) stopPips(atr float64) decimal.Decimal {
	sl := m.cfg.StopLoss
	if sl.Type != "atr" {
		return decimal.NewFromFloat(sl.Pips)
	}

	if math.IsNaN(atr) || atr <= 0 {
		m.logger.Debug("atr unavailable for stop, using fixed fallback",
			zap.String("symbol", m.symbol))
		return decimal.NewFromInt(fallbackStopPips)
	}

	atrPips := utils.PriceToPips(m.symbol, decimal.NewFromFloat(atr))
	pips := utils.MaxDecimal(
		decimal.NewFromInt(minStopPips),
		atrPips.Mul(decimal.NewFromFloat(sl.ATRMultiplier)),
	)
	if sl.MinPips > 0 {
		pips = utils.MaxDecimal(pips, decimal.NewFromFloat(sl.MinPips))
	}
	if sl.MaxPips > 0 {
		pips = utils.MinDecimal(pips, decimal.NewFromFloat(sl.MaxPips))
	}
	return pips
}

func (m *Manager) targetPips(stopPips decimal.Decimal) decimal.Decimal {
	tp := m.cfg.TakeProfit
	switch tp.Type {
	case "rr_ratio":
		return utils.MaxDecimal(
			decimal.NewFromInt(minTargetPips),
			stopPips.Mul(decimal.NewFromFloat(tp.RRRatio)),
		)
	case "partial":
		return decimal.Zero
	default:
		return decimal.NewFromFloat(tp.Pips)
	}
}

func (m *Manager) lots(stopPips decimal.Decimal, atr float64, equity decimal.Decimal) (decimal.Decimal, *Rejection) {
	sizing := m.cfg.Sizing
	var lots decimal.Decimal

	switch sizing.Method {
	case "fixed":
		lots = decimal.NewFromFloat(sizing.FixedLots)
	case "atr_inverse", "volatility":
		if math.IsNaN(atr) || atr <= 0 {
			return decimal.Zero, &Rejection{Reason: "atr unavailable for " + sizing.Method + " sizing"}
		}
		atrPips := utils.MaxDecimal(decimal.NewFromInt(1), utils.PriceToPips(m.symbol, decimal.NewFromFloat(atr)))
		riskAmount := equity.Mul(decimal.NewFromFloat(sizing.RiskPercent)).Div(decimal.NewFromInt(100))
		lots = riskAmount.Div(atrPips.Mul(m.pipValue))
	default: // percent_equity
		riskAmount := equity.Mul(decimal.NewFromFloat(sizing.RiskPercent)).Div(decimal.NewFromInt(100))
		perLotRisk := stopPips.Mul(m.pipValue)
		if perLotRisk.IsZero() {
			return decimal.Zero, &Rejection{Reason: "stop distance resolved to zero"}
		}
		lots = riskAmount.Div(perLotRisk)
	}

	if sizing.ReduceInHighVolatility && !math.IsNaN(atr) {
		atrPips := utils.PriceToPips(m.symbol, decimal.NewFromFloat(atr))
		if atrPips.GreaterThan(decimal.NewFromFloat(sizing.VolatilityATRThreshold)) {
			lots = lots.Mul(decimal.NewFromFloat(sizing.VolatilityReduceFactor))
		}
	}

	lots = utils.ClampDecimal(lots,
		decimal.NewFromFloat(sizing.MinLot),
		decimal.NewFromFloat(sizing.MaxLot),
	).Round(2)
	if lots.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, &Rejection{Reason: "computed lot size is zero"}
	}
	return lots, nil
}

// TrailStop computes an updated trailing stop for an open position. The stop
// only moves toward price, and only when the improvement exceeds the
// configured step.
func (m *Manager) TrailStop(pos *types.Position, price decimal.Decimal) (decimal.Decimal, bool) {
	tr := m.cfg.Trailing
	if !tr.Enabled {
		return pos.StopLoss, false
	}

	dist := utils.PipsToPrice(m.symbol, decimal.NewFromFloat(tr.DistancePips))
	step := utils.PipsToPrice(m.symbol, decimal.NewFromFloat(tr.StepPips))

	if pos.Direction == types.DirectionBuy {
		candidate := price.Sub(dist)
		if candidate.GreaterThan(pos.StopLoss.Add(step)) {
			return candidate, true
		}
	} else {
		candidate := price.Add(dist)
		if candidate.LessThan(pos.StopLoss.Sub(step)) {
			return candidate, true
		}
	}
	return pos.StopLoss, false
}

// PartialAction describes one staged exit the engine should execute.
type PartialAction struct {
	Level           rules.PartialLevel
	CloseLots       decimal.Decimal
	MoveToBreakeven bool
}

// NextPartial returns the next staged exit due at the given price, or nil
// when none applies. Levels fire in order, once each.
func (m *Manager) NextPartial(pos *types.Position, price decimal.Decimal) *PartialAction {
	if m.cfg.TakeProfit.Type != "partial" {
		return nil
	}
	levels := m.cfg.TakeProfit.Partials
	if pos.PartialsTaken >= len(levels) {
		return nil
	}
	if pos.StopPips.IsZero() {
		return nil
	}

	var profit decimal.Decimal
	if pos.Direction == types.DirectionBuy {
		profit = price.Sub(pos.EntryPrice)
	} else {
		profit = pos.EntryPrice.Sub(price)
	}
	profitPips := utils.PriceToPips(m.symbol, profit)
	rMultiple := profitPips.Div(pos.StopPips)

	level := levels[pos.PartialsTaken]
	if rMultiple.LessThan(decimal.NewFromFloat(level.R)) {
		return nil
	}

	closeLots := pos.InitialLots.
		Mul(decimal.NewFromFloat(level.ClosePercent)).
		Div(decimal.NewFromInt(100)).
		Round(2)
	closeLots = utils.MinDecimal(closeLots, pos.Lots)
	if closeLots.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	return &PartialAction{
		Level:           level,
		CloseLots:       closeLots,
		MoveToBreakeven: level.MoveStopToBreakeven,
	}
}

// PnL computes the profit of closing lots at exitPrice against entryPrice.
func (m *Manager) PnL(dir types.Direction, entry, exit, lots decimal.Decimal) (pnl, pips decimal.Decimal) {
	var diff decimal.Decimal
	if dir == types.DirectionBuy {
		diff = exit.Sub(entry)
	} else {
		diff = entry.Sub(exit)
	}
	pips = utils.PriceToPips(m.symbol, diff)
	pnl = pips.Mul(m.pipValue).Mul(lots)
	return pnl, pips
}

// PipSize exposes the symbol's pip increment.
func (m *Manager) PipSize() decimal.Decimal {
	return m.pipSize
}

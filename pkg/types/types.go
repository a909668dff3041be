// Package types provides shared type definitions for the strategy engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction represents the side of a trade
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Opposite returns the opposing direction
func (d Direction) Opposite() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// PositionState tracks a position through its partial-exit lifecycle
type PositionState string

const (
	PositionStateOpen    PositionState = "open"
	PositionStatePartial PositionState = "partial"
	PositionStateClosed  PositionState = "closed"
)

// ExitReason records why a position was closed
type ExitReason string

const (
	ExitReasonStopLoss       ExitReason = "stop_loss"
	ExitReasonTakeProfit     ExitReason = "take_profit"
	ExitReasonTimeLimit      ExitReason = "time_limit"
	ExitReasonOppositeSignal ExitReason = "opposite_signal"
	ExitReasonExitRule       ExitReason = "exit_rule"
	ExitReasonPartial        ExitReason = "partial_exit"
	ExitReasonEndOfData      ExitReason = "end_of_data"
)

// Timeframe represents candle aggregation intervals
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Duration returns the wall-clock span of one candle at this timeframe
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe30m:
		return 30 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether the timeframe is one of the supported intervals
func (tf Timeframe) Valid() bool {
	return tf.Duration() > 0
}

// Candle represents a single OHLCV bar
type Candle struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// CloseTime returns the instant the candle stops forming
func (c Candle) CloseTime(tf Timeframe) time.Time {
	return c.Timestamp.Add(tf.Duration())
}

// Position represents an open simulated position
type Position struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	Direction     Direction       `json:"direction"`
	Lots          decimal.Decimal `json:"lots"`
	InitialLots   decimal.Decimal `json:"initialLots"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	StopLoss      decimal.Decimal `json:"stopLoss"`
	TakeProfit    decimal.Decimal `json:"takeProfit,omitempty"`
	StopPips      decimal.Decimal `json:"stopPips"`
	OpenedAt      time.Time       `json:"openedAt"`
	OpenedAtBar   int             `json:"openedAtBar"`
	State         PositionState   `json:"state"`
	PartialsTaken int             `json:"partialsTaken"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
}

// Trade represents one closed trade (full or partial exit)
type Trade struct {
	ID         string          `json:"id"`
	PositionID string          `json:"positionId"`
	Symbol     string          `json:"symbol"`
	Direction  Direction       `json:"direction"`
	Lots       decimal.Decimal `json:"lots"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	ExitPrice  decimal.Decimal `json:"exitPrice"`
	EntryTime  time.Time       `json:"entryTime"`
	ExitTime   time.Time       `json:"exitTime"`
	PnL        decimal.Decimal `json:"pnl"`
	Pips       decimal.Decimal `json:"pips"`
	ExitReason ExitReason      `json:"exitReason"`
}

// EquityCurvePoint represents a point on the equity curve
type EquityCurvePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
	Drawdown  decimal.Decimal `json:"drawdown"`
}

// BacktestProgress represents the progress of a running backtest
type BacktestProgress struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"` // "running", "completed", "failed", "cancelled"
	Progress       float64         `json:"progress"` // 0-100
	BarsProcessed  int             `json:"barsProcessed"`
	TotalBars      int             `json:"totalBars"`
	CurrentDate    time.Time       `json:"currentDate"`
	TradesExecuted int             `json:"tradesExecuted"`
	CurrentEquity  decimal.Decimal `json:"currentEquity"`
	Error          string          `json:"error,omitempty"`
}

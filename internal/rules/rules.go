// Package rules normalizes caller-supplied strategy rule documents into a
// single canonical form and validates them before any backtest runs.
//
// Two input shapes are accepted: a flat entry block with logic+conditions,
// and a multi-timeframe block with primary+confirmation lists. Both normalize
// to the same RuleSet so every downstream component handles one shape only.
package rules

import (
	"encoding/json"
	"fmt"

	"github.com/techprocreative/strategy-engine/pkg/types"
)

// Logic joins the leaves of a condition group.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Operator is a canonical comparison operator.
type Operator string

const (
	OpGreaterThan  Operator = "greater_than"
	OpLessThan     Operator = "less_than"
	OpEquals       Operator = "equals"
	OpCrossesAbove Operator = "crosses_above"
	OpCrossesBelow Operator = "crosses_below"
	OpInRange      Operator = "in_range"
	OpOutsideRange Operator = "outside_range"
)

// IsCross reports whether the operator needs the previous bar.
func (o Operator) IsCross() bool {
	return o == OpCrossesAbove || o == OpCrossesBelow
}

// Operand is the right-hand side of a condition: a numeric literal, a
// two-bound range, or a reference to another indicator series.
type Operand struct {
	Literal float64
	Range   *[2]float64
	Ref     *IndicatorRef
}

func (o Operand) MarshalJSON() ([]byte, error) {
	switch {
	case o.Ref != nil:
		return json.Marshal(o.Ref.Name)
	case o.Range != nil:
		return json.Marshal(o.Range)
	default:
		return json.Marshal(o.Literal)
	}
}

func (o *Operand) UnmarshalJSON(data []byte) error {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		*o = Operand{Literal: num}
		return nil
	}
	var bounds [2]float64
	if err := json.Unmarshal(data, &bounds); err == nil {
		*o = Operand{Range: &bounds}
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		ref, err := ParseIndicator(name)
		if err != nil {
			return err
		}
		*o = Operand{Ref: &ref}
		return nil
	}
	return fmt.Errorf("operand must be a number, a [low, high] pair, or an indicator name")
}

// Condition is one comparison leaf.
type Condition struct {
	Indicator IndicatorRef    `json:"indicator"`
	Operator  Operator        `json:"operator"`
	Value     Operand         `json:"value"`
	Timeframe types.Timeframe `json:"timeframe,omitempty"` // empty means the base timeframe
	Required  bool            `json:"required,omitempty"`  // confirmation veto flag
}

// Group is a boolean combination of conditions and nested groups.
type Group struct {
	Logic      Logic       `json:"logic"`
	Conditions []Condition `json:"conditions,omitempty"`
	Groups     []Group     `json:"groups,omitempty"`
}

// Empty reports whether the group holds no leaves at any depth.
func (g Group) Empty() bool {
	if len(g.Conditions) > 0 {
		return false
	}
	for _, sub := range g.Groups {
		if !sub.Empty() {
			return false
		}
	}
	return true
}

// StopLossSpec configures the protective stop.
type StopLossSpec struct {
	Type          string  `json:"type"` // "fixed" or "atr"
	Pips          float64 `json:"pips,omitempty"`
	ATRMultiplier float64 `json:"atrMultiplier,omitempty"`
	ATRPeriod     int     `json:"atrPeriod,omitempty"`
	MinPips       float64 `json:"minPips,omitempty"`
	MaxPips       float64 `json:"maxPips,omitempty"`
}

// PartialLevel is one staged take-profit tier, keyed by R-multiple.
type PartialLevel struct {
	R                   float64 `json:"r"`
	ClosePercent        float64 `json:"closePercent"`
	MoveStopToBreakeven bool    `json:"moveStopToBreakeven,omitempty"`
}

// TakeProfitSpec configures the profit target.
type TakeProfitSpec struct {
	Type     string         `json:"type"` // "fixed", "rr_ratio", "partial"
	Pips     float64        `json:"pips,omitempty"`
	RRRatio  float64        `json:"rrRatio,omitempty"`
	Partials []PartialLevel `json:"partials,omitempty"`
}

// TrailingSpec configures the trailing stop.
type TrailingSpec struct {
	Enabled      bool    `json:"enabled"`
	DistancePips float64 `json:"distancePips,omitempty"`
	StepPips     float64 `json:"stepPips,omitempty"`
}

// SizingSpec configures lot calculation.
type SizingSpec struct {
	Method                 string  `json:"method"` // "fixed", "percent_equity", "atr_inverse", "volatility"
	FixedLots              float64 `json:"fixedLots,omitempty"`
	RiskPercent            float64 `json:"riskPercent,omitempty"`
	MinLot                 float64 `json:"minLot,omitempty"`
	MaxLot                 float64 `json:"maxLot,omitempty"`
	ReduceInHighVolatility bool    `json:"reduceInHighVolatility,omitempty"`
	VolatilityATRThreshold float64 `json:"volatilityAtrThreshold,omitempty"`
	VolatilityReduceFactor float64 `json:"volatilityReduceFactor,omitempty"`
}

// RiskConfig groups every risk parameter of a rule set.
type RiskConfig struct {
	StopLoss              StopLossSpec   `json:"stopLoss"`
	TakeProfit            TakeProfitSpec `json:"takeProfit"`
	Trailing              TrailingSpec   `json:"trailing,omitempty"`
	Sizing                SizingSpec     `json:"sizing"`
	MaxPositions          int            `json:"maxPositions,omitempty"`
	MaxDailyLossPercent   float64        `json:"maxDailyLossPercent,omitempty"`
	TimeLimitBars         int            `json:"timeLimitBars,omitempty"`
	CloseOnOppositeSignal bool           `json:"closeOnOppositeSignal,omitempty"`
	PipValue              float64        `json:"pipValue,omitempty"` // account currency per pip per lot
}

// VolatilityFilter gates entries on the current ATR reading.
type VolatilityFilter struct {
	ATRPeriod int     `json:"atrPeriod,omitempty"`
	MinATR    float64 `json:"minAtr,omitempty"`
	MaxATR    float64 `json:"maxAtr,omitempty"`
}

// RuleSet is the canonical, validated strategy definition.
type RuleSet struct {
	Name             string            `json:"name"`
	Symbols          []string          `json:"symbols"`
	Timeframe        types.Timeframe   `json:"timeframe"`
	Direction        types.Direction   `json:"direction,omitempty"` // empty means trend-derived
	Entry            Group             `json:"entry"`
	Confirmations    []Condition       `json:"confirmations,omitempty"`
	Exit             *Group            `json:"exit,omitempty"`
	Risk             RiskConfig        `json:"risk"`
	VolatilityFilter *VolatilityFilter `json:"volatilityFilter,omitempty"`
}

// Timeframes returns the base timeframe plus every auxiliary timeframe the
// rule set references, deduplicated, base first.
func (rs *RuleSet) Timeframes() []types.Timeframe {
	seen := map[types.Timeframe]bool{rs.Timeframe: true}
	out := []types.Timeframe{rs.Timeframe}

	var walk func(g Group)
	collect := func(c Condition) {
		if c.Timeframe != "" && !seen[c.Timeframe] {
			seen[c.Timeframe] = true
			out = append(out, c.Timeframe)
		}
	}
	walk = func(g Group) {
		for _, c := range g.Conditions {
			collect(c)
		}
		for _, sub := range g.Groups {
			walk(sub)
		}
	}

	walk(rs.Entry)
	for _, c := range rs.Confirmations {
		collect(c)
	}
	if rs.Exit != nil {
		walk(*rs.Exit)
	}
	return out
}

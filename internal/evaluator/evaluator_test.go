package evaluator_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/techprocreative/strategy-engine/internal/evaluator"
	"github.com/techprocreative/strategy-engine/internal/indicator"
	"github.com/techprocreative/strategy-engine/internal/rules"
	"github.com/techprocreative/strategy-engine/pkg/types"
	"go.uber.org/zap"
)

func setFromCloses(closes []float64) *indicator.Set {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]types.Candle, len(closes))
	for i, c := range closes {
		d := decimal.NewFromFloat(c)
		candles[i] = types.Candle{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      d, High: d, Low: d, Close: d,
		}
	}
	return indicator.NewSet(candles)
}

func ref(t *testing.T, name string) rules.IndicatorRef {
	t.Helper()
	r, err := rules.ParseIndicator(name)
	if err != nil {
		t.Fatalf("ParseIndicator(%s): %v", name, err)
	}
	return r
}

func ruleSet(entry rules.Group) *rules.RuleSet {
	return &rules.RuleSet{
		Name:      "test",
		Symbols:   []string{"EURUSD"},
		Timeframe: types.Timeframe1h,
		Entry:     entry,
	}
}

func TestCrossesAboveTruthTable(t *testing.T) {
	eval := evaluator.New(zap.NewNop())

	cases := []struct {
		name   string
		closes []float64 // compared against the constant level 1.10
		index  int
		want   bool
	}{
		{"crosses from below", []float64{1.09, 1.11}, 1, true},
		{"equal then above", []float64{1.10, 1.11}, 1, true},
		{"already above", []float64{1.11, 1.12}, 1, false},
		{"touches but stays below", []float64{1.09, 1.10}, 1, false},
		{"crosses downward", []float64{1.11, 1.09}, 1, false},
		{"first bar never crosses", []float64{1.11, 1.12}, 0, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			set := setFromCloses(tc.closes)
			rs := ruleSet(rules.Group{
				Logic: rules.LogicAnd,
				Conditions: []rules.Condition{{
					Indicator: ref(t, "close"),
					Operator:  rules.OpCrossesAbove,
					Value:     rules.Operand{Literal: 1.10},
				}},
			})

			snaps := map[types.Timeframe]*indicator.Snapshot{
				types.Timeframe1h: set.At(tc.index),
			}
			if got := eval.EvaluateEntry(rs, snaps).Fired; got != tc.want {
				t.Errorf("Fired = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCrossesBelowSeriesOperand(t *testing.T) {
	eval := evaluator.New(zap.NewNop())

	// close falls through the high series between bars 0 and 1.
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := []types.Candle{
		{Timestamp: start, Open: decimal.NewFromFloat(1.2), High: decimal.NewFromFloat(1.15),
			Low: decimal.NewFromFloat(1.1), Close: decimal.NewFromFloat(1.2)},
		{Timestamp: start.Add(time.Hour), Open: decimal.NewFromFloat(1.1), High: decimal.NewFromFloat(1.15),
			Low: decimal.NewFromFloat(1.0), Close: decimal.NewFromFloat(1.1)},
	}
	set := indicator.NewSet(candles)

	highRef := ref(t, "high")
	rs := ruleSet(rules.Group{
		Logic: rules.LogicAnd,
		Conditions: []rules.Condition{{
			Indicator: ref(t, "close"),
			Operator:  rules.OpCrossesBelow,
			Value:     rules.Operand{Ref: &highRef},
		}},
	})

	snaps := map[types.Timeframe]*indicator.Snapshot{types.Timeframe1h: set.At(1)}
	if !eval.EvaluateEntry(rs, snaps).Fired {
		t.Error("Expected crosses_below to fire when close falls through the series")
	}
}

func TestLogicAndOr(t *testing.T) {
	eval := evaluator.New(zap.NewNop())
	set := setFromCloses([]float64{1.10, 1.10})
	snaps := map[types.Timeframe]*indicator.Snapshot{types.Timeframe1h: set.At(1)}

	trueCond := rules.Condition{
		Indicator: ref(t, "close"),
		Operator:  rules.OpGreaterThan,
		Value:     rules.Operand{Literal: 1.0},
	}
	falseCond := rules.Condition{
		Indicator: ref(t, "close"),
		Operator:  rules.OpLessThan,
		Value:     rules.Operand{Literal: 1.0},
	}

	and := ruleSet(rules.Group{Logic: rules.LogicAnd, Conditions: []rules.Condition{trueCond, falseCond}})
	if eval.EvaluateEntry(and, snaps).Fired {
		t.Error("AND with one false leaf must not fire")
	}

	or := ruleSet(rules.Group{Logic: rules.LogicOr, Conditions: []rules.Condition{trueCond, falseCond}})
	if !eval.EvaluateEntry(or, snaps).Fired {
		t.Error("OR with one true leaf must fire")
	}

	nested := ruleSet(rules.Group{
		Logic:      rules.LogicAnd,
		Conditions: []rules.Condition{trueCond},
		Groups: []rules.Group{{
			Logic:      rules.LogicOr,
			Conditions: []rules.Condition{falseCond, trueCond},
		}},
	})
	if !eval.EvaluateEntry(nested, snaps).Fired {
		t.Error("AND-of-OR with a satisfiable branch must fire")
	}
}

func TestEqualsEpsilon(t *testing.T) {
	eval := evaluator.New(zap.NewNop())
	set := setFromCloses([]float64{1.1, 1.1})
	snaps := map[types.Timeframe]*indicator.Snapshot{types.Timeframe1h: set.At(1)}

	rs := ruleSet(rules.Group{
		Logic: rules.LogicAnd,
		Conditions: []rules.Condition{{
			Indicator: ref(t, "close"),
			Operator:  rules.OpEquals,
			Value:     rules.Operand{Literal: 1.1},
		}},
	})
	if !eval.EvaluateEntry(rs, snaps).Fired {
		t.Error("equals should tolerate float representation error")
	}
}

func TestRangeOperators(t *testing.T) {
	eval := evaluator.New(zap.NewNop())
	set := setFromCloses([]float64{1.1, 1.1})
	snaps := map[types.Timeframe]*indicator.Snapshot{types.Timeframe1h: set.At(1)}

	inRange := ruleSet(rules.Group{
		Logic: rules.LogicAnd,
		Conditions: []rules.Condition{{
			Indicator: ref(t, "close"),
			Operator:  rules.OpInRange,
			Value:     rules.Operand{Range: &[2]float64{1.0, 1.2}},
		}},
	})
	if !eval.EvaluateEntry(inRange, snaps).Fired {
		t.Error("in_range should fire for a value inside the bounds")
	}

	outside := ruleSet(rules.Group{
		Logic: rules.LogicAnd,
		Conditions: []rules.Condition{{
			Indicator: ref(t, "close"),
			Operator:  rules.OpOutsideRange,
			Value:     rules.Operand{Range: &[2]float64{1.0, 1.2}},
		}},
	})
	if eval.EvaluateEntry(outside, snaps).Fired {
		t.Error("outside_range must not fire for a value inside the bounds")
	}
}

func TestMissingTimeframeIsFalseWithDiagnostic(t *testing.T) {
	eval := evaluator.New(zap.NewNop())
	set := setFromCloses([]float64{1.1, 1.1})
	snaps := map[types.Timeframe]*indicator.Snapshot{types.Timeframe1h: set.At(1)}

	rs := ruleSet(rules.Group{
		Logic: rules.LogicAnd,
		Conditions: []rules.Condition{{
			Indicator: ref(t, "close"),
			Operator:  rules.OpGreaterThan,
			Value:     rules.Operand{Literal: 1.0},
			Timeframe: types.Timeframe4h,
		}},
	})

	d := eval.EvaluateEntry(rs, snaps)
	if d.Fired {
		t.Error("Condition on an unavailable timeframe must evaluate false")
	}
	if len(d.Diagnostics) == 0 {
		t.Error("Expected a diagnostic for the missing timeframe")
	}
}

func TestRequiredConfirmationVetoes(t *testing.T) {
	eval := evaluator.New(zap.NewNop())
	set := setFromCloses([]float64{1.1, 1.1})
	aux := setFromCloses([]float64{1.1, 1.1})
	snaps := map[types.Timeframe]*indicator.Snapshot{
		types.Timeframe1h: set.At(1),
		types.Timeframe4h: aux.At(1),
	}

	rs := ruleSet(rules.Group{
		Logic: rules.LogicAnd,
		Conditions: []rules.Condition{{
			Indicator: ref(t, "close"),
			Operator:  rules.OpGreaterThan,
			Value:     rules.Operand{Literal: 1.0},
		}},
	})
	failing := rules.Condition{
		Indicator: ref(t, "close"),
		Operator:  rules.OpLessThan,
		Value:     rules.Operand{Literal: 1.0},
		Timeframe: types.Timeframe4h,
	}

	failing.Required = true
	rs.Confirmations = []rules.Condition{failing}
	if eval.EvaluateEntry(rs, snaps).Fired {
		t.Error("Failing required confirmation must veto the signal")
	}

	failing.Required = false
	rs.Confirmations = []rules.Condition{failing}
	d := eval.EvaluateEntry(rs, snaps)
	if !d.Fired {
		t.Error("Failing advisory confirmation must not veto the signal")
	}
	if len(d.Diagnostics) == 0 {
		t.Error("Advisory failure should leave a diagnostic")
	}
}

func TestWarmupNaNIsFalse(t *testing.T) {
	eval := evaluator.New(zap.NewNop())
	set := setFromCloses([]float64{1.1, 1.1, 1.1})
	snaps := map[types.Timeframe]*indicator.Snapshot{types.Timeframe1h: set.At(2)}

	rs := ruleSet(rules.Group{
		Logic: rules.LogicAnd,
		Conditions: []rules.Condition{{
			Indicator: ref(t, "sma_20"), // longer than the series, always NaN
			Operator:  rules.OpGreaterThan,
			Value:     rules.Operand{Literal: 0},
		}},
	})
	if eval.EvaluateEntry(rs, snaps).Fired {
		t.Error("NaN warm-up values must compare false")
	}
}

// Package evaluator decides whether a rule set's conditions hold at a bar.
//
// It consumes indicator snapshots, one per timeframe, and never reads past
// the snapshot index. A missing or unusable series makes the affected leaf
// false and records a diagnostic; evaluation itself never fails.
package evaluator

import (
	"fmt"
	"math"

	"github.com/techprocreative/strategy-engine/internal/indicator"
	"github.com/techprocreative/strategy-engine/internal/rules"
	"github.com/techprocreative/strategy-engine/pkg/types"
	"go.uber.org/zap"
)

const equalityEpsilon = 1e-9

// Outcome records how one condition leaf resolved.
type Outcome struct {
	Condition  string `json:"condition"`
	Met        bool   `json:"met"`
	Diagnostic string `json:"diagnostic,omitempty"`
}

// Decision is the result of evaluating a rule set at one bar.
type Decision struct {
	Fired       bool      `json:"fired"`
	Outcomes    []Outcome `json:"outcomes"`
	Diagnostics []string  `json:"diagnostics,omitempty"`
}

// Evaluator evaluates rule sets against indicator snapshots.
type Evaluator struct {
	logger *zap.Logger
}

// New creates an evaluator.
func New(logger *zap.Logger) *Evaluator {
	return &Evaluator{logger: logger}
}

// EvaluateEntry evaluates the entry group and the confirmation list. Every
// required confirmation must hold; non-required confirmation failures are
// recorded but do not veto the signal.
func (e *Evaluator) EvaluateEntry(rs *rules.RuleSet, snaps map[types.Timeframe]*indicator.Snapshot) Decision {
	d := Decision{}
	d.Fired = e.evalGroup(rs.Entry, rs.Timeframe, snaps, &d)

	for _, c := range rs.Confirmations {
		met := e.evalCondition(c, rs.Timeframe, snaps, &d)
		if met {
			continue
		}
		if c.Required {
			d.Fired = false
		} else {
			d.Diagnostics = append(d.Diagnostics,
				fmt.Sprintf("advisory confirmation not met: %s", describe(c)))
		}
	}
	return d
}

// EvaluateExit evaluates the optional exit group. With no exit group the
// decision never fires.
func (e *Evaluator) EvaluateExit(rs *rules.RuleSet, snaps map[types.Timeframe]*indicator.Snapshot) Decision {
	d := Decision{}
	if rs.Exit == nil {
		return d
	}
	d.Fired = e.evalGroup(*rs.Exit, rs.Timeframe, snaps, &d)
	return d
}

func (e *Evaluator) evalGroup(g rules.Group, base types.Timeframe, snaps map[types.Timeframe]*indicator.Snapshot, d *Decision) bool {
	results := make([]bool, 0, len(g.Conditions)+len(g.Groups))
	for _, c := range g.Conditions {
		results = append(results, e.evalCondition(c, base, snaps, d))
	}
	for _, sub := range g.Groups {
		results = append(results, e.evalGroup(sub, base, snaps, d))
	}

	if len(results) == 0 {
		return false
	}
	if g.Logic == rules.LogicOr {
		for _, r := range results {
			if r {
				return true
			}
		}
		return false
	}
	for _, r := range results {
		if !r {
			return false
		}
	}
	return true
}

func (e *Evaluator) evalCondition(c rules.Condition, base types.Timeframe, snaps map[types.Timeframe]*indicator.Snapshot, d *Decision) bool {
	tf := c.Timeframe
	if tf == "" {
		tf = base
	}

	snap, ok := snaps[tf]
	if !ok || snap == nil {
		return e.fail(c, d, fmt.Sprintf("no data for timeframe %s", tf))
	}

	left, err := snap.Value(c.Indicator)
	if err != nil {
		return e.fail(c, d, err.Error())
	}

	var met bool
	switch c.Operator {
	case rules.OpInRange, rules.OpOutsideRange:
		met = e.compareRange(c, left)
	case rules.OpCrossesAbove, rules.OpCrossesBelow:
		met = e.compareCross(c, snap, left, d)
	default:
		right, rErr := e.rightValue(c, snap)
		if rErr != nil {
			return e.fail(c, d, rErr.Error())
		}
		met = compare(c.Operator, left, right)
	}

	d.Outcomes = append(d.Outcomes, Outcome{Condition: describe(c), Met: met})
	return met
}

func (e *Evaluator) compareRange(c rules.Condition, left float64) bool {
	if math.IsNaN(left) || c.Value.Range == nil {
		return false
	}
	inside := left >= c.Value.Range[0] && left <= c.Value.Range[1]
	if c.Operator == rules.OpOutsideRange {
		return !inside
	}
	return inside
}

func (e *Evaluator) compareCross(c rules.Condition, snap *indicator.Snapshot, left float64, d *Decision) bool {
	prevLeft, err := snap.Prev(c.Indicator)
	if err != nil {
		return false
	}

	right, prevRight := c.Value.Literal, c.Value.Literal
	if c.Value.Ref != nil {
		var rErr error
		right, rErr = snap.Value(*c.Value.Ref)
		if rErr != nil {
			d.Diagnostics = append(d.Diagnostics, rErr.Error())
			return false
		}
		prevRight, rErr = snap.Prev(*c.Value.Ref)
		if rErr != nil {
			return false
		}
	}

	if math.IsNaN(left) || math.IsNaN(prevLeft) || math.IsNaN(right) || math.IsNaN(prevRight) {
		return false
	}

	if c.Operator == rules.OpCrossesAbove {
		return prevLeft <= prevRight && left > right
	}
	return prevLeft >= prevRight && left < right
}

func (e *Evaluator) rightValue(c rules.Condition, snap *indicator.Snapshot) (float64, error) {
	if c.Value.Ref == nil {
		return c.Value.Literal, nil
	}
	return snap.Value(*c.Value.Ref)
}

func (e *Evaluator) fail(c rules.Condition, d *Decision, diag string) bool {
	d.Outcomes = append(d.Outcomes, Outcome{Condition: describe(c), Met: false, Diagnostic: diag})
	d.Diagnostics = append(d.Diagnostics, diag)
	e.logger.Debug("condition unevaluable",
		zap.String("condition", describe(c)),
		zap.String("reason", diag))
	return false
}

func compare(op rules.Operator, left, right float64) bool {
	if math.IsNaN(left) || math.IsNaN(right) {
		return false
	}
	switch op {
	case rules.OpGreaterThan:
		return left > right
	case rules.OpLessThan:
		return left < right
	case rules.OpEquals:
		return math.Abs(left-right) <= equalityEpsilon
	default:
		return false
	}
}

func describe(c rules.Condition) string {
	rhs := fmt.Sprintf("%g", c.Value.Literal)
	if c.Value.Ref != nil {
		rhs = c.Value.Ref.Name
	} else if c.Value.Range != nil {
		rhs = fmt.Sprintf("[%g, %g]", c.Value.Range[0], c.Value.Range[1])
	}
	s := fmt.Sprintf("%s %s %s", c.Indicator.Name, c.Operator, rhs)
	if c.Timeframe != "" {
		s += fmt.Sprintf(" @%s", c.Timeframe)
	}
	return s
}

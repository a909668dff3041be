package rules

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/techprocreative/strategy-engine/pkg/types"
	"github.com/techprocreative/strategy-engine/pkg/utils"
	"go.uber.org/zap"
)

// Default risk parameters applied when the rule document leaves them out.
const (
	defaultStopPips    = 25.0
	defaultTargetPips  = 40.0
	defaultRiskPercent = 1.0
	defaultMinLot      = 0.01
	defaultMaxLot      = 10.0
	defaultPipValue    = 10.0
	defaultMaxOpen     = 5
)

var operatorSynonyms = map[string]Operator{
	"greater_than": OpGreaterThan,
	"gt":           OpGreaterThan,
	">":            OpGreaterThan,
	"above":        OpGreaterThan,
	"less_than":    OpLessThan,
	"lt":           OpLessThan,
	"<":            OpLessThan,
	"below":        OpLessThan,
	"equals":       OpEquals,
	"equal":        OpEquals,
	"eq":           OpEquals,
	"==":           OpEquals,
	"crosses_above": OpCrossesAbove,
	"cross_above":   OpCrossesAbove,
	"crossover":     OpCrossesAbove,
	"crosses_below": OpCrossesBelow,
	"cross_below":   OpCrossesBelow,
	"crossunder":    OpCrossesBelow,
	"in_range":      OpInRange,
	"between":       OpInRange,
	"outside_range": OpOutsideRange,
	"outside":       OpOutsideRange,
}

type rawCondition struct {
	Indicator string          `json:"indicator"`
	Operator  string          `json:"operator"`
	Condition string          `json:"condition,omitempty"` // operator under its wire-format key
	Period    int             `json:"period,omitempty"`
	Value     json.RawMessage `json:"value"`
	Timeframe string          `json:"timeframe,omitempty"`
	Required  *bool           `json:"required,omitempty"`
}

type rawGroup struct {
	Logic      string         `json:"logic"`
	Conditions []rawCondition `json:"conditions"`
	Groups     []rawGroup     `json:"groups"`
}

type rawEntry struct {
	Logic        string         `json:"logic"`
	Conditions   []rawCondition `json:"conditions"`
	Groups       []rawGroup     `json:"groups"`
	Primary      []rawCondition `json:"primary"`
	Confirmation []rawCondition `json:"confirmation"`
}

// rawExit accepts both the condition-group exit shape and the wire-format
// exit block that carries stop/target/trailing levels instead of conditions.
type rawExit struct {
	Logic      string         `json:"logic"`
	Conditions []rawCondition `json:"conditions"`
	Groups     []rawGroup     `json:"groups"`
	StopLoss   *rawExitLevel  `json:"stopLoss,omitempty"`
	TakeProfit *rawExitLevel  `json:"takeProfit,omitempty"`
	Trailing   *rawTrailing   `json:"trailing,omitempty"`
}

type rawExitLevel struct {
	Type          string         `json:"type"`
	Value         float64        `json:"value"`
	Pips          float64        `json:"pips"`
	ATRMultiplier float64        `json:"atrMultiplier"`
	ATRPeriod     int            `json:"atrPeriod"`
	MinPips       float64        `json:"minPips"`
	MaxPips       float64        `json:"maxPips"`
	RRRatio       float64        `json:"rrRatio"`
	Partials      []PartialLevel `json:"partials"`
}

type rawTrailing struct {
	Enabled      bool    `json:"enabled"`
	Distance     float64 `json:"distance"`
	DistancePips float64 `json:"distancePips"`
	StepPips     float64 `json:"stepPips"`
}

type rawRiskManagement struct {
	LotSize      float64 `json:"lotSize"`
	RiskPercent  float64 `json:"riskPercentage"`
	MaxPositions int     `json:"maxPositions"`
	MaxDailyLoss float64 `json:"maxDailyLoss"`
	MinLot       float64 `json:"minLot"`
	MaxLot       float64 `json:"maxLot"`
	PipValue     float64 `json:"pipValue"`
}

type rawDynamicRisk struct {
	UseATRSizing           bool    `json:"useATRSizing"`
	ATRMultiplier          float64 `json:"atrMultiplier"`
	RiskPercent            float64 `json:"riskPercentage"`
	ReduceInHighVolatility bool    `json:"reduceInHighVolatility"`
	VolatilityThreshold    float64 `json:"volatilityThreshold"`
}

type rawDocument struct {
	Name             string             `json:"name"`
	Symbols          []string           `json:"symbols"`
	Timeframe        string             `json:"timeframe"`
	Direction        string             `json:"direction,omitempty"`
	Entry            *rawEntry          `json:"entry"`
	Confirmations    []rawCondition     `json:"confirmations,omitempty"`
	Exit             *rawExit           `json:"exit,omitempty"`
	Risk             *RiskConfig        `json:"risk,omitempty"`
	RiskManagement   *rawRiskManagement `json:"riskManagement,omitempty"`
	DynamicRisk      *rawDynamicRisk    `json:"dynamicRisk,omitempty"`
	VolatilityFilter *VolatilityFilter  `json:"volatilityFilter,omitempty"`
}

// Adapter normalizes raw rule documents into canonical rule sets.
type Adapter struct {
	logger *zap.Logger
}

// NewAdapter creates a rule adapter.
func NewAdapter(logger *zap.Logger) *Adapter {
	return &Adapter{logger: logger}
}

// Normalize parses and validates a raw rule document. On failure it returns
// a *ValidationErrors listing every problem found. Normalizing the marshaled
// form of a returned RuleSet yields an equal RuleSet.
func (a *Adapter) Normalize(raw []byte) (*RuleSet, error) {
	var doc rawDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		verrs := &ValidationErrors{}
		verrs.Add("", "invalid JSON: %v", err)
		return nil, verrs
	}

	verrs := &ValidationErrors{}
	rs := &RuleSet{}

	a.normalizeHeader(&doc, rs, verrs)
	a.normalizeEntry(&doc, rs, verrs)
	a.normalizeExit(&doc, rs, verrs)
	a.normalizeRisk(&doc, rs, verrs)
	a.normalizeFilter(&doc, rs, verrs)

	if verrs.HasErrors() {
		a.logger.Debug("rule document rejected",
			zap.String("name", doc.Name),
			zap.Int("errors", len(verrs.Errors)))
		return nil, verrs
	}
	return rs, nil
}

func (a *Adapter) normalizeHeader(doc *rawDocument, rs *RuleSet, verrs *ValidationErrors) {
	rs.Name = strings.TrimSpace(doc.Name)
	if rs.Name == "" {
		verrs.Add("name", "strategy name is required")
	}

	if len(doc.Symbols) == 0 {
		verrs.Add("symbols", "at least one symbol is required")
	}
	for i, s := range doc.Symbols {
		sym := utils.FormatSymbol(s)
		if sym == "" {
			verrs.Add(fmt.Sprintf("symbols[%d]", i), "symbol must not be empty")
			continue
		}
		rs.Symbols = append(rs.Symbols, sym)
	}

	rs.Timeframe = types.Timeframe(doc.Timeframe)
	if !rs.Timeframe.Valid() {
		verrs.Add("timeframe", "unrecognized timeframe %q", doc.Timeframe)
	}

	switch strings.ToUpper(doc.Direction) {
	case "":
	case string(types.DirectionBuy), "LONG":
		rs.Direction = types.DirectionBuy
	case string(types.DirectionSell), "SHORT":
		rs.Direction = types.DirectionSell
	default:
		verrs.Add("direction", "direction must be BUY or SELL, got %q", doc.Direction)
	}
}

func (a *Adapter) normalizeEntry(doc *rawDocument, rs *RuleSet, verrs *ValidationErrors) {
	if doc.Entry == nil {
		verrs.Add("entry", "entry rules are required")
		return
	}

	entry := doc.Entry
	mtfShape := len(entry.Primary) > 0 || len(entry.Confirmation) > 0

	base := entry.Conditions
	if mtfShape {
		if len(entry.Conditions) > 0 {
			verrs.Add("entry", "use either conditions or primary/confirmation, not both")
		}
		base = entry.Primary
	}

	rs.Entry.Logic = a.normalizeLogic(entry.Logic, "entry.logic", verrs)
	for i, rc := range base {
		field := fmt.Sprintf("entry.conditions[%d]", i)
		if mtfShape {
			field = fmt.Sprintf("entry.primary[%d]", i)
		}
		if c, ok := a.normalizeCondition(rc, field, verrs); ok {
			rs.Entry.Conditions = append(rs.Entry.Conditions, c)
		}
	}
	for i, rg := range entry.Groups {
		field := fmt.Sprintf("entry.groups[%d]", i)
		rs.Entry.Groups = append(rs.Entry.Groups, a.normalizeGroup(rg, field, verrs))
	}

	// Confirmations from the MTF shape default to required; the canonical
	// top-level list carries the flag explicitly.
	for i, rc := range entry.Confirmation {
		field := fmt.Sprintf("entry.confirmation[%d]", i)
		c, ok := a.normalizeCondition(rc, field, verrs)
		if !ok {
			continue
		}
		if rc.Required == nil {
			c.Required = true
		}
		if c.Timeframe == "" {
			verrs.Add(field+".timeframe", "confirmation conditions must name a timeframe")
			continue
		}
		rs.Confirmations = append(rs.Confirmations, c)
	}
	for i, rc := range doc.Confirmations {
		field := fmt.Sprintf("confirmations[%d]", i)
		c, ok := a.normalizeCondition(rc, field, verrs)
		if !ok {
			continue
		}
		if c.Timeframe == "" {
			verrs.Add(field+".timeframe", "confirmation conditions must name a timeframe")
			continue
		}
		rs.Confirmations = append(rs.Confirmations, c)
	}

	if rs.Entry.Empty() {
		verrs.Add("entry.conditions", "at least one entry condition is required")
	}
}

func (a *Adapter) normalizeGroup(rg rawGroup, field string, verrs *ValidationErrors) Group {
	g := Group{Logic: a.normalizeLogic(rg.Logic, field+".logic", verrs)}
	for i, rc := range rg.Conditions {
		if c, ok := a.normalizeCondition(rc, fmt.Sprintf("%s.conditions[%d]", field, i), verrs); ok {
			g.Conditions = append(g.Conditions, c)
		}
	}
	for i, sub := range rg.Groups {
		g.Groups = append(g.Groups, a.normalizeGroup(sub, fmt.Sprintf("%s.groups[%d]", field, i), verrs))
	}
	return g
}

func (a *Adapter) normalizeLogic(raw, field string, verrs *ValidationErrors) Logic {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", string(LogicAnd), "ALL":
		return LogicAnd
	case string(LogicOr), "ANY":
		return LogicOr
	default:
		verrs.Add(field, "logic must be AND or OR, got %q", raw)
		return LogicAnd
	}
}

func (a *Adapter) normalizeCondition(rc rawCondition, field string, verrs *ValidationErrors) (Condition, bool) {
	ok := true
	var c Condition

	ref, err := ParseIndicator(rc.Indicator)
	if err == nil && rc.Period > 0 {
		ref, err = ref.WithPeriod(rc.Period)
	}
	if err != nil {
		verrs.Add(field+".indicator", "%v", err)
		ok = false
	}
	c.Indicator = ref

	rawOp := rc.Operator
	if rawOp == "" {
		rawOp = rc.Condition
	}
	op, found := operatorSynonyms[strings.ToLower(strings.TrimSpace(rawOp))]
	if !found {
		verrs.Add(field+".operator", "unrecognized operator %q", rawOp)
		ok = false
	}
	c.Operator = op

	if len(rc.Value) == 0 {
		verrs.Add(field+".value", "value is required")
		ok = false
	} else if err := json.Unmarshal(rc.Value, &c.Value); err != nil {
		verrs.Add(field+".value", "%v", err)
		ok = false
	}

	if found && ok {
		switch op {
		case OpInRange, OpOutsideRange:
			if c.Value.Range == nil {
				verrs.Add(field+".value", "%s requires a [low, high] pair", op)
				ok = false
			} else if c.Value.Range[0] > c.Value.Range[1] {
				verrs.Add(field+".value", "range low bound exceeds high bound")
				ok = false
			}
		default:
			if c.Value.Range != nil {
				verrs.Add(field+".value", "%s does not accept a range", op)
				ok = false
			}
		}
	}

	if rc.Timeframe != "" {
		tf := types.Timeframe(rc.Timeframe)
		if !tf.Valid() {
			verrs.Add(field+".timeframe", "unrecognized timeframe %q", rc.Timeframe)
			ok = false
		}
		c.Timeframe = tf
	}
	if rc.Required != nil {
		c.Required = *rc.Required
	}

	return c, ok
}

func (a *Adapter) normalizeExit(doc *rawDocument, rs *RuleSet, verrs *ValidationErrors) {
	if doc.Exit == nil {
		return
	}
	exit := doc.Exit
	hasConditions := len(exit.Conditions) > 0 || len(exit.Groups) > 0
	hasLevels := exit.StopLoss != nil || exit.TakeProfit != nil || exit.Trailing != nil

	if hasConditions {
		g := a.normalizeGroup(rawGroup{
			Logic:      exit.Logic,
			Conditions: exit.Conditions,
			Groups:     exit.Groups,
		}, "exit", verrs)
		if !g.Empty() {
			rs.Exit = &g
		}
		return
	}
	if !hasLevels {
		verrs.Add("exit.conditions", "exit block present but holds no conditions")
	}
	// Level-only exit blocks feed the risk config; handled in normalizeRisk.
}

func (a *Adapter) normalizeRisk(doc *rawDocument, rs *RuleSet, verrs *ValidationErrors) {
	risk := RiskConfig{}
	if doc.Risk != nil {
		risk = *doc.Risk
	}
	a.mergeWireRisk(doc, &risk)

	switch risk.StopLoss.Type {
	case "":
		risk.StopLoss.Type = "fixed"
		if risk.StopLoss.Pips == 0 {
			risk.StopLoss.Pips = defaultStopPips
		}
	case "fixed":
		if risk.StopLoss.Pips <= 0 {
			verrs.Add("risk.stopLoss.pips", "fixed stop requires pips > 0")
		}
	case "atr":
		if risk.StopLoss.ATRMultiplier <= 0 {
			verrs.Add("risk.stopLoss.atrMultiplier", "atr stop requires atrMultiplier > 0")
		}
		if risk.StopLoss.ATRPeriod == 0 {
			risk.StopLoss.ATRPeriod = 14
		}
	default:
		verrs.Add("risk.stopLoss.type", "stop type must be fixed or atr, got %q", risk.StopLoss.Type)
	}

	switch risk.TakeProfit.Type {
	case "":
		risk.TakeProfit.Type = "fixed"
		if risk.TakeProfit.Pips == 0 {
			risk.TakeProfit.Pips = defaultTargetPips
		}
	case "fixed":
		if risk.TakeProfit.Pips <= 0 {
			verrs.Add("risk.takeProfit.pips", "fixed target requires pips > 0")
		}
	case "rr_ratio":
		if risk.TakeProfit.RRRatio <= 0 {
			verrs.Add("risk.takeProfit.rrRatio", "rr_ratio target requires rrRatio > 0")
		}
	case "partial":
		if len(risk.TakeProfit.Partials) == 0 {
			verrs.Add("risk.takeProfit.partials", "partial target requires at least one level")
		}
		prev := 0.0
		for i, p := range risk.TakeProfit.Partials {
			field := fmt.Sprintf("risk.takeProfit.partials[%d]", i)
			if p.R <= prev {
				verrs.Add(field+".r", "levels must have strictly increasing R > 0")
			}
			if p.ClosePercent <= 0 || p.ClosePercent > 100 {
				verrs.Add(field+".closePercent", "closePercent must be in (0, 100]")
			}
			prev = p.R
		}
	default:
		verrs.Add("risk.takeProfit.type", "target type must be fixed, rr_ratio or partial, got %q", risk.TakeProfit.Type)
	}

	if risk.Trailing.Enabled {
		if risk.Trailing.DistancePips <= 0 {
			verrs.Add("risk.trailing.distancePips", "trailing stop requires distancePips > 0")
		}
		if risk.Trailing.StepPips < 0 {
			verrs.Add("risk.trailing.stepPips", "stepPips must not be negative")
		}
	}

	switch risk.Sizing.Method {
	case "":
		risk.Sizing.Method = "percent_equity"
		if risk.Sizing.RiskPercent == 0 {
			risk.Sizing.RiskPercent = defaultRiskPercent
		}
	case "fixed":
		if risk.Sizing.FixedLots <= 0 {
			verrs.Add("risk.sizing.fixedLots", "fixed sizing requires fixedLots > 0")
		}
	case "percent_equity", "atr_inverse", "volatility":
		if risk.Sizing.RiskPercent <= 0 {
			verrs.Add("risk.sizing.riskPercent", "%s sizing requires riskPercent > 0", risk.Sizing.Method)
		}
	default:
		verrs.Add("risk.sizing.method", "unrecognized sizing method %q", risk.Sizing.Method)
	}
	if risk.Sizing.MinLot == 0 {
		risk.Sizing.MinLot = defaultMinLot
	}
	if risk.Sizing.MaxLot == 0 {
		risk.Sizing.MaxLot = defaultMaxLot
	}
	if risk.Sizing.MinLot > risk.Sizing.MaxLot {
		verrs.Add("risk.sizing.minLot", "minLot exceeds maxLot")
	}
	if risk.Sizing.ReduceInHighVolatility {
		if risk.Sizing.VolatilityATRThreshold <= 0 {
			verrs.Add("risk.sizing.volatilityAtrThreshold", "reduceInHighVolatility requires volatilityAtrThreshold > 0")
		}
		if risk.Sizing.VolatilityReduceFactor == 0 {
			risk.Sizing.VolatilityReduceFactor = 0.5
		}
		if risk.Sizing.VolatilityReduceFactor < 0 || risk.Sizing.VolatilityReduceFactor > 1 {
			verrs.Add("risk.sizing.volatilityReduceFactor", "volatilityReduceFactor must be in [0, 1]")
		}
	}

	if risk.MaxPositions == 0 {
		risk.MaxPositions = defaultMaxOpen
	} else if risk.MaxPositions < 0 {
		verrs.Add("risk.maxPositions", "maxPositions must not be negative")
	}
	if risk.MaxDailyLossPercent < 0 {
		verrs.Add("risk.maxDailyLossPercent", "maxDailyLossPercent must not be negative")
	}
	if risk.TimeLimitBars < 0 {
		verrs.Add("risk.timeLimitBars", "timeLimitBars must not be negative")
	}
	if risk.PipValue == 0 {
		risk.PipValue = defaultPipValue
	} else if risk.PipValue < 0 {
		verrs.Add("risk.pipValue", "pipValue must be positive")
	}

	rs.Risk = risk
}

// mergeWireRisk folds the wire-format exit levels, riskManagement and
// dynamicRisk blocks into the risk config. Fields already set by a canonical
// risk block win, so re-normalizing a marshaled rule set is a no-op here.
// dynamicRisk takes precedence over riskManagement for sizing, matching the
// executor the wire format comes from.
func (a *Adapter) mergeWireRisk(doc *rawDocument, risk *RiskConfig) {
	if doc.Exit != nil {
		if sl := doc.Exit.StopLoss; sl != nil && risk.StopLoss.Type == "" {
			switch sl.Type {
			case "atr":
				risk.StopLoss.Type = "atr"
				risk.StopLoss.ATRMultiplier = firstPositive(sl.ATRMultiplier, sl.Value, 1.5)
				risk.StopLoss.ATRPeriod = sl.ATRPeriod
				risk.StopLoss.MinPips = sl.MinPips
				risk.StopLoss.MaxPips = sl.MaxPips
			default: // "pips", "fixed" or unset
				risk.StopLoss.Type = "fixed"
				risk.StopLoss.Pips = firstPositive(sl.Value, sl.Pips, defaultStopPips)
			}
		}
		if tp := doc.Exit.TakeProfit; tp != nil && risk.TakeProfit.Type == "" {
			switch tp.Type {
			case "rr_ratio":
				risk.TakeProfit.Type = "rr_ratio"
				risk.TakeProfit.RRRatio = firstPositive(tp.RRRatio, tp.Value, 1.6)
			case "partial":
				risk.TakeProfit.Type = "partial"
				risk.TakeProfit.Partials = tp.Partials
				risk.TakeProfit.RRRatio = firstPositive(tp.RRRatio, tp.Value, 1.6)
			default: // "pips", "fixed" or unset
				risk.TakeProfit.Type = "fixed"
				risk.TakeProfit.Pips = firstPositive(tp.Value, tp.Pips, defaultTargetPips)
			}
		}
		if tr := doc.Exit.Trailing; tr != nil && tr.Enabled && !risk.Trailing.Enabled {
			risk.Trailing.Enabled = true
			risk.Trailing.DistancePips = firstPositive(tr.DistancePips, tr.Distance, 20)
			risk.Trailing.StepPips = tr.StepPips
		}
	}

	if dr := doc.DynamicRisk; dr != nil {
		if risk.Sizing.Method == "" {
			if dr.UseATRSizing {
				risk.Sizing.Method = "atr_inverse"
			} else {
				risk.Sizing.Method = "percent_equity"
			}
			risk.Sizing.RiskPercent = firstPositive(dr.RiskPercent, defaultRiskPercent)
		}
		if dr.UseATRSizing && risk.StopLoss.Type == "" {
			risk.StopLoss.Type = "atr"
			risk.StopLoss.ATRMultiplier = firstPositive(dr.ATRMultiplier, 2)
		}
		if dr.ReduceInHighVolatility && !risk.Sizing.ReduceInHighVolatility {
			risk.Sizing.ReduceInHighVolatility = true
			risk.Sizing.VolatilityATRThreshold = dr.VolatilityThreshold
		}
	}

	if rm := doc.RiskManagement; rm != nil {
		if risk.Sizing.Method == "" {
			if rm.LotSize > 0 {
				risk.Sizing.Method = "fixed"
				risk.Sizing.FixedLots = rm.LotSize
			} else if rm.RiskPercent > 0 {
				risk.Sizing.Method = "percent_equity"
				risk.Sizing.RiskPercent = rm.RiskPercent
			}
		}
		if risk.MaxPositions == 0 {
			risk.MaxPositions = rm.MaxPositions
		}
		if risk.MaxDailyLossPercent == 0 {
			risk.MaxDailyLossPercent = rm.MaxDailyLoss
		}
		if risk.Sizing.MinLot == 0 {
			risk.Sizing.MinLot = rm.MinLot
		}
		if risk.Sizing.MaxLot == 0 {
			risk.Sizing.MaxLot = rm.MaxLot
		}
		if risk.PipValue == 0 {
			risk.PipValue = rm.PipValue
		}
	}
}

func firstPositive(values ...float64) float64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func (a *Adapter) normalizeFilter(doc *rawDocument, rs *RuleSet, verrs *ValidationErrors) {
	if doc.VolatilityFilter == nil {
		return
	}
	vf := *doc.VolatilityFilter
	if vf.ATRPeriod == 0 {
		vf.ATRPeriod = 14
	}
	if vf.MinATR < 0 || vf.MaxATR < 0 {
		verrs.Add("volatilityFilter", "ATR bounds must not be negative")
	}
	if vf.MaxATR > 0 && vf.MinATR > vf.MaxATR {
		verrs.Add("volatilityFilter.minAtr", "minAtr exceeds maxAtr")
	}
	rs.VolatilityFilter = &vf
}

package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// IndicatorKind identifies a series the indicator service can compute.
type IndicatorKind string

const (
	KindClose  IndicatorKind = "close"
	KindOpen   IndicatorKind = "open"
	KindHigh   IndicatorKind = "high"
	KindLow    IndicatorKind = "low"
	KindVolume IndicatorKind = "volume"

	KindSMA             IndicatorKind = "sma"
	KindEMA             IndicatorKind = "ema"
	KindRSI             IndicatorKind = "rsi"
	KindATR             IndicatorKind = "atr"
	KindADX             IndicatorKind = "adx"
	KindMACD            IndicatorKind = "macd"
	KindMACDSignal      IndicatorKind = "macd_signal"
	KindMACDHist        IndicatorKind = "macd_hist"
	KindStochasticK     IndicatorKind = "stochastic_k"
	KindStochasticD     IndicatorKind = "stochastic_d"
	KindBollingerUpper  IndicatorKind = "bollinger_upper"
	KindBollingerMiddle IndicatorKind = "bollinger_middle"
	KindBollingerLower  IndicatorKind = "bollinger_lower"
)

// IndicatorRef is a parsed reference to one indicator series. Params are
// extracted from name-embedded forms like "ema_9" at normalization time so
// downstream consumers never re-parse strings.
type IndicatorRef struct {
	Name    string        // canonical form, e.g. "ema_9", "macd_signal"
	Kind    IndicatorKind
	Period  int
	Fast    int     // macd fast period
	Slow    int     // macd slow period
	Smooth  int     // macd signal period / stochastic %D smoothing
	KPeriod int     // stochastic lookback
	StdDev  float64 // bollinger band width
}

// Key returns the cache key for this series. The canonical name embeds all
// parameters, so it doubles as the key.
func (r IndicatorRef) Key() string {
	return r.Name
}

// IsPrice reports whether the ref points at a raw candle field.
func (r IndicatorRef) IsPrice() bool {
	switch r.Kind {
	case KindClose, KindOpen, KindHigh, KindLow, KindVolume:
		return true
	}
	return false
}

func (r IndicatorRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Name)
}

func (r *IndicatorRef) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseIndicator(name)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseIndicator turns a rule-document indicator name into a canonical ref.
// Accepted forms: price fields ("close"), period-suffixed names ("rsi_14"),
// multi-output selectors ("macd_signal", "stochastic_k", "bollinger_upper").
func ParseIndicator(name string) (IndicatorRef, error) {
	norm := strings.ToLower(strings.TrimSpace(name))
	if norm == "" {
		return IndicatorRef{}, fmt.Errorf("empty indicator name")
	}

	switch norm {
	case "close", "price":
		return IndicatorRef{Name: "close", Kind: KindClose}, nil
	case "open":
		return IndicatorRef{Name: "open", Kind: KindOpen}, nil
	case "high":
		return IndicatorRef{Name: "high", Kind: KindHigh}, nil
	case "low":
		return IndicatorRef{Name: "low", Kind: KindLow}, nil
	case "volume":
		return IndicatorRef{Name: "volume", Kind: KindVolume}, nil
	}

	if ref, ok := parseMACD(norm); ok {
		return ref, nil
	}
	if ref, ok := parseStochastic(norm); ok {
		return ref, nil
	}
	if ref, ok := parseBollinger(norm); ok {
		return ref, nil
	}

	base, period, err := splitPeriod(norm)
	if err != nil {
		return IndicatorRef{}, err
	}

	switch base {
	case "sma", "ma":
		if period == 0 {
			period = 20
		}
		return IndicatorRef{Name: fmt.Sprintf("sma_%d", period), Kind: KindSMA, Period: period}, nil
	case "ema":
		if period == 0 {
			period = 20
		}
		return IndicatorRef{Name: fmt.Sprintf("ema_%d", period), Kind: KindEMA, Period: period}, nil
	case "rsi":
		if period == 0 {
			period = 14
		}
		return IndicatorRef{Name: fmt.Sprintf("rsi_%d", period), Kind: KindRSI, Period: period}, nil
	case "atr":
		if period == 0 {
			period = 14
		}
		return IndicatorRef{Name: fmt.Sprintf("atr_%d", period), Kind: KindATR, Period: period}, nil
	case "adx":
		if period == 0 {
			period = 14
		}
		return IndicatorRef{Name: fmt.Sprintf("adx_%d", period), Kind: KindADX, Period: period}, nil
	}

	return IndicatorRef{}, fmt.Errorf("unknown indicator %q", name)
}

// WithPeriod rebuilds the ref with an explicit lookback, for documents that
// carry the period as a separate field next to a bare indicator name.
// Families without a single period parameter keep their defaults.
func (r IndicatorRef) WithPeriod(period int) (IndicatorRef, error) {
	if period <= 0 {
		return r, fmt.Errorf("indicator %q: period must be positive", r.Name)
	}
	switch r.Kind {
	case KindSMA, KindEMA, KindRSI, KindATR, KindADX:
		return ParseIndicator(fmt.Sprintf("%s_%d", r.Kind, period))
	default:
		return r, nil
	}
}

func splitPeriod(norm string) (base string, period int, err error) {
	idx := strings.LastIndex(norm, "_")
	if idx < 0 {
		return norm, 0, nil
	}
	base = norm[:idx]
	suffix := norm[idx+1:]
	period, convErr := strconv.Atoi(suffix)
	if convErr != nil {
		return norm, 0, nil
	}
	if period <= 0 {
		return "", 0, fmt.Errorf("indicator %q: period must be positive", norm)
	}
	return base, period, nil
}

func parseMACD(norm string) (IndicatorRef, bool) {
	ref := IndicatorRef{Fast: 12, Slow: 26, Smooth: 9}
	switch norm {
	case "macd", "macd_line":
		ref.Name, ref.Kind = "macd", KindMACD
	case "macd_signal":
		ref.Name, ref.Kind = "macd_signal", KindMACDSignal
	case "macd_hist", "macd_histogram":
		ref.Name, ref.Kind = "macd_hist", KindMACDHist
	default:
		return IndicatorRef{}, false
	}
	return ref, true
}

func parseStochastic(norm string) (IndicatorRef, bool) {
	ref := IndicatorRef{KPeriod: 14, Smooth: 3}
	switch norm {
	case "stochastic_k", "stoch_k", "stochastic":
		ref.Name, ref.Kind = "stochastic_k", KindStochasticK
	case "stochastic_d", "stoch_d":
		ref.Name, ref.Kind = "stochastic_d", KindStochasticD
	default:
		return IndicatorRef{}, false
	}
	return ref, true
}

func parseBollinger(norm string) (IndicatorRef, bool) {
	ref := IndicatorRef{Period: 20, StdDev: 2.0}
	switch norm {
	case "bollinger_upper", "bb_upper":
		ref.Name, ref.Kind = "bollinger_upper", KindBollingerUpper
	case "bollinger_middle", "bb_middle", "bollinger_mid":
		ref.Name, ref.Kind = "bollinger_middle", KindBollingerMiddle
	case "bollinger_lower", "bb_lower":
		ref.Name, ref.Kind = "bollinger_lower", KindBollingerLower
	default:
		return IndicatorRef{}, false
	}
	return ref, true
}

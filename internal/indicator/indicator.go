// Package indicator computes technical indicator series over candle data.
//
// Series are float64 slices aligned 1:1 with the input candles; positions
// inside an indicator's warm-up window hold NaN. Computed series are cached
// per Set, and a Set lives for exactly one backtest run.
package indicator

import (
	"fmt"
	"sync"

	"github.com/techprocreative/strategy-engine/internal/rules"
	"github.com/techprocreative/strategy-engine/pkg/types"
)

// Set computes and caches indicator series for one timeframe's candles.
type Set struct {
	mu     sync.Mutex
	cache  map[string][]float64
	opens  []float64
	highs  []float64
	lows   []float64
	closes []float64
	volume []float64
	stamps []types.Candle
}

// NewSet creates an indicator set over the given candles.
func NewSet(candles []types.Candle) *Set {
	s := &Set{
		cache:  make(map[string][]float64),
		opens:  make([]float64, len(candles)),
		highs:  make([]float64, len(candles)),
		lows:   make([]float64, len(candles)),
		closes: make([]float64, len(candles)),
		volume: make([]float64, len(candles)),
		stamps: candles,
	}
	for i, c := range candles {
		s.opens[i] = c.Open.InexactFloat64()
		s.highs[i] = c.High.InexactFloat64()
		s.lows[i] = c.Low.InexactFloat64()
		s.closes[i] = c.Close.InexactFloat64()
		s.volume[i] = c.Volume.InexactFloat64()
	}
	return s
}

// Len returns the number of candles in the set.
func (s *Set) Len() int {
	return len(s.closes)
}

// Candle returns the candle at index i.
func (s *Set) Candle(i int) types.Candle {
	return s.stamps[i]
}

// Series returns the full series for the given indicator reference,
// computing and caching it on first use.
func (s *Set) Series(ref rules.IndicatorRef) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.cache[ref.Key()]; ok {
		return cached, nil
	}

	series, err := s.compute(ref)
	if err != nil {
		return nil, err
	}
	s.cache[ref.Key()] = series
	return series, nil
}

func (s *Set) compute(ref rules.IndicatorRef) ([]float64, error) {
	switch ref.Kind {
	case rules.KindClose:
		return s.closes, nil
	case rules.KindOpen:
		return s.opens, nil
	case rules.KindHigh:
		return s.highs, nil
	case rules.KindLow:
		return s.lows, nil
	case rules.KindVolume:
		return s.volume, nil
	case rules.KindSMA:
		return smaSeries(s.closes, ref.Period), nil
	case rules.KindEMA:
		return emaSeries(s.closes, ref.Period), nil
	case rules.KindRSI:
		return rsiSeries(s.closes, ref.Period), nil
	case rules.KindATR:
		return atrSeries(s.highs, s.lows, s.closes, ref.Period), nil
	case rules.KindADX:
		return adxSeries(s.highs, s.lows, s.closes, ref.Period), nil
	case rules.KindMACD, rules.KindMACDSignal, rules.KindMACDHist:
		return s.macd(ref), nil
	case rules.KindStochasticK, rules.KindStochasticD:
		return s.stochastic(ref), nil
	case rules.KindBollingerUpper, rules.KindBollingerMiddle, rules.KindBollingerLower:
		return s.bollinger(ref), nil
	default:
		return nil, fmt.Errorf("unsupported indicator kind %q", ref.Kind)
	}
}

// macd computes the line, signal and histogram together and caches all
// three, since they share the underlying EMAs.
func (s *Set) macd(ref rules.IndicatorRef) []float64 {
	line, signal, hist := macdSeries(s.closes, ref.Fast, ref.Slow, ref.Smooth)
	s.cache["macd"] = line
	s.cache["macd_signal"] = signal
	s.cache["macd_hist"] = hist
	switch ref.Kind {
	case rules.KindMACDSignal:
		return signal
	case rules.KindMACDHist:
		return hist
	default:
		return line
	}
}

func (s *Set) stochastic(ref rules.IndicatorRef) []float64 {
	k, d := stochasticSeries(s.highs, s.lows, s.closes, ref.KPeriod, ref.Smooth)
	s.cache["stochastic_k"] = k
	s.cache["stochastic_d"] = d
	if ref.Kind == rules.KindStochasticD {
		return d
	}
	return k
}

func (s *Set) bollinger(ref rules.IndicatorRef) []float64 {
	upper, middle, lower := bollingerSeries(s.closes, ref.Period, ref.StdDev)
	s.cache["bollinger_upper"] = upper
	s.cache["bollinger_middle"] = middle
	s.cache["bollinger_lower"] = lower
	switch ref.Kind {
	case rules.KindBollingerUpper:
		return upper
	case rules.KindBollingerLower:
		return lower
	default:
		return middle
	}
}

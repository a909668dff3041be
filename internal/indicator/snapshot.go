package indicator

import (
	"fmt"
	"math"

	"github.com/techprocreative/strategy-engine/internal/rules"
	"github.com/techprocreative/strategy-engine/pkg/types"
)

// Snapshot is a read-only view of a Set at one bar index. Lookups never see
// data past the index, so rule evaluation cannot peek ahead.
type Snapshot struct {
	set   *Set
	index int
}

// At returns a snapshot of the set at bar index i.
func (s *Set) At(i int) *Snapshot {
	return &Snapshot{set: s, index: i}
}

// Index returns the bar index this snapshot is anchored to.
func (sn *Snapshot) Index() int {
	return sn.index
}

// Value returns the indicator value at the snapshot bar. NaN is returned
// inside the warm-up window; an error means the series itself is missing.
func (sn *Snapshot) Value(ref rules.IndicatorRef) (float64, error) {
	return sn.at(ref, sn.index)
}

// Prev returns the indicator value one bar before the snapshot. Crossing
// operators need it; at bar zero it is NaN.
func (sn *Snapshot) Prev(ref rules.IndicatorRef) (float64, error) {
	if sn.index == 0 {
		return math.NaN(), nil
	}
	return sn.at(ref, sn.index-1)
}

func (sn *Snapshot) at(ref rules.IndicatorRef, i int) (float64, error) {
	series, err := sn.set.Series(ref)
	if err != nil {
		return math.NaN(), err
	}
	if i < 0 || i >= len(series) {
		return math.NaN(), fmt.Errorf("indicator %s: bar %d out of range", ref.Name, i)
	}
	return series[i], nil
}

// AlignIndex maps a base-timeframe bar onto this set's timeframe, returning
// the index of the last candle whose close time does not exceed baseClose.
// Returns -1 when no candle has closed yet.
func (s *Set) AlignIndex(tf types.Timeframe, baseClose int64) int {
	dur := int64(tf.Duration().Seconds())
	lo, hi := 0, len(s.stamps)-1
	idx := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		closeAt := s.stamps[mid].Timestamp.Unix() + dur
		if closeAt <= baseClose {
			idx = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return idx
}

package store

import (
	"errors"
	"fmt"
	"sort"

	"klinevault/internal/market"
)

// ErrNotMonotonic aborts a flush whose merge result is not strictly increasing.
var ErrNotMonotonic = errors.New("candle timestamps not strictly increasing")

// Merge combines the persisted history with a delta. Both sides are canonicalized; on timestamp
// collision the delta wins. The result is sorted and checked for strict monotonicity.
func Merge(existing, delta []market.Candle) ([]market.Candle, error) {
	d := market.SortAndDedupe(delta)
	out := make([]market.Candle, 0, len(existing)+len(d))
	for _, c := range existing {
		out = append(out, c.Canonicalize())
	}
	if len(d) == 0 {
		return out, CheckMonotonic(out)
	}

	// fast path: the delta lies entirely after the persisted tail
	if len(out) == 0 || d[0].Timestamp.After(out[len(out)-1].Timestamp) {
		out = append(out, d...)
		return out, CheckMonotonic(out)
	}

	replace := make(map[int64]struct{}, len(d))
	for _, c := range d {
		replace[c.Millis()] = struct{}{}
	}
	kept := out[:0]
	for _, c := range out {
		if _, ok := replace[c.Millis()]; ok {
			continue
		}
		kept = append(kept, c)
	}
	out = append(kept, d...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, CheckMonotonic(out)
}

// CheckMonotonic reports the first position where timestamps stop strictly increasing.
func CheckMonotonic(cs []market.Candle) error {
	for i := 1; i < len(cs); i++ {
		if !cs[i].Timestamp.After(cs[i-1].Timestamp) {
			return fmt.Errorf("%w: index %d (%s) after %s", ErrNotMonotonic, i,
				cs[i].TimeString(), cs[i-1].TimeString())
		}
	}
	return nil
}

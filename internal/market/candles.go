package market

import (
	"sort"
	"time"
)

// Candles is an ordered candle slice with helpers shared by store, API and CLI.
type Candles []Candle

func (c Candle) TimeString() string {
	if c.Timestamp.IsZero() {
		return "-"
	}
	return c.Timestamp.UTC().Format("2006-01-02 15:04") + "Z"
}

// First/Last return the boundary candles; ok is false for an empty slice.
func (cs Candles) First() (Candle, bool) {
	if len(cs) == 0 {
		return Candle{}, false
	}
	return cs[0], true
}

func (cs Candles) Last() (Candle, bool) {
	if len(cs) == 0 {
		return Candle{}, false
	}
	return cs[len(cs)-1], true
}

// Tail returns (a view of) the last n candles.
func (cs Candles) Tail(n int) Candles {
	if n <= 0 {
		return nil
	}
	if n >= len(cs) {
		return cs
	}
	return cs[len(cs)-n:]
}

// SortAndDedupe canonicalizes timestamps, sorts ascending and keeps the last occurrence of
// each timestamp (input order decides which write wins).
func SortAndDedupe(in []Candle) Candles {
	if len(in) == 0 {
		return nil
	}
	idx := make(map[int64]int, len(in))
	out := make(Candles, 0, len(in))
	for _, c := range in {
		c = c.Canonicalize()
		ms := c.Millis()
		if i, ok := idx[ms]; ok {
			out[i] = c
			continue
		}
		idx[ms] = len(out)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Gap is a run of missing buckets between two present candles.
type Gap struct {
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	Missing int64     `json:"missing"`
}

// FindGaps reports interior holes in an ascending series at granularity g.
func FindGaps(cs Candles, g Granularity) []Gap {
	if len(cs) < 2 || g.Duration <= 0 {
		return nil
	}
	var gaps []Gap
	for i := 1; i < len(cs); i++ {
		prev, cur := cs[i-1].Timestamp, cs[i].Timestamp
		step := cur.Sub(prev)
		if step <= g.Duration {
			continue
		}
		missing := int64(step/g.Duration) - 1
		if missing <= 0 {
			continue
		}
		gaps = append(gaps, Gap{
			From:    prev.Add(g.Duration),
			To:      cur.Add(-g.Duration),
			Missing: missing,
		})
	}
	return gaps
}

// Resample aggregates an ascending series into a coarser granularity (first open, max high,
// min low, last close, summed volume). Buckets are aligned to the UTC epoch grid.
func Resample(cs Candles, to Granularity) Candles {
	if len(cs) == 0 {
		return nil
	}
	out := make(Candles, 0, len(cs))
	var cur Candle
	var bucket time.Time
	open := false
	for _, c := range cs {
		b := to.AlignDown(c.Timestamp)
		if !open || !b.Equal(bucket) {
			if open {
				out = append(out, cur)
			}
			bucket = b
			cur = Candle{Timestamp: b, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume}
			open = true
			continue
		}
		if c.High > cur.High {
			cur.High = c.High
		}
		if c.Low < cur.Low {
			cur.Low = c.Low
		}
		cur.Close = c.Close
		cur.Volume += c.Volume
	}
	if open {
		out = append(out, cur)
	}
	return out
}

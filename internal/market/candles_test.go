package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func seq(start time.Time, step time.Duration, n int) Candles {
	out := make(Candles, n)
	for i := range out {
		p := float64(100 + i)
		out[i] = Candle{Timestamp: start.Add(time.Duration(i) * step), Open: p, High: p + 1, Low: p - 1, Close: p + 0.5, Volume: 1}
	}
	return out
}

func TestSortAndDedupeLastWins(t *testing.T) {
	in := []Candle{
		{Timestamp: day0.Add(time.Minute), Close: 1},
		{Timestamp: day0, Close: 2},
		{Timestamp: day0.Add(time.Minute).In(time.FixedZone("x", 3600)), Close: 3},
	}
	out := SortAndDedupe(in)
	require.Len(t, out, 2)
	assert.Equal(t, day0, out[0].Timestamp)
	assert.Equal(t, 3.0, out[1].Close)
	assert.Nil(t, SortAndDedupe(nil))
}

func TestFindGaps(t *testing.T) {
	g := MustGranularity("15m")
	cs := seq(day0, 15*time.Minute, 10)
	// drop 3 buckets in the middle
	cs = append(cs[:4:4], cs[7:]...)
	gaps := FindGaps(cs, g)
	require.Len(t, gaps, 1)
	assert.Equal(t, int64(3), gaps[0].Missing)
	assert.Equal(t, day0.Add(60*time.Minute), gaps[0].From)
	assert.Equal(t, day0.Add(90*time.Minute), gaps[0].To)

	assert.Empty(t, FindGaps(seq(day0, 15*time.Minute, 5), g))
}

func TestResample(t *testing.T) {
	cs := seq(day0, 15*time.Minute, 8)
	out := Resample(cs, MustGranularity("1h"))
	require.Len(t, out, 2)
	first := out[0]
	assert.Equal(t, day0, first.Timestamp)
	assert.Equal(t, 100.0, first.Open)
	assert.Equal(t, 104.0, first.High)
	assert.Equal(t, 99.0, first.Low)
	assert.Equal(t, 103.5, first.Close)
	assert.Equal(t, 4.0, first.Volume)
	assert.Equal(t, day0.Add(time.Hour), out[1].Timestamp)
}

func TestCandlesTail(t *testing.T) {
	cs := seq(day0, time.Minute, 5)
	assert.Len(t, cs.Tail(2), 2)
	assert.Len(t, cs.Tail(9), 5)
	assert.Nil(t, cs.Tail(0))
	last, ok := cs.Last()
	require.True(t, ok)
	assert.Equal(t, day0.Add(4*time.Minute), last.Timestamp)
}

package market

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Granularity 描述一个序列的固定周期（规范化 key + duration）。
type Granularity struct {
	Key      string
	Duration time.Duration
}

const day = 24 * time.Hour

// granularities is ordered shortest first.
var granularities = []Granularity{
	{"1m", time.Minute},
	{"3m", 3 * time.Minute},
	{"5m", 5 * time.Minute},
	{"15m", 15 * time.Minute},
	{"30m", 30 * time.Minute},
	{"1h", time.Hour},
	{"2h", 2 * time.Hour},
	{"4h", 4 * time.Hour},
	{"1d", day},
	{"1w", 7 * day},
}

var unitDurations = map[byte]time.Duration{'m': time.Minute, 'h': time.Hour, 'd': day, 'w': 7 * day}

// ParseGranularity accepts "15m", "4H", "1d", "1w", "15min", bare minute counts ("15", "240")
// and any other spelling whose duration matches a supported grid ("60m" is 1h).
func ParseGranularity(input string) (Granularity, error) {
	s := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(input)), "in")
	if s == "" {
		return Granularity{}, fmt.Errorf("empty granularity")
	}
	d, ok := spanOf(s)
	if !ok {
		return Granularity{}, fmt.Errorf("unsupported granularity: %s", input)
	}
	for _, g := range granularities {
		if g.Duration == d {
			return g, nil
		}
	}
	return Granularity{}, fmt.Errorf("unsupported granularity: %s (%s)", input, d)
}

// spanOf reads "<n>" as minutes or "<n><unit>" with unit m/h/d/w.
func spanOf(s string) (time.Duration, bool) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Minute, n > 0
	}
	unit, ok := unitDurations[s[len(s)-1]]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return time.Duration(n) * unit, true
}

// MustGranularity is ParseGranularity for constants known to be valid.
func MustGranularity(input string) Granularity {
	g, err := ParseGranularity(input)
	if err != nil {
		panic(err)
	}
	return g
}

// SupportedGranularities returns the canonical keys, shortest first.
func SupportedGranularities() []string {
	keys := make([]string, len(granularities))
	for i, g := range granularities {
		keys[i] = g.Key
	}
	return keys
}

func (g Granularity) String() string { return g.Key }

// AlignDown 将时间对齐到周期网格（UTC epoch 起算）。
func (g Granularity) AlignDown(t time.Time) time.Time {
	step := g.Duration.Milliseconds()
	if step <= 0 {
		return t
	}
	ms := t.UnixMilli()
	rem := ms % step
	if rem < 0 {
		rem += step
	}
	return FromMillis(ms - rem)
}

// ExpectedCandles 计算 [start, end]（含）区间应存在的 K 线数量。
func (g Granularity) ExpectedCandles(start, end time.Time) int64 {
	if end.Before(start) || g.Duration <= 0 {
		return 0
	}
	return int64(end.Sub(start)/g.Duration) + 1
}

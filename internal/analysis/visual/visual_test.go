package visual

import (
	"math"
	"testing"
	"time"

	"klinevault/internal/analysis/indicator"
	"klinevault/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(n int) []market.Candle {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, n)
	for i := range out {
		p := 100 + float64(i)
		out[i] = market.Candle{Timestamp: base.Add(time.Duration(i) * time.Hour), Open: p, High: p + 2, Low: p - 2, Close: p + 1, Volume: 10}
	}
	return out
}

func TestRenderWithColumns(t *testing.T) {
	cs := sample(60)
	html, err := RenderBytes(Input{
		Title:   "bybit:btcusdt@1h",
		Candles: cs,
		Columns: indicator.Derive(cs, indicator.Settings{}),
	})
	require.NoError(t, err)
	body := string(html)
	assert.Contains(t, body, "BYBIT:BTCUSDT@1H")
	assert.Contains(t, body, "MACD Hist")
	assert.Contains(t, body, "EMA")
	assert.Contains(t, body, "2024-01-01 00:00Z")
	assert.Contains(t, body, "RSI")
}

func TestGapMarks(t *testing.T) {
	cs := sample(10)
	cs = append(cs[:4], cs[7:]...) // 3 missing hours
	in := Input{Title: "gaps", Granularity: market.MustGranularity("1h"), Candles: cs}
	marks := gapMarks(in, xAxis(cs))
	require.Len(t, marks, 1)
	assert.Equal(t, "gap 3", marks[0].Name)
	assert.Equal(t, "2024-01-01 07:00Z", marks[0].XAxis)

	in.Granularity = market.Granularity{}
	assert.Empty(t, gapMarks(in, xAxis(cs)))

	html, err := RenderBytes(Input{Title: "gaps", Granularity: market.MustGranularity("1h"), Candles: cs})
	require.NoError(t, err)
	assert.Contains(t, string(html), "gap 3")
}

func TestRenderPlainAndEmpty(t *testing.T) {
	html, err := RenderBytes(Input{Title: "plain", Candles: sample(3)})
	require.NoError(t, err)
	assert.NotContains(t, string(html), "MACD Hist")

	_, err = RenderBytes(Input{Title: "empty"})
	require.Error(t, err)
}

func TestToLineDataMasksNaN(t *testing.T) {
	got := toLineData([]float64{math.NaN(), 1.2345678}, 3)
	require.Len(t, got, 3)
	assert.Nil(t, got[0].Value)
	assert.Equal(t, 1.23457, got[1].Value)
	assert.Nil(t, got[2].Value)
}

func TestSigKeepsTinyValues(t *testing.T) {
	assert.Equal(t, 1.25391e-05, sig(1.2539123e-05))
	assert.Equal(t, 64123.5, sig(64123.49))
	assert.Equal(t, 0.0, sig(0))
	assert.True(t, math.IsNaN(sig(math.NaN())))
}

package indicator

import (
	"math"

	"github.com/markcheno/go-talib"

	"klinevault/internal/market"
)

// Column names produced by Derive.
const (
	ColEMA        = "ema"
	ColRSI        = "rsi"
	ColATR        = "atr"
	ColMACD       = "macd"
	ColMACDSignal = "macd_signal"
	ColMACDHist   = "macd_hist"
)

// Settings 描述派生列的周期参数，零值使用默认。
type Settings struct {
	EMAPeriod  int `json:"ema_period,omitempty"`
	RSIPeriod  int `json:"rsi_period,omitempty"`
	ATRPeriod  int `json:"atr_period,omitempty"`
	MACDFast   int `json:"macd_fast,omitempty"`
	MACDSlow   int `json:"macd_slow,omitempty"`
	MACDSignal int `json:"macd_signal,omitempty"`
}

func (s Settings) withDefaults() Settings {
	if s.EMAPeriod <= 0 {
		s.EMAPeriod = 10
	}
	if s.RSIPeriod <= 0 {
		s.RSIPeriod = 14
	}
	if s.ATRPeriod <= 0 {
		s.ATRPeriod = 14
	}
	if s.MACDFast <= 0 {
		s.MACDFast = 12
	}
	if s.MACDSlow <= 0 {
		s.MACDSlow = 26
	}
	if s.MACDSignal <= 0 {
		s.MACDSignal = 9
	}
	return s
}

// Lookback is the number of leading candles every column needs before it is valid.
func (s Settings) Lookback() int {
	s = s.withDefaults()
	lb := s.EMAPeriod - 1
	for _, v := range []int{s.RSIPeriod, s.ATRPeriod, s.MACDSlow + s.MACDSignal - 2} {
		if v > lb {
			lb = v
		}
	}
	return lb
}

// Derive computes the derived columns aligned with candles. Positions without enough history
// are NaN.
func Derive(candles []market.Candle, s Settings) map[string][]float64 {
	s = s.withDefaults()
	n := len(candles)
	cols := make(map[string][]float64, 6)
	if n == 0 {
		return cols
	}
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}

	cols[ColEMA] = masked(n, s.EMAPeriod-1, func() []float64 { return talib.Ema(closes, s.EMAPeriod) })
	cols[ColRSI] = masked(n, s.RSIPeriod, func() []float64 { return talib.Rsi(closes, s.RSIPeriod) })
	cols[ColATR] = masked(n, s.ATRPeriod, func() []float64 { return talib.Atr(highs, lows, closes, s.ATRPeriod) })

	macdLB := s.MACDSlow + s.MACDSignal - 2
	if n > macdLB {
		macd, signal, hist := talib.Macd(closes, s.MACDFast, s.MACDSlow, s.MACDSignal)
		cols[ColMACD] = maskLeading(macd, macdLB)
		cols[ColMACDSignal] = maskLeading(signal, macdLB)
		cols[ColMACDHist] = maskLeading(hist, macdLB)
	} else {
		cols[ColMACD] = nanSeries(n)
		cols[ColMACDSignal] = nanSeries(n)
		cols[ColMACDHist] = nanSeries(n)
	}
	return cols
}

// Trim keeps the last n values of every column.
func Trim(cols map[string][]float64, n int) map[string][]float64 {
	out := make(map[string][]float64, len(cols))
	for name, series := range cols {
		if n < len(series) {
			series = series[len(series)-n:]
		}
		out[name] = series
	}
	return out
}

// masked guards talib against inputs shorter than the period, which it does not handle.
func masked(n, lookback int, fn func() []float64) []float64 {
	if n <= lookback {
		return nanSeries(n)
	}
	return maskLeading(fn(), lookback)
}

func maskLeading(series []float64, lookback int) []float64 {
	out := make([]float64, len(series))
	for i, v := range series {
		if i < lookback || math.IsInf(v, 0) {
			out[i] = math.NaN()
			continue
		}
		out[i] = v
	}
	return out
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

package indicator

import (
	"fmt"
	"math"
)

// Value 保存单个派生列的最新值与状态。
type Value struct {
	Latest float64 `json:"latest"`
	State  string  `json:"state,omitempty"`
	Note   string  `json:"note,omitempty"`
}

// Summarize reduces derived columns to their latest values, as shown by `inspect` and the API.
func Summarize(cols map[string][]float64, lastClose float64, s Settings) map[string]Value {
	s = s.withDefaults()
	out := make(map[string]Value, 4)
	if ema, ok := cols[ColEMA]; ok {
		v := lastValid(ema)
		out[ColEMA] = Value{Latest: v, State: relativeState(lastClose, v), Note: fmt.Sprintf("EMA%d vs price", s.EMAPeriod)}
	}
	if rsi, ok := cols[ColRSI]; ok {
		v := lastValid(rsi)
		state := "neutral"
		switch {
		case v >= 70:
			state = "overbought"
		case v > 0 && v <= 30:
			state = "oversold"
		}
		out[ColRSI] = Value{Latest: v, State: state, Note: fmt.Sprintf("period=%d", s.RSIPeriod)}
	}
	if atr, ok := cols[ColATR]; ok {
		out[ColATR] = Value{Latest: lastValid(atr), State: "volatility", Note: fmt.Sprintf("period=%d", s.ATRPeriod)}
	}
	if hist, ok := cols[ColMACDHist]; ok {
		h := lastValid(hist)
		state := "flat"
		switch {
		case h > 0:
			state = "bullish"
		case h < 0:
			state = "bearish"
		}
		out[ColMACD] = Value{
			Latest: lastValid(cols[ColMACD]),
			State:  state,
			Note:   fmt.Sprintf("signal=%.4f hist=%.4f", lastValid(cols[ColMACDSignal]), h),
		}
	}
	return out
}

func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) && !math.IsInf(series[i], 0) {
			return series[i]
		}
	}
	return 0
}

func relativeState(price, ref float64) string {
	if ref == 0 {
		return "unknown"
	}
	switch {
	case price > ref*1.002:
		return "above"
	case price < ref*0.998:
		return "below"
	default:
		return "touch"
	}
}

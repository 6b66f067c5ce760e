package serieshttp

import (
	"encoding/json"
	"io"
	"math"

	"klinevault/internal/store"
)

type candleDTO struct {
	TS     int64   `json:"ts"`
	Time   string  `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

type frameDTO struct {
	Series  string                `json:"series"`
	Count   int                   `json:"count"`
	Candles []candleDTO           `json:"candles"`
	Columns map[string][]*float64 `json:"columns,omitempty"`
}

// EncodeFrame writes f in the same JSON shape the API serves: NaN column values become null.
func EncodeFrame(w io.Writer, f store.Frame) error {
	return json.NewEncoder(w).Encode(toFrameDTO(f))
}

func toFrameDTO(f store.Frame) frameDTO {
	out := frameDTO{
		Series:  f.Key.String(),
		Count:   len(f.Candles),
		Candles: make([]candleDTO, len(f.Candles)),
	}
	for i, c := range f.Candles {
		out.Candles[i] = candleDTO{
			TS:     c.Millis(),
			Time:   c.Timestamp.Format("2006-01-02T15:04:05.000Z"),
			Open:   c.Open,
			High:   c.High,
			Low:    c.Low,
			Close:  c.Close,
			Volume: c.Volume,
		}
	}
	if len(f.Columns) > 0 {
		out.Columns = make(map[string][]*float64, len(f.Columns))
		for name, series := range f.Columns {
			out.Columns[name] = nullable(series)
		}
	}
	return out
}

// nullable maps NaN (warm-up) to JSON null; encoding/json rejects NaN.
func nullable(series []float64) []*float64 {
	out := make([]*float64, len(series))
	for i := range series {
		if math.IsNaN(series[i]) || math.IsInf(series[i], 0) {
			continue
		}
		v := series[i]
		out[i] = &v
	}
	return out
}

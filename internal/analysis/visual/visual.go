// Package visual renders candle frames as standalone go-echarts HTML pages: price with the EMA
// overlay and gap markers, volume, and the MACD and RSI panels when derived columns exist.
package visual

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"

	"klinevault/internal/analysis/indicator"
	"klinevault/internal/market"
)

// Input is one chart. Columns are aligned with Candles; a zero Granularity disables gap markers.
type Input struct {
	Title       string
	Subtitle    string
	Granularity market.Granularity
	Candles     []market.Candle
	Columns     map[string][]float64
}

const (
	colorBackground = "#060c1b"
	colorText       = "#eceff4"
	colorMuted      = "#9ca3af"
	colorBull       = "#34d399"
	colorBear       = "#f87171"
	colorEMA        = "#fbbf24"
	colorDIF        = "#22d3ee"
	colorDEA        = "#fb7185"
	colorRSI        = "#a78bfa"
	colorGap        = "#f59e0b"

	sigDigits = 6

	widthPx       = 1600
	priceHeightPx = 600
	panelHeightPx = 220
)

// Render writes the page to w.
func Render(w io.Writer, in Input) error {
	if len(in.Candles) == 0 {
		return fmt.Errorf("no candles to render for %q", in.Title)
	}
	x := xAxis(in.Candles)
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)
	page.PageTitle = in.Title
	page.AddCharts(priceChart(in, x), volumeChart(in.Candles, x))
	if macd := macdChart(in, x); macd != nil {
		page.AddCharts(macd)
	}
	if rsi := rsiChart(in, x); rsi != nil {
		page.AddCharts(rsi)
	}
	return page.Render(w)
}

// RenderBytes is Render into memory.
func RenderBytes(in Input) ([]byte, error) {
	var buf bytes.Buffer
	if err := Render(&buf, in); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// panel holds the options every chart on the page shares.
func panel(title string, heightPx int, legend bool) []charts.GlobalOpts {
	return []charts.GlobalOpts{
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", widthPx),
			Height:          fmt.Sprintf("%dpx", heightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{Title: title, Left: "left", TitleStyle: &opts.TextStyle{Color: colorText}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(legend), TextStyle: &opts.TextStyle{Color: colorMuted}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Show: opts.Bool(false)}}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Show: opts.Bool(true), Color: colorMuted},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorMuted, Opacity: opts.Float(0.15)}},
		}),
	}
}

func priceChart(in Input, x []string) *charts.Kline {
	lo, hi := priceBounds(in.Candles)
	pad := (hi - lo) * 0.05
	if pad <= 0 {
		pad = math.Max(1, math.Abs(hi)*0.01)
	}
	k := charts.NewKLine()
	k.SetGlobalOptions(panel(strings.ToUpper(in.Title), priceHeightPx, true)...)
	k.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:         strings.ToUpper(in.Title),
			Subtitle:      in.Subtitle,
			Left:          "left",
			TitleStyle:    &opts.TextStyle{Color: colorText, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: colorMuted},
		}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", AxisLabel: &opts.AxisLabel{Color: colorMuted}}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorMuted},
			Min:       sig(lo-pad),
			Max:       sig(hi+pad),
		}),
	)
	data := make([]opts.KlineData, len(in.Candles))
	for i, c := range in.Candles {
		data[i] = opts.KlineData{Value: [4]float64{c.Open, c.Close, c.Low, c.High}}
	}
	seriesOpts := []charts.SeriesOpts{
		charts.WithItemStyleOpts(opts.ItemStyle{Color: colorBull, Color0: colorBear, BorderColor: colorBull, BorderColor0: colorBear}),
	}
	if marks := gapMarks(in, x); len(marks) > 0 {
		seriesOpts = append(seriesOpts,
			charts.WithMarkLineNameXAxisItemOpts(marks...),
			charts.WithMarkLineStyleOpts(opts.MarkLineStyle{
				Symbol: []string{"none", "none"},
				Label:  &opts.Label{Show: opts.Bool(true), Color: colorGap},
			}),
		)
	}
	k.SetXAxis(x)
	k.AddSeries("Price", data, seriesOpts...)

	if ema, ok := in.Columns[indicator.ColEMA]; ok {
		k.Overlap(overlayLine(x, "EMA", ema, colorEMA, len(in.Candles)))
	}
	return k
}

// gapMarks puts a vertical marker on the first candle after each interior gap.
func gapMarks(in Input, x []string) []opts.MarkLineNameXAxisItem {
	if in.Granularity.Duration <= 0 {
		return nil
	}
	index := make(map[int64]int, len(in.Candles))
	for i, c := range in.Candles {
		index[c.Millis()] = i
	}
	var out []opts.MarkLineNameXAxisItem
	for _, g := range market.FindGaps(in.Candles, in.Granularity) {
		i, ok := index[g.To.Add(in.Granularity.Duration).UnixMilli()]
		if !ok {
			continue
		}
		out = append(out, opts.MarkLineNameXAxisItem{Name: fmt.Sprintf("gap %d", g.Missing), XAxis: x[i]})
	}
	return out
}

func volumeChart(candles []market.Candle, x []string) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(panel("Volume", panelHeightPx, false)...)
	data := make([]opts.BarData, len(candles))
	for i, c := range candles {
		data[i] = opts.BarData{
			Value:     c.Volume,
			ItemStyle: &opts.ItemStyle{Color: upDown(c.Close >= c.Open), Opacity: opts.Float(0.6)},
		}
	}
	bar.SetXAxis(x)
	bar.AddSeries("Volume", data)
	return bar
}

func macdChart(in Input, x []string) *charts.Bar {
	hist, ok := in.Columns[indicator.ColMACDHist]
	if !ok {
		return nil
	}
	n := len(in.Candles)
	bar := charts.NewBar()
	bar.SetGlobalOptions(panel("MACD", panelHeightPx, true)...)
	data := make([]opts.BarData, n)
	for i := range data {
		if i >= len(hist) || math.IsNaN(hist[i]) {
			continue
		}
		data[i] = opts.BarData{Value: sig(hist[i]), ItemStyle: &opts.ItemStyle{Color: upDown(hist[i] >= 0)}}
	}
	bar.SetXAxis(x)
	bar.AddSeries("MACD Hist", data)
	bar.Overlap(
		overlayLine(x, "DIF", in.Columns[indicator.ColMACD], colorDIF, n),
		overlayLine(x, "DEA", in.Columns[indicator.ColMACDSignal], colorDEA, n),
	)
	return bar
}

func rsiChart(in Input, x []string) *charts.Line {
	rsi, ok := in.Columns[indicator.ColRSI]
	if !ok {
		return nil
	}
	line := charts.NewLine()
	line.SetGlobalOptions(panel("RSI", panelHeightPx, false)...)
	line.SetGlobalOptions(
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 100, AxisLabel: &opts.AxisLabel{Show: opts.Bool(true), Color: colorMuted}}),
	)
	line.SetXAxis(x)
	line.AddSeries("RSI", toLineData(rsi, len(in.Candles)),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorRSI, Width: 2}),
		charts.WithMarkLineNameYAxisItemOpts(
			opts.MarkLineNameYAxisItem{Name: "70", YAxis: 70},
			opts.MarkLineNameYAxisItem{Name: "30", YAxis: 30},
		),
	)
	return line
}

func overlayLine(x []string, name string, series []float64, color string, n int) *charts.Line {
	line := charts.NewLine()
	line.SetXAxis(x)
	line.AddSeries(name, toLineData(series, n),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
		charts.WithLineStyleOpts(opts.LineStyle{Color: color, Width: 2}),
	)
	return line
}

func xAxis(candles []market.Candle) []string {
	out := make([]string, len(candles))
	for i, c := range candles {
		out[i] = c.TimeString()
	}
	return out
}

func upDown(up bool) string {
	if up {
		return colorBull
	}
	return colorBear
}

// toLineData pads or cuts series to length; NaN becomes a hole in the line.
func toLineData(series []float64, length int) []opts.LineData {
	line := make([]opts.LineData, length)
	for i := range line {
		if i < len(series) && !math.IsNaN(series[i]) {
			line[i] = opts.LineData{Value: sig(series[i])}
		}
	}
	return line
}

// sig rounds to sigDigits significant digits so sub-cent instruments keep their shape.
func sig(val float64) float64 {
	if val == 0 || math.IsNaN(val) || math.IsInf(val, 0) {
		return val
	}
	scale := math.Pow10(sigDigits - 1 - int(math.Floor(math.Log10(math.Abs(val)))))
	return math.Round(val*scale) / scale
}

func priceBounds(candles []market.Candle) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, c := range candles {
		lo = math.Min(lo, c.Low)
		hi = math.Max(hi, c.High)
	}
	return lo, hi
}

package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"

	"klinevault/internal/analysis/indicator"
	"klinevault/internal/analysis/visual"
	"klinevault/internal/app"
	"klinevault/internal/market"
	"klinevault/internal/store"
	serieshttp "klinevault/internal/transport/http/series"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	exportFormat  string
	exportOut     string
	exportDerived bool
	exportTF      string
	exportLast    int
)

var exportCmd = &cobra.Command{
	Use:   "export <venue:instrument@granularity>",
	Short: "Export the full history of one series as CSV, JSON or an HTML chart",
	Long: `Read the persisted segment of a series and write it out. With --tf the history is
resampled to a coarser granularity before derived columns are computed.

Examples:
  klinevault export binance:btcusdt@15m --out btc_15m.csv
  klinevault export binance:btcusdt@15m --tf 4h --derived --format html --out btc_4h.html`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "csv", "output format: csv | json | html")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default stdout)")
	exportCmd.Flags().BoolVar(&exportDerived, "derived", false, "include derived indicator columns")
	exportCmd.Flags().StringVar(&exportTF, "tf", "", "resample to this granularity (multiple of the series granularity)")
	exportCmd.Flags().IntVar(&exportLast, "last", 0, "only export the newest N candles")
}

func runExport(cmd *cobra.Command, args []string) error {
	key, err := market.ParseSeriesKey(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	settings := app.IndicatorSettings(cfg.Indicators)
	st := store.NewCandleStore(key, app.StoreConfig(cfg, settings))
	frame, err := st.GetFullHistory(cmd.Context(), false)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	frame, err = shapeFrame(frame, exportTF, exportLast, exportDerived, settings)
	if err != nil {
		return err
	}

	if exportOut == "" {
		return writeFrame(cmd.OutOrStdout(), frame, exportFormat)
	}
	f, err := os.Create(exportOut)
	if err != nil {
		return err
	}
	if err := writeFrame(f, frame, exportFormat); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write %s: %w", exportOut, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "✓ %s: %d candles -> %s\n", frame.Key, len(frame.Candles), exportOut)
	return nil
}

func writeFrame(w io.Writer, frame store.Frame, format string) error {
	switch format {
	case "csv":
		return writeCSV(w, frame)
	case "json":
		return serieshttp.EncodeFrame(w, frame)
	case "html":
		return visual.Render(w, visual.Input{
			Title:       frame.Key.String(),
			Subtitle:    fmt.Sprintf("%d candles", len(frame.Candles)),
			Granularity: frame.Key.Granularity,
			Candles:     frame.Candles,
			Columns:     frame.Columns,
		})
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// shapeFrame resamples, derives and tails a full-history frame. Derived columns are computed
// over the whole history before tailing so the retained rows are warmed up.
func shapeFrame(frame store.Frame, tf string, last int, derived bool, settings indicator.Settings) (store.Frame, error) {
	if tf != "" {
		to, err := market.ParseGranularity(tf)
		if err != nil {
			return frame, err
		}
		base := frame.Key.Granularity
		if to.Duration < base.Duration || to.Duration%base.Duration != 0 {
			return frame, fmt.Errorf("tf %s is not a multiple of %s", to, base)
		}
		if to != base {
			frame.Candles = market.Resample(frame.Candles, to)
			frame.Key.Granularity = to
		}
	}
	frame.Columns = nil
	if derived {
		frame.Columns = indicator.Derive(frame.Candles, settings)
	}
	if last > 0 && last < len(frame.Candles) {
		frame.Candles = frame.Candles.Tail(last)
		frame.Columns = indicator.Trim(frame.Columns, last)
	}
	return frame, nil
}

func writeCSV(w io.Writer, frame store.Frame) error {
	cols := make([]string, 0, len(frame.Columns))
	for name := range frame.Columns {
		cols = append(cols, name)
	}
	sort.Strings(cols)

	cw := csv.NewWriter(w)
	header := append([]string{"timestamp", "time", "open", "high", "low", "close", "volume"}, cols...)
	if err := cw.Write(header); err != nil {
		return err
	}
	row := make([]string, len(header))
	for i, c := range frame.Candles {
		row[0] = strconv.FormatInt(c.Millis(), 10)
		row[1] = c.TimeString()
		row[2] = formatNumber(c.Open)
		row[3] = formatNumber(c.High)
		row[4] = formatNumber(c.Low)
		row[5] = formatNumber(c.Close)
		row[6] = formatNumber(c.Volume)
		for j, name := range cols {
			v := math.NaN()
			if series := frame.Columns[name]; i < len(series) {
				v = series[i]
			}
			row[7+j] = formatNumber(v)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// formatNumber prints the shortest exact decimal; NaN becomes an empty cell.
func formatNumber(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return decimal.NewFromFloat(v).String()
}

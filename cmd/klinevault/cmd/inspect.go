package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"klinevault/internal/analysis/indicator"
	"klinevault/internal/app"
	"klinevault/internal/catalog"
	"klinevault/internal/market"
	"klinevault/internal/segment"

	"github.com/spf13/cobra"
)

var inspectGaps int

var inspectCmd = &cobra.Command{
	Use:   "inspect [venue:instrument@granularity]",
	Short: "Show persisted segments, gaps, indicator state and catalog metadata",
	Long: `Without arguments, list every segment in the data directory. With a series, show
its header, coverage, interior gaps, latest derived indicator values and the catalog
manifest recorded by the last flush.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().IntVar(&inspectGaps, "gaps", 10, "maximum number of gaps to list")
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(args) == 0 {
		return listSegments(out, cfg.Storage.BaseDir)
	}
	key, err := market.ParseSeriesKey(args[0])
	if err != nil {
		return err
	}
	seg, err := segment.Read(segment.PathFor(cfg.Storage.BaseDir, key))
	if err != nil {
		return err
	}
	settings := app.IndicatorSettings(cfg.Indicators)
	describeSegment(out, key, seg, settings, inspectGaps)

	if _, err := os.Stat(cfg.Storage.CatalogPath); err != nil {
		return nil
	}
	cat, err := catalog.Open(cfg.Storage.CatalogPath)
	if err != nil {
		return err
	}
	defer cat.Close()
	m, ok, err := cat.Manifest(cmd.Context(), key)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(out, "catalog:   (no manifest)")
		return nil
	}
	fmt.Fprintf(out, "catalog:   rows=%d bytes=%d flushes=%d flush_errors=%d\n", m.Rows, m.Bytes, m.FlushCount, m.ErrorCount)
	if m.LastError != "" {
		fmt.Fprintf(out, "           last_error=%s\n", m.LastError)
	}
	quarantines, err := cat.Quarantines(cmd.Context(), 100)
	if err != nil {
		return err
	}
	for _, q := range quarantines {
		if q.Series == key.String() {
			fmt.Fprintf(out, "quarantine: %s -> %s\n", q.CreatedAt.UTC().Format("2006-01-02 15:04:05Z"), q.QuarantinedTo)
		}
	}
	jobs, err := cat.BackfillJobs(cmd.Context(), key.String(), 5)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		fmt.Fprintf(out, "backfill:  %s %s recovered=%d\n", j.StartedAt.UTC().Format("2006-01-02 15:04:05Z"), j.Outcome, j.Recovered)
	}
	return nil
}

func listSegments(out io.Writer, dir string) error {
	keys, err := segment.Scan(dir)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Fprintf(out, "no segments in %s\n", dir)
		return nil
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERIES\tROWS\tBYTES\tFIRST\tLAST")
	for _, key := range keys {
		seg, err := segment.Read(segment.PathFor(dir, key))
		if err != nil {
			fmt.Fprintf(tw, "%s\t-\t-\t%v\t\n", key, err)
			continue
		}
		first, last := "-", "-"
		cs := market.Candles(seg.Candles)
		if c, ok := cs.First(); ok {
			first = c.TimeString()
		}
		if c, ok := cs.Last(); ok {
			last = c.TimeString()
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", key, len(seg.Candles), seg.Size, first, last)
	}
	return tw.Flush()
}

func describeSegment(out io.Writer, key market.SeriesKey, seg segment.Segment, settings indicator.Settings, maxGaps int) {
	fmt.Fprintf(out, "series:    %s\n", key)
	fmt.Fprintf(out, "path:      %s\n", seg.Path)
	if !seg.Present {
		fmt.Fprintln(out, "segment:   (absent)")
		return
	}
	fmt.Fprintf(out, "header:    %s/%s/%s v%d\n", seg.Header.Venue, seg.Header.Instrument, seg.Header.Granularity, seg.Header.Version)
	fmt.Fprintf(out, "rows:      %d (%d bytes)\n", len(seg.Candles), seg.Size)

	cs := market.Candles(seg.Candles)
	first, ok := cs.First()
	if !ok {
		return
	}
	last, _ := cs.Last()
	expected := key.Granularity.ExpectedCandles(first.Timestamp, last.Timestamp)
	fmt.Fprintf(out, "coverage:  %s .. %s (%d/%d)\n", first.TimeString(), last.TimeString(), len(cs), expected)

	gaps := market.FindGaps(cs, key.Granularity)
	var missing int64
	for _, g := range gaps {
		missing += g.Missing
	}
	fmt.Fprintf(out, "gaps:      %d (%d missing)\n", len(gaps), missing)
	for i, g := range gaps {
		if i >= maxGaps {
			fmt.Fprintf(out, "           ... %d more\n", len(gaps)-maxGaps)
			break
		}
		fmt.Fprintf(out, "           %s .. %s (%d)\n", g.From.UTC().Format("2006-01-02 15:04Z"), g.To.UTC().Format("2006-01-02 15:04Z"), g.Missing)
	}

	summary := indicator.Summarize(indicator.Derive(cs, settings), last.Close, settings)
	names := make([]string, 0, len(summary))
	for name := range summary {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := summary[name]
		line := fmt.Sprintf("%-10s %.4f", name+":", v.Latest)
		if v.State != "" {
			line += " " + v.State
		}
		if v.Note != "" {
			line += " (" + v.Note + ")"
		}
		fmt.Fprintln(out, line)
	}
}

package cmd

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"klinevault/internal/app"
	"klinevault/internal/backfill"

	"github.com/spf13/cobra"
)

var backfillJSON bool

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Load every configured series and fill gaps once",
	Long: `Seed each configured series from its segment (or the source when no segment exists),
fetch the candles missing since the last stored bar and flush the result.

Example:
  klinevault backfill --json`,
	RunE: runBackfill,
}

func init() {
	rootCmd.AddCommand(backfillCmd)
	backfillCmd.Flags().BoolVar(&backfillJSON, "json", false, "print reports as JSON")
}

func runBackfill(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.NewApp(cfg, app.WithoutHTTP())
	if err != nil {
		return err
	}
	if err := a.Load(ctx); err != nil {
		_ = a.Close()
		return err
	}
	reps := a.Backfill(ctx)
	closeErr := a.Close()

	if backfillJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(reps); err != nil {
			return err
		}
	} else {
		printReports(cmd, reps)
	}
	if closeErr != nil {
		return closeErr
	}
	for _, rep := range reps {
		if rep.Outcome == backfill.OutcomeFailed {
			return fmt.Errorf("backfill failed for %s", rep.Series)
		}
	}
	return nil
}

func printReports(cmd *cobra.Command, reps []backfill.Report) {
	out := cmd.OutOrStdout()
	if len(reps) == 0 {
		fmt.Fprintln(out, "no series configured")
		return
	}
	for _, rep := range reps {
		line := fmt.Sprintf("%-28s %-10s requested=%d fetched=%d recovered=%d", rep.Series, rep.Outcome, rep.Requested, rep.Fetched, rep.Recovered)
		if !rep.NewLast.IsZero() {
			line += " last=" + rep.NewLast.UTC().Format("2006-01-02 15:04Z")
		}
		if rep.Error != "" {
			line += " err=" + rep.Error
		}
		fmt.Fprintln(out, line)
	}
}

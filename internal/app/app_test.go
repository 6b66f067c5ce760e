package app

import (
	"bytes"
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klinevault/internal/backfill"
	"klinevault/internal/catalog"
	"klinevault/internal/config"
	"klinevault/internal/gateway"
	"klinevault/internal/market"
	"klinevault/internal/segment"
)

// laggingFetcher serves hourly candles; the first call lags the latest close by lag bars.
type laggingFetcher struct {
	calls atomic.Int32
	lag   int
}

func (f *laggingFetcher) Fetch(_ context.Context, key market.SeriesKey, limit int) ([]market.Candle, error) {
	step := key.Granularity.Duration
	last := key.Granularity.AlignDown(time.Now()).Add(-step)
	if f.calls.Add(1) == 1 {
		last = last.Add(-time.Duration(f.lag) * step)
		limit = 10
	}
	out := make([]market.Candle, 0, limit)
	for i := limit - 1; i >= 0; i-- {
		out = append(out, market.Candle{
			Timestamp: last.Add(-time.Duration(i) * step),
			Open:      100, High: 101, Low: 99, Close: 100, Volume: 1,
		})
	}
	return out, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.App.HTTPAddr = ""
	cfg.Storage.BaseDir = filepath.Join(dir, "data")
	cfg.Storage.CatalogPath = filepath.Join(dir, "meta", "catalog.db")
	cfg.Storage.Aliases = map[string][]string{"bybit": {"mirror"}}
	cfg.Series = []config.SeriesConfig{{Venue: "bybit", Instrument: "BTC/USDT", Granularity: "1h"}}
	return cfg
}

func TestAppLoadBackfillClose(t *testing.T) {
	cfg := testConfig(t)
	fetcher := &laggingFetcher{lag: 3}
	app, err := NewApp(cfg, WithSources(func(*config.Config) (*gateway.Set, error) {
		set := gateway.NewSet()
		set.Register("bybit", fetcher)
		return set, nil
	}))
	require.NoError(t, err)
	assert.Empty(t, app.feeds)
	assert.Nil(t, app.httpSrv)

	ctx := context.Background()
	require.NoError(t, app.Load(ctx))
	key := market.MustSeriesKey("bybit", "btcusdt", "1h")
	st, ok := app.Registry().Lookup(key)
	require.True(t, ok)
	assert.Equal(t, 10, st.Count())

	reps := app.Backfill(ctx)
	require.Len(t, reps, 1)
	assert.Equal(t, backfill.OutcomeRecovered, reps[0].Outcome)
	assert.GreaterOrEqual(t, reps[0].Recovered, 3)

	jobs, err := app.Catalog().BackfillJobs(ctx, key.String(), 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	rows := st.Count()
	require.NoError(t, app.Close())
	require.NoError(t, app.Close())

	seg, err := segment.Read(segment.PathFor(cfg.Storage.BaseDir, key))
	require.NoError(t, err)
	assert.True(t, seg.Present)
	assert.Len(t, seg.Candles, rows)

	mirror, err := segment.Read(segment.PathFor(cfg.Storage.BaseDir, key.WithVenue("mirror")))
	require.NoError(t, err)
	assert.Len(t, mirror.Candles, rows)
}

func TestAppBuildFailsOnCatalog(t *testing.T) {
	cfg := testConfig(t)
	_, err := NewApp(cfg,
		WithSources(func(*config.Config) (*gateway.Set, error) { return gateway.NewSet(), nil }),
		WithCatalogOpener(func(string) (*catalog.Catalog, error) { return nil, assert.AnError }),
	)
	require.ErrorIs(t, err, assert.AnError)
}

func TestAppRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.App.HTTPAddr = "127.0.0.1:0"
	app, err := NewApp(cfg, WithSources(func(*config.Config) (*gateway.Set, error) {
		set := gateway.NewSet()
		set.Register("bybit", &laggingFetcher{})
		return set, nil
	}))
	require.NoError(t, err)
	var out bytes.Buffer
	prev := stdout
	stdout = &out
	t.Cleanup(func() { stdout = prev })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}
	assert.Contains(t, out.String(), "bybit:btcusdt@1h")
	assert.Contains(t, out.String(), "STARTUP SUMMARY")
}

func TestSummaryFprint(t *testing.T) {
	s := &StartupSummary{
		Storage: StorageSummary{BaseDir: "data", WorkingSet: 1000, FlushEvery: 1, Aliases: map[string][]string{"binance": {"mirror"}}},
		Sources: []SourceSummary{{Name: "binance", Kind: "binance", Stream: true}},
	}
	var buf bytes.Buffer
	s.Fprint(&buf)
	text := buf.String()
	assert.Contains(t, text, "binance -> mirror")
	assert.Contains(t, text, "rest+ws")
	assert.Contains(t, text, "(无配置)")
	assert.Contains(t, text, "[HTTP] -")
}

package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klinevault/internal/backfill"
	"klinevault/internal/market"
	"klinevault/internal/segment"
	"klinevault/internal/store"
)

var key = market.MustSeriesKey("bybit", "btcusdt", "15m")

func openTest(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRecordFlushUpserts(t *testing.T) {
	c := openTest(t)
	ctx := context.Background()
	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	info := store.FlushInfo{Path: "/data/bybit_btcusdt_15m.kseg", Rows: 10, Bytes: 512, First: first, Last: first.Add(9 * 15 * time.Minute)}
	require.NoError(t, c.RecordFlush(ctx, key, info))
	info.Rows = 12
	info.Last = first.Add(11 * 15 * time.Minute)
	require.NoError(t, c.RecordFlush(ctx, key, info))

	row, ok, err := c.Manifest(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(12), row.Rows)
	assert.Equal(t, int64(2), row.FlushCount)
	assert.Equal(t, first.UnixMilli(), row.MinTime)
	assert.Equal(t, info.Path, row.Path)

	require.NoError(t, c.RecordFlushError(ctx, key, errors.New("disk full")))
	row, _, err = c.Manifest(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "disk full", row.LastError)
	assert.Equal(t, int64(1), row.ErrorCount)
	assert.Equal(t, int64(12), row.Rows)

	rows, err := c.Series(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	_, ok, err = c.Manifest(ctx, market.MustSeriesKey("bybit", "ethusdt", "1h"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQuarantineLog(t *testing.T) {
	c := openTest(t)
	ce := &segment.CorruptError{Path: "/d/x.kseg", QuarantinedTo: "/d/x.kseg.corrupt-1", Err: errors.New("bad magic")}
	c.Observer().OnQuarantine(key, ce)

	rows, err := c.Quarantines(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, key.String(), rows[0].Series)
	assert.Equal(t, ce.QuarantinedTo, rows[0].QuarantinedTo)
	var details map[string]string
	require.NoError(t, json.Unmarshal(rows[0].Details, &details))
	assert.Equal(t, "bad magic", details["cause"])
}

func TestRecordBackfill(t *testing.T) {
	c := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()
	rep := backfill.Report{
		JobID: "job-1", Series: key.String(), Outcome: backfill.OutcomeRecovered,
		Requested: 7, Fetched: 7, Recovered: 5, StartedAt: now, FinishedAt: now,
	}
	require.NoError(t, c.RecordBackfill(ctx, rep))
	rep.Recovered = 6
	require.NoError(t, c.RecordBackfill(ctx, rep))
	require.NoError(t, c.RecordBackfill(ctx, backfill.Report{JobID: "job-2", Series: "other", StartedAt: now.Add(time.Second)}))

	jobs, err := c.BackfillJobs(ctx, key.String(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 6, jobs[0].Recovered)

	all, err := c.BackfillJobs(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestObserverWiredToStore(t *testing.T) {
	c := openTest(t)
	st := store.NewCandleStore(key, store.Config{BaseDir: t.TempDir()}, store.WithObserver(c.Observer()))
	require.NoError(t, st.Append(market.Candle{Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Open: 1, High: 1, Low: 1, Close: 1}))

	row, ok, err := c.Manifest(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), row.Rows)
	assert.Equal(t, st.Path(), row.Path)
}

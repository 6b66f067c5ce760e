package segment

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klinevault/internal/market"
)

var testKey = market.MustSeriesKey("bybit", "BTC/USDT", "15m")

func sampleCandles(n int) []market.Candle {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, n)
	for i := range out {
		p := 100 + float64(i)
		out[i] = market.Candle{
			Timestamp: start.Add(time.Duration(i) * 15 * time.Minute),
			Open:      p, High: p + 2, Low: p - 2, Close: p + 1, Volume: float64(i),
		}
	}
	return out
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := PathFor(dir, testKey)
	in := sampleCandles(96)

	require.NoError(t, Write(path, testKey, in))
	seg, err := Read(path)
	require.NoError(t, err)
	require.True(t, seg.Present)
	assert.Equal(t, "bybit", seg.Header.Venue)
	assert.Equal(t, "btcusdt", seg.Header.Instrument)
	assert.Equal(t, "15m", seg.Header.Granularity)
	require.Len(t, seg.Candles, 96)
	assert.Equal(t, in[95], seg.Candles[95])
	assert.Equal(t, time.UTC, seg.Candles[0].Timestamp.Location())
}

func TestReadAbsent(t *testing.T) {
	seg, err := Read(filepath.Join(t.TempDir(), "missing.kseg"))
	require.NoError(t, err)
	assert.False(t, seg.Present)
	assert.Empty(t, seg.Candles)
}

func TestReadCorruptIsQuarantined(t *testing.T) {
	dir := t.TempDir()
	path := PathFor(dir, testKey)
	require.NoError(t, os.WriteFile(path, []byte("definitely not zstd"), 0o644))

	_, err := Read(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupt))
	var ce *CorruptError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, path, ce.Path)
	assert.FileExists(t, ce.QuarantinedTo)
	assert.NoFileExists(t, path)

	// quarantined file no longer blocks the series
	seg, err := Read(path)
	require.NoError(t, err)
	assert.False(t, seg.Present)
}

func TestDecodeRejectsTruncatedData(t *testing.T) {
	data, err := Encode(testKey, sampleCandles(3))
	require.NoError(t, err)
	_, _, err = Decode(data[:len(data)/2])
	assert.Error(t, err)
}

func TestStaleTempIgnoredAndCleaned(t *testing.T) {
	dir := t.TempDir()
	path := PathFor(dir, testKey)
	require.NoError(t, Write(path, testKey, sampleCandles(10)))

	// simulated crash: a partial temp next to the committed file
	stale := filepath.Join(dir, "."+testKey.FileName()+tmpMarker+"crashed")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o644))

	seg, err := Read(path)
	require.NoError(t, err)
	assert.Len(t, seg.Candles, 10)

	keys, err := Scan(dir)
	require.NoError(t, err)
	assert.Equal(t, []market.SeriesKey{testKey}, keys)

	removed, err := CleanupTemps(dir, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, path)
}

func TestWriteReplacesWholesale(t *testing.T) {
	path := PathFor(t.TempDir(), testKey)
	require.NoError(t, Write(path, testKey, sampleCandles(50)))
	require.NoError(t, Write(path, testKey, sampleCandles(5)))
	seg, err := Read(path)
	require.NoError(t, err)
	assert.Len(t, seg.Candles, 5)
}

func TestParseFileName(t *testing.T) {
	key, err := ParseFileName("/x/bybit_btcusdt_15m.kseg")
	require.NoError(t, err)
	assert.Equal(t, testKey, key)

	_, err = ParseFileName("bybit_btcusdt_15m.kseg.corrupt-20240101T000000.000Z")
	assert.Error(t, err)
	_, err = ParseFileName("a_b.kseg")
	assert.Error(t, err)
}

func TestReplicatorWritesAliases(t *testing.T) {
	dir := t.TempDir()
	key := market.MustSeriesKey("bithumb", "BTC-KRW", "1h")
	r := NewReplicator(dir, map[string][]string{"Bithumb": {"upbit", "bithumb", "UPBIT"}})

	targets := r.Targets(key)
	require.Len(t, targets, 1)
	assert.Equal(t, "upbit", targets[0].Venue)
	assert.Nil(t, r.Targets(testKey))

	data, err := Encode(key, sampleCandles(4))
	require.NoError(t, err)
	require.NoError(t, WriteFile(PathFor(dir, key), data))
	assert.Equal(t, 0, r.Replicate(key, data))

	seg, err := Read(PathFor(dir, targets[0]))
	require.NoError(t, err)
	assert.Len(t, seg.Candles, 4)
}

func TestReplicatorReportsFailure(t *testing.T) {
	dir := t.TempDir()
	// a regular file where the alias directory would need to be
	blocker := filepath.Join(dir, "blocked")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	key := market.MustSeriesKey("bithumb", "BTC-KRW", "1h")
	r := NewReplicator(blocker, map[string][]string{"bithumb": {"upbit"}})

	var calls int
	r.OnFailure = func(primary, alias market.SeriesKey, err error) {
		calls++
		assert.ErrorIs(t, err, ErrTransientIO)
	}
	assert.Equal(t, 1, r.Replicate(key, []byte("x")))
	assert.Equal(t, 1, calls)
}

package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klinevault/internal/backfill"
	"klinevault/internal/market"
	"klinevault/internal/store"
)

var key = market.MustSeriesKey("bybit", "btcusdt", "15m")

func TestObserverCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.OnFlush(key, store.FlushInfo{Rows: 96, Bytes: 2048, Duration: 3 * time.Millisecond})
	m.OnFlush(key, store.FlushInfo{Rows: 97, Bytes: 2050})
	m.OnFlushError(key, nil)
	m.ObserveBackfill(backfill.Report{Series: key.String(), Outcome: backfill.OutcomeRecovered, Recovered: 5})
	m.OnReplicaFailure(key, key.WithVenue("upbit"), nil)

	s := key.String()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FlushTotal.WithLabelValues(s)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FlushErrors.WithLabelValues(s)))
	assert.Equal(t, 97.0, testutil.ToFloat64(m.SegmentRows.WithLabelValues(s)))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.RecoveredCandles.WithLabelValues(s)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReplicaFailures.WithLabelValues(s, "upbit")))
}

func TestRegistryCollector(t *testing.T) {
	reg := store.NewRegistry(store.Config{BaseDir: t.TempDir(), FlushEvery: 10})
	st := reg.Get(key)
	_, err := st.AppendBatch([]market.Candle{{Timestamp: time.Unix(1700000000, 0), Open: 1, High: 1, Low: 1, Close: 1}})
	require.NoError(t, err)

	c := NewRegistryCollector(reg)
	expected := `
# HELP klinevault_pending_candles Accepted candles not yet persisted
# TYPE klinevault_pending_candles gauge
klinevault_pending_candles{series="bybit:btcusdt@15m"} 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "klinevault_pending_candles"))
	assert.Equal(t, 3, testutil.CollectAndCount(c))
}

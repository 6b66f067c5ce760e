package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"klinevault/internal/market"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func klineRow(openMs int64, step time.Duration, close float64) string {
	closeMs := openMs + step.Milliseconds() - 1
	return fmt.Sprintf(`[%d,"%g","%g","%g","%g","12.5",%d,"100",7,"1","1","0"]`,
		openMs, close, close+1, close-1, close, closeMs)
}

func TestFetchDropsUnclosedKline(t *testing.T) {
	step := 15 * time.Minute
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var gotQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.RawQuery)
		require.Equal(t, "/fapi/v1/klines", r.URL.Path)
		rows := make([]string, 0, 4)
		for i := 0; i < 4; i++ {
			rows = append(rows, klineRow(base.Add(time.Duration(i)*step).UnixMilli(), step, float64(100+i)))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("[" + strings.Join(rows, ",") + "]"))
	}))
	defer srv.Close()

	src, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	// 当前处于第 4 根 K 线内部
	src.now = func() time.Time { return base.Add(3*step + time.Minute) }

	key := market.MustSeriesKey("binance", "BTC/USDT", "15m")
	out, err := src.Fetch(context.Background(), key, 3)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, base, out[0].Timestamp)
	assert.Equal(t, 102.0, out[2].Close)
	assert.Equal(t, 12.5, out[2].Volume)

	q, _ := gotQuery.Load().(string)
	assert.Contains(t, q, "symbol=BTCUSDT")
	assert.Contains(t, q, "interval=15m")
	assert.Contains(t, q, "limit=4")
}

func TestFetchPropagatesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	src, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = src.Fetch(context.Background(), market.MustSeriesKey("binance", "nopeusdt", "1h"), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binance:nopeusdt@1h")
}

func TestConvertKlineEvent(t *testing.T) {
	key := market.MustSeriesKey("binance", "ETH-USDT", "1m")
	routes := buildRoutes([]market.SeriesKey{key})
	require.Len(t, routes, 1)

	ev := &futures.WsKlineEvent{Symbol: "ETHUSDT"}
	ev.Kline.Interval = "1m"
	ev.Kline.StartTime = 1704067200000
	ev.Kline.Open, ev.Kline.High, ev.Kline.Low, ev.Kline.Close = "1", "2", "0.5", "1.5"
	ev.Kline.Volume = "3"
	ev.Kline.IsFinal = true

	ce, ok := convertKlineEvent(ev, routes)
	require.True(t, ok)
	assert.Equal(t, key, ce.Key)
	assert.True(t, ce.Final)
	assert.Equal(t, 1.5, ce.Candle.Close)
	assert.Equal(t, int64(1704067200000), ce.Candle.Millis())

	ev.Kline.Interval = "5m"
	_, ok = convertKlineEvent(ev, routes)
	assert.False(t, ok, "unsubscribed interval must be ignored")
	_, ok = convertKlineEvent(nil, routes)
	assert.False(t, ok)
}

func TestFetchSkipsMalformedRows(t *testing.T) {
	step := time.Hour
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		good := klineRow(base.UnixMilli(), step, 100)
		bad := fmt.Sprintf(`[%d,"x","1","1","1","1",%d,"1",1,"1","1","0"]`,
			base.Add(step).UnixMilli(), base.Add(2*step).UnixMilli()-1)
		_, _ = w.Write([]byte("[" + good + "," + bad + "]"))
	}))
	defer srv.Close()

	src, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	src.now = func() time.Time { return base.Add(5 * step) }
	out, err := src.Fetch(context.Background(), market.MustSeriesKey("binance", "btcusdt", "1h"), 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, base, out[0].Timestamp)
}

func TestReconnectBackoffIsBounded(t *testing.T) {
	b := newReconnectBackoff()
	for i := 0; i < 20; i++ {
		d := b.NextBackOff()
		require.Greater(t, d, time.Duration(0), "backoff must never stop")
		assert.LessOrEqual(t, d, reconnectMax+reconnectMax/5)
	}
	b.Reset()
	assert.LessOrEqual(t, b.NextBackOff(), reconnectInitial+reconnectInitial/5)
}

func TestConfigNormalized(t *testing.T) {
	cfg := Config{BaseURL: " https://example.com/ "}.normalized()
	assert.Equal(t, "binance", cfg.Venue)
	assert.Equal(t, "https://example.com", cfg.BaseURL)
	assert.Equal(t, defaultTimeout, cfg.Timeout)

	_, err := New(Config{ProxyURL: "://bad"})
	assert.Error(t, err)
}

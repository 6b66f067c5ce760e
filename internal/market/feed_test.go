package market

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanSubscriber struct {
	ch     chan CandleEvent
	opts   SubscribeOptions
	closed bool
}

func (s *chanSubscriber) Subscribe(_ context.Context, _ []SeriesKey, opts SubscribeOptions) (<-chan CandleEvent, error) {
	s.opts = opts
	return s.ch, nil
}

func (s *chanSubscriber) Stats() SourceStats { return SourceStats{Reconnects: 2} }

func (s *chanSubscriber) Close() error {
	s.closed = true
	return nil
}

type sliceSink struct {
	mu     sync.Mutex
	events []CandleEvent
	fail   bool
}

func (s *sliceSink) AppendEvent(_ context.Context, evt CandleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	if s.fail {
		return errors.New("sink down")
	}
	return nil
}

func runFeed(t *testing.T, ctx context.Context, f *Feed) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	return done
}

func TestFeedStoresFinalCandlesOnly(t *testing.T) {
	key := MustSeriesKey("binance", "BTC/USDT", "1m")
	sub := &chanSubscriber{ch: make(chan CandleEvent, 4)}
	sink := &sliceSink{}
	connected := make(chan struct{}, 1)
	f := NewFeed("binance", []SeriesKey{key}, sink, sub,
		WithConnectionHooks(func() { connected <- struct{}{} }, nil),
		WithStreamBuffer(8),
	)

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sub.ch <- CandleEvent{Key: key, Candle: Candle{Timestamp: ts, Open: 1, High: 1, Low: 1, Close: 1}}
	sub.ch <- CandleEvent{Key: key, Candle: Candle{Timestamp: ts, Open: 1, High: 2, Low: 1, Close: 2}, Final: true}
	close(sub.ch)

	select {
	case err := <-runFeed(t, context.Background(), f):
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not stop after channel close")
	}
	assert.Equal(t, 8, sub.opts.Buffer)
	require.NotNil(t, sub.opts.OnConnect)
	sub.opts.OnConnect()
	assert.Len(t, connected, 1)

	require.Len(t, sink.events, 1)
	assert.Equal(t, 2.0, sink.events[0].Candle.High)
	assert.Equal(t, FeedCounters{Received: 2, Stored: 1}, f.Counters())
	assert.Equal(t, 2, f.SourceStats().Reconnects)
	assert.True(t, sub.closed)
}

func TestFeedCountsSinkErrors(t *testing.T) {
	key := MustSeriesKey("binance", "btcusdt", "1m")
	sub := &chanSubscriber{ch: make(chan CandleEvent, 2)}
	f := NewFeed("binance", []SeriesKey{key}, &sliceSink{fail: true}, sub)
	sub.ch <- CandleEvent{Key: key, Candle: Candle{Timestamp: time.Unix(0, 0), Open: 1, High: 1, Low: 1, Close: 1}, Final: true}
	close(sub.ch)

	require.NoError(t, <-runFeed(t, context.Background(), f))
	assert.Equal(t, FeedCounters{Received: 1, Rejected: 1}, f.Counters())
}

func TestFeedStopsOnCancel(t *testing.T) {
	sub := &chanSubscriber{ch: make(chan CandleEvent)}
	f := NewFeed("binance", []SeriesKey{MustSeriesKey("binance", "ethusdt", "5m")}, &sliceSink{}, sub)
	ctx, cancel := context.WithCancel(context.Background())
	done := runFeed(t, ctx, f)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("feed ignored cancellation")
	}
	assert.True(t, sub.closed)
}

func TestFeedValidation(t *testing.T) {
	key := MustSeriesKey("binance", "btcusdt", "1m")
	sub := &chanSubscriber{ch: make(chan CandleEvent)}
	ctx := context.Background()

	assert.Error(t, NewFeed("binance", []SeriesKey{key}, nil, sub).Run(ctx))
	assert.Error(t, NewFeed("binance", []SeriesKey{key}, &sliceSink{}, nil).Run(ctx))
	assert.Error(t, NewFeed("binance", nil, &sliceSink{}, sub).Run(ctx))
	assert.Equal(t, SourceStats{}, NewFeed("binance", nil, &sliceSink{}, nil).SourceStats())
}

package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"klinevault/internal/backfill"
	"klinevault/internal/market"
	"klinevault/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeClock advances only when the test says so; after fires immediately.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func immediate(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

func TestNextSlot(t *testing.T) {
	s := NewAlignedScheduler("t", 15*time.Minute, 10*time.Second)

	sl := s.next(day0.Add(7 * time.Minute))
	assert.Equal(t, day0.Add(15*time.Minute), sl.close)
	assert.Equal(t, day0.Add(15*time.Minute+10*time.Second), sl.wake)

	// 收盘后 offset 窗口内仍指向刚收盘的那根
	sl = s.next(day0.Add(15*time.Minute + 3*time.Second))
	assert.Equal(t, day0.Add(15*time.Minute), sl.close)
	assert.Equal(t, 7*time.Second, sl.wake.Sub(day0.Add(15*time.Minute+3*time.Second)))

	sl = s.next(day0.Add(15*time.Minute + 10*time.Second))
	assert.Equal(t, day0.Add(30*time.Minute), sl.close)
}

func TestAlignedSchedulerRunsOncePerClose(t *testing.T) {
	clk := &fakeClock{now: day0.Add(time.Minute)}
	s := NewAlignedScheduler("t", 15*time.Minute, 5*time.Second)
	s.nowFn = clk.Now
	s.after = immediate

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var closes []time.Time
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx, func(_ context.Context, closeAt time.Time) {
			closes = append(closes, closeAt)
			clk.Set(closeAt.Add(5 * time.Second))
			if len(closes) == 3 {
				cancel()
			}
		})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	require.Len(t, closes, 3)
	assert.Equal(t, day0.Add(15*time.Minute), closes[0])
	assert.Equal(t, day0.Add(30*time.Minute), closes[1])
	assert.Equal(t, day0.Add(45*time.Minute), closes[2])
}

func TestAlignedSchedulerRejectsBadSettings(t *testing.T) {
	called := false
	task := func(context.Context, time.Time) { called = true }

	require.Error(t, NewAlignedScheduler("bad", 0, 0).Run(context.Background(), task))
	err := NewAlignedScheduler("late", time.Minute, time.Minute).Run(context.Background(), task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shorter than interval")
	require.Error(t, NewAlignedScheduler("nil", time.Minute, 0).Run(context.Background(), nil))
	assert.False(t, called)
}

func bars(g market.Granularity, from, to int) []market.Candle {
	out := make([]market.Candle, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, market.Candle{
			Timestamp: day0.Add(time.Duration(i) * g.Duration),
			Open:      100, High: 101, Low: 99, Close: float64(100 + i), Volume: 1,
		})
	}
	return out
}

func TestGapFillRunnerFillsMatchingGranularity(t *testing.T) {
	reg := store.NewRegistry(store.Config{BaseDir: t.TempDir()})
	k15 := market.MustSeriesKey("bybit", "btcusdt", "15m")
	k1h := market.MustSeriesKey("bybit", "btcusdt", "1h")
	_, err := reg.Get(k15).AppendBatch(bars(k15.Granularity, 0, 4))
	require.NoError(t, err)
	_, err = reg.Get(k1h).AppendBatch(bars(k1h.Granularity, 0, 2))
	require.NoError(t, err)

	var calls atomic.Int32
	fetcher := market.FetchFunc(func(_ context.Context, key market.SeriesKey, limit int) ([]market.Candle, error) {
		calls.Add(1)
		assert.Equal(t, k15, key)
		return bars(key.Granularity, 2, 8), nil
	})
	now := day0.Add(8 * 15 * time.Minute)
	filler := backfill.New(fetcher, backfill.Config{}, backfill.WithClock(func() time.Time { return now }))

	runner := NewGapFillRunner(filler, reg, []market.SeriesKey{k15, k1h, k15}, 0)
	require.Len(t, runner.Granularities(), 2)
	var got []backfill.Report
	runner.OnReports = func(_ market.Granularity, reps []backfill.Report) { got = reps }

	reps := runner.RunOnce(context.Background(), k15.Granularity)
	require.Len(t, reps, 1)
	assert.Equal(t, backfill.OutcomeRecovered, reps[0].Outcome)
	assert.Equal(t, 4, reps[0].Recovered)
	assert.Equal(t, reps, got)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, 8, reg.Get(k15).Count())
}

type countingFlusher struct{ n atomic.Int32 }

func (f *countingFlusher) FlushAll(context.Context) error {
	f.n.Add(1)
	return nil
}

func TestFlushJob(t *testing.T) {
	_, err := NewFlushJob("not a spec", &countingFlusher{}, 0)
	require.Error(t, err)

	f := &countingFlusher{}
	job, err := NewFlushJob("@every 1s", f, time.Second)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- job.Run(ctx) }()

	require.Eventually(t, func() bool { return f.n.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("flush job did not stop")
	}
}

package backfill

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"klinevault/internal/market"
	"klinevault/internal/store"
)

var (
	key   = market.MustSeriesKey("bybit", "btcusdt", "15m")
	start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

func bars(from, to int) []market.Candle {
	out := make([]market.Candle, 0, to-from)
	for i := from; i < to; i++ {
		p := 100 + float64(i)
		out = append(out, market.Candle{
			Timestamp: start.Add(time.Duration(i) * 15 * time.Minute),
			Open:      p, High: p + 1, Low: p - 1, Close: p, Volume: 1,
		})
	}
	return out
}

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) Fetch(ctx context.Context, k market.SeriesKey, limit int) ([]market.Candle, error) {
	args := m.Called(ctx, k, limit)
	if v := args.Get(0); v != nil {
		return v.([]market.Candle), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) RecordBackfill(ctx context.Context, rep Report) error {
	return m.Called(ctx, rep).Error(0)
}

func seededStore(t *testing.T, n int) *store.CandleStore {
	t.Helper()
	st := store.NewCandleStore(key, store.Config{BaseDir: t.TempDir()})
	_, err := st.AppendBatch(bars(0, n))
	require.NoError(t, err)
	return st
}

func fixedClock(ts time.Time) Option {
	return WithClock(func() time.Time { return ts })
}

func TestRequired(t *testing.T) {
	g := market.MustGranularity("15m")
	last := start
	assert.Equal(t, 0, Required(last, last.Add(14*time.Minute), g, 1000))
	assert.Equal(t, 2, Required(last, last.Add(15*time.Minute), g, 1000))
	assert.Equal(t, 7, Required(last, last.Add(82*time.Minute), g, 1000))
	assert.Equal(t, 1000, Required(last, last.Add(365*24*time.Hour), g, 1000))
	assert.Equal(t, 0, Required(time.Time{}, last, g, 1000))
}

func TestFillRecoversGap(t *testing.T) {
	st := seededStore(t, 10)
	now := bars(9, 10)[0].Timestamp.Add(82 * time.Minute)

	f := &mockFetcher{}
	f.On("Fetch", mock.Anything, key, 7).Return(bars(8, 15), nil).Once()
	rec := &mockRecorder{}
	rec.On("RecordBackfill", mock.Anything, mock.MatchedBy(func(r Report) bool {
		return r.Recovered == 5 && r.Outcome == OutcomeRecovered
	})).Return(nil).Once()

	var hooked []Report
	filler := New(f, Config{}, fixedClock(now), WithRecorder(rec), WithReportHook(func(r Report) { hooked = append(hooked, r) }))
	rep := filler.Fill(context.Background(), st)

	assert.Equal(t, OutcomeRecovered, rep.Outcome)
	assert.Equal(t, 7, rep.Requested)
	assert.Equal(t, 7, rep.Fetched)
	assert.Equal(t, 5, rep.Recovered)
	assert.NotEmpty(t, rep.JobID)
	assert.Equal(t, bars(14, 15)[0].Timestamp, rep.NewLast)
	assert.Equal(t, StateIdle, filler.State(key))
	require.Len(t, hooked, 1)

	full, err := st.GetFullHistory(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, full.Candles, 15)
	assert.Empty(t, market.FindGaps(full.Candles, key.Granularity))
	f.AssertExpectations(t)
	rec.AssertExpectations(t)
}

func TestFillFailureRecoversNothing(t *testing.T) {
	st := seededStore(t, 4)
	now := start.Add(24 * time.Hour)
	f := &mockFetcher{}
	f.On("Fetch", mock.Anything, key, mock.Anything).Return(nil, errors.New("502 bad gateway"))

	filler := New(f, Config{Retries: 2, RetryInterval: time.Millisecond}, fixedClock(now))
	rep := filler.Fill(context.Background(), st)
	assert.Equal(t, OutcomeFailed, rep.Outcome)
	assert.Zero(t, rep.Recovered)
	assert.Contains(t, rep.Error, "502")
	f.AssertNumberOfCalls(t, "Fetch", 3)
	assert.Equal(t, 4, st.Count())
}

func TestFillEmptyResult(t *testing.T) {
	st := seededStore(t, 4)
	f := &mockFetcher{}
	f.On("Fetch", mock.Anything, key, mock.Anything).Return([]market.Candle{}, nil)

	rep := New(f, Config{}, fixedClock(start.Add(6*time.Hour))).Fill(context.Background(), st)
	assert.Equal(t, OutcomeEmpty, rep.Outcome)
	assert.Zero(t, rep.Recovered)
}

func TestFillTimeout(t *testing.T) {
	st := seededStore(t, 4)
	slow := market.FetchFunc(func(ctx context.Context, _ market.SeriesKey, _ int) ([]market.Candle, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	filler := New(slow, Config{FetchTimeout: 20 * time.Millisecond}, fixedClock(start.Add(6*time.Hour)))
	rep := filler.Fill(context.Background(), st)
	assert.Equal(t, OutcomeFailed, rep.Outcome)
	assert.Zero(t, rep.Recovered)
	assert.Equal(t, 4, st.Count())
}

func TestFillWithoutPriorDataIsSkipped(t *testing.T) {
	st := store.NewCandleStore(key, store.Config{BaseDir: t.TempDir()})
	f := &mockFetcher{}
	rep := New(f, Config{}).Fill(context.Background(), st)
	assert.True(t, rep.Skipped)
	assert.Equal(t, OutcomeSkipped, rep.Outcome)
	f.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything, mock.Anything)
}

func TestFillUpToDate(t *testing.T) {
	st := seededStore(t, 4)
	last := bars(3, 4)[0].Timestamp
	f := &mockFetcher{}
	rep := New(f, Config{}, fixedClock(last.Add(10*time.Minute))).Fill(context.Background(), st)
	assert.Equal(t, OutcomeUpToDate, rep.Outcome)
	f.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything, mock.Anything)
}

func TestFillStopsWhenBreakerOpen(t *testing.T) {
	st := seededStore(t, 4)
	f := &mockFetcher{}
	f.On("Fetch", mock.Anything, key, mock.Anything).Return(nil, errors.New("down"))
	filler := New(f, Config{BreakerThreshold: 1, BreakerCooldown: time.Hour}, fixedClock(start.Add(6*time.Hour)))

	first := filler.Fill(context.Background(), st)
	assert.Equal(t, OutcomeFailed, first.Outcome)
	second := filler.Fill(context.Background(), st)
	assert.Equal(t, OutcomeFailed, second.Outcome)
	assert.Contains(t, second.Error, "circuit breaker open")
	f.AssertNumberOfCalls(t, "Fetch", 1)
}

func TestBreakerIsPerVenue(t *testing.T) {
	down := seededStore(t, 4)
	otherKey := market.MustSeriesKey("binance", "btcusdt", "15m")
	up := store.NewCandleStore(otherKey, store.Config{BaseDir: t.TempDir()})
	_, err := up.AppendBatch(bars(0, 4))
	require.NoError(t, err)

	f := &mockFetcher{}
	f.On("Fetch", mock.Anything, key, mock.Anything).Return(nil, errors.New("down"))
	f.On("Fetch", mock.Anything, otherKey, mock.Anything).Return(bars(3, 6), nil)
	filler := New(f, Config{BreakerThreshold: 1, BreakerCooldown: time.Hour}, fixedClock(start.Add(75*time.Minute)))

	assert.Equal(t, OutcomeFailed, filler.Fill(context.Background(), down).Outcome)
	rep := filler.Fill(context.Background(), up)
	assert.Equal(t, OutcomeRecovered, rep.Outcome)
	assert.Equal(t, 2, rep.Recovered)

	states := filler.Breakers().States()
	assert.Equal(t, "open", states["bybit"].String())
	assert.Equal(t, "closed", states["binance"].String())
}

func TestFillAll(t *testing.T) {
	a := seededStore(t, 4)
	b := store.NewCandleStore(market.MustSeriesKey("bybit", "ethusdt", "15m"), store.Config{BaseDir: t.TempDir()})
	f := &mockFetcher{}
	f.On("Fetch", mock.Anything, key, mock.Anything).Return(bars(3, 6), nil)

	reports := New(f, Config{}, fixedClock(start.Add(75*time.Minute))).FillAll(context.Background(), []Target{a, b})
	require.Len(t, reports, 2)
	assert.Equal(t, 2, reports[0].Recovered)
	assert.True(t, reports[1].Skipped)
}

package market

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	cases := []struct {
		name string
		in   any
	}{
		{"int64 millis", want.UnixMilli()},
		{"float millis", float64(want.UnixMilli())},
		{"numeric string", "1709296200000"},
		{"rfc3339", "2024-03-01T12:30:00Z"},
		{"rfc3339 offset", "2024-03-01T20:30:00+08:00"},
		{"naive", "2024-03-01 12:30:00"},
		{"time", want.In(time.FixedZone("x", 3600))},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseTimestamp(tc.in)
			require.NoError(t, err)
			assert.True(t, want.Equal(got))
			assert.Equal(t, time.UTC, got.Location())
		})
	}

	_, err := ParseTimestamp("yesterday")
	assert.Error(t, err)
	_, err = ParseTimestamp(struct{}{})
	assert.Error(t, err)
}

func TestCanonicalTruncatesToMillis(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 1_500_000, time.FixedZone("cst", 8*3600))
	got := Canonical(ts)
	assert.Equal(t, time.UTC, got.Location())
	assert.Equal(t, 1_000_000, got.Nanosecond())
	assert.True(t, Canonical(time.Time{}).IsZero())
}

func TestCandleFromRecord(t *testing.T) {
	c, err := CandleFromRecord(map[string]any{
		"ts": "2024-01-01 00:15:00", "open": 1.0, "high": "2.5", "low": 0.5, "close": 2, "volume": int64(10),
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 15, 0, 0, time.UTC), c.Timestamp)
	assert.Equal(t, 2.5, c.High)
	assert.Equal(t, 2.0, c.Close)
	assert.Equal(t, 10.0, c.Volume)

	_, err = CandleFromRecord(map[string]any{"ts": 1, "open": 1.0, "high": 1.0, "low": 1.0, "close": 1.0})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingField))
	var fe *FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "volume", fe.Field)

	_, err = CandleFromRecord(map[string]any{"open": 1.0})
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "timestamp", fe.Field)
}

func TestValidate(t *testing.T) {
	ok := Candle{Timestamp: time.Unix(0, 0), Open: 1, High: 1, Low: 1, Close: 1}
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.High = math.NaN()
	assert.ErrorIs(t, bad.Validate(), ErrMissingField)

	bad = ok
	bad.Volume = -1
	assert.Error(t, bad.Validate())

	assert.Error(t, Candle{}.Validate())
}

package market

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"klinevault/internal/pkg/convert"
)

// ErrMissingField marks a candle rejected at the ingestion boundary.
var ErrMissingField = errors.New("candle missing required field")

// Candle 是单个时间桶的 OHLCV 观测值。Timestamp 为桶的开盘时间。
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// FieldError names the offending field of a rejected candle.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("candle field %q is required", e.Field)
	}
	return fmt.Sprintf("candle field %q: %s", e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error { return ErrMissingField }

// Canonical 将时间统一为 UTC 毫秒精度；所有比较都基于该表示。
func Canonical(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Millisecond)
}

// FromMillis converts persisted epoch milliseconds to the canonical representation.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Millis returns the candle timestamp as epoch milliseconds.
func (c Candle) Millis() int64 {
	return c.Timestamp.UnixMilli()
}

// Canonicalize returns a copy with the timestamp in canonical form.
func (c Candle) Canonicalize() Candle {
	c.Timestamp = Canonical(c.Timestamp)
	return c
}

// Validate checks the fixed-shape invariants: a timestamp and finite prices/volume.
func (c Candle) Validate() error {
	if c.Timestamp.IsZero() {
		return &FieldError{Field: "timestamp"}
	}
	fields := [...]struct {
		name string
		v    float64
	}{
		{"open", c.Open},
		{"high", c.High},
		{"low", c.Low},
		{"close", c.Close},
		{"volume", c.Volume},
	}
	for _, f := range fields {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return &FieldError{Field: f.name, Reason: "not a finite number"}
		}
	}
	if c.Volume < 0 {
		return &FieldError{Field: "volume", Reason: "negative"}
	}
	return nil
}

// CandleFromRecord 把松散的 map 记录（JSON/CSV 解码结果）转换为 Candle，缺字段即拒绝。
func CandleFromRecord(rec map[string]any) (Candle, error) {
	var c Candle
	raw, ok := lookup(rec, "timestamp", "ts", "time", "open_time")
	if !ok {
		return Candle{}, &FieldError{Field: "timestamp"}
	}
	ts, err := ParseTimestamp(raw)
	if err != nil {
		return Candle{}, &FieldError{Field: "timestamp", Reason: err.Error()}
	}
	c.Timestamp = ts
	targets := [...]struct {
		name string
		dst  *float64
	}{
		{"open", &c.Open},
		{"high", &c.High},
		{"low", &c.Low},
		{"close", &c.Close},
		{"volume", &c.Volume},
	}
	for _, t := range targets {
		v, ok := lookup(rec, t.name)
		if !ok {
			return Candle{}, &FieldError{Field: t.name}
		}
		f, err := convert.Float64(v)
		if err != nil {
			return Candle{}, &FieldError{Field: t.name, Reason: err.Error()}
		}
		*t.dst = f
	}
	if err := c.Validate(); err != nil {
		return Candle{}, err
	}
	return c.Canonicalize(), nil
}

const naiveLayout = "2006-01-02 15:04:05"

// ParseTimestamp accepts epoch milliseconds (int/float/numeric string), RFC3339, or a
// zone-less "2006-01-02 15:04:05" which is read as UTC.
func ParseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, fmt.Errorf("zero time")
		}
		return Canonical(t), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, fmt.Errorf("empty timestamp")
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return FromMillis(ms), nil
		}
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return Canonical(ts), nil
		}
		for _, layout := range []string{naiveLayout, "2006-01-02T15:04:05", "2006-01-02"} {
			if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return Canonical(ts), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	default:
		if ms, ok := convert.Int64(v); ok {
			return FromMillis(ms), nil
		}
		if f, err := convert.Float64(v); err == nil {
			return FromMillis(int64(f)), nil
		}
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func lookup(rec map[string]any, names ...string) (any, bool) {
	for _, n := range names {
		if v, ok := rec[n]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

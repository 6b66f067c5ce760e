package market

import (
	"fmt"
	"strings"

	"klinevault/internal/pkg/symbol"
)

// SegmentExt is the file extension of persisted segments.
const SegmentExt = ".kseg"

// SeriesKey identifies one candle series. Construct it only through NewSeriesKey so every
// component is normalized the same way.
type SeriesKey struct {
	Venue       string
	Instrument  string
	Granularity Granularity
}

// NewSeriesKey normalizes venue/instrument with symbol.Clean and parses the granularity.
func NewSeriesKey(venue, instrument, granularity string) (SeriesKey, error) {
	v := symbol.Clean(venue)
	if v == "" {
		return SeriesKey{}, fmt.Errorf("venue 不能为空")
	}
	inst := symbol.Clean(instrument)
	if inst == "" {
		return SeriesKey{}, fmt.Errorf("instrument 不能为空")
	}
	g, err := ParseGranularity(granularity)
	if err != nil {
		return SeriesKey{}, err
	}
	return SeriesKey{Venue: v, Instrument: inst, Granularity: g}, nil
}

// MustSeriesKey panics on invalid input; intended for tests and constants.
func MustSeriesKey(venue, instrument, granularity string) SeriesKey {
	k, err := NewSeriesKey(venue, instrument, granularity)
	if err != nil {
		panic(err)
	}
	return k
}

// ParseSeriesKey parses the "venue:instrument@granularity" form produced by String.
func ParseSeriesKey(s string) (SeriesKey, error) {
	venue, rest, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return SeriesKey{}, fmt.Errorf("series %q: want venue:instrument@granularity", s)
	}
	inst, gran, ok := strings.Cut(rest, "@")
	if !ok {
		return SeriesKey{}, fmt.Errorf("series %q: want venue:instrument@granularity", s)
	}
	return NewSeriesKey(venue, inst, gran)
}

func (k SeriesKey) String() string {
	return k.Venue + ":" + k.Instrument + "@" + k.Granularity.Key
}

// FileName is the deterministic segment file name for the key.
func (k SeriesKey) FileName() string {
	return fmt.Sprintf("%s_%s_%s%s", k.Venue, k.Instrument, k.Granularity.Key, SegmentExt)
}

// WithVenue returns the same instrument/granularity under another venue namespace.
func (k SeriesKey) WithVenue(venue string) SeriesKey {
	k.Venue = symbol.Clean(venue)
	return k
}

// IsZero reports whether the key was never initialized.
func (k SeriesKey) IsZero() bool {
	return k.Venue == "" && k.Instrument == ""
}

// LogArgs returns slog key/value pairs identifying the series.
func (k SeriesKey) LogArgs() []any {
	return []any{"venue", k.Venue, "instrument", k.Instrument, "granularity", k.Granularity.Key}
}

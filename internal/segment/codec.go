package segment

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"klinevault/internal/market"
)

const (
	magic   = "KSEG"
	version = 1
)

// document 是段文件的列式布局：时间戳与各价格列分别存储，长度必须一致。
type document struct {
	Magic       string    `msgpack:"magic"`
	Version     uint16    `msgpack:"version"`
	Venue       string    `msgpack:"venue"`
	Instrument  string    `msgpack:"instrument"`
	Granularity string    `msgpack:"granularity"`
	Timestamps  []int64   `msgpack:"ts"`
	Open        []float64 `msgpack:"open"`
	High        []float64 `msgpack:"high"`
	Low         []float64 `msgpack:"low"`
	Close       []float64 `msgpack:"close"`
	Volume      []float64 `msgpack:"volume"`
}

// Header is the series identity recorded inside a segment.
type Header struct {
	Venue       string
	Instrument  string
	Granularity string
	Version     uint16
}

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	// nil writer/reader: only EncodeAll/DecodeAll are used, both safe for concurrent use.
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("segment: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic(fmt.Sprintf("segment: init zstd decoder: %v", err))
	}
}

// Encode serializes candles (assumed canonical and ascending) for key.
func Encode(key market.SeriesKey, candles []market.Candle) ([]byte, error) {
	n := len(candles)
	doc := document{
		Magic:       magic,
		Version:     version,
		Venue:       key.Venue,
		Instrument:  key.Instrument,
		Granularity: key.Granularity.Key,
		Timestamps:  make([]int64, n),
		Open:        make([]float64, n),
		High:        make([]float64, n),
		Low:         make([]float64, n),
		Close:       make([]float64, n),
		Volume:      make([]float64, n),
	}
	for i, c := range candles {
		doc.Timestamps[i] = c.Millis()
		doc.Open[i] = c.Open
		doc.High[i] = c.High
		doc.Low[i] = c.Low
		doc.Close[i] = c.Close
		doc.Volume[i] = c.Volume
	}
	raw, err := msgpack.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("encode segment %s: %w", key, err)
	}
	return encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// Decode is the inverse of Encode. Any structural problem is reported as an error; the caller
// decides whether that means quarantine.
func Decode(data []byte) (Header, []market.Candle, error) {
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return Header{}, nil, fmt.Errorf("decompress: %w", err)
	}
	var doc document
	if err := msgpack.Unmarshal(raw, &doc); err != nil {
		return Header{}, nil, fmt.Errorf("unmarshal: %w", err)
	}
	if doc.Magic != magic {
		return Header{}, nil, fmt.Errorf("bad magic %q", doc.Magic)
	}
	if doc.Version == 0 || doc.Version > version {
		return Header{}, nil, fmt.Errorf("unsupported version %d", doc.Version)
	}
	n := len(doc.Timestamps)
	for name, col := range map[string][]float64{
		"open": doc.Open, "high": doc.High, "low": doc.Low, "close": doc.Close, "volume": doc.Volume,
	} {
		if len(col) != n {
			return Header{}, nil, fmt.Errorf("column %s length %d != ts length %d", name, len(col), n)
		}
	}
	out := make([]market.Candle, n)
	for i := range out {
		out[i] = market.Candle{
			Timestamp: market.FromMillis(doc.Timestamps[i]),
			Open:      doc.Open[i],
			High:      doc.High[i],
			Low:       doc.Low[i],
			Close:     doc.Close[i],
			Volume:    doc.Volume[i],
		}
	}
	hdr := Header{Venue: doc.Venue, Instrument: doc.Instrument, Granularity: doc.Granularity, Version: doc.Version}
	return hdr, out, nil
}

package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"klinevault/internal/logger"
	"klinevault/internal/market"
	"klinevault/internal/pkg/convert"
	"klinevault/internal/pkg/symbol"

	"github.com/adshao/go-binance/v2/futures"
)

// binance 单次最多返回 1500 根
const maxHistoryLimit = 1500

// Source implements market.Source on the go-binance futures client: REST klines for seeding
// and backfill, combined kline streams for the live feed.
type Source struct {
	cfg    Config
	client *futures.Client
	now    func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	stats  market.SourceStats
}

func New(cfg Config) (*Source, error) {
	cfg = cfg.normalized()
	httpClient := &http.Client{Timeout: cfg.Timeout}
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("binance proxy url: %w", err)
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.Proxy = http.ProxyURL(proxy)
		httpClient.Transport = transport
		futures.SetWsProxyUrl(cfg.ProxyURL)
	}
	client := futures.NewClient("", "")
	client.BaseURL = cfg.BaseURL
	client.HTTPClient = httpClient
	return &Source{cfg: cfg, client: client, now: time.Now}, nil
}

func (s *Source) Name() string { return s.cfg.Venue }

// Fetch returns the newest limit closed candles of key in ascending order. The still-forming
// candle is requested and then dropped, so limit closed ones remain.
func (s *Source) Fetch(ctx context.Context, key market.SeriesKey, limit int) ([]market.Candle, error) {
	sym := symbol.Compact(key.Instrument)
	if sym == "" {
		return nil, fmt.Errorf("binance: empty instrument in %s", key)
	}
	limit = clampLimit(limit)
	klines, err := s.client.NewKlinesService().
		Symbol(sym).
		Interval(key.Granularity.Key).
		Limit(clampLimit(limit + 1)).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance klines %s: %w", key, err)
	}

	cutoff := s.now().UnixMilli()
	out := make([]market.Candle, 0, len(klines))
	for _, k := range klines {
		if k == nil || k.CloseTime >= cutoff {
			continue
		}
		c, err := toCandle(k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume)
		if err != nil {
			logger.Warnf("[binance] %s 丢弃无效K线 open=%d: %v", key, k.OpenTime, err)
			continue
		}
		out = append(out, c)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Source) Stats() market.SourceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close stops the running subscription, if any.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return 100
	case n > maxHistoryLimit:
		return maxHistoryLimit
	default:
		return n
	}
}

// toCandle parses the string OHLCV columns binance returns; any unparsable column rejects the row.
func toCandle(openMs int64, fields ...string) (market.Candle, error) {
	if len(fields) != 5 {
		return market.Candle{}, fmt.Errorf("want 5 price/volume columns, got %d", len(fields))
	}
	var vals [5]float64
	for i, f := range fields {
		v, err := convert.Float64(f)
		if err != nil {
			return market.Candle{}, fmt.Errorf("column %d: %w", i, err)
		}
		vals[i] = v
	}
	return market.Candle{
		Timestamp: market.FromMillis(openMs),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}

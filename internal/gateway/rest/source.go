// Package rest fetches candles from Bybit v5 style kline endpoints
// (`/v5/market/kline`, `result.list` newest first, string columns).
package rest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"klinevault/internal/market"
	"klinevault/internal/pkg/symbol"

	"github.com/tidwall/gjson"
)

const maxLimit = 1000

type Config struct {
	Venue    string
	BaseURL  string
	Category string
	Timeout  time.Duration
}

func (c Config) withDefaults() Config {
	c.Venue = strings.TrimSpace(c.Venue)
	if c.Venue == "" {
		c.Venue = "bybit"
	}
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = "https://api.bybit.com"
	}
	if c.Category == "" {
		c.Category = "linear"
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// Fetcher implements market.Fetcher over plain HTTP.
type Fetcher struct {
	cfg    Config
	client *http.Client
	now    func() time.Time
}

func New(cfg Config) *Fetcher {
	final := cfg.withDefaults()
	return &Fetcher{
		cfg:    final,
		client: &http.Client{Timeout: final.Timeout},
		now:    time.Now,
	}
}

func (f *Fetcher) Name() string { return f.cfg.Venue }

func (f *Fetcher) Fetch(ctx context.Context, key market.SeriesKey, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	interval, err := intervalParam(key.Granularity)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("category", f.cfg.Category)
	q.Set("symbol", symbol.Compact(key.Instrument))
	q.Set("interval", interval)
	req := limit + 1
	if req > maxLimit {
		req = maxLimit
	}
	q.Set("limit", strconv.Itoa(req))

	endpoint := f.cfg.BaseURL + "/v5/market/kline?" + q.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("rest kline %s: %w", key, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("rest kline %s: read body: %w", key, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rest kline %s: http %d", key, resp.StatusCode)
	}
	out, err := parseKlines(body, key.Granularity, f.now())
	if err != nil {
		return nil, fmt.Errorf("rest kline %s: %w", key, err)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// parseKlines 解析 result.list（新到旧），丢弃未收盘的 K 线，返回升序结果。
func parseKlines(body []byte, g market.Granularity, now time.Time) ([]market.Candle, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("json 格式无效")
	}
	root := gjson.ParseBytes(body)
	if code := root.Get("retCode"); code.Exists() && code.Int() != 0 {
		return nil, fmt.Errorf("retCode=%d retMsg=%s", code.Int(), root.Get("retMsg").String())
	}
	list := root.Get("result.list")
	if !list.IsArray() {
		return nil, fmt.Errorf("result.list 缺失")
	}
	rows := list.Array()
	step := g.Duration.Milliseconds()
	nowMs := now.UnixMilli()
	out := make([]market.Candle, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if !row.IsArray() || len(row.Array()) < 6 {
			return nil, fmt.Errorf("第 %d 行格式无效", i)
		}
		start := row.Get("0").Int()
		if start+step > nowMs {
			continue
		}
		out = append(out, market.Candle{
			Timestamp: market.FromMillis(start),
			Open:      row.Get("1").Float(),
			High:      row.Get("2").Float(),
			Low:       row.Get("3").Float(),
			Close:     row.Get("4").Float(),
			Volume:    row.Get("5").Float(),
		})
	}
	return out, nil
}

// intervalParam converts to Bybit interval codes: minutes, or D / W.
func intervalParam(g market.Granularity) (string, error) {
	switch {
	case g.Duration <= 0:
		return "", fmt.Errorf("invalid granularity %q", g.Key)
	case g.Duration == 24*time.Hour:
		return "D", nil
	case g.Duration == 7*24*time.Hour:
		return "W", nil
	case g.Duration%time.Minute == 0 && g.Duration < 24*time.Hour:
		return strconv.FormatInt(int64(g.Duration/time.Minute), 10), nil
	default:
		return "", fmt.Errorf("granularity %s not supported by rest source", g.Key)
	}
}

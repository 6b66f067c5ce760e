package config

import (
	"fmt"
	"strings"
	"time"

	"klinevault/internal/market"
)

// Config 是 klinevault 的主配置载体。
type Config struct {
	App        AppConfig       `toml:"app" yaml:"app"`
	Storage    StorageConfig   `toml:"storage" yaml:"storage"`
	Backfill   BackfillConfig  `toml:"backfill" yaml:"backfill"`
	Indicators IndicatorConfig `toml:"indicators" yaml:"indicators"`
	Alerts     AlertConfig     `toml:"alerts" yaml:"alerts"`
	Sources    []SourceConfig  `toml:"sources" yaml:"sources"`
	Series     []SeriesConfig  `toml:"series" yaml:"series"`
	Include    []string        `toml:"include" yaml:"include,omitempty"`
}

type AppConfig struct {
	LogLevel  string `toml:"log_level" yaml:"log_level"`
	LogFormat string `toml:"log_format" yaml:"log_format"`
	LogPath   string `toml:"log_path" yaml:"log_path"`
	HTTPAddr  string `toml:"http_addr" yaml:"http_addr"`
}

// StorageConfig 对应单序列存储与 catalog 参数。
type StorageConfig struct {
	BaseDir       string        `toml:"base_dir" yaml:"base_dir"`
	WorkingSet    int           `toml:"working_set" yaml:"working_set"`
	DefaultWarmup int           `toml:"default_warmup" yaml:"default_warmup"`
	FlushEvery    int           `toml:"flush_every" yaml:"flush_every"`
	FlushInterval time.Duration `toml:"flush_interval" yaml:"flush_interval"`
	SeedLimit     int           `toml:"seed_limit" yaml:"seed_limit"`
	FetchTimeout  time.Duration `toml:"fetch_timeout" yaml:"fetch_timeout"`
	CatalogPath   string        `toml:"catalog_path" yaml:"catalog_path"`
	// TempMaxAge: 启动时清理早于该时长的残留临时文件。
	TempMaxAge time.Duration `toml:"temp_max_age" yaml:"temp_max_age"`
	// Aliases maps a venue to the venues that receive a copy of every flushed segment.
	Aliases map[string][]string `toml:"aliases" yaml:"aliases,omitempty"`
}

type BackfillConfig struct {
	MaxBatch         int           `toml:"max_batch" yaml:"max_batch"`
	FetchTimeout     time.Duration `toml:"fetch_timeout" yaml:"fetch_timeout"`
	RatePerMin       int           `toml:"rate_per_min" yaml:"rate_per_min"`
	Retries          int           `toml:"retries" yaml:"retries"`
	RetryInterval    time.Duration `toml:"retry_interval" yaml:"retry_interval"`
	Concurrency      int           `toml:"concurrency" yaml:"concurrency"`
	BreakerThreshold int           `toml:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `toml:"breaker_cooldown" yaml:"breaker_cooldown"`
	// Offset delays the post-close gap fill so the venue has published the candle.
	Offset    time.Duration `toml:"offset" yaml:"offset"`
	FlushCron string        `toml:"flush_cron" yaml:"flush_cron"`
}

type IndicatorConfig struct {
	EMAPeriod  int `toml:"ema_period" yaml:"ema_period"`
	RSIPeriod  int `toml:"rsi_period" yaml:"rsi_period"`
	ATRPeriod  int `toml:"atr_period" yaml:"atr_period"`
	MACDFast   int `toml:"macd_fast" yaml:"macd_fast"`
	MACDSlow   int `toml:"macd_slow" yaml:"macd_slow"`
	MACDSignal int `toml:"macd_signal" yaml:"macd_signal"`
}

// AlertConfig 配置 Telegram 告警；token 与 chat_id 均为空时关闭。
type AlertConfig struct {
	TelegramToken  string        `toml:"telegram_token" yaml:"telegram_token"`
	TelegramChatID string        `toml:"telegram_chat_id" yaml:"telegram_chat_id"`
	APIBase        string        `toml:"api_base" yaml:"api_base"`
	Cooldown       time.Duration `toml:"cooldown" yaml:"cooldown"`
}

func (a AlertConfig) Enabled() bool {
	return strings.TrimSpace(a.TelegramToken) != "" && strings.TrimSpace(a.TelegramChatID) != ""
}

// SourceConfig 描述一个行情来源。Kind: binance | rest。
type SourceConfig struct {
	Name     string        `toml:"name" yaml:"name"`
	Kind     string        `toml:"kind" yaml:"kind"`
	BaseURL  string        `toml:"base_url" yaml:"base_url"`
	Category string        `toml:"category" yaml:"category,omitempty"`
	Timeout  time.Duration `toml:"timeout" yaml:"timeout"`
	ProxyURL string        `toml:"proxy_url" yaml:"proxy_url,omitempty"`
	// Stream enables the live websocket feed (binance only).
	Stream bool `toml:"stream" yaml:"stream"`
}

type SeriesConfig struct {
	Venue       string `toml:"venue" yaml:"venue"`
	Instrument  string `toml:"instrument" yaml:"instrument"`
	Granularity string `toml:"granularity" yaml:"granularity"`
}

func (s SeriesConfig) Key() (market.SeriesKey, error) {
	return market.NewSeriesKey(s.Venue, s.Instrument, s.Granularity)
}

// SeriesKeys 返回去重后的托管序列。
func (c *Config) SeriesKeys() ([]market.SeriesKey, error) {
	out := make([]market.SeriesKey, 0, len(c.Series))
	seen := make(map[market.SeriesKey]bool, len(c.Series))
	for i, s := range c.Series {
		key, err := s.Key()
		if err != nil {
			return nil, fmt.Errorf("series[%d]: %w", i, err)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	return out, nil
}

// Source returns the source configured under name (case-insensitive).
func (c *Config) Source(name string) (SourceConfig, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, src := range c.Sources {
		if strings.ToLower(src.Name) == name {
			return src, true
		}
	}
	return SourceConfig{}, false
}

type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}

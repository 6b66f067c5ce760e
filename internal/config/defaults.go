package config

import (
	"fmt"
	"strings"
	"time"
)

// 默认值常量
const (
	defaultAppLogLevel      = "info"
	defaultAppLogFormat     = "text"
	defaultAppHTTPAddr      = ":9991"
	defaultBaseDir          = "data"
	defaultWorkingSet       = 1000
	defaultWarmup           = 100
	defaultFlushEvery       = 1
	defaultStoreFetch       = 30 * time.Second
	defaultCatalogPath      = "data/catalog.db"
	defaultTempMaxAge       = time.Hour
	defaultMaxBatch         = 1000
	defaultBackfillFetch    = 30 * time.Second
	defaultRatePerMin       = 600
	defaultRetries          = 2
	defaultRetryInterval    = 500 * time.Millisecond
	defaultConcurrency      = 2
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = time.Minute
	defaultBackfillOffset   = 10 * time.Second
	defaultFlushCron        = "@every 1m"
	defaultSourceName       = "binance"
	defaultSourceKind       = "binance"
	defaultSourceTimeout    = 15 * time.Second
	defaultAlertAPIBase     = "https://api.telegram.org"
	defaultAlertCooldown    = 10 * time.Minute
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Storage.applyDefaults(keys)
	c.Backfill.applyDefaults(keys)
	c.Indicators.applyDefaults(keys)
	c.Alerts.applyDefaults(keys)
	c.applySourceDefaults()
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
}

func (s *StorageConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("storage.base_dir", &s.BaseDir, defaultBaseDir),
		intFieldDefault("storage.working_set", &s.WorkingSet, defaultWorkingSet),
		intFieldDefault("storage.default_warmup", &s.DefaultWarmup, defaultWarmup),
		durationFieldDefault("storage.fetch_timeout", &s.FetchTimeout, defaultStoreFetch),
		stringFieldDefault("storage.catalog_path", &s.CatalogPath, defaultCatalogPath),
		durationFieldDefault("storage.temp_max_age", &s.TempMaxAge, defaultTempMaxAge),
	)
	// 两种 flush 策略都未配置时逐条落盘
	if !keys.isSet("storage.flush_every") && !keys.isSet("storage.flush_interval") {
		s.FlushEvery = defaultFlushEvery
	}
}

func (b *BackfillConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("backfill.max_batch", &b.MaxBatch, defaultMaxBatch),
		durationFieldDefault("backfill.fetch_timeout", &b.FetchTimeout, defaultBackfillFetch),
		intFieldDefault("backfill.rate_per_min", &b.RatePerMin, defaultRatePerMin),
		intFieldDefault("backfill.retries", &b.Retries, defaultRetries),
		durationFieldDefault("backfill.retry_interval", &b.RetryInterval, defaultRetryInterval),
		intFieldDefault("backfill.concurrency", &b.Concurrency, defaultConcurrency),
		intFieldDefault("backfill.breaker_threshold", &b.BreakerThreshold, defaultBreakerThreshold),
		durationFieldDefault("backfill.breaker_cooldown", &b.BreakerCooldown, defaultBreakerCooldown),
		durationFieldDefault("backfill.offset", &b.Offset, defaultBackfillOffset),
		stringFieldDefault("backfill.flush_cron", &b.FlushCron, defaultFlushCron),
	)
}

func (i *IndicatorConfig) applyDefaults(keys keySet) {
	if i == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("indicators.ema_period", &i.EMAPeriod, 10),
		intFieldDefault("indicators.rsi_period", &i.RSIPeriod, 14),
		intFieldDefault("indicators.atr_period", &i.ATRPeriod, 14),
		intFieldDefault("indicators.macd_fast", &i.MACDFast, 12),
		intFieldDefault("indicators.macd_slow", &i.MACDSlow, 26),
		intFieldDefault("indicators.macd_signal", &i.MACDSignal, 9),
	)
}

func (a *AlertConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("alerts.api_base", &a.APIBase, defaultAlertAPIBase),
		durationFieldDefault("alerts.cooldown", &a.Cooldown, defaultAlertCooldown),
	)
}

func (c *Config) applySourceDefaults() {
	if len(c.Sources) == 0 {
		c.Sources = []SourceConfig{{Name: defaultSourceName, Kind: defaultSourceKind, Stream: true}}
	}
	for i := range c.Sources {
		src := &c.Sources[i]
		src.Name = strings.ToLower(strings.TrimSpace(src.Name))
		if src.Name == "" {
			if i == 0 {
				src.Name = defaultSourceName
			} else {
				src.Name = fmt.Sprintf("source_%d", i)
			}
		}
		src.Kind = strings.ToLower(strings.TrimSpace(src.Kind))
		if src.Kind == "" {
			src.Kind = defaultSourceKind
		}
		if src.Timeout <= 0 {
			src.Timeout = defaultSourceTimeout
		}
	}
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target == 0 },
		apply: func() { *target = def },
	}
}

func durationFieldDefault(key string, target *time.Duration, def time.Duration) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target == 0 },
		apply: func() { *target = def },
	}
}

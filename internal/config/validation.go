package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	switch strings.ToLower(strings.TrimSpace(c.App.LogLevel)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("app.log_level unsupported: %q", c.App.LogLevel)
	}
	switch strings.ToLower(c.App.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("app.log_format must be text or json, got %q", c.App.LogFormat)
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if err := c.Backfill.validate(); err != nil {
		return err
	}
	if err := c.Alerts.validate(); err != nil {
		return err
	}
	if err := c.validateSources(); err != nil {
		return err
	}
	if _, err := c.SeriesKeys(); err != nil {
		return err
	}
	return nil
}

func (s *StorageConfig) validate() error {
	if strings.TrimSpace(s.BaseDir) == "" {
		return fmt.Errorf("storage.base_dir is required")
	}
	if s.WorkingSet <= 0 {
		return fmt.Errorf("storage.working_set must be > 0")
	}
	if s.DefaultWarmup < 0 {
		return fmt.Errorf("storage.default_warmup must be >= 0")
	}
	if s.FlushEvery < 0 || s.FlushInterval < 0 {
		return fmt.Errorf("storage.flush_every/flush_interval must be >= 0")
	}
	for venue, aliases := range s.Aliases {
		for _, a := range aliases {
			if strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(venue)) {
				return fmt.Errorf("storage.aliases.%s cannot alias itself", venue)
			}
		}
	}
	return nil
}

func (b *BackfillConfig) validate() error {
	if b.MaxBatch <= 0 {
		return fmt.Errorf("backfill.max_batch must be > 0")
	}
	if b.RatePerMin < 0 || b.Retries < 0 || b.Offset < 0 {
		return fmt.Errorf("backfill.rate_per_min/retries/offset must be >= 0")
	}
	if strings.TrimSpace(b.FlushCron) != "" {
		if _, err := cron.ParseStandard(b.FlushCron); err != nil {
			return fmt.Errorf("backfill.flush_cron: %w", err)
		}
	}
	return nil
}

func (a *AlertConfig) validate() error {
	hasToken := strings.TrimSpace(a.TelegramToken) != ""
	hasChat := strings.TrimSpace(a.TelegramChatID) != ""
	if hasToken != hasChat {
		return fmt.Errorf("alerts.telegram_token and alerts.telegram_chat_id must be set together")
	}
	if a.Cooldown < 0 {
		return fmt.Errorf("alerts.cooldown must be >= 0")
	}
	return nil
}

func (c *Config) validateSources() error {
	seen := make(map[string]bool, len(c.Sources))
	var errs []error
	for i, src := range c.Sources {
		if seen[src.Name] {
			errs = append(errs, fmt.Errorf("sources[%d]: duplicate name %q", i, src.Name))
		}
		seen[src.Name] = true
		switch src.Kind {
		case "binance":
		case "rest":
			if strings.TrimSpace(src.BaseURL) == "" {
				errs = append(errs, fmt.Errorf("sources[%d] (%s): rest source requires base_url", i, src.Name))
			}
			if src.Stream {
				errs = append(errs, fmt.Errorf("sources[%d] (%s): rest source cannot stream", i, src.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("sources[%d] (%s): unsupported kind %q", i, src.Name, src.Kind))
		}
	}
	return errors.Join(errs...)
}

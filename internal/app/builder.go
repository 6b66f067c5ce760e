package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"klinevault/internal/analysis/indicator"
	"klinevault/internal/backfill"
	"klinevault/internal/catalog"
	"klinevault/internal/config"
	"klinevault/internal/gateway"
	"klinevault/internal/gateway/notifier"
	"klinevault/internal/logger"
	"klinevault/internal/market"
	"klinevault/internal/metrics"
	"klinevault/internal/scheduler"
	"klinevault/internal/segment"
	"klinevault/internal/store"
	serieshttp "klinevault/internal/transport/http/series"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type AppBuilder struct {
	cfg *config.Config

	sourcesFn func(*config.Config) (*gateway.Set, error)
	catalogFn func(path string) (*catalog.Catalog, error)

	// withoutHTTP skips the HTTP server (CLI one-shot commands).
	withoutHTTP bool
}

type AppBuilderOption func(*AppBuilder)

// WithSources overrides how market sources are built (tests, offline tools).
func WithSources(fn func(*config.Config) (*gateway.Set, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.sourcesFn = fn
		}
	}
}

func WithCatalogOpener(fn func(path string) (*catalog.Catalog, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.catalogFn = fn
		}
	}
}

func WithoutHTTP() AppBuilderOption {
	return func(b *AppBuilder) { b.withoutHTTP = true }
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:       cfg,
		sourcesFn: gateway.NewSetFromConfig,
		catalogFn: openCatalog,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func openCatalog(path string) (*catalog.Catalog, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create catalog dir: %w", err)
		}
	}
	return catalog.Open(path)
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg

	logFile, err := configureLogging(cfg.App)
	if err != nil {
		return nil, err
	}
	keys, err := cfg.SeriesKeys()
	if err != nil {
		closeQuietly(logFile)
		return nil, err
	}
	if err := os.MkdirAll(cfg.Storage.BaseDir, 0o755); err != nil {
		closeQuietly(logFile)
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	sources, err := b.sourcesFn(cfg)
	if err != nil {
		closeQuietly(logFile)
		return nil, err
	}
	cat, err := b.catalogFn(cfg.Storage.CatalogPath)
	if err != nil {
		_ = sources.Close()
		closeQuietly(logFile)
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	replicator := segment.NewReplicator(cfg.Storage.BaseDir, cfg.Storage.Aliases)
	replicator.OnFailure = m.OnReplicaFailure

	observers := store.Observers{cat.Observer(), m}
	reportHook := m.ObserveBackfill
	var alerter *notifier.Alerter
	if cfg.Alerts.Enabled() {
		tg := notifier.NewTelegram(cfg.Alerts.TelegramToken, cfg.Alerts.TelegramChatID, cfg.Alerts.APIBase)
		alerter = notifier.NewAlerter(tg, cfg.Alerts.Cooldown)
		observers = append(observers, alerter)
		reportHook = func(rep backfill.Report) {
			m.ObserveBackfill(rep)
			alerter.ObserveBackfill(rep)
		}
	}

	settings := IndicatorSettings(cfg.Indicators)
	registry := store.NewRegistry(StoreConfig(cfg, settings),
		store.WithObserver(observers),
		store.WithReplicator(replicator),
	)
	promReg.MustRegister(metrics.NewRegistryCollector(registry))

	filler := backfill.New(sources, backfillConfig(cfg.Backfill),
		backfill.WithRecorder(cat),
		backfill.WithReportHook(reportHook),
	)

	gapRunner := scheduler.NewGapFillRunner(filler, registry, keys, cfg.Backfill.Offset)
	gapRunner.OnReports = logReports

	var flushJob *scheduler.FlushJob
	if cfg.Backfill.FlushCron != "" {
		flushJob, err = scheduler.NewFlushJob(cfg.Backfill.FlushCron, registry, cfg.Storage.FetchTimeout)
		if err != nil {
			_ = sources.Close()
			_ = cat.Close()
			closeQuietly(logFile)
			return nil, err
		}
	}

	var httpSrv *serieshttp.Server
	if !b.withoutHTTP && cfg.App.HTTPAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		httpSrv, err = serieshttp.NewServer(serieshttp.Config{
			Addr:       cfg.App.HTTPAddr,
			Registry:   registry,
			Filler:     filler,
			Catalog:    cat,
			Gatherer:   promReg,
			Indicators: settings,
		})
		if err != nil {
			_ = sources.Close()
			_ = cat.Close()
			closeQuietly(logFile)
			return nil, err
		}
	}

	feeds := buildFeeds(registry, sources, keys)

	app := &App{
		cfg:       cfg,
		keys:      keys,
		sources:   sources,
		catalog:   cat,
		metrics:   m,
		gatherer:  promReg,
		registry:  registry,
		filler:    filler,
		gapRunner: gapRunner,
		flushJob:  flushJob,
		httpSrv:   httpSrv,
		feeds:     feeds,
		alerter:   alerter,
		logFile:   logFile,
		Summary:   buildSummary(cfg, keys),
	}
	logger.Infof("✓ 已构建 %d 个托管序列, 来源: %v", len(keys), sources.Venues())
	return app, nil
}

func configureLogging(cfg config.AppConfig) (io.Closer, error) {
	logger.SetLevel(cfg.LogLevel)
	logger.SetFormat(cfg.LogFormat)
	if cfg.LogPath == "" {
		logger.SetOutput(os.Stdout)
		return nil, nil
	}
	if dir := filepath.Dir(cfg.LogPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, f))
	return f, nil
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

// IndicatorSettings maps the config section to derived-column settings.
func IndicatorSettings(c config.IndicatorConfig) indicator.Settings {
	return indicator.Settings{
		EMAPeriod:  c.EMAPeriod,
		RSIPeriod:  c.RSIPeriod,
		ATRPeriod:  c.ATRPeriod,
		MACDFast:   c.MACDFast,
		MACDSlow:   c.MACDSlow,
		MACDSignal: c.MACDSignal,
	}
}

// StoreConfig is the per-series store configuration shared by serve and the offline commands.
func StoreConfig(cfg *config.Config, settings indicator.Settings) store.Config {
	s := cfg.Storage
	return store.Config{
		BaseDir:       s.BaseDir,
		WorkingSet:    s.WorkingSet,
		DefaultWarmup: s.DefaultWarmup,
		FlushEvery:    s.FlushEvery,
		FlushInterval: s.FlushInterval,
		FetchTimeout:  s.FetchTimeout,
		SeedLimit:     s.SeedLimit,
		Indicators:    settings,
	}
}

func backfillConfig(b config.BackfillConfig) backfill.Config {
	return backfill.Config{
		MaxBatch:         b.MaxBatch,
		FetchTimeout:     b.FetchTimeout,
		RatePerMin:       b.RatePerMin,
		Retries:          b.Retries,
		RetryInterval:    b.RetryInterval,
		BreakerThreshold: b.BreakerThreshold,
		BreakerCooldown:  b.BreakerCooldown,
		Concurrency:      b.Concurrency,
	}
}

// buildFeeds creates one live feed per venue that has a streaming source.
func buildFeeds(registry *store.Registry, sources *gateway.Set, keys []market.SeriesKey) []*market.Feed {
	byVenue := make(map[string][]market.SeriesKey)
	for _, k := range keys {
		byVenue[k.Venue] = append(byVenue[k.Venue], k)
	}
	venues := make([]string, 0, len(byVenue))
	for v := range byVenue {
		venues = append(venues, v)
	}
	sort.Strings(venues)

	var out []*market.Feed
	for _, venue := range venues {
		venue := venue
		sub, ok := sources.Stream(venue)
		if !ok {
			logger.Debugf("[app] venue %s 无实时流, 仅依赖补缺口", venue)
			continue
		}
		out = append(out, market.NewFeed(venue, byVenue[venue], registry, sub,
			market.WithConnectionHooks(
				func() { logger.Infof("[feed] %s 已连接", venue) },
				func(err error) { logger.Warnf("[feed] %s 断开: %v", venue, err) },
			),
		))
	}
	return out
}

func logReports(g market.Granularity, reps []backfill.Report) {
	for _, rep := range reps {
		switch rep.Outcome {
		case backfill.OutcomeRecovered:
			logger.Infof("[gapfill] %s %s 补回 %d 根", g, rep.Series, rep.Recovered)
		case backfill.OutcomeFailed:
			logger.Warnf("[gapfill] %s %s 失败: %s", g, rep.Series, rep.Error)
		}
	}
}

func buildSummary(cfg *config.Config, keys []market.SeriesKey) *StartupSummary {
	s := &StartupSummary{
		Storage: StorageSummary{
			BaseDir:     cfg.Storage.BaseDir,
			CatalogPath: cfg.Storage.CatalogPath,
			WorkingSet:  cfg.Storage.WorkingSet,
			FlushEvery:  cfg.Storage.FlushEvery,
			FlushEach:   cfg.Storage.FlushInterval,
			FlushCron:   cfg.Backfill.FlushCron,
			Aliases:     cfg.Storage.Aliases,
		},
		HTTP: cfg.App.HTTPAddr,
	}
	for _, src := range cfg.Sources {
		s.Sources = append(s.Sources, SourceSummary{Name: src.Name, Kind: src.Kind, Stream: src.Stream})
	}
	for _, k := range keys {
		s.Series = append(s.Series, SeriesDetail{Key: k.String(), Path: segment.PathFor(cfg.Storage.BaseDir, k)})
	}
	return s
}

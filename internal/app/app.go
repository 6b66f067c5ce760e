package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

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

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

var stdout io.Writer = os.Stdout

const shutdownTimeout = 30 * time.Second

// App 负责应用级编排：加载配置→初始化依赖→预热序列→启动实时流、补缺口、定时落盘与 HTTP。
type App struct {
	cfg       *config.Config
	keys      []market.SeriesKey
	sources   *gateway.Set
	catalog   *catalog.Catalog
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	registry  *store.Registry
	filler    *backfill.Filler
	gapRunner *scheduler.GapFillRunner
	flushJob  *scheduler.FlushJob
	httpSrv   *serieshttp.Server
	feeds     []*market.Feed
	alerter   *notifier.Alerter
	logFile   io.Closer

	closeOnce sync.Once
	closeErr  error

	Summary *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config, opts ...AppBuilderOption) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	return buildAppWithWire(context.Background(), cfg, opts)
}

func (a *App) Registry() *store.Registry     { return a.registry }
func (a *App) Filler() *backfill.Filler      { return a.filler }
func (a *App) Catalog() *catalog.Catalog     { return a.catalog }
func (a *App) Sources() *gateway.Set         { return a.sources }
func (a *App) Keys() []market.SeriesKey      { return append([]market.SeriesKey(nil), a.keys...) }
func (a *App) Gatherer() prometheus.Gatherer { return a.gatherer }

// Load cleans stale temp files and seeds every managed series from disk or its source.
func (a *App) Load(ctx context.Context) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("app not initialized")
	}
	if removed, err := segment.CleanupTemps(a.cfg.Storage.BaseDir, a.cfg.Storage.TempMaxAge); err != nil {
		logger.Warnf("[app] 清理临时文件失败: %v", err)
	} else if removed > 0 {
		logger.Infof("[app] 已清理 %d 个残留临时文件", removed)
	}
	results, err := a.registry.LoadAll(ctx, a.keys, a.sources)
	for _, key := range a.keys {
		res, ok := results[key.String()]
		if !ok {
			continue
		}
		if res.Err != nil {
			logger.Warnf("[app] %s 初始拉取失败, 以空序列启动: %v", key, res.Err)
			continue
		}
		logger.Infof("[app] %s 预热完成 source=%s rows=%d seeded=%d", key, res.Source, res.Rows, res.Seeded)
	}
	if err != nil {
		// 损坏的段已被隔离，其它序列照常运行。
		logger.Errorf("[app] 部分序列加载失败: %v", err)
	}
	return ctx.Err()
}

// Backfill runs one gap-fill pass over every loaded series.
func (a *App) Backfill(ctx context.Context) []backfill.Report {
	stores := a.registry.Stores()
	targets := make([]backfill.Target, 0, len(stores))
	for _, s := range stores {
		targets = append(targets, s)
	}
	return a.filler.FillAll(ctx, targets)
}

// Run 预热全部序列后启动实时流、补缺口调度、定时落盘与 HTTP 服务，直到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	if err := a.Load(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		return a.shutdown(err)
	}

	group, ctx := errgroup.WithContext(ctx)

	for _, f := range a.feeds {
		f := f
		group.Go(func() error {
			// 实时流失败不拖垮进程，补缺口会兜底
			if err := f.Run(ctx); err != nil {
				logger.Errorf("[feed] %s 启动失败: %v", f.Venue(), err)
			}
			return nil
		})
	}

	group.Go(func() error {
		return a.gapRunner.Run(ctx)
	})

	if a.flushJob != nil {
		group.Go(func() error {
			return a.flushJob.Run(ctx)
		})
	}

	if a.alerter != nil {
		group.Go(func() error {
			return a.alerter.Run(ctx)
		})
	}

	if a.httpSrv != nil {
		group.Go(func() error {
			if err := a.httpSrv.Start(ctx); err != nil {
				return fmt.Errorf("series http server error: %w", err)
			}
			return nil
		})
	}

	return a.shutdown(group.Wait())
}

// Close flushes every series and releases sources, the catalog and the log file.
func (a *App) Close() error {
	return a.shutdown(nil)
}

func (a *App) shutdown(runErr error) error {
	a.closeOnce.Do(func() { a.closeErr = a.release() })
	return errors.Join(runErr, a.closeErr)
}

func (a *App) release() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	for _, f := range a.feeds {
		c, st := f.Counters(), f.SourceStats()
		logger.Infof("[feed] %s received=%d stored=%d rejected=%d reconnects=%d",
			f.Venue(), c.Received, c.Stored, c.Rejected, st.Reconnects)
	}
	if a.registry != nil {
		if err := a.registry.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("final flush: %w", err))
		}
	}
	if a.alerter != nil {
		a.alerter.Drain()
	}
	if a.sources != nil {
		if err := a.sources.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sources: %w", err))
		}
	}
	if a.catalog != nil {
		if err := a.catalog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close catalog: %w", err))
		}
	}
	if a.logFile != nil {
		logger.SetOutput(os.Stdout)
		_ = a.logFile.Close()
		a.logFile = nil
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	logger.Infof("[app] 已停止")
	return nil
}

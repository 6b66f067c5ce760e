package scheduler

import (
	"context"
	"sort"
	"time"

	"klinevault/internal/backfill"
	"klinevault/internal/logger"
	"klinevault/internal/market"
	"klinevault/internal/store"

	"golang.org/x/sync/errgroup"
)

// StoreLister is the registry side the runner needs.
type StoreLister interface {
	Stores() []*store.CandleStore
}

// GapFillRunner 为每种周期启动一个对齐调度，收盘后对该周期的所有序列补缺口。
type GapFillRunner struct {
	filler *backfill.Filler
	stores StoreLister
	grans  []market.Granularity
	offset time.Duration

	// OnReports receives every non-trivial batch of reports.
	OnReports func(g market.Granularity, reps []backfill.Report)

	newScheduler func(name string, interval, offset time.Duration) *AlignedScheduler
}

func NewGapFillRunner(filler *backfill.Filler, stores StoreLister, keys []market.SeriesKey, offset time.Duration) *GapFillRunner {
	seen := make(map[string]market.Granularity)
	for _, k := range keys {
		seen[k.Granularity.Key] = k.Granularity
	}
	grans := make([]market.Granularity, 0, len(seen))
	for _, g := range seen {
		grans = append(grans, g)
	}
	sort.Slice(grans, func(i, j int) bool { return grans[i].Duration < grans[j].Duration })
	return &GapFillRunner{
		filler:       filler,
		stores:       stores,
		grans:        grans,
		offset:       offset,
		newScheduler: NewAlignedScheduler,
	}
}

// Granularities returns the grids the runner schedules on.
func (r *GapFillRunner) Granularities() []market.Granularity {
	return append([]market.Granularity(nil), r.grans...)
}

// Run blocks until ctx is done.
func (r *GapFillRunner) Run(ctx context.Context) error {
	if len(r.grans) == 0 {
		logger.Infof("[scheduler] no managed series, gap fill disabled")
		<-ctx.Done()
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, gran := range r.grans {
		gran := gran
		sched := r.newScheduler("gapfill-"+gran.Key, gran.Duration, r.offset)
		g.Go(func() error {
			return sched.Run(ctx, func(ctx context.Context, _ time.Time) {
				r.RunOnce(ctx, gran)
			})
		})
	}
	return g.Wait()
}

// RunOnce fills every registered store on granularity g.
func (r *GapFillRunner) RunOnce(ctx context.Context, g market.Granularity) []backfill.Report {
	var targets []backfill.Target
	for _, s := range r.stores.Stores() {
		if s.Key().Granularity.Key == g.Key {
			targets = append(targets, s)
		}
	}
	if len(targets) == 0 {
		return nil
	}
	reps := r.filler.FillAll(ctx, targets)
	recovered := 0
	for _, rep := range reps {
		recovered += rep.Recovered
	}
	logger.Infof("[scheduler] gapfill %s series=%d recovered=%d", g.Key, len(targets), recovered)
	if r.OnReports != nil {
		r.OnReports(g, reps)
	}
	return reps
}

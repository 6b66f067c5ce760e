package backfill

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"klinevault/internal/logger"
	"klinevault/internal/market"
	"klinevault/internal/pkg/circuit"
)

type State int

const (
	StateIdle State = iota
	StateFetching
	StateMerging
)

func (s State) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateMerging:
		return "merging"
	default:
		return "idle"
	}
}

// Outcome summarizes how a fill attempt ended.
type Outcome string

const (
	OutcomeRecovered Outcome = "recovered"
	OutcomeUpToDate  Outcome = "up_to_date"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeBusy      Outcome = "busy"
	OutcomeEmpty     Outcome = "empty"
	OutcomeFailed    Outcome = "failed"
)

// Target is the store side of a fill; *store.CandleStore satisfies it.
type Target interface {
	Key() market.SeriesKey
	LastTimestamp() (time.Time, bool)
	AppendBatch(cs []market.Candle) (int, error)
	Flush(ctx context.Context) error
}

// Recorder persists fill reports (the catalog).
type Recorder interface {
	RecordBackfill(ctx context.Context, rep Report) error
}

type Report struct {
	JobID      string           `json:"job_id"`
	Key        market.SeriesKey `json:"-"`
	Series     string           `json:"series"`
	Outcome    Outcome          `json:"outcome"`
	Skipped    bool             `json:"skipped"`
	Requested  int              `json:"requested"`
	Fetched    int              `json:"fetched"`
	Recovered  int              `json:"recovered"`
	PrevLast   time.Time        `json:"prev_last"`
	NewLast    time.Time        `json:"new_last"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

type Config struct {
	MaxBatch     int
	FetchTimeout time.Duration
	// RatePerMin limits fetches across all series; <= 0 disables limiting.
	RatePerMin       int
	Retries          int
	RetryInterval    time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	Concurrency      int
}

func (c Config) withDefaults() Config {
	if c.MaxBatch <= 0 {
		c.MaxBatch = 1000
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 500 * time.Millisecond
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	return c
}

type Option func(*Filler)

func WithRecorder(r Recorder) Option {
	return func(f *Filler) { f.recorder = r }
}

// WithReportHook is called after every fill, e.g. for metrics.
func WithReportHook(fn func(Report)) Option {
	return func(f *Filler) { f.onReport = fn }
}

func WithClock(now func() time.Time) Option {
	return func(f *Filler) {
		if now != nil {
			f.nowFn = now
			f.breakers.SetClock(now)
		}
	}
}

// Filler 在检测到“上次时间戳之后”的缺口时，从数据源补拉并交给存储合并。
// 每个序列的状态机为 Idle -> Fetching -> Merging -> Idle；拉取期间不持有存储锁。
type Filler struct {
	cfg      Config
	fetcher  market.Fetcher
	limiter  *rate.Limiter
	breakers *circuit.Group
	recorder Recorder
	onReport func(Report)
	nowFn    func() time.Time

	mu     sync.Mutex
	states map[string]State
}

func New(fetcher market.Fetcher, cfg Config, opts ...Option) *Filler {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.RatePerMin > 0 {
		limit = rate.Limit(float64(cfg.RatePerMin) / 60.0)
	}
	f := &Filler{
		cfg:      cfg,
		fetcher:  fetcher,
		limiter:  rate.NewLimiter(limit, 1),
		breakers: circuit.NewGroup(cfg.BreakerThreshold, cfg.BreakerCooldown),
		nowFn:    time.Now,
		states:   make(map[string]State),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Breakers exposes the per-venue fetch breakers for status reporting.
func (f *Filler) Breakers() *circuit.Group { return f.breakers }

func (f *Filler) State(key market.SeriesKey) State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[key.String()]
}

// begin moves key from Idle to Fetching; false when a fill is already running.
func (f *Filler) begin(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.states[key] != StateIdle {
		return false
	}
	f.states[key] = StateFetching
	return true
}

func (f *Filler) setState(key string, st State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st == StateIdle {
		delete(f.states, key)
		return
	}
	f.states[key] = st
}

// Required is the candle count needed to cover the gap after last, including the boundary
// candle, capped at maxBatch. Zero means no gap.
func Required(last, now time.Time, gran market.Granularity, maxBatch int) int {
	if gran.Duration <= 0 || last.IsZero() {
		return 0
	}
	gap := now.Sub(last)
	if gap < gran.Duration {
		return 0
	}
	n := int(math.Ceil(float64(gap)/float64(gran.Duration))) + 1
	if maxBatch > 0 && n > maxBatch {
		n = maxBatch
	}
	return n
}

// Fill recovers candles missing since the target's last timestamp. Fetch failures, empty
// results and timeouts end with Recovered=0; Fill never returns an error.
func (f *Filler) Fill(ctx context.Context, target Target) (rep Report) {
	key := target.Key()
	rep = Report{
		JobID:     uuid.NewString(),
		Key:       key,
		Series:    key.String(),
		StartedAt: f.nowFn(),
	}
	defer func() {
		rep.FinishedAt = f.nowFn()
		f.finish(ctx, rep)
	}()

	last, ok := target.LastTimestamp()
	if !ok {
		rep.Outcome, rep.Skipped = OutcomeSkipped, true
		return rep
	}
	rep.PrevLast, rep.NewLast = last, last
	need := Required(last, f.nowFn(), key.Granularity, f.cfg.MaxBatch)
	if need == 0 {
		rep.Outcome = OutcomeUpToDate
		return rep
	}
	rep.Requested = need

	if !f.begin(key.String()) {
		rep.Outcome = OutcomeBusy
		return rep
	}
	defer f.setState(key.String(), StateIdle)

	fetched, err := f.fetch(ctx, key, need)
	rep.Fetched = len(fetched)
	if err != nil {
		rep.Outcome, rep.Error = OutcomeFailed, err.Error()
		return rep
	}

	f.setState(key.String(), StateMerging)
	valid := make([]market.Candle, 0, len(fetched))
	for _, c := range fetched {
		if c.Validate() == nil {
			valid = append(valid, c)
		}
	}
	valid = market.SortAndDedupe(valid)
	if len(valid) == 0 {
		rep.Outcome = OutcomeEmpty
		return rep
	}
	recovered := 0
	for _, c := range valid {
		if c.Timestamp.After(last) {
			recovered++
		}
	}
	if _, err := target.AppendBatch(valid); err != nil {
		rep.Outcome, rep.Error = OutcomeFailed, err.Error()
		return rep
	}
	if err := target.Flush(ctx); err != nil {
		// accepted candles stay pending in the store and are retried on the next flush
		rep.Error = fmt.Sprintf("flush: %v", err)
	}
	rep.Recovered = recovered
	rep.Outcome = OutcomeRecovered
	if nl, ok := target.LastTimestamp(); ok {
		rep.NewLast = nl
	}
	return rep
}

func (f *Filler) fetch(ctx context.Context, key market.SeriesKey, need int) ([]market.Candle, error) {
	if f.fetcher == nil {
		return nil, errors.New("no fetcher configured")
	}
	fctx, cancel := context.WithTimeout(ctx, f.cfg.FetchTimeout)
	defer cancel()
	if err := f.limiter.Wait(fctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	var out []market.Candle
	op := func() error {
		if err := fctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := f.breakers.Get(key.Venue).Do(func() error {
			cs, err := f.fetcher.Fetch(fctx, key, need)
			if err != nil {
				return err
			}
			out = cs
			return nil
		})
		if errors.Is(err, circuit.ErrOpen) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.cfg.RetryInterval
	policy.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(f.cfg.Retries)), fctx))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *Filler) finish(ctx context.Context, rep Report) {
	switch rep.Outcome {
	case OutcomeRecovered:
		logger.Infof("[backfill] %s job=%s 请求=%d 拉取=%d 补齐=%d last=%s",
			rep.Series, rep.JobID, rep.Requested, rep.Fetched, rep.Recovered, rep.NewLast.Format(time.RFC3339))
	case OutcomeFailed:
		logger.Warnf("[backfill] %s job=%s 补拉失败: %s", rep.Series, rep.JobID, rep.Error)
	case OutcomeSkipped:
		logger.Debugf("[backfill] %s 无历史数据，跳过（由初始加载负责）", rep.Series)
	default:
		logger.Debugf("[backfill] %s outcome=%s", rep.Series, rep.Outcome)
	}
	if f.onReport != nil {
		f.onReport(rep)
	}
	if f.recorder != nil && rep.Outcome != OutcomeUpToDate {
		if err := f.recorder.RecordBackfill(context.WithoutCancel(ctx), rep); err != nil {
			logger.Warnf("[backfill] 记录任务失败 %s: %v", rep.Series, err)
		}
	}
}

// FillAll fills every target with bounded concurrency.
func (f *Filler) FillAll(ctx context.Context, targets []Target) []Report {
	reports := make([]Report, len(targets))
	var eg errgroup.Group
	eg.SetLimit(f.cfg.Concurrency)
	for i, t := range targets {
		i, t := i, t
		eg.Go(func() error {
			reports[i] = f.Fill(ctx, t)
			return nil
		})
	}
	_ = eg.Wait()
	return reports
}

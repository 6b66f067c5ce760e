package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"klinevault/internal/analysis/indicator"
	"klinevault/internal/logger"
	"klinevault/internal/market"
	"klinevault/internal/segment"
)

// ErrNoData is returned by reads when neither memory nor disk has candles for the series.
var ErrNoData = errors.New("no candle data")

// LoadSource tells where LoadInitial got its data from.
type LoadSource string

const (
	SourceSegment    LoadSource = "segment"
	SourceFetch      LoadSource = "fetch"
	SourceEmpty      LoadSource = "empty"
	SourceSeedFailed LoadSource = "seed_failed"
)

type LoadResult struct {
	Source LoadSource
	// Rows is the number of candles read from disk or fetched.
	Rows int
	// Seeded is the working-set size after loading.
	Seeded int
	// Err carries the swallowed fetch error for SourceSeedFailed.
	Err error
}

// Frame is a read result: candles plus optional derived columns aligned with them.
type Frame struct {
	Key     market.SeriesKey
	Candles market.Candles
	Columns map[string][]float64
}

type Stats struct {
	Key           string    `json:"key"`
	Path          string    `json:"path"`
	WorkingSet    int       `json:"working_set"`
	Capacity      int       `json:"capacity"`
	Pending       int       `json:"pending"`
	Persisted     int       `json:"persisted"`
	LastTimestamp time.Time `json:"last_timestamp"`
	LastFlush     time.Time `json:"last_flush"`
	Flushes       uint64    `json:"flushes"`
	FlushErrors   uint64    `json:"flush_errors"`
	LastError     string    `json:"last_error,omitempty"`
}

type pendingEntry struct {
	candle market.Candle
	seq    uint64
}

// CandleStore owns one series: a bounded working set in memory, a pending delta not yet
// persisted, and the segment file on disk.
//
// Lock order is ioMu then mu. mu guards the in-memory state and is never held during disk or
// network I/O; ioMu serializes read-merge-write of the segment.
type CandleStore struct {
	key        market.SeriesKey
	path       string
	cfg        Config
	observer   Observer
	replicator *segment.Replicator
	nowFn      func() time.Time
	writeFile  func(path string, data []byte) error
	log        *slog.Logger

	ioMu sync.Mutex

	mu            sync.RWMutex
	ws            *workingSet
	pending       map[int64]pendingEntry
	seq           uint64
	sinceFlush    int
	lastFlush     time.Time
	persisted     int
	persistedLast time.Time
	flushes       uint64
	flushErrors   uint64
	lastErr       string
}

func NewCandleStore(key market.SeriesKey, cfg Config, opts ...Option) *CandleStore {
	cfg = cfg.withDefaults()
	s := &CandleStore{
		key:       key,
		path:      segment.PathFor(cfg.BaseDir, key),
		cfg:       cfg,
		observer:  nopObserver{},
		nowFn:     time.Now,
		writeFile: segment.WriteFile,
		ws:        newWorkingSet(cfg.WorkingSet),
		pending:   make(map[int64]pendingEntry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.lastFlush = s.nowFn()
	s.log = logger.With(append(key.LogArgs(), "path", s.path)...)
	return s
}

func (s *CandleStore) Key() market.SeriesKey { return s.key }
func (s *CandleStore) Path() string          { return s.path }

// LoadInitial seeds the working set from the segment, or from fallback when no segment exists.
// Fetch failures are reported through LoadResult, only disk problems are returned as errors.
func (s *CandleStore) LoadInitial(ctx context.Context, fallback market.Fetcher) (LoadResult, error) {
	// ioMu 覆盖读取与播种，避免并发 flush 提交后被旧段覆盖
	s.ioMu.Lock()
	seg, err := segment.Read(s.path)
	if err != nil {
		s.ioMu.Unlock()
		s.reportReadError(err)
		return LoadResult{}, err
	}
	if seg.Present && len(seg.Candles) > 0 {
		s.mu.Lock()
		s.seedLocked(seg.Candles)
		s.persisted = len(seg.Candles)
		s.persistedLast = seg.Candles[len(seg.Candles)-1].Timestamp
		seeded := s.ws.Len()
		s.mu.Unlock()
		s.ioMu.Unlock()
		s.log.Info("[load] 从段文件加载", "rows", len(seg.Candles), "seeded", seeded)
		return LoadResult{Source: SourceSegment, Rows: len(seg.Candles), Seeded: seeded}, nil
	}
	s.ioMu.Unlock()
	if fallback == nil {
		return LoadResult{Source: SourceEmpty, Seeded: s.Count()}, nil
	}

	fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	fetched, err := fallback.Fetch(fctx, s.key, s.cfg.SeedLimit)
	cancel()
	if err != nil {
		s.log.Warn("[load] 初始拉取失败", "limit", s.cfg.SeedLimit, "err", err)
		return LoadResult{Source: SourceSeedFailed, Seeded: s.Count(), Err: err}, nil
	}
	valid := validOnly(fetched, s.log)
	if len(valid) == 0 {
		return LoadResult{Source: SourceEmpty, Seeded: s.Count()}, nil
	}
	if _, err := s.appendValid(valid, false); err != nil {
		return LoadResult{}, err
	}
	if err := s.Flush(ctx); err != nil {
		s.log.Warn("[load] 初始数据落盘失败，保留待写", "rows", len(valid), "err", err)
	}
	return LoadResult{Source: SourceFetch, Rows: len(valid), Seeded: s.Count()}, nil
}

// seedLocked replaces the working set with persisted candles and re-applies pending entries
// accepted before loading.
func (s *CandleStore) seedLocked(candles []market.Candle) {
	s.ws.reset(candles)
	for _, e := range s.sortedPendingLocked() {
		s.ws.upsert(e.candle)
	}
}

// Append accepts one candle. Invalid candles are rejected without touching state. A flush
// failure is logged and the candle stays pending for the next attempt.
func (s *CandleStore) Append(c market.Candle) error {
	_, err := s.AppendBatch([]market.Candle{c})
	return err
}

// AppendBatch validates every candle first, so a bad one rejects the whole batch.
func (s *CandleStore) AppendBatch(cs []market.Candle) (int, error) {
	for i, c := range cs {
		if err := c.Validate(); err != nil {
			return 0, fmt.Errorf("%s candle %d: %w", s.key, i, err)
		}
	}
	return s.appendValid(cs, true)
}

func (s *CandleStore) appendValid(cs []market.Candle, autoFlush bool) (int, error) {
	if len(cs) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	skipped := 0
	for _, c := range cs {
		c = c.Canonicalize()
		s.seq++
		s.pending[c.Millis()] = pendingEntry{candle: c, seq: s.seq}
		if s.ws.upsert(c) == upsertSkipped {
			skipped++
		}
		s.sinceFlush++
	}
	due := autoFlush && s.flushDueLocked(s.nowFn())
	s.mu.Unlock()

	if skipped > 0 {
		s.log.Debug("[append] 早于工作集窗口，仅写入待落盘", "count", skipped)
	}
	if due {
		if err := s.Flush(context.Background()); err != nil {
			s.log.Warn("[flush] 落盘失败，待下次重试", "pending", s.Pending(), "err", err)
		}
	}
	return len(cs), nil
}

func (s *CandleStore) flushDueLocked(now time.Time) bool {
	if len(s.pending) == 0 {
		return false
	}
	if s.cfg.FlushEvery > 0 && s.sinceFlush >= s.cfg.FlushEvery {
		return true
	}
	return s.cfg.FlushInterval > 0 && now.Sub(s.lastFlush) >= s.cfg.FlushInterval
}

// Flush merges the pending delta into the segment and commits it atomically.
func (s *CandleStore) Flush(ctx context.Context) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	return s.flushLocked(ctx)
}

// flushLocked requires ioMu.
func (s *CandleStore) flushLocked(ctx context.Context) error {
	s.mu.RLock()
	entries := s.sortedPendingLocked()
	upto := s.seq
	s.mu.RUnlock()
	if len(entries) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	delta := make([]market.Candle, len(entries))
	for i, e := range entries {
		delta[i] = e.candle
	}

	start := s.nowFn()
	seg, err := segment.Read(s.path)
	if err != nil {
		s.reportReadError(err)
		return s.flushFailed(err, len(delta))
	}
	merged, err := Merge(seg.Candles, delta)
	if err != nil {
		return s.flushFailed(err, len(delta))
	}
	data, err := segment.Encode(s.key, merged)
	if err != nil {
		return s.flushFailed(err, len(delta))
	}
	if err := s.writeFile(s.path, data); err != nil {
		return s.flushFailed(err, len(delta))
	}
	replicaFailures := 0
	if s.replicator != nil {
		replicaFailures = s.replicator.Replicate(s.key, data)
	}

	now := s.nowFn()
	s.mu.Lock()
	for ms, e := range s.pending {
		if e.seq <= upto {
			delete(s.pending, ms)
		}
	}
	s.sinceFlush = len(s.pending)
	s.lastFlush = now
	s.persisted = len(merged)
	s.persistedLast = merged[len(merged)-1].Timestamp
	s.flushes++
	s.lastErr = ""
	wsLen := s.ws.Len()
	s.mu.Unlock()

	info := FlushInfo{
		Path:            s.path,
		Rows:            len(merged),
		Delta:           len(delta),
		Bytes:           len(data),
		Duration:        now.Sub(start),
		First:           merged[0].Timestamp,
		Last:            merged[len(merged)-1].Timestamp,
		ReplicaFailures: replicaFailures,
		WorkingSet:      wsLen,
	}
	s.observer.OnFlush(s.key, info)
	s.log.Debug("[flush] 已落盘", "rows", info.Rows, "delta", info.Delta, "bytes", info.Bytes)
	return nil
}

func (s *CandleStore) flushFailed(err error, delta int) error {
	s.mu.Lock()
	s.flushErrors++
	s.lastErr = err.Error()
	s.mu.Unlock()
	s.log.Error("[flush] 合并写入失败", "delta", delta, "err", err)
	s.observer.OnFlushError(s.key, err)
	return err
}

func (s *CandleStore) reportReadError(err error) {
	var ce *segment.CorruptError
	if errors.As(err, &ce) {
		s.observer.OnQuarantine(s.key, ce)
	}
}

// sortedPendingLocked requires mu (read or write).
func (s *CandleStore) sortedPendingLocked() []pendingEntry {
	if len(s.pending) == 0 {
		return nil
	}
	out := make([]pendingEntry, 0, len(s.pending))
	for _, e := range s.pending {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].candle.Timestamp.Before(out[j].candle.Timestamp) })
	return out
}

// GetRecent returns the newest limit candles from the working set. With derived, columns are
// computed over limit+warmup candles and trimmed back to limit; warmup < 0 uses the configured
// default. Warmup the working set cannot cover is read from the segment. limit <= 0 means the
// whole working set.
func (s *CandleStore) GetRecent(limit int, derived bool, warmup int) (Frame, error) {
	if warmup < 0 {
		warmup = s.cfg.DefaultWarmup
	}
	s.mu.RLock()
	if limit <= 0 || limit > s.ws.Len() {
		limit = s.ws.Len()
	}
	n := limit
	if derived {
		n += warmup
	}
	candles := s.ws.tail(n)
	short := derived && len(candles) < n && s.persisted+len(s.pending) > len(candles)
	s.mu.RUnlock()
	if len(candles) == 0 {
		return Frame{}, fmt.Errorf("%s: %w", s.key, ErrNoData)
	}
	if short {
		candles = s.extendWarmup(candles, n-len(candles))
	}
	frame := Frame{Key: s.key, Candles: candles}
	if derived {
		frame.Columns = indicator.Trim(indicator.Derive(candles, s.cfg.Indicators), limit)
	}
	frame.Candles = frame.Candles.Tail(limit)
	return frame, nil
}

// extendWarmup prepends up to need candles older than candles[0], taken from the segment with
// pending entries overlaid. Read failures only cost warmup, so they are logged and candles is
// returned unchanged.
func (s *CandleStore) extendWarmup(candles []market.Candle, need int) []market.Candle {
	s.ioMu.Lock()
	seg, err := segment.Read(s.path)
	s.mu.RLock()
	entries := s.sortedPendingLocked()
	s.mu.RUnlock()
	s.ioMu.Unlock()
	if err != nil {
		s.reportReadError(err)
		s.log.Warn("[recent] 读取段文件补充 warmup 失败", "err", err)
		return candles
	}
	delta := make([]market.Candle, len(entries))
	for i, e := range entries {
		delta[i] = e.candle
	}
	full, err := Merge(seg.Candles, delta)
	if err != nil {
		s.log.Warn("[recent] 合并待写数据失败，warmup 不补充", "err", err)
		return candles
	}
	first := candles[0].Timestamp
	end := sort.Search(len(full), func(i int) bool { return !full[i].Timestamp.Before(first) })
	start := max(end-need, 0)
	if start == end {
		return candles
	}
	out := make([]market.Candle, 0, end-start+len(candles))
	out = append(out, full[start:end]...)
	return append(out, candles...)
}

// GetFullHistory flushes any pending delta and returns the complete persisted history. If the
// flush fails for a transient reason, the pending delta is overlaid in memory instead.
func (s *CandleStore) GetFullHistory(ctx context.Context, derived bool) (Frame, error) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	flushErr := s.flushLocked(ctx)
	if flushErr != nil && (errors.Is(flushErr, segment.ErrCorrupt) || errors.Is(flushErr, ErrNotMonotonic) || ctx.Err() != nil) {
		return Frame{}, flushErr
	}
	seg, err := segment.Read(s.path)
	if err != nil {
		s.reportReadError(err)
		return Frame{}, err
	}
	candles := seg.Candles
	if flushErr != nil {
		s.mu.RLock()
		entries := s.sortedPendingLocked()
		s.mu.RUnlock()
		delta := make([]market.Candle, len(entries))
		for i, e := range entries {
			delta[i] = e.candle
		}
		if candles, err = Merge(candles, delta); err != nil {
			return Frame{}, err
		}
		s.log.Warn("[history] 落盘失败，返回内存叠加结果", "pending", len(delta), "err", flushErr)
	}
	if len(candles) == 0 {
		return Frame{}, fmt.Errorf("%s: %w", s.key, ErrNoData)
	}
	frame := Frame{Key: s.key, Candles: candles}
	if derived {
		frame.Columns = indicator.Derive(candles, s.cfg.Indicators)
	}
	return frame, nil
}

// Clear drops the working set and any unflushed candles. The segment file is left as is.
func (s *CandleStore) Clear() {
	s.mu.Lock()
	dropped := len(s.pending)
	s.ws.clear()
	s.pending = make(map[int64]pendingEntry)
	s.sinceFlush = 0
	s.mu.Unlock()
	if dropped > 0 {
		s.log.Warn("[clear] 丢弃未落盘数据", "pending", dropped)
	}
}

// Count is the working-set size.
func (s *CandleStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ws.Len()
}

// Pending is the number of accepted candles not yet persisted.
func (s *CandleStore) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// LastTimestamp is the newest timestamp known to the store, in memory or on disk.
func (s *CandleStore) LastTimestamp() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	last := s.persistedLast
	if c, ok := s.ws.last(); ok && c.Timestamp.After(last) {
		last = c.Timestamp
	}
	for _, e := range s.pending {
		if e.candle.Timestamp.After(last) {
			last = e.candle.Timestamp
		}
	}
	return last, !last.IsZero()
}

func (s *CandleStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Key:         s.key.String(),
		Path:        s.path,
		WorkingSet:  s.ws.Len(),
		Capacity:    s.ws.Cap(),
		Pending:     len(s.pending),
		Persisted:   s.persisted,
		LastFlush:   s.lastFlush,
		Flushes:     s.flushes,
		FlushErrors: s.flushErrors,
		LastError:   s.lastErr,
	}
	st.LastTimestamp = s.persistedLast
	if c, ok := s.ws.last(); ok && c.Timestamp.After(st.LastTimestamp) {
		st.LastTimestamp = c.Timestamp
	}
	return st
}

func validOnly(cs []market.Candle, log *slog.Logger) []market.Candle {
	out := make([]market.Candle, 0, len(cs))
	bad := 0
	for _, c := range cs {
		if err := c.Validate(); err != nil {
			bad++
			continue
		}
		out = append(out, c)
	}
	if bad > 0 {
		log.Warn("[load] 丢弃无效K线", "count", bad)
	}
	return market.SortAndDedupe(out)
}

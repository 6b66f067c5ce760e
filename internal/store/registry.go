package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"klinevault/internal/logger"
	"klinevault/internal/market"
)

const (
	defaultShardCount  = 32
	defaultLoadWorkers = 4
)

// Registry maps series keys to their stores. Keys are spread over FNV-hashed shards so
// unrelated series never contend on one lock.
type Registry struct {
	cfg    Config
	opts   []Option
	shards []registryShard
	loads  singleflight.Group
}

type registryShard struct {
	mu     sync.RWMutex
	stores map[string]*CandleStore
}

func NewRegistry(cfg Config, opts ...Option) *Registry {
	return newRegistry(defaultShardCount, cfg, opts...)
}

func newRegistry(shards int, cfg Config, opts ...Option) *Registry {
	if shards <= 0 {
		shards = 1
	}
	r := &Registry{
		cfg:    cfg,
		opts:   opts,
		shards: make([]registryShard, shards),
	}
	for i := range r.shards {
		r.shards[i] = registryShard{stores: make(map[string]*CandleStore)}
	}
	return r
}

func (r *Registry) shardFor(key string) *registryShard {
	idx := hashKey(key) % uint32(len(r.shards))
	return &r.shards[idx]
}

// Get returns the store for key, creating it on first use.
func (r *Registry) Get(key market.SeriesKey) *CandleStore {
	k := key.String()
	sh := r.shardFor(k)
	sh.mu.RLock()
	st, ok := sh.stores[k]
	sh.mu.RUnlock()
	if ok {
		return st
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if st, ok = sh.stores[k]; ok {
		return st
	}
	st = NewCandleStore(key, r.cfg, r.opts...)
	sh.stores[k] = st
	return st
}

// Lookup returns the store only if it already exists.
func (r *Registry) Lookup(key market.SeriesKey) (*CandleStore, bool) {
	k := key.String()
	sh := r.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	st, ok := sh.stores[k]
	return st, ok
}

// Stores returns every registered store ordered by key.
func (r *Registry) Stores() []*CandleStore {
	var out []*CandleStore
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, st := range sh.stores {
			out = append(out, st)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key.String() < out[j].key.String() })
	return out
}

func (r *Registry) Keys() []market.SeriesKey {
	stores := r.Stores()
	keys := make([]market.SeriesKey, len(stores))
	for i, st := range stores {
		keys[i] = st.key
	}
	return keys
}

// LoadAll runs LoadInitial for every key with bounded concurrency. Corrupt segments do not
// stop the other series; their errors are joined into the result.
func (r *Registry) LoadAll(ctx context.Context, keys []market.SeriesKey, fallback market.Fetcher) (map[string]LoadResult, error) {
	var (
		mu      sync.Mutex
		results = make(map[string]LoadResult, len(keys))
		errs    []error
	)
	var eg errgroup.Group
	eg.SetLimit(defaultLoadWorkers)
	for _, key := range keys {
		key := key
		eg.Go(func() error {
			res, err := r.Get(key).LoadInitial(ctx, fallback)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return nil
			}
			results[key.String()] = res
			return nil
		})
	}
	_ = eg.Wait()
	return results, errors.Join(errs...)
}

// FullHistory deduplicates concurrent full-history loads of one key. The returned frame may be
// shared between callers and must not be modified. The shared load ignores cancellation so one
// caller giving up does not fail the others; each caller still returns on its own ctx.
func (r *Registry) FullHistory(ctx context.Context, key market.SeriesKey, derived bool) (Frame, error) {
	flight := fmt.Sprintf("%s|%t", key, derived)
	loadCtx := context.WithoutCancel(ctx)
	ch := r.loads.DoChan(flight, func() (any, error) {
		return r.Get(key).GetFullHistory(loadCtx, derived)
	})
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Frame{}, res.Err
		}
		return res.Val.(Frame), nil
	}
}

// AppendEvent stores a closed candle from a live feed. Still-forming candles are ignored;
// they are rewritten until the bucket closes.
func (r *Registry) AppendEvent(ctx context.Context, evt market.CandleEvent) error {
	if !evt.Final {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.Get(evt.Key).Append(evt.Candle)
}

// AppendEvents groups events by series and appends each group as one batch.
func (r *Registry) AppendEvents(ctx context.Context, events []market.CandleEvent) (int, error) {
	groups := make(map[string][]market.Candle)
	keys := make(map[string]market.SeriesKey)
	for _, evt := range events {
		if !evt.Final {
			continue
		}
		k := evt.Key.String()
		keys[k] = evt.Key
		groups[k] = append(groups[k], evt.Candle)
	}
	total := 0
	var errs []error
	for k, cs := range groups {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		n, err := r.Get(keys[k]).AppendBatch(cs)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// FlushAll flushes every store, continuing past failures.
func (r *Registry) FlushAll(ctx context.Context) error {
	var errs []error
	for _, st := range r.Stores() {
		if err := st.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", st.key, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) Stats() []Stats {
	stores := r.Stores()
	out := make([]Stats, len(stores))
	for i, st := range stores {
		out[i] = st.Stats()
	}
	return out
}

// Close performs a final flush of every series.
func (r *Registry) Close(ctx context.Context) error {
	err := r.FlushAll(ctx)
	if err != nil {
		logger.Errorf("[registry] 关闭时落盘失败: %v", err)
		return err
	}
	logger.Infof("[registry] 已关闭 series=%d", len(r.Stores()))
	return nil
}

func hashKey(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

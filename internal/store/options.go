package store

import (
	"time"

	"klinevault/internal/analysis/indicator"
	"klinevault/internal/segment"
)

const (
	defaultWorkingSet   = 1000
	defaultWarmup       = 100
	defaultFetchTimeout = 30 * time.Second
)

// Config 是单个序列存储的运行参数。
type Config struct {
	BaseDir       string
	WorkingSet    int
	DefaultWarmup int
	// FlushEvery flushes after this many accepted candles; 1 flushes on every append.
	FlushEvery int
	// FlushInterval flushes on the first append after this much time since the last flush.
	FlushInterval time.Duration
	FetchTimeout  time.Duration
	// SeedLimit is how many candles LoadInitial asks the fallback for; defaults to WorkingSet.
	SeedLimit  int
	Indicators indicator.Settings
}

func (c Config) withDefaults() Config {
	if c.BaseDir == "" {
		c.BaseDir = "data"
	}
	if c.WorkingSet <= 0 {
		c.WorkingSet = defaultWorkingSet
	}
	if c.DefaultWarmup <= 0 {
		c.DefaultWarmup = defaultWarmup
	}
	if c.FlushEvery <= 0 && c.FlushInterval <= 0 {
		c.FlushEvery = 1
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.SeedLimit <= 0 {
		c.SeedLimit = c.WorkingSet
	}
	return c
}

// DefaultConfig returns the defaults used when no configuration file is present.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

type Option func(*CandleStore)

func WithObserver(o Observer) Option {
	return func(s *CandleStore) {
		if o != nil {
			s.observer = o
		}
	}
}

func WithReplicator(r *segment.Replicator) Option {
	return func(s *CandleStore) { s.replicator = r }
}

func WithClock(now func() time.Time) Option {
	return func(s *CandleStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

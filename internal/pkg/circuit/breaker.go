package circuit

import (
	"context"
	"errors"
	"sync"
	"time"

	"klinevault/internal/logger"
)

// ErrOpen is returned by Do while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker 按连续失败次数熔断一个数据源；冷却结束后只放行一个探测请求。
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	nowFn     func() time.Time
	onChange  func(name string, from, to State)

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

func NewBreaker(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &Breaker{name: name, threshold: threshold, cooldown: cooldown, nowFn: time.Now}
}

// SetClock replaces the time source; tests only.
func (cb *Breaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if now != nil {
		cb.nowFn = now
	}
}

func (cb *Breaker) Name() string { return cb.name }

func (cb *Breaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a call may proceed. In half-open only the first caller gets through
// until its outcome is recorded.
func (cb *Breaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.nowFn().Sub(cb.openedAt) < cb.cooldown {
			return false
		}
		cb.setState(StateHalfOpen)
		cb.probing = true
		return true
	default:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
}

func (cb *Breaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probing = false
	if cb.state != StateClosed {
		cb.setState(StateClosed)
	}
}

func (cb *Breaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.probing = false
	if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.failures >= cb.threshold) {
		cb.openedAt = cb.nowFn()
		cb.setState(StateOpen)
	}
}

// Do runs fn when allowed and records its outcome. A cancelled or expired caller context is
// not the source's fault and counts as neither success nor failure.
func (cb *Breaker) Do(fn func() error) error {
	if !cb.Allow() {
		return ErrOpen
	}
	err := fn()
	switch {
	case err == nil:
		cb.RecordSuccess()
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		cb.mu.Lock()
		cb.probing = false
		cb.mu.Unlock()
	default:
		cb.RecordFailure()
	}
	return err
}

// setState requires mu.
func (cb *Breaker) setState(to State) {
	from := cb.state
	cb.state = to
	if cb.onChange != nil {
		go cb.onChange(cb.name, from, to)
	}
	logger.Warnf("[circuit] %s: %s -> %s (failures=%d/%d, cooldown=%s)",
		cb.name, from, to, cb.failures, cb.threshold, cb.cooldown)
}

// Group lazily creates one breaker per name (venue) with shared settings.
type Group struct {
	threshold int
	cooldown  time.Duration
	nowFn     func() time.Time
	onChange  func(name string, from, to State)

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewGroup(threshold int, cooldown time.Duration) *Group {
	return &Group{threshold: threshold, cooldown: cooldown, breakers: make(map[string]*Breaker)}
}

// OnStateChange registers fn for every breaker in the group, including ones created later.
func (g *Group) OnStateChange(fn func(name string, from, to State)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onChange = fn
	for _, b := range g.breakers {
		b.mu.Lock()
		b.onChange = fn
		b.mu.Unlock()
	}
}

// SetClock applies now to existing and future breakers; tests only.
func (g *Group) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nowFn = now
	for _, b := range g.breakers {
		b.SetClock(now)
	}
}

func (g *Group) Get(name string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, g.threshold, g.cooldown)
	b.onChange = g.onChange
	if g.nowFn != nil {
		b.nowFn = g.nowFn
	}
	g.breakers[name] = b
	return b
}

// States snapshots every breaker's state by name.
func (g *Group) States() map[string]State {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]State, len(g.breakers))
	for name, b := range g.breakers {
		out[name] = b.State()
	}
	return out
}

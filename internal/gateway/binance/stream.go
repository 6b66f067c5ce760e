package binance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"klinevault/internal/logger"
	"klinevault/internal/market"
	"klinevault/internal/pkg/symbol"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/cenkalti/backoff/v4"
)

const (
	defaultStreamBuffer = 512
	reconnectInitial    = time.Second
	reconnectMax        = 30 * time.Second
)

// route is the (symbol, interval) pair as it appears on the wire.
type route struct {
	symbol   string
	interval string
}

// Subscribe streams kline events for keys over one combined websocket. The connection is
// re-established with exponential backoff until ctx ends or Close is called; a new Subscribe
// replaces the previous subscription.
func (s *Source) Subscribe(ctx context.Context, keys []market.SeriesKey, opts market.SubscribeOptions) (<-chan market.CandleEvent, error) {
	routes := buildRoutes(keys)
	if len(routes) == 0 {
		return nil, fmt.Errorf("binance: no valid series to subscribe")
	}
	intervals := make(map[string][]string)
	for r := range routes {
		intervals[r.symbol] = append(intervals[r.symbol], r.interval)
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	out := make(chan market.CandleEvent, buffer)
	subCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		defer close(out)
		s.serve(subCtx, intervals, routes, out, opts)
	}()
	return out, nil
}

func buildRoutes(keys []market.SeriesKey) map[route]market.SeriesKey {
	out := make(map[route]market.SeriesKey, len(keys))
	for _, k := range keys {
		sym := symbol.Compact(k.Instrument)
		if sym == "" || k.Granularity.Key == "" {
			continue
		}
		out[route{symbol: sym, interval: k.Granularity.Key}] = k
	}
	return out
}

func newReconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectInitial
	b.MaxInterval = reconnectMax
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s *Source) serve(ctx context.Context, intervals map[string][]string, routes map[route]market.SeriesKey, out chan<- market.CandleEvent, opts market.SubscribeOptions) {
	retry := newReconnectBackoff()
	for ctx.Err() == nil {
		connected, err := s.session(ctx, intervals, routes, out, opts)
		if ctx.Err() != nil {
			return
		}
		if connected {
			retry.Reset()
		}
		if opts.OnDisconnect != nil {
			opts.OnDisconnect(err)
		}
		wait := retry.NextBackOff()
		logger.Warnf("[binance] kline stream 断开，%s 后重连: %v", wait, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// session runs one websocket connection until it drops or ctx ends. connected reports whether
// the dial succeeded; err is the last stream error seen, if any.
func (s *Source) session(ctx context.Context, intervals map[string][]string, routes map[route]market.SeriesKey, out chan<- market.CandleEvent, opts market.SubscribeOptions) (connected bool, err error) {
	var (
		errMu   sync.Mutex
		lastErr error
	)
	onKline := func(ev *futures.WsKlineEvent) {
		ce, ok := convertKlineEvent(ev, routes)
		if !ok {
			return
		}
		select {
		case out <- ce:
		case <-ctx.Done():
		default:
			logger.Warnf("[binance] 事件通道已满，丢弃 %s", ce.Key)
		}
	}
	onErr := func(err error) {
		if err == nil {
			return
		}
		errMu.Lock()
		lastErr = err
		errMu.Unlock()
	}

	doneC, stopC, err := futures.WsCombinedKlineServeMultiInterval(intervals, onKline, onErr)
	if err != nil {
		s.recordStreamError(err, false)
		return false, err
	}
	if opts.OnConnect != nil {
		opts.OnConnect()
	}
	select {
	case <-ctx.Done():
		close(stopC)
		<-doneC
		return true, ctx.Err()
	case <-doneC:
		close(stopC)
	}
	errMu.Lock()
	err = lastErr
	errMu.Unlock()
	s.recordStreamError(err, true)
	return true, err
}

func (s *Source) recordStreamError(err error, reconnect bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reconnect {
		s.stats.Reconnects++
	} else {
		s.stats.SubscribeErrors++
	}
	if err != nil {
		s.stats.LastError = err.Error()
	}
}

func convertKlineEvent(ev *futures.WsKlineEvent, routes map[route]market.SeriesKey) (market.CandleEvent, bool) {
	if ev == nil {
		return market.CandleEvent{}, false
	}
	key, ok := routes[route{
		symbol:   strings.ToUpper(strings.TrimSpace(ev.Symbol)),
		interval: strings.ToLower(strings.TrimSpace(ev.Kline.Interval)),
	}]
	if !ok {
		return market.CandleEvent{}, false
	}
	k := ev.Kline
	c, err := toCandle(k.StartTime, k.Open, k.High, k.Low, k.Close, k.Volume)
	if err != nil {
		logger.Warnf("[binance] %s 推送数据无效: %v", key, err)
		return market.CandleEvent{}, false
	}
	return market.CandleEvent{Key: key, Candle: c, Final: k.IsFinal}, true
}

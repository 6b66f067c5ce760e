package market

import (
	"context"
	"errors"
	"sync/atomic"

	"klinevault/internal/logger"
)

// EventSink receives live candle events; the store registry implements it.
type EventSink interface {
	AppendEvent(ctx context.Context, evt CandleEvent) error
}

// FeedCounters is a snapshot of what one feed has consumed.
type FeedCounters struct {
	Received int64 // every event off the wire
	Stored   int64 // final candles the sink accepted
	Rejected int64 // final candles the sink refused
}

// Feed pipes one venue's subscription into an EventSink.
type Feed struct {
	venue string
	keys  []SeriesKey
	sink  EventSink
	src   Subscriber
	hooks SubscribeOptions

	received, stored, rejected atomic.Int64
}

type FeedOption func(*Feed)

// WithConnectionHooks forwards the subscriber's connect/disconnect callbacks.
func WithConnectionHooks(onConnect func(), onDisconnect func(error)) FeedOption {
	return func(f *Feed) {
		f.hooks.OnConnect = onConnect
		f.hooks.OnDisconnect = onDisconnect
	}
}

func WithStreamBuffer(n int) FeedOption {
	return func(f *Feed) { f.hooks.Buffer = n }
}

func NewFeed(venue string, keys []SeriesKey, sink EventSink, src Subscriber, opts ...FeedOption) *Feed {
	f := &Feed{venue: venue, keys: append([]SeriesKey(nil), keys...), sink: sink, src: src}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

func (f *Feed) Venue() string { return f.venue }

// Run subscribes and blocks until ctx ends or the subscriber closes its channel. Sink errors
// are counted and logged; they never stop the feed. The subscriber is closed on return.
func (f *Feed) Run(ctx context.Context) error {
	switch {
	case f.src == nil:
		return errors.New("feed: nil subscriber")
	case f.sink == nil:
		return errors.New("feed: nil sink")
	case len(f.keys) == 0:
		return errors.New("feed: no series")
	}
	events, err := f.src.Subscribe(ctx, f.keys, f.hooks)
	if err != nil {
		return err
	}
	defer func() {
		if err := f.src.Close(); err != nil {
			logger.Warnf("[feed] %s close: %v", f.venue, err)
		}
	}()
	logger.Infof("[feed] %s 订阅 %d 个序列", f.venue, len(f.keys))

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				logger.Warnf("[feed] %s 事件流已关闭", f.venue)
				return nil
			}
			f.handle(ctx, evt)
		}
	}
}

func (f *Feed) handle(ctx context.Context, evt CandleEvent) {
	f.received.Add(1)
	if !evt.Final {
		return
	}
	if err := f.sink.AppendEvent(ctx, evt); err != nil {
		f.rejected.Add(1)
		logger.Warnf("[feed] 写入 %s 失败: %v", evt.Key, err)
		return
	}
	f.stored.Add(1)
}

func (f *Feed) Counters() FeedCounters {
	return FeedCounters{Received: f.received.Load(), Stored: f.stored.Load(), Rejected: f.rejected.Load()}
}

// SourceStats reports the subscriber's connection stats.
func (f *Feed) SourceStats() SourceStats {
	if f.src == nil {
		return SourceStats{}
	}
	return f.src.Stats()
}

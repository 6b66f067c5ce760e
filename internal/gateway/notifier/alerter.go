package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"klinevault/internal/backfill"
	"klinevault/internal/logger"
	"klinevault/internal/market"
	"klinevault/internal/segment"
	"klinevault/internal/store"
)

const (
	alertQueueSize   = 64
	alertSendTimeout = 30 * time.Second
)

// Sender delivers one rendered message.
type Sender interface {
	SendText(ctx context.Context, text string) error
}

// Alerter turns store and backfill failures into notifications. It implements store.Observer;
// messages are queued and sent from Run so flushes never wait on the network.
// Repeated flush/backfill failures of one series are muted for the cooldown; quarantines
// are always sent.
type Alerter struct {
	n        Sender
	cooldown time.Duration
	nowFn    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time

	queue   chan Alert
	dropped int
}

func NewAlerter(n Sender, cooldown time.Duration) *Alerter {
	return &Alerter{
		n:        n,
		cooldown: cooldown,
		nowFn:    time.Now,
		last:     make(map[string]time.Time),
		queue:    make(chan Alert, alertQueueSize),
	}
}

// Run sends queued messages until ctx is done, then drains what is left.
func (a *Alerter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			a.Drain()
			return nil
		case msg := <-a.queue:
			a.send(context.Background(), msg)
		}
	}
}

// Drain sends whatever is still queued; used after the final flush on shutdown.
func (a *Alerter) Drain() {
	for {
		select {
		case msg := <-a.queue:
			a.send(context.Background(), msg)
		default:
			return
		}
	}
}

func (a *Alerter) send(ctx context.Context, msg Alert) {
	ctx, cancel := context.WithTimeout(ctx, alertSendTimeout)
	defer cancel()
	if err := a.n.SendText(ctx, msg.Markdown()); err != nil {
		logger.Warnf("[alert] 发送失败 series=%s err=%v", msg.Series, err)
	}
}

func (a *Alerter) enqueue(msg Alert) {
	select {
	case a.queue <- msg:
	default:
		a.mu.Lock()
		a.dropped++
		a.mu.Unlock()
		logger.Warnf("[alert] 队列已满，丢弃 series=%s summary=%s", msg.Series, msg.Summary)
	}
}

// allow reports whether topic may alert now and records the attempt.
func (a *Alerter) allow(topic string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.nowFn()
	if last, ok := a.last[topic]; ok && a.cooldown > 0 && now.Sub(last) < a.cooldown {
		return false
	}
	a.last[topic] = now
	return true
}

func (a *Alerter) OnFlush(key market.SeriesKey, _ store.FlushInfo) {
	// 成功落盘后解除静默，下一次失败立即告警
	a.mu.Lock()
	delete(a.last, "flush|"+key.String())
	a.mu.Unlock()
}

func (a *Alerter) OnFlushError(key market.SeriesKey, err error) {
	if !a.allow("flush|" + key.String()) {
		return
	}
	a.enqueue(Alert{
		Level:   LevelWarn,
		Series:  key.String(),
		Summary: "落盘失败",
		Fields:  []Field{{"error", fmt.Sprint(err)}},
		Hint:    "待写入数据保留在内存，下次落盘重试",
		At:      a.nowFn(),
	})
}

func (a *Alerter) OnQuarantine(key market.SeriesKey, ce *segment.CorruptError) {
	a.enqueue(Alert{
		Level:   LevelCritical,
		Series:  key.String(),
		Summary: "段文件损坏已隔离",
		Fields: []Field{
			{"path", ce.Path},
			{"moved", ce.QuarantinedTo},
			{"cause", fmt.Sprint(ce.Err)},
		},
		Hint: "隔离前的历史需要手动恢复或重新补拉",
		At:   a.nowFn(),
	})
}

// ObserveBackfill alerts on failed fills; pass it to backfill.WithReportHook.
func (a *Alerter) ObserveBackfill(rep backfill.Report) {
	if rep.Outcome != backfill.OutcomeFailed || !a.allow("backfill|"+rep.Series) {
		return
	}
	a.enqueue(Alert{
		Level:   LevelWarn,
		Series:  rep.Series,
		Summary: "补缺口失败",
		Fields: []Field{
			{"job", rep.JobID},
			{"requested", fmt.Sprint(rep.Requested)},
			{"error", rep.Error},
		},
		At: a.nowFn(),
	})
}

// Dropped returns how many alerts were discarded because the queue was full.
func (a *Alerter) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

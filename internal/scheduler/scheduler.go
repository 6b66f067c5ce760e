package scheduler

import (
	"context"
	"fmt"
	"time"

	"klinevault/internal/logger"
)

// AlignedScheduler 在每根 K 线收盘后 Offset 时刻执行任务（UTC 网格对齐）。
type AlignedScheduler struct {
	Name           string
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	nowFn func() time.Time
	after func(time.Duration) <-chan time.Time
}

func NewAlignedScheduler(name string, interval, offset time.Duration) *AlignedScheduler {
	return &AlignedScheduler{
		Name:     name,
		Interval: interval,
		Offset:   offset,
		nowFn:    time.Now,
		after:    time.After,
	}
}

// slot is one scheduled run: the candle close it follows and the wall time to wake at.
type slot struct {
	close time.Time
	wake  time.Time
}

// next returns the first slot whose wake time is not yet past. Inside the offset window
// after a close the slot of that close is still pending.
func (s *AlignedScheduler) next(now time.Time) slot {
	now = now.UTC()
	c := now.Truncate(s.Interval)
	if !now.Before(c.Add(s.Offset)) {
		c = c.Add(s.Interval)
	}
	return slot{close: c, wake: c.Add(s.Offset)}
}

func (s *AlignedScheduler) tag() string {
	if s.Name == "" {
		return "[scheduler]"
	}
	return "[scheduler:" + s.Name + "]"
}

// Run blocks until ctx is done. task receives the close time of the candle it follows. A task
// that outlasts whole intervals does not cause catch-up runs; the skipped closes are logged.
func (s *AlignedScheduler) Run(ctx context.Context, task func(ctx context.Context, closeAt time.Time)) error {
	if task == nil {
		return fmt.Errorf("%s nil task", s.tag())
	}
	if s.Interval <= 0 {
		return fmt.Errorf("%s invalid interval %s", s.tag(), s.Interval)
	}
	offset := max(s.Offset, 0)
	if offset >= s.Interval {
		return fmt.Errorf("%s offset %s must be shorter than interval %s", s.tag(), offset, s.Interval)
	}
	s.Offset = offset
	now, after := s.nowFn, s.after
	if now == nil {
		now = time.Now
	}
	if after == nil {
		after = time.After
	}

	started := now().UTC()
	first := s.next(started)
	logger.Infof("%s started interval=%s offset=%s 下一根收盘=%s 执行于=%s",
		s.tag(), s.Interval, offset, first.close.Format(time.RFC3339), first.wake.Format(time.RFC3339))
	if s.RunImmediately {
		task(ctx, started.Truncate(s.Interval))
	}

	var last time.Time
	for ctx.Err() == nil {
		sl := s.next(now())
		if !last.IsZero() {
			if skipped := int(sl.close.Sub(last)/s.Interval) - 1; skipped > 0 {
				logger.Warnf("%s 任务耗时过长，跳过 %d 个收盘点", s.tag(), skipped)
			}
		}
		if wait := sl.wake.Sub(now()); wait > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-after(wait):
			}
		}
		logger.Debugf("%s run close=%s", s.tag(), sl.close.Format(time.RFC3339))
		task(ctx, sl.close)
		last = sl.close
	}
	return nil
}

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"klinevault/internal/logger"

	"github.com/robfig/cron/v3"
)

// Flusher is satisfied by *store.Registry.
type Flusher interface {
	FlushAll(ctx context.Context) error
}

// FlushJob 按 cron 表达式周期性把所有序列的待写入数据落盘。
type FlushJob struct {
	cron    *cron.Cron
	flusher Flusher
	timeout time.Duration

	mu  sync.Mutex
	ctx context.Context
}

func NewFlushJob(spec string, flusher Flusher, timeout time.Duration) (*FlushJob, error) {
	if flusher == nil {
		return nil, fmt.Errorf("flush job requires a flusher")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	j := &FlushJob{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		flusher: flusher,
		timeout: timeout,
		ctx:     context.Background(),
	}
	if _, err := j.cron.AddFunc(spec, j.run); err != nil {
		return nil, fmt.Errorf("register flush job %q: %w", spec, err)
	}
	return j, nil
}

// Run starts the cron loop and stops it when ctx is done.
func (j *FlushJob) Run(ctx context.Context) error {
	j.mu.Lock()
	j.ctx = ctx
	j.mu.Unlock()
	j.cron.Start()
	logger.Infof("[scheduler] flush cron started")
	<-ctx.Done()
	<-j.cron.Stop().Done()
	logger.Infof("[scheduler] flush cron stopped")
	return nil
}

func (j *FlushJob) run() {
	j.mu.Lock()
	parent := j.ctx
	j.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), j.timeout)
	defer cancel()
	if err := j.flusher.FlushAll(ctx); err != nil {
		logger.Warnf("[scheduler] flush cron: %v", err)
	}
}

package store

import (
	"time"

	"klinevault/internal/market"
	"klinevault/internal/segment"
)

// FlushInfo describes one committed flush.
type FlushInfo struct {
	Path            string
	Rows            int
	Delta           int
	Bytes           int
	Duration        time.Duration
	First           time.Time
	Last            time.Time
	ReplicaFailures int
	WorkingSet      int
}

// Observer receives store lifecycle events (metrics, catalog). Calls happen outside store locks.
type Observer interface {
	OnFlush(key market.SeriesKey, info FlushInfo)
	OnFlushError(key market.SeriesKey, err error)
	OnQuarantine(key market.SeriesKey, ce *segment.CorruptError)
}

type nopObserver struct{}

func (nopObserver) OnFlush(market.SeriesKey, FlushInfo)                   {}
func (nopObserver) OnFlushError(market.SeriesKey, error)                  {}
func (nopObserver) OnQuarantine(market.SeriesKey, *segment.CorruptError) {}

// Observers fans out to several observers; nil entries are skipped.
type Observers []Observer

func (o Observers) OnFlush(key market.SeriesKey, info FlushInfo) {
	for _, ob := range o {
		if ob != nil {
			ob.OnFlush(key, info)
		}
	}
}

func (o Observers) OnFlushError(key market.SeriesKey, err error) {
	for _, ob := range o {
		if ob != nil {
			ob.OnFlushError(key, err)
		}
	}
}

func (o Observers) OnQuarantine(key market.SeriesKey, ce *segment.CorruptError) {
	for _, ob := range o {
		if ob != nil {
			ob.OnQuarantine(key, ce)
		}
	}
}

package store

import (
	"sort"
	"time"

	"klinevault/internal/market"
)

type upsertResult int

const (
	upsertInserted upsertResult = iota
	upsertReplaced
	// upsertSkipped: older than the oldest slot of a full buffer. The candle still reaches the
	// segment through the pending delta.
	upsertSkipped
)

// workingSet 是固定容量的有序环形缓冲；尾部追加 O(1)，乱序写入二分定位。
type workingSet struct {
	buf  []market.Candle
	head int
	size int
}

func newWorkingSet(capacity int) *workingSet {
	if capacity <= 0 {
		capacity = defaultWorkingSet
	}
	return &workingSet{buf: make([]market.Candle, capacity)}
}

func (w *workingSet) Len() int      { return w.size }
func (w *workingSet) Cap() int      { return len(w.buf) }
func (w *workingSet) full() bool    { return w.size == len(w.buf) }
func (w *workingSet) idx(i int) int { return (w.head + i) % len(w.buf) }

func (w *workingSet) at(i int) market.Candle { return w.buf[w.idx(i)] }

func (w *workingSet) set(i int, c market.Candle) { w.buf[w.idx(i)] = c }

func (w *workingSet) push(c market.Candle) {
	if !w.full() {
		w.set(w.size, c)
		w.size++
		return
	}
	w.buf[w.head] = c
	w.head = (w.head + 1) % len(w.buf)
}

// search returns the first position whose timestamp is not before ts.
func (w *workingSet) search(ts time.Time) int {
	return sort.Search(w.size, func(i int) bool { return !w.at(i).Timestamp.Before(ts) })
}

func (w *workingSet) upsert(c market.Candle) upsertResult {
	if w.size == 0 {
		w.push(c)
		return upsertInserted
	}
	last := w.at(w.size - 1).Timestamp
	switch {
	case c.Timestamp.After(last):
		w.push(c)
		return upsertInserted
	case c.Timestamp.Equal(last):
		w.set(w.size-1, c)
		return upsertReplaced
	}
	pos := w.search(c.Timestamp)
	if pos < w.size && w.at(pos).Timestamp.Equal(c.Timestamp) {
		w.set(pos, c)
		return upsertReplaced
	}
	if w.full() {
		if pos == 0 {
			return upsertSkipped
		}
		// drop the oldest to make room
		w.head = (w.head + 1) % len(w.buf)
		w.size--
		pos--
	}
	for j := w.size; j > pos; j-- {
		w.set(j, w.at(j-1))
	}
	w.set(pos, c)
	w.size++
	return upsertInserted
}

// tail copies the newest n candles in ascending order.
func (w *workingSet) tail(n int) []market.Candle {
	if n <= 0 || n > w.size {
		n = w.size
	}
	out := make([]market.Candle, n)
	start := w.size - n
	for i := range out {
		out[i] = w.at(start + i)
	}
	return out
}

func (w *workingSet) last() (market.Candle, bool) {
	if w.size == 0 {
		return market.Candle{}, false
	}
	return w.at(w.size - 1), true
}

// reset replaces the contents with the newest candles of an ascending slice.
func (w *workingSet) reset(cs []market.Candle) {
	w.head, w.size = 0, 0
	if len(cs) > len(w.buf) {
		cs = cs[len(cs)-len(w.buf):]
	}
	for _, c := range cs {
		w.push(c)
	}
}

func (w *workingSet) clear() {
	for i := range w.buf {
		w.buf[i] = market.Candle{}
	}
	w.head, w.size = 0, 0
}

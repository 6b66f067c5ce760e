package market

import "context"

// Fetcher is the external fetch collaborator: it returns up to limit of the most recent
// candles for the key, or an error. Used for initial seeding and incremental catch-up.
type Fetcher interface {
	Fetch(ctx context.Context, key SeriesKey, limit int) ([]Candle, error)
}

// FetchFunc adapts a plain function to Fetcher.
type FetchFunc func(ctx context.Context, key SeriesKey, limit int) ([]Candle, error)

func (f FetchFunc) Fetch(ctx context.Context, key SeriesKey, limit int) ([]Candle, error) {
	return f(ctx, key, limit)
}

type CandleEvent struct {
	Key    SeriesKey
	Candle Candle
	Final  bool
}

type SubscribeOptions struct {
	Buffer       int
	OnConnect    func()
	OnDisconnect func(error)
}

type SourceStats struct {
	Reconnects      int
	SubscribeErrors int
	LastError       string
}

// Subscriber streams live candle updates (still-forming and final) for a set of keys.
type Subscriber interface {
	Subscribe(ctx context.Context, keys []SeriesKey, opts SubscribeOptions) (<-chan CandleEvent, error)

	Stats() SourceStats

	Close() error
}

// Source is a venue adapter able to both backfill and stream.
type Source interface {
	Fetcher
	Subscriber
	Name() string
}

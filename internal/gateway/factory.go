package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"klinevault/internal/config"
	"klinevault/internal/gateway/binance"
	"klinevault/internal/gateway/rest"
	"klinevault/internal/market"
	"klinevault/internal/pkg/symbol"
)

// ErrNoSource is returned when no configured source serves the key's venue.
var ErrNoSource = errors.New("no source configured for venue")

// Set 按 venue 路由拉取请求；source name 即 SeriesKey.Venue。
type Set struct {
	fetchers map[string]market.Fetcher
	streams  map[string]market.Subscriber
}

func NewSet() *Set {
	return &Set{
		fetchers: make(map[string]market.Fetcher),
		streams:  make(map[string]market.Subscriber),
	}
}

// NewSetFromConfig builds one adapter per configured source.
func NewSetFromConfig(cfg *config.Config) (*Set, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	set := NewSet()
	for _, src := range cfg.Sources {
		venue := symbol.Clean(src.Name)
		switch src.Kind {
		case "binance":
			b, err := binance.New(binance.Config{
				Venue:    venue,
				BaseURL:  src.BaseURL,
				Timeout:  src.Timeout,
				ProxyURL: src.ProxyURL,
			})
			if err != nil {
				return nil, fmt.Errorf("source %s: %w", src.Name, err)
			}
			set.Register(venue, b)
			if src.Stream {
				set.RegisterStream(venue, b)
			}
		case "rest":
			set.Register(venue, rest.New(rest.Config{
				Venue:    venue,
				BaseURL:  src.BaseURL,
				Category: src.Category,
				Timeout:  src.Timeout,
			}))
		default:
			return nil, fmt.Errorf("unsupported market source kind: %s", src.Kind)
		}
	}
	return set, nil
}

func (s *Set) Register(venue string, f market.Fetcher) {
	if f != nil {
		s.fetchers[symbol.Clean(venue)] = f
	}
}

func (s *Set) RegisterStream(venue string, sub market.Subscriber) {
	if sub != nil {
		s.streams[symbol.Clean(venue)] = sub
	}
}

func (s *Set) Fetch(ctx context.Context, key market.SeriesKey, limit int) ([]market.Candle, error) {
	f, ok := s.fetchers[key.Venue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSource, key.Venue)
	}
	return f.Fetch(ctx, key, limit)
}

// Stream returns the live subscriber for venue, if one is configured.
func (s *Set) Stream(venue string) (market.Subscriber, bool) {
	sub, ok := s.streams[symbol.Clean(venue)]
	return sub, ok
}

// Venues lists configured fetch venues, sorted.
func (s *Set) Venues() []string {
	out := make([]string, 0, len(s.fetchers))
	for v := range s.fetchers {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (s *Set) Close() error {
	var errs []error
	for _, sub := range s.streams {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

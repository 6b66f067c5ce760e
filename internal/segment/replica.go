package segment

import (
	"sort"

	"klinevault/internal/logger"
	"klinevault/internal/market"
	"klinevault/internal/pkg/symbol"
)

// Replicator mirrors committed segments of a venue onto alias venues
// (e.g. bithumb -> upbit share one feed).
type Replicator struct {
	baseDir string
	aliases map[string][]string
	// OnFailure is invoked once per alias write that failed.
	OnFailure func(primary, alias market.SeriesKey, err error)
}

func NewReplicator(baseDir string, aliases map[string][]string) *Replicator {
	norm := make(map[string][]string, len(aliases))
	for venue, targets := range aliases {
		v := symbol.Clean(venue)
		if v == "" {
			continue
		}
		seen := make(map[string]struct{})
		for _, t := range targets {
			a := symbol.Clean(t)
			if a == "" || a == v {
				continue
			}
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			norm[v] = append(norm[v], a)
		}
		sort.Strings(norm[v])
	}
	return &Replicator{baseDir: baseDir, aliases: norm}
}

// Targets returns the alias keys for key, nil when the venue has none.
func (r *Replicator) Targets(key market.SeriesKey) []market.SeriesKey {
	if r == nil {
		return nil
	}
	venues := r.aliases[key.Venue]
	if len(venues) == 0 {
		return nil
	}
	out := make([]market.SeriesKey, 0, len(venues))
	for _, v := range venues {
		out = append(out, key.WithVenue(v))
	}
	return out
}

// Replicate writes the committed bytes of key to every alias path. It never retries: the next
// flush rewrites the whole file so a missed replica catches up then. Returns the failure count.
func (r *Replicator) Replicate(key market.SeriesKey, data []byte) int {
	failed := 0
	for _, alias := range r.Targets(key) {
		path := PathFor(r.baseDir, alias)
		if err := WriteFile(path, data); err != nil {
			failed++
			logger.Warnf("[segment] 副本写入失败 primary=%s alias=%s path=%s err=%v", key, alias, path, err)
			if r.OnFailure != nil {
				r.OnFailure(key, alias, err)
			}
			continue
		}
		logger.Debugf("[segment] 副本已同步 primary=%s alias=%s bytes=%d", key, alias, len(data))
	}
	return failed
}

package fetch

import (
	"time"

	"github.com/maypok86/otter"
	"github.com/zeebo/xxh3"
)

// Snapshot remembers the last accepted bulletin for a URL: its content
// digest, server file-modification time and size. The engine consults it for
// duplicate suppression and the admin API surfaces it for diagnostics.
type Snapshot struct {
	Digest    xxh3.Uint128
	Filetime  int64
	Size      int
	FetchedAt time.Time
}

// SnapshotCache is a bounded URL-keyed cache of accepted bulletins.
type SnapshotCache struct {
	cache otter.Cache[string, Snapshot]
}

// NewSnapshotCache creates a cache bounded to maxEntries URLs.
func NewSnapshotCache(maxEntries int) *SnapshotCache {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	cache, err := otter.MustBuilder[string, Snapshot](maxEntries).
		Cost(func(_ string, _ Snapshot) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("fetch: snapshot cache: " + err.Error())
	}
	return &SnapshotCache{cache: cache}
}

// Observe records the accepted body for a URL and reports whether its digest
// matches the previously recorded one.
func (s *SnapshotCache) Observe(url string, filetime int64, body []byte) (unchanged bool) {
	digest := xxh3.Hash128(body)
	prev, found := s.cache.Get(url)
	s.cache.Set(url, Snapshot{
		Digest:    digest,
		Filetime:  filetime,
		Size:      len(body),
		FetchedAt: time.Now(),
	})
	return found && prev.Digest == digest
}

// Get returns the last snapshot recorded for a URL.
func (s *SnapshotCache) Get(url string) (Snapshot, bool) {
	return s.cache.Get(url)
}

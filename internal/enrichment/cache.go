// File: internal/enrichment/cache.go
package enrichment

import (
	"sync"
	"time"

	"github.com/coderenew/scan-engine/api/schemas"
)

// CachedScore pairs a cache entry with its staleness at lookup time.
type CachedScore struct {
	Entry schemas.ScoreEntry
	Stale bool
}

// ScoreCache is an in-memory map from vulnerability identifier to its
// last fetched score. It is constructed once at bootstrap and injected
// into the enrichment service; there is no package-level instance.
// Reads take a shared lock so concurrent lookups do not block each other.
type ScoreCache struct {
	mu         sync.RWMutex
	entries    map[string]schemas.ScoreEntry
	freshness  time.Duration
	maxEntries int
	now        func() time.Time
}

// NewScoreCache creates a cache with the given freshness window and size
// cap. When the cap is exceeded on write, the oldest-fetched entries are
// pruned.
func NewScoreCache(freshness time.Duration, maxEntries int) *ScoreCache {
	return &ScoreCache{
		entries:    make(map[string]schemas.ScoreEntry),
		freshness:  freshness,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns the cached entry for the identifier, and whether it is
// stale (older than the freshness window). ok is false when absent.
func (c *ScoreCache) Get(cveID string) (entry schemas.ScoreEntry, stale bool, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok = c.entries[cveID]
	if !ok {
		return schemas.ScoreEntry{}, false, false
	}
	return entry, c.isStale(entry), true
}

// GetBatch returns the present entries for the given identifiers, each
// flagged with its staleness. Absent identifiers are omitted.
func (c *ScoreCache) GetBatch(cveIDs []string) map[string]CachedScore {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]CachedScore, len(cveIDs))
	for _, id := range cveIDs {
		if entry, ok := c.entries[id]; ok {
			out[id] = CachedScore{Entry: entry, Stale: c.isStale(entry)}
		}
	}
	return out
}

// Put stores an entry, overwriting unconditionally. Last write wins.
func (c *ScoreCache) Put(entry schemas.ScoreEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[entry.CVEID] = entry
	if len(c.entries) > c.maxEntries {
		c.evictOldestLocked()
	}
}

// Len returns the number of cached entries.
func (c *ScoreCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *ScoreCache) isStale(entry schemas.ScoreEntry) bool {
	return c.now().Sub(entry.FetchedAt) > c.freshness
}

// evictOldestLocked removes oldest-fetched entries until the cache is
// back within its cap. Callers must hold the write lock.
func (c *ScoreCache) evictOldestLocked() {
	for len(c.entries) > c.maxEntries {
		oldestID := ""
		var oldestAt time.Time
		for id, entry := range c.entries {
			if oldestID == "" || entry.FetchedAt.Before(oldestAt) {
				oldestID = id
				oldestAt = entry.FetchedAt
			}
		}
		delete(c.entries, oldestID)
	}
}

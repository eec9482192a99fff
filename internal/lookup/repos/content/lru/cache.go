// Package lru keeps recent verdicts of a cached snapshot in a bounded LRU.
package lru

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/haukened/rr-lookup/internal/lookup/domain"
	"github.com/haukened/rr-lookup/internal/lookup/repos/content"
)

// verdictCache is an LRU-backed content.VerdictCache counting hits, misses and evictions.
type verdictCache struct {
	lru       *lru.Cache[string, domain.Verdict]
	hits      uint64
	misses    uint64
	evictions uint64
}

// disabledCache always misses. Used when size <= 0.
type disabledCache struct{}

// New creates a cache holding up to size verdicts. A size <= 0 returns a disabled cache.
func New(size int) (content.VerdictCache, error) {
	if size <= 0 {
		return &disabledCache{}, nil
	}

	var vc verdictCache
	cache, err := lru.NewWithEvict(size, func(_ string, _ domain.Verdict) {
		atomic.AddUint64(&vc.evictions, 1)
	})
	if err != nil {
		return nil, err
	}
	vc.lru = cache
	return &vc, nil
}

// Get returns the remembered verdict for query.
func (c *verdictCache) Get(query string) (domain.Verdict, bool) {
	if v, ok := c.lru.Get(query); ok {
		atomic.AddUint64(&c.hits, 1)
		return v, true
	}
	atomic.AddUint64(&c.misses, 1)
	return domain.NotFound, false
}

// Put remembers v for query, evicting the least recently used entry when full.
func (c *verdictCache) Put(query string, v domain.Verdict) {
	c.lru.Add(query, v)
}

func (c *verdictCache) Len() int { return c.lru.Len() }

// Purge drops every entry. Dropped entries count as evictions.
func (c *verdictCache) Purge() { c.lru.Purge() }

// Stats returns the cumulative counters.
func (c *verdictCache) Stats() (hits, misses, evictions uint64) {
	return atomic.LoadUint64(&c.hits), atomic.LoadUint64(&c.misses), atomic.LoadUint64(&c.evictions)
}

func (d *disabledCache) Get(string) (domain.Verdict, bool) { return domain.NotFound, false }

func (d *disabledCache) Put(string, domain.Verdict) {}

func (d *disabledCache) Len() int { return 0 }

func (d *disabledCache) Purge() {}

func (d *disabledCache) Stats() (uint64, uint64, uint64) { return 0, 0, 0 }

var _ content.VerdictCache = (*verdictCache)(nil)
var _ content.VerdictCache = (*disabledCache)(nil)

package cache

import (
	"time"

	"github.com/Sternrassler/movie-pager/pkg/movie"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultListSize is the number of list pages kept in memory.
	DefaultListSize = 256

	// DefaultListTTL keeps list pages short-lived; popularity shifts.
	DefaultListTTL = 2 * time.Minute
)

type listEntry struct {
	page     *movie.ListPage
	storedAt time.Time
}

// ListCache is a bounded, non-persisted cache of list and search pages.
type ListCache struct {
	cache *lru.Cache[string, listEntry]
	ttl   time.Duration
	now   func() time.Time
}

// NewListCache creates a list cache. Zero values fall back to the defaults.
func NewListCache(size int, ttl time.Duration) *ListCache {
	if size <= 0 {
		size = DefaultListSize
	}
	if ttl <= 0 {
		ttl = DefaultListTTL
	}
	c, _ := lru.New[string, listEntry](size)
	return &ListCache{cache: c, ttl: ttl, now: time.Now}
}

// Get returns the cached page or false on miss or expiry.
func (c *ListCache) Get(key ListKey) (*movie.ListPage, bool) {
	k := key.String()
	entry, ok := c.cache.Get(k)
	if !ok {
		CacheMisses.WithLabelValues("list").Inc()
		return nil, false
	}
	if c.now().Sub(entry.storedAt) > c.ttl {
		c.cache.Remove(k)
		CacheEntries.WithLabelValues("list").Set(float64(c.cache.Len()))
		CacheMisses.WithLabelValues("list").Inc()
		return nil, false
	}
	CacheHits.WithLabelValues("list").Inc()
	return entry.page, true
}

// Contains reports whether a fresh page is cached without recording a hit.
func (c *ListCache) Contains(key ListKey) bool {
	entry, ok := c.cache.Peek(key.String())
	return ok && c.now().Sub(entry.storedAt) <= c.ttl
}

// Add stores a page.
func (c *ListCache) Add(key ListKey, page *movie.ListPage) {
	c.cache.Add(key.String(), listEntry{page: page, storedAt: c.now()})
	CacheEntries.WithLabelValues("list").Set(float64(c.cache.Len()))
}

// Len returns the number of cached pages.
func (c *ListCache) Len() int {
	return c.cache.Len()
}

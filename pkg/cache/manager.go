package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/movie-pager/pkg/movie"
	"github.com/Sternrassler/movie-pager/pkg/storage"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// PersistKey is the storage key of the detail cache snapshot.
const PersistKey = "detail-cache"

const (
	// DefaultDetailTTL is how long a detail record stays fresh.
	DefaultDetailTTL = time.Hour

	// DefaultDetailSize is the number of detail records kept in memory
	// and in the snapshot.
	DefaultDetailSize = 1024
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// DetailCache is a bounded LRU of movie details with a per-entry TTL.
// Every write rewrites a snapshot of the live entries to the backing
// store so the cache survives restarts.
type DetailCache struct {
	// mu serializes compound operations (sweep, check-then-remove) on
	// the LRU, which only locks per call.
	mu    sync.Mutex
	cache *lru.Cache[string, Entry]
	size  int

	// persistMu orders snapshot writes so an older snapshot never
	// overwrites a newer one.
	persistMu sync.Mutex
	store     storage.Store

	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

// NewDetailCache creates a detail cache holding at most size entries.
// store may be nil, in which case nothing is persisted. Zero values fall
// back to the defaults.
func NewDetailCache(store storage.Store, size int, ttl time.Duration, logger zerolog.Logger) *DetailCache {
	if size <= 0 {
		size = DefaultDetailSize
	}
	if ttl <= 0 {
		ttl = DefaultDetailTTL
	}
	c, _ := lru.New[string, Entry](size)
	return &DetailCache{
		cache:  c,
		size:   size,
		store:  store,
		ttl:    ttl,
		logger: logger.With().Str("component", "detail-cache").Logger(),
		now:    time.Now,
	}
}

// Hydrate loads the persisted snapshot, dropping expired entries and keys
// that do not belong to the detail cache. Entries are restored oldest
// first, so a snapshot larger than the cache keeps its most recent part.
// Returns the number of entries restored.
func (c *DetailCache) Hydrate(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}

	data, err := c.store.Get(ctx, PersistKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		PersistErrors.Inc()
		return 0, fmt.Errorf("read detail cache: %w", err)
	}

	var snapshot []Entry
	if err := json.Unmarshal(data, &snapshot); err != nil {
		PersistErrors.Inc()
		return 0, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	now := c.now()
	c.mu.Lock()
	before := c.cache.Len()
	for _, e := range snapshot {
		if !strings.HasPrefix(e.Key, DetailPrefix) || e.IsExpired(now) || len(e.Value) == 0 {
			continue
		}
		c.cache.Add(e.Key, e)
	}
	restored := max(c.cache.Len()-before, 0)
	CacheEntries.WithLabelValues("detail").Set(float64(c.cache.Len()))
	c.mu.Unlock()

	c.logger.Debug().
		Int("restored", restored).
		Int("persisted", len(snapshot)).
		Msg("Detail cache hydrated")

	return restored, nil
}

// Get returns the cached detail for id. Expired entries are removed and
// reported as a miss.
func (c *DetailCache) Get(id int) (*movie.Detail, error) {
	key := DetailKey(id)

	c.mu.Lock()
	entry, ok := c.cache.Get(key)
	if ok && entry.IsExpired(c.now()) {
		c.cache.Remove(key)
		CacheEntries.WithLabelValues("detail").Set(float64(c.cache.Len()))
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		CacheMisses.WithLabelValues("detail").Inc()
		return nil, ErrCacheMiss
	}

	var d movie.Detail
	if err := json.Unmarshal(entry.Value, &d); err != nil {
		c.Delete(context.Background(), id)
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	CacheHits.WithLabelValues("detail").Inc()
	return &d, nil
}

// Contains reports whether a fresh entry exists for id without touching
// the hit counters or the recency order.
func (c *DetailCache) Contains(id int) bool {
	entry, ok := c.cache.Peek(DetailKey(id))
	return ok && !entry.IsExpired(c.now())
}

// Set stores the raw detail payload for id, sweeps expired entries and
// persists the snapshot. When the cache is full the least recently used
// entry is evicted. A persistence failure is logged and returned; the
// in-memory entry is kept either way.
func (c *DetailCache) Set(ctx context.Context, id int, raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("cache entry cannot be empty")
	}

	value := make(json.RawMessage, len(raw))
	copy(value, raw)

	key := DetailKey(id)
	now := c.now()
	c.mu.Lock()
	swept := c.sweepLocked(now)
	evicted := c.cache.Add(key, Entry{
		Key:       key,
		Value:     value,
		ExpiresAt: expiresAt(now, c.ttl),
	})
	CacheEntries.WithLabelValues("detail").Set(float64(c.cache.Len()))
	c.mu.Unlock()

	if swept > 0 || evicted {
		c.logger.Debug().
			Int("expired", swept).
			Bool("evicted", evicted).
			Msg("Detail cache trimmed")
	}

	return c.persist(ctx)
}

// Delete removes the entry for id and persists the snapshot.
func (c *DetailCache) Delete(ctx context.Context, id int) error {
	c.mu.Lock()
	c.cache.Remove(DetailKey(id))
	CacheEntries.WithLabelValues("detail").Set(float64(c.cache.Len()))
	c.mu.Unlock()

	return c.persist(ctx)
}

// Len returns the number of entries held, never more than the cache size.
func (c *DetailCache) Len() int {
	return c.cache.Len()
}

// sweepLocked removes expired entries. Caller holds c.mu.
func (c *DetailCache) sweepLocked(now time.Time) int {
	removed := 0
	for _, key := range c.cache.Keys() {
		if e, ok := c.cache.Peek(key); ok && e.IsExpired(now) {
			c.cache.Remove(key)
			removed++
		}
	}
	return removed
}

// entries returns the live entries oldest first, at most c.size of them.
func (c *DetailCache) entries(now time.Time) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.cache.Keys()
	out := make([]Entry, 0, min(len(keys), c.size))
	for _, key := range keys {
		if len(out) == c.size {
			break
		}
		e, ok := c.cache.Peek(key)
		if !ok || e.IsExpired(now) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (c *DetailCache) persist(ctx context.Context) error {
	if c.store == nil {
		return nil
	}

	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	data, err := json.Marshal(c.entries(c.now()))
	if err != nil {
		PersistErrors.Inc()
		return fmt.Errorf("marshal detail cache: %w", err)
	}

	if err := c.store.Set(ctx, PersistKey, data); err != nil {
		PersistErrors.Inc()
		c.logger.Warn().Err(err).Msg("Failed to persist detail cache")
		return fmt.Errorf("write detail cache: %w", err)
	}
	return nil
}

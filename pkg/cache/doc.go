// Package cache provides the read-through caches in front of the TMDB API.
//
// Two layers exist:
//
//   - ListCache keeps list and search pages in a bounded LRU for a short TTL
//     (2 minutes by default). It is never persisted.
//   - DetailCache keeps up to 1024 movie details (least recently used
//     evicted first) for an hour by default and rewrites a snapshot to a
//     storage.Store after every change, so lookups survive a restart. Expired
//     entries are swept on every write. Call Hydrate once on startup.
//
// # Basic Usage
//
//	store, _ := storage.Open(ctx, cfg.Storage)
//	details := cache.NewDetailCache(store, cache.DefaultDetailSize, time.Hour, logger)
//	if _, err := details.Hydrate(ctx); err != nil {
//		logger.Warn().Err(err).Msg("Detail cache not restored")
//	}
//
//	d, err := details.Get(550)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from TMDB, then details.Set(ctx, 550, body)
//	}
//
// # Snapshot Format
//
// The snapshot is a JSON array stored under the key "detail-cache":
//
//	[{"key":"movie:550","value":{...},"expiresAt":1700000000000}]
//
// expiresAt is Unix milliseconds; 0 means the entry never expires. Only keys
// starting with "movie:" are restored.
//
// # Metrics
//
//   - moviepager_cache_hits_total{layer} - Cache hits
//   - moviepager_cache_misses_total{layer} - Cache misses
//   - moviepager_cache_entries{layer} - Live entries
//   - moviepager_cache_persist_errors_total - Snapshot read/write failures
package cache

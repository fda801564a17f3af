package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by layer ("list", "detail")
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moviepager_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"layer"},
	)

	// CacheMisses tracks cache misses by layer, expired entries included
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moviepager_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"layer"},
	)

	// CacheEntries tracks the number of live entries by layer
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "moviepager_cache_entries",
			Help: "Current number of cache entries",
		},
		[]string{"layer"},
	)

	// PersistErrors tracks failed detail cache snapshot reads and writes
	PersistErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "moviepager_cache_persist_errors_total",
			Help: "Total number of detail cache persistence errors",
		},
	)
)

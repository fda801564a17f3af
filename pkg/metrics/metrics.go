// Package metrics exposes the movie-pager Prometheus metrics.
// All metrics are defined in their respective packages (client, cache,
// ratelimit, pagination, favourites) via promauto and land in the default
// registry; this package serves them.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the Prometheus registry every package registers with.
var Registry = prometheus.DefaultRegisterer

// Handler returns the /metrics handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewMux returns a mux serving /metrics and /health.
func NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// Server serves metrics in the background.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
	done   chan struct{}
}

// Start listens on addr and serves NewMux until Shutdown.
func Start(addr string, logger zerolog.Logger) *Server {
	s := &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewMux(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		s.logger.Info().Str("addr", addr).Msg("Metrics server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return s
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	<-s.done
	return err
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - moviepager_requests_total{endpoint, status} (Counter): TMDB requests by endpoint and HTTP status
//   - moviepager_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - moviepager_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//   - moviepager_coalesced_requests_total{endpoint} (Counter): Calls served by a shared in-flight request
//   - moviepager_client_prefetch_total{kind, result} (Counter): Detail and image prefetches
//
// Retry Metrics (pkg/client, only with retries enabled):
//   - moviepager_retries_total{error_class} (Counter): Retry attempts by error class
//   - moviepager_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - moviepager_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//   - moviepager_retry_budget_denied_total (Counter): Retries skipped because the budget was spent
//
// Rate Limit Metrics (pkg/ratelimit):
//   - moviepager_rate_limit_cooldowns_total (Counter): 429 answers that opened a cooldown
//   - moviepager_rate_limit_wait_seconds (Histogram): Time spent waiting for a request slot
//   - moviepager_rate_limit_blocks_total (Counter): Requests refused during a cooldown
//
// Cache Metrics (pkg/cache):
//   - moviepager_cache_hits_total{layer} (Counter): Hits by layer (list, detail)
//   - moviepager_cache_misses_total{layer} (Counter): Misses by layer
//   - moviepager_cache_entries{layer} (Gauge): Current entries by layer
//   - moviepager_cache_persist_errors_total (Counter): Failed detail cache reads and writes
//
// Pagination Metrics (pkg/pagination):
//   - moviepager_page_fetches_total{result} (Counter): Page fetches by result (ok, error, stale)
//   - moviepager_stale_responses_total (Counter): Responses discarded after a query change
//   - moviepager_inflight_pages (Gauge): Page fetches in flight
//   - moviepager_fetch_joins_total (Counter): Requests that joined an in-flight fetch
//   - moviepager_commits_total (Counter): Visible window updates
//   - moviepager_prefetch_total{result} (Counter): Page prefetches (queued, dropped, skipped, ok, error, stale)
//
// Favourites Metrics (pkg/favourites):
//   - moviepager_favourites (Gauge): Number of favourites
//   - moviepager_favourites_persist_errors_total (Counter): Failed favourite list reads and writes
//
// Example Prometheus Queries:
//
//   # List cache hit rate
//   sum(rate(moviepager_cache_hits_total{layer="list"}[5m])) /
//   (sum(rate(moviepager_cache_hits_total{layer="list"}[5m])) + sum(rate(moviepager_cache_misses_total{layer="list"}[5m])))
//
//   # Share of page responses thrown away by query changes
//   rate(moviepager_stale_responses_total[5m]) / rate(moviepager_page_fetches_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(moviepager_request_duration_seconds_bucket[5m]))

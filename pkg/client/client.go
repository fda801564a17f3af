// Package client provides the TMDB gateway: list, search and detail calls
// behind read-through caches, request coalescing, rate limiting and
// optional retries.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/movie-pager/pkg/cache"
	"github.com/Sternrassler/movie-pager/pkg/config"
	"github.com/Sternrassler/movie-pager/pkg/movie"
	"github.com/Sternrassler/movie-pager/pkg/ratelimit"
	"github.com/Sternrassler/movie-pager/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Prometheus metrics for TMDB client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moviepager_requests_total",
		Help: "Total TMDB requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "moviepager_request_duration_seconds",
		Help:    "TMDB request duration in seconds by endpoint",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moviepager_errors_total",
		Help: "Total TMDB errors by class",
	}, []string{"class"})

	coalescedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moviepager_coalesced_requests_total",
		Help: "Total calls served by another caller's in-flight request",
	}, []string{"endpoint"})

	prefetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moviepager_client_prefetch_total",
		Help: "Total client prefetches by kind and result",
	}, []string{"kind", "result"})
)

// Endpoint labels.
const (
	endpointPopular = "popular"
	endpointSearch  = "search"
	endpointDetail  = "detail"
)

// MaxDetailPrefetch caps how many details one PrefetchDetails call loads.
const MaxDetailPrefetch = 10

// DefaultBaseURL is the TMDB v3 API root.
const DefaultBaseURL = "https://api.themoviedb.org/3"

// Client is the TMDB gateway. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	config     Config

	rateLimiter *ratelimit.Tracker
	lists       *cache.ListCache
	details     *cache.DetailCache
	images      *ImagePrefetcher
	retrier     *retrier
	group       singleflight.Group

	logger zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// APIKey is sent as the api_key query parameter. It may be empty;
	// every fetch then fails with ErrConfiguration.
	APIKey string

	BaseURL      string
	ImageBaseURL string
	UserAgent    string
	Timeout      time.Duration

	// Rate Limiting
	RequestsPerSecond float64
	Burst             int

	// Caching
	ListCacheTTL    time.Duration
	ListCacheSize   int
	DetailCacheTTL  time.Duration
	DetailCacheSize int

	// Store persists the detail cache. nil keeps it in memory only.
	Store storage.Store

	// Images
	PrefetchImages   bool
	ImageConcurrency int

	// Retry
	Retry RetryConfig
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:            apiKey,
		BaseURL:           DefaultBaseURL,
		ImageBaseURL:      DefaultImageBaseURL,
		UserAgent:         "movie-pager/1.0",
		Timeout:           10 * time.Second,
		RequestsPerSecond: 20,
		Burst:             5,
		ListCacheTTL:      cache.DefaultListTTL,
		ListCacheSize:     cache.DefaultListSize,
		DetailCacheTTL:    cache.DefaultDetailTTL,
		DetailCacheSize:   cache.DefaultDetailSize,
		PrefetchImages:    true,
		ImageConcurrency:  2,
		Retry:             DefaultRetryConfig(),
	}
}

// ConfigFrom maps the application configuration onto a client Config.
func ConfigFrom(cfg *config.Config, store storage.Store) Config {
	c := DefaultConfig(cfg.API.Key)
	c.BaseURL = cfg.API.BaseURL
	c.ImageBaseURL = cfg.API.ImageBaseURL
	c.UserAgent = cfg.API.UserAgent
	c.Timeout = cfg.API.Timeout
	c.RequestsPerSecond = cfg.API.RequestsPerSecond
	c.PrefetchImages = cfg.API.PrefetchImages
	c.ListCacheTTL = cfg.Cache.ListTTL
	c.ListCacheSize = cfg.Cache.ListSize
	c.DetailCacheTTL = cfg.Cache.DetailTTL
	c.DetailCacheSize = cfg.Cache.DetailSize
	c.Store = store
	c.Retry = RetryConfig{
		Enabled:           cfg.Retry.Enabled,
		MaxAttempts:       cfg.Retry.MaxAttempts,
		InitialBackoff:    cfg.Retry.InitialBackoff,
		MaxBackoff:        cfg.Retry.MaxBackoff,
		BackoffMultiplier: 2.0,
		PerMinute:         cfg.Retry.PerMinute,
	}
	return c
}

// New creates a new TMDB client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid base url %q", ErrConfiguration, cfg.BaseURL)
	}

	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be > 0 (got %v)", cfg.Timeout)
	}

	if cfg.Retry.Enabled && cfg.Retry.MaxAttempts < 2 {
		return nil, fmt.Errorf("retry max_attempts must be >= 2 when enabled (got %d)", cfg.Retry.MaxAttempts)
	}

	// Initialize logger
	logger := log.With().Str("component", "tmdb-client").Logger()

	httpClient := &http.Client{Timeout: cfg.Timeout}

	return &Client{
		httpClient:  httpClient,
		baseURL:     base,
		config:      cfg,
		rateLimiter: ratelimit.NewTracker(cfg.RequestsPerSecond, cfg.Burst, log.Logger),
		lists:       cache.NewListCache(cfg.ListCacheSize, cfg.ListCacheTTL),
		details:     cache.NewDetailCache(cfg.Store, cfg.DetailCacheSize, cfg.DetailCacheTTL, log.Logger),
		images:      NewImagePrefetcher(httpClient, cfg.ImageBaseURL, cfg.UserAgent, cfg.ImageConcurrency, logger),
		retrier:     newRetrier(cfg.Retry, logger),
		logger:      logger,
	}, nil
}

// Hydrate restores the persisted detail cache.
func (c *Client) Hydrate(ctx context.Context) (int, error) {
	return c.details.Hydrate(ctx)
}

// FetchList returns one page of the popular listing (empty query) or of a
// title search.
func (c *Client) FetchList(ctx context.Context, query string, page int) (*movie.ListPage, error) {
	if page < 1 {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidPage, page)
	}

	key := cache.ListKey{Query: query, Page: page}
	if lp, ok := c.lists.Get(key); ok {
		c.logger.Debug().Str("query", query).Int("page", page).Msg("List cache hit")
		return lp, nil
	}

	endpoint, path, params := endpointPopular, "movie/popular", url.Values{}
	if query != "" {
		endpoint, path = endpointSearch, "search/movie"
		params.Set("query", query)
	}
	params.Set("page", strconv.Itoa(page))

	v, err := c.coalesce(ctx, key.String(), endpoint, func(ctx context.Context) (any, error) {
		body, err := c.get(ctx, endpoint, path, params)
		if err != nil {
			return nil, err
		}

		var lp movie.ListPage
		if err := json.Unmarshal(body, &lp); err != nil {
			return nil, &RemoteError{Endpoint: endpoint, ErrorClass: ErrorClassServer, StatusCode: http.StatusOK, Message: "malformed response", Err: err}
		}
		if lp.Results == nil {
			lp.Results = []movie.Movie{}
		}
		c.lists.Add(key, &lp)
		return &lp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*movie.ListPage), nil
}

// FetchDetail returns the full record for id. Successful lookups are
// cached, persisted and trigger image prefetch.
func (c *Client) FetchDetail(ctx context.Context, id int) (*movie.Detail, error) {
	if id < 1 {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidID, id)
	}

	d, err := c.details.Get(id)
	if err == nil {
		c.logger.Debug().Int("id", id).Msg("Detail cache hit")
		return d, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		c.logger.Warn().Err(err).Int("id", id).Msg("Detail cache entry unreadable")
	}

	key := cache.DetailKey(id)
	v, err := c.coalesce(ctx, key, endpointDetail, func(ctx context.Context) (any, error) {
		body, err := c.get(ctx, endpointDetail, "movie/"+strconv.Itoa(id), url.Values{})
		if err != nil {
			return nil, err
		}

		var d movie.Detail
		if err := json.Unmarshal(body, &d); err != nil {
			return nil, &RemoteError{Endpoint: endpointDetail, ErrorClass: ErrorClassServer, StatusCode: http.StatusOK, Message: "malformed response", Err: err}
		}

		// Persistence failures are logged by the cache.
		_ = c.details.Set(ctx, id, body)

		if c.config.PrefetchImages {
			c.images.Prefetch(d.PosterPath, d.BackdropPath)
		}
		return &d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*movie.Detail), nil
}

// PrefetchDetails considers the first MaxDetailPrefetch distinct ids,
// loads the uncached ones in parallel and blocks until they finished.
// Errors are swallowed.
func (c *Client) PrefetchDetails(ctx context.Context, ids []int) {
	seen := make(map[int]struct{}, MaxDetailPrefetch)
	todo := make([]int, 0, MaxDetailPrefetch)
	for _, id := range ids {
		if len(seen) == MaxDetailPrefetch {
			break
		}
		if id < 1 {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if !c.details.Contains(id) {
			todo = append(todo, id)
		}
	}
	if len(todo) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range todo {
		g.Go(func() error {
			if !c.rateLimiter.ShouldAllowRequest() {
				prefetchTotal.WithLabelValues("detail", "skipped").Inc()
				return nil
			}
			if _, err := c.FetchDetail(gctx, id); err != nil {
				prefetchTotal.WithLabelValues("detail", "error").Inc()
				c.logger.Debug().Err(err).Int("id", id).Msg("Detail prefetch failed")
				return nil
			}
			prefetchTotal.WithLabelValues("detail", "ok").Inc()
			return nil
		})
	}
	g.Wait()

	c.logger.Debug().Ints("ids", todo).Msg("Details prefetched")
}

// ImageURL returns the absolute URL of a poster or backdrop path.
func (c *Client) ImageURL(path string) string {
	return c.images.URL(path)
}

// HasDetail reports whether a fresh detail for id is cached.
func (c *Client) HasDetail(id int) bool {
	return c.details.Contains(id)
}

// RateLimitState returns the current rate limit state.
func (c *Client) RateLimitState() ratelimit.State {
	return c.rateLimiter.GetState()
}

// Close waits for background image prefetches.
func (c *Client) Close() error {
	c.images.Wait()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
	c.images.httpClient = client
}

// coalesce runs fn once per key among concurrent callers. The shared call
// is detached from any single caller's cancellation and bounded by the
// HTTP timeout; each caller still returns early when its own ctx ends.
func (c *Client) coalesce(ctx context.Context, key, endpoint string, fn func(context.Context) (any, error)) (any, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return fn(detached)
	})

	select {
	case res := <-ch:
		if res.Shared {
			coalescedTotal.WithLabelValues(endpoint).Inc()
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// get performs a GET against the API with rate limiting, optional retry
// and error classification, returning the response body on 2xx.
func (c *Client) get(ctx context.Context, endpoint, path string, params url.Values) ([]byte, error) {
	if c.config.APIKey == "" {
		c.logger.Error().Str("endpoint", endpoint).Msg("TMDB API key missing")
		errorsTotal.WithLabelValues("configuration").Inc()
		return nil, fmt.Errorf("%w: TMDB API key missing", ErrConfiguration)
	}

	u := c.baseURL.JoinPath(path)
	params.Set("api_key", c.config.APIKey)
	u.RawQuery = params.Encode()

	var body []byte
	err := c.retrier.Do(ctx, endpoint, func() error {
		var err error
		body, err = c.do(ctx, endpoint, u.String())
		return err
	})
	return body, err
}

func (c *Client) do(ctx context.Context, endpoint, rawURL string) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, &RemoteError{Endpoint: endpoint, ErrorClass: ErrorClassNetwork, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	c.logger.Debug().Str("endpoint", endpoint).Msg("Executing TMDB request")

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
		return nil, &RemoteError{Endpoint: endpoint, ErrorClass: ErrorClassNetwork, Err: err}
	}
	defer resp.Body.Close()

	c.rateLimiter.UpdateFromResponse(resp)
	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &RemoteError{Endpoint: endpoint, ErrorClass: ErrorClassNetwork, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= 300 {
		errClass := ClassifyError(resp.StatusCode, nil)
		if errClass == "" {
			errClass = ErrorClassServer
		}
		errorsTotal.WithLabelValues(string(errClass)).Inc()

		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Str("error_class", string(errClass)).
			Msg("TMDB request error")

		return nil, &RemoteError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			ErrorClass: errClass,
			Message:    statusMessage(resp.Status, body),
		}
	}

	return body, nil
}

// statusMessage prefers TMDB's status_message over the HTTP status line.
func statusMessage(status string, body []byte) string {
	var payload struct {
		StatusMessage string `json:"status_message"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.StatusMessage != "" {
		return payload.StatusMessage
	}
	return status
}

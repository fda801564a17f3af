package client

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// DefaultImageBaseURL serves w500 renditions of posters and backdrops.
const DefaultImageBaseURL = "https://image.tmdb.org/t/p/w500"

// ImagePrefetcher warms the HTTP path for poster and backdrop images.
// Prefetches are fire-and-forget: at most a fixed number run at once and
// extra requests are dropped. Failures are only logged.
type ImagePrefetcher struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	timeout    time.Duration
	logger     zerolog.Logger

	sem  chan struct{}
	seen *lru.Cache[string, struct{}]
	wg   sync.WaitGroup
}

// NewImagePrefetcher creates a prefetcher allowing concurrency parallel
// downloads.
func NewImagePrefetcher(httpClient *http.Client, baseURL, userAgent string, concurrency int, logger zerolog.Logger) *ImagePrefetcher {
	if baseURL == "" {
		baseURL = DefaultImageBaseURL
	}
	if concurrency < 1 {
		concurrency = 2
	}
	seen, _ := lru.New[string, struct{}](512)
	return &ImagePrefetcher{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  userAgent,
		timeout:    10 * time.Second,
		logger:     logger,
		sem:        make(chan struct{}, concurrency),
		seen:       seen,
	}
}

// URL returns the absolute image URL for a TMDB image path, or "" when
// path is empty.
func (p *ImagePrefetcher) URL(path string) string {
	if path == "" {
		return ""
	}
	return p.baseURL + "/" + strings.TrimLeft(path, "/")
}

// Prefetch starts background downloads for the given image paths. Empty
// and recently fetched paths are skipped.
func (p *ImagePrefetcher) Prefetch(paths ...string) {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if ok, _ := p.seen.ContainsOrAdd(path, struct{}{}); ok {
			continue
		}

		select {
		case p.sem <- struct{}{}:
		default:
			p.seen.Remove(path)
			prefetchTotal.WithLabelValues("image", "dropped").Inc()
			continue
		}

		p.wg.Add(1)
		go func(url string) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.fetch(url)
		}(p.URL(path))
	}
}

// Wait blocks until all started prefetches finished.
func (p *ImagePrefetcher) Wait() {
	p.wg.Wait()
}

func (p *ImagePrefetcher) fetch(url string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		p.logger.Debug().Err(err).Str("url", url).Msg("Image prefetch request invalid")
		return
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		prefetchTotal.WithLabelValues("image", "error").Inc()
		p.logger.Debug().Err(err).Str("url", url).Msg("Image prefetch failed")
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		prefetchTotal.WithLabelValues("image", "error").Inc()
		p.logger.Debug().Int("status", resp.StatusCode).Str("url", url).Msg("Image prefetch failed")
		return
	}
	prefetchTotal.WithLabelValues("image", "ok").Inc()
}

package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for rate limit tracking.
var (
	rateLimitCooldownsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moviepager_rate_limit_cooldowns_total",
		Help: "Total number of cooldowns opened by HTTP 429 responses",
	})

	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "moviepager_rate_limit_wait_seconds",
		Help:    "Time requests spent waiting for the rate limiter",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moviepager_rate_limit_blocks_total",
		Help: "Total number of requests rejected by ShouldAllowRequest during a cooldown",
	})
)

// Tracker paces requests and honours server cooldowns. Safe for
// concurrent use.
type Tracker struct {
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu    sync.Mutex
	state State
	now   func() time.Time
}

// NewTracker creates a tracker allowing requestsPerSecond with the given
// burst. requestsPerSecond <= 0 disables pacing; cooldowns still apply.
func NewTracker(requestsPerSecond float64, burst int, logger zerolog.Logger) *Tracker {
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &Tracker{
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With().Str("component", "ratelimit").Logger(),
		now:     time.Now,
	}
}

// GetState returns a copy of the current state.
func (t *Tracker) GetState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// UpdateFromResponse records the outcome of a request. A 429 opens (or
// extends) a cooldown from its Retry-After header.
func (t *Tracker) UpdateFromResponse(resp *http.Response) {
	if resp == nil {
		return
	}

	now := t.now()
	t.mu.Lock()
	t.state.LastStatus = resp.StatusCode
	t.state.LastUpdate = now

	if resp.StatusCode != http.StatusTooManyRequests {
		t.mu.Unlock()
		return
	}

	wait, ok := ParseRetryAfter(resp.Header.Get("Retry-After"), now)
	if !ok {
		wait = DefaultCooldown
	}
	until := now.Add(wait)
	if until.After(t.state.CooldownUntil) {
		t.state.CooldownUntil = until
	}
	t.state.Cooldowns++
	state := t.state
	t.mu.Unlock()

	rateLimitCooldownsTotal.Inc()
	t.logger.Warn().
		Dur("retry_after", wait).
		Time("cooldown_until", state.CooldownUntil).
		Int("cooldowns", state.Cooldowns).
		Msg("TMDB rate limit hit - pausing requests")
}

// ShouldAllowRequest reports, without blocking, whether a request may be
// sent right now. Best-effort callers such as prefetchers use it to skip
// work instead of queueing behind a cooldown.
func (t *Tracker) ShouldAllowRequest() bool {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()

	if state.InCooldown(t.now()) {
		rateLimitBlocksTotal.Inc()
		t.logger.Debug().
			Dur("remaining", state.TimeUntilReset(t.now())).
			Msg("Rate limit cooldown active - request skipped")
		return false
	}
	return true
}

// Wait blocks until a request may be sent: first until any cooldown has
// passed, then until the token bucket grants a slot.
func (t *Tracker) Wait(ctx context.Context) error {
	start := t.now()
	defer func() {
		rateLimitWaitSeconds.Observe(t.now().Sub(start).Seconds())
	}()

	for {
		t.mu.Lock()
		remaining := t.state.TimeUntilReset(t.now())
		t.mu.Unlock()

		if remaining <= 0 {
			break
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit cooldown: %w", ctx.Err())
		case <-timer.C:
		}
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

package client

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moviepager_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "moviepager_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moviepager_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})

	retryBudgetDeniedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moviepager_retry_budget_denied_total",
		Help: "Total number of retries skipped because the retry budget was spent",
	})
)

// RetryConfig holds the configuration for automatic transport retries.
// Retries are off unless Enabled is set; failed pages are normally retried
// by the user.
type RetryConfig struct {
	Enabled bool

	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64

	// PerMinute bounds retries across all requests. 0 means unbounded.
	PerMinute int
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Enabled:           false,
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		PerMinute:         6,
	}
}

type retrier struct {
	cfg    RetryConfig
	budget *rate.Limiter
	logger zerolog.Logger
}

func newRetrier(cfg RetryConfig, logger zerolog.Logger) *retrier {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 2.0
	}

	budget := rate.NewLimiter(rate.Inf, 1)
	if cfg.PerMinute > 0 {
		budget = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.PerMinute)), cfg.PerMinute)
	}

	return &retrier{cfg: cfg, budget: budget, logger: logger}
}

func (r *retrier) newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = r.cfg.MaxBackoff
	b.Multiplier = r.cfg.BackoffMultiplier
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.MaxAttempts-1)), ctx)
}

// Do runs op, retrying transient failures when retries are enabled.
func (r *retrier) Do(ctx context.Context, endpoint string, op func() error) error {
	if !r.cfg.Enabled || r.cfg.MaxAttempts <= 1 {
		return op()
	}

	attempt := 0
	var lastErr error

	err := backoff.RetryNotify(func() error {
		attempt++
		if attempt > 1 && !r.budget.Allow() {
			retryBudgetDeniedTotal.Inc()
			r.logger.Warn().
				Str("endpoint", endpoint).
				Int("attempt", attempt).
				Msg("Retry budget spent - giving up")
			return backoff.Permanent(lastErr)
		}

		err := op()
		if err == nil {
			if attempt > 1 {
				r.logger.Info().
					Str("endpoint", endpoint).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		lastErr = err
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, r.newBackoff(ctx), func(err error, wait time.Duration) {
		class := string(errorClassOf(err))
		retriesTotal.WithLabelValues(class).Inc()
		retryBackoffSeconds.WithLabelValues(class).Observe(wait.Seconds())
		r.logger.Debug().
			Err(err).
			Str("endpoint", endpoint).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying request after backoff")
	})

	if err == nil {
		return nil
	}
	if ctx.Err() != nil || !IsRetryable(lastErr) || attempt < r.cfg.MaxAttempts {
		return err
	}

	class := string(errorClassOf(lastErr))
	retryExhaustedTotal.WithLabelValues(class).Inc()
	r.logger.Warn().
		Str("endpoint", endpoint).
		Str("error_class", class).
		Int("max_attempts", r.cfg.MaxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, lastErr)
}

func errorClassOf(err error) ErrorClass {
	if re, ok := err.(*RemoteError); ok {
		return re.ErrorClass
	}
	return ""
}

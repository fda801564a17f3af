package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		Enabled:           true,
		MaxAttempts:       3,
		InitialBackoff:    5 * time.Millisecond,
		MaxBackoff:        20 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()

	if cfg.Enabled {
		t.Error("retries should be opt-in")
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.MaxAttempts)
	}
	if cfg.InitialBackoff != 1*time.Second {
		t.Errorf("InitialBackoff = %v, want 1s", cfg.InitialBackoff)
	}
	if cfg.MaxBackoff != 10*time.Second {
		t.Errorf("MaxBackoff = %v, want 10s", cfg.MaxBackoff)
	}
	if cfg.PerMinute != 6 {
		t.Errorf("PerMinute = %d, want 6", cfg.PerMinute)
	}
}

func TestRetrier_Disabled(t *testing.T) {
	r := newRetrier(DefaultRetryConfig(), zerolog.Nop())

	calls := 0
	err := r.Do(context.Background(), "search", func() error {
		calls++
		return &RemoteError{ErrorClass: ErrorClassServer}
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1 when retries are disabled", calls)
	}
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Errorf("err = %v, want ErrRemoteUnavailable", err)
	}
}

func TestRetrier_Success(t *testing.T) {
	r := newRetrier(fastRetry(), zerolog.Nop())

	calls := 0
	err := r.Do(context.Background(), "search", func() error {
		calls++
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestRetrier_SuccessAfterRetry(t *testing.T) {
	r := newRetrier(fastRetry(), zerolog.Nop())

	calls := 0
	err := r.Do(context.Background(), "search", func() error {
		calls++
		if calls < 3 {
			return &RemoteError{StatusCode: 503, ErrorClass: ErrorClassServer}
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected success after retry, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestRetrier_MaxAttemptsExhausted(t *testing.T) {
	r := newRetrier(fastRetry(), zerolog.Nop())

	calls := 0
	err := r.Do(context.Background(), "search", func() error {
		calls++
		return &RemoteError{StatusCode: 500, ErrorClass: ErrorClassServer}
	})

	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", err)
	}
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Errorf("exhausted error should still match ErrRemoteUnavailable, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestRetrier_ClientErrorNoRetry(t *testing.T) {
	r := newRetrier(fastRetry(), zerolog.Nop())

	calls := 0
	err := r.Do(context.Background(), "detail", func() error {
		calls++
		return &RemoteError{StatusCode: 404, ErrorClass: ErrorClassClient}
	})

	if calls != 1 {
		t.Errorf("Expected 1 call (no retry for 4xx), got %d", calls)
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("client errors should not report exhaustion")
	}
}

func TestRetrier_ConfigurationErrorNoRetry(t *testing.T) {
	r := newRetrier(fastRetry(), zerolog.Nop())

	calls := 0
	err := r.Do(context.Background(), "search", func() error {
		calls++
		return ErrConfiguration
	})

	if calls != 1 || !errors.Is(err, ErrConfiguration) {
		t.Errorf("calls = %d, err = %v; want 1 call and ErrConfiguration", calls, err)
	}
}

func TestRetrier_ContextCancelled(t *testing.T) {
	cfg := fastRetry()
	cfg.InitialBackoff = time.Second
	cfg.MaxBackoff = time.Second
	r := newRetrier(cfg, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	calls := 0
	start := time.Now()
	err := r.Do(ctx, "search", func() error {
		calls++
		return &RemoteError{ErrorClass: ErrorClassNetwork}
	})

	if err == nil {
		t.Fatal("Expected error on cancelled context")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("retry loop should stop waiting when the context ends")
	}
	if calls != 1 {
		t.Errorf("Expected 1 call before cancellation, got %d", calls)
	}
}

func TestRetrier_Budget(t *testing.T) {
	cfg := fastRetry()
	cfg.PerMinute = 1
	r := newRetrier(cfg, zerolog.Nop())

	calls := 0
	failing := func() error {
		calls++
		return &RemoteError{ErrorClass: ErrorClassServer}
	}

	// First request spends the single retry token.
	_ = r.Do(context.Background(), "search", failing)
	if calls != 2 {
		t.Fatalf("first request calls = %d, want 2 (one retry before the budget runs out)", calls)
	}

	calls = 0
	err := r.Do(context.Background(), "search", failing)
	if calls != 1 {
		t.Errorf("second request calls = %d, want 1 (budget spent)", calls)
	}
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Errorf("err = %v, want the last remote error", err)
	}
}

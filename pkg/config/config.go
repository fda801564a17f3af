// Package config loads movie pager configuration from a YAML file and
// MOVIEPAGER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. MOVIEPAGER_API_KEY.
const EnvPrefix = "MOVIEPAGER"

// StorageBackend selects where favourites and the detail cache persist.
type StorageBackend string

const (
	BackendBolt   StorageBackend = "bolt"
	BackendRedis  StorageBackend = "redis"
	BackendMemory StorageBackend = "memory"
)

// Config holds all application configuration.
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Pagination PaginationConfig `mapstructure:"pagination"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// APIConfig describes the remote movie API.
type APIConfig struct {
	Key               string        `mapstructure:"key"`
	BaseURL           string        `mapstructure:"base_url"`
	ImageBaseURL      string        `mapstructure:"image_base_url"`
	UserAgent         string        `mapstructure:"user_agent"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	PrefetchImages    bool          `mapstructure:"prefetch_images"`
}

// CacheConfig holds read-through cache lifetimes.
type CacheConfig struct {
	ListTTL    time.Duration `mapstructure:"list_ttl"`
	ListSize   int           `mapstructure:"list_size"`
	DetailTTL  time.Duration `mapstructure:"detail_ttl"`
	DetailSize int           `mapstructure:"detail_size"`
}

// StorageConfig selects the durable key-value backend.
type StorageConfig struct {
	Backend     StorageBackend `mapstructure:"backend"`
	Dir         string         `mapstructure:"dir"`
	RedisAddr   string         `mapstructure:"redis_addr"`
	RedisPrefix string         `mapstructure:"redis_prefix"`
}

// PaginationConfig tunes the paging state machine.
type PaginationConfig struct {
	Radius          int           `mapstructure:"radius"`
	PrefetchRadius  int           `mapstructure:"prefetch_radius"`
	PrefetchWorkers int           `mapstructure:"prefetch_workers"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	CommitDelay     time.Duration `mapstructure:"commit_delay"`
	NearEndRows     int           `mapstructure:"near_end_rows"`
	NearTopRows     int           `mapstructure:"near_top_rows"`
	Placeholders    int           `mapstructure:"placeholders"`
	Columns         int           `mapstructure:"columns"`
}

// RetryConfig controls the opt-in automatic retry of failed requests.
type RetryConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	PerMinute      int           `mapstructure:"per_minute"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
	File   string `mapstructure:"file"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Default returns the default configuration. The API key is deliberately
// empty; a missing key surfaces as a configuration error on first fetch.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:           "https://api.themoviedb.org/3",
			ImageBaseURL:      "https://image.tmdb.org/t/p/w500",
			UserAgent:         "movie-pager/0.1.0",
			Timeout:           10 * time.Second,
			RequestsPerSecond: 20,
			PrefetchImages:    true,
		},
		Cache: CacheConfig{
			ListTTL:    2 * time.Minute,
			ListSize:   256,
			DetailTTL:  time.Hour,
			DetailSize: 1024,
		},
		Storage: StorageConfig{
			Backend:     BackendBolt,
			Dir:         defaultDataDir(),
			RedisAddr:   "localhost:6379",
			RedisPrefix: "moviepager:",
		},
		Pagination: PaginationConfig{
			Radius:          5,
			PrefetchRadius:  1,
			PrefetchWorkers: 2,
			FetchTimeout:    15 * time.Second,
			CommitDelay:     0,
			NearEndRows:     3,
			NearTopRows:     1,
			Placeholders:    0,
			Columns:         4,
		},
		Retry: RetryConfig{
			Enabled:        false,
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     10 * time.Second,
			PerMinute:      6,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(defaultDataDir(), "moviepager.log"),
		},
	}
}

func defaultDataDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "moviepager")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "moviepager")
}

func defaultConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "moviepager")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "moviepager")
}

// Load reads configuration. When path is empty the default locations are
// searched and a missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultConfigDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// TMDB_API_KEY is what most TMDB tooling exports.
	if err := v.BindEnv("api.key", EnvPrefix+"_API_KEY", "TMDB_API_KEY"); err != nil {
		return nil, fmt.Errorf("bind api key env: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every default with viper so that AutomaticEnv can
// override keys that never appear in a config file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("api.key", cfg.API.Key)
	v.SetDefault("api.base_url", cfg.API.BaseURL)
	v.SetDefault("api.image_base_url", cfg.API.ImageBaseURL)
	v.SetDefault("api.user_agent", cfg.API.UserAgent)
	v.SetDefault("api.timeout", cfg.API.Timeout)
	v.SetDefault("api.requests_per_second", cfg.API.RequestsPerSecond)
	v.SetDefault("api.prefetch_images", cfg.API.PrefetchImages)

	v.SetDefault("cache.list_ttl", cfg.Cache.ListTTL)
	v.SetDefault("cache.list_size", cfg.Cache.ListSize)
	v.SetDefault("cache.detail_ttl", cfg.Cache.DetailTTL)
	v.SetDefault("cache.detail_size", cfg.Cache.DetailSize)

	v.SetDefault("storage.backend", string(cfg.Storage.Backend))
	v.SetDefault("storage.dir", cfg.Storage.Dir)
	v.SetDefault("storage.redis_addr", cfg.Storage.RedisAddr)
	v.SetDefault("storage.redis_prefix", cfg.Storage.RedisPrefix)

	v.SetDefault("pagination.radius", cfg.Pagination.Radius)
	v.SetDefault("pagination.prefetch_radius", cfg.Pagination.PrefetchRadius)
	v.SetDefault("pagination.prefetch_workers", cfg.Pagination.PrefetchWorkers)
	v.SetDefault("pagination.fetch_timeout", cfg.Pagination.FetchTimeout)
	v.SetDefault("pagination.commit_delay", cfg.Pagination.CommitDelay)
	v.SetDefault("pagination.near_end_rows", cfg.Pagination.NearEndRows)
	v.SetDefault("pagination.near_top_rows", cfg.Pagination.NearTopRows)
	v.SetDefault("pagination.placeholders", cfg.Pagination.Placeholders)
	v.SetDefault("pagination.columns", cfg.Pagination.Columns)

	v.SetDefault("retry.enabled", cfg.Retry.Enabled)
	v.SetDefault("retry.max_attempts", cfg.Retry.MaxAttempts)
	v.SetDefault("retry.initial_backoff", cfg.Retry.InitialBackoff)
	v.SetDefault("retry.max_backoff", cfg.Retry.MaxBackoff)
	v.SetDefault("retry.per_minute", cfg.Retry.PerMinute)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.file", cfg.Logging.File)

	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
}

// Validate checks value ranges. A missing API key is not a validation
// error.
func (c *Config) Validate() error {
	if c.Pagination.Radius < 1 || c.Pagination.Radius > 10 {
		return fmt.Errorf("pagination.radius must be between 1 and 10 (got %d)", c.Pagination.Radius)
	}
	if c.Pagination.PrefetchRadius < 0 || c.Pagination.PrefetchRadius > c.Pagination.Radius {
		return fmt.Errorf("pagination.prefetch_radius must be between 0 and radius (got %d)", c.Pagination.PrefetchRadius)
	}
	if c.Pagination.FetchTimeout <= 0 {
		return fmt.Errorf("pagination.fetch_timeout must be positive")
	}
	if c.Cache.ListSize <= 0 {
		return fmt.Errorf("cache.list_size must be positive (got %d)", c.Cache.ListSize)
	}
	if c.Cache.DetailSize <= 0 {
		return fmt.Errorf("cache.detail_size must be positive (got %d)", c.Cache.DetailSize)
	}
	switch c.Storage.Backend {
	case BackendBolt, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("storage.backend must be one of bolt, redis, memory (got %q)", c.Storage.Backend)
	}
	if c.Retry.Enabled && c.Retry.MaxAttempts < 2 {
		return fmt.Errorf("retry.max_attempts must be >= 2 when retry is enabled (got %d)", c.Retry.MaxAttempts)
	}
	return nil
}

// HasCredentials reports whether an API key is configured.
func (c *Config) HasCredentials() bool {
	return strings.TrimSpace(c.API.Key) != ""
}

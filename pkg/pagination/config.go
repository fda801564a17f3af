package pagination

import (
	"fmt"
	"time"

	"github.com/Sternrassler/movie-pager/pkg/config"
)

// Config tunes the pagination state machine.
type Config struct {
	// Radius is how many pages around the visible window stay cached.
	Radius int

	// PrefetchRadius is how many pages around the window are warmed after
	// each commit. 0 disables warm-up.
	PrefetchRadius int

	// Workers serve the prefetch queue.
	Workers int

	// QueueSize bounds pending prefetches; extra requests are dropped.
	QueueSize int

	// FetchTimeout bounds every page fetch. A timed out page is Failed.
	FetchTimeout time.Duration

	// CommitDelay batches loaded visible pages before they enter the
	// window. 0 commits each page immediately.
	CommitDelay time.Duration

	// Columns is the number of items per rendered row.
	Columns int

	// NearEndRows and NearTopRows are the distances, in rows, at which a
	// viewport counts as near the end or the top of the list.
	NearEndRows int
	NearTopRows int

	// Placeholders is how many skeleton entries trail the list while the
	// next visible page loads. 0 disables them.
	Placeholders int

	// SuppressFor is how long viewport reports are ignored after an anchor
	// restoration.
	SuppressFor time.Duration
}

// DefaultConfig returns the default pagination configuration.
func DefaultConfig() Config {
	return Config{
		Radius:         DefaultRadius,
		PrefetchRadius: 1,
		Workers:        2,
		QueueSize:      16,
		FetchTimeout:   15 * time.Second,
		CommitDelay:    0,
		Columns:        4,
		NearEndRows:    3,
		NearTopRows:    1,
		Placeholders:   0,
		SuppressFor:    250 * time.Millisecond,
	}
}

// ConfigFrom maps the application configuration onto a pagination Config.
func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	p := cfg.Pagination
	c.Radius = p.Radius
	c.PrefetchRadius = p.PrefetchRadius
	c.Workers = p.PrefetchWorkers
	c.FetchTimeout = p.FetchTimeout
	c.CommitDelay = p.CommitDelay
	c.Columns = p.Columns
	c.NearEndRows = p.NearEndRows
	c.NearTopRows = p.NearTopRows
	c.Placeholders = p.Placeholders
	return c
}

// Validate checks the configuration for values the state machine cannot
// work with.
func (c Config) Validate() error {
	if c.Radius < MinRadius || c.Radius > MaxRadius {
		return fmt.Errorf("radius must be between %d and %d (got %d)", MinRadius, MaxRadius, c.Radius)
	}
	if c.PrefetchRadius < 0 || c.PrefetchRadius > c.Radius {
		return fmt.Errorf("prefetch radius must be between 0 and radius %d (got %d)", c.Radius, c.PrefetchRadius)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1 (got %d)", c.Workers)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue size must be >= 1 (got %d)", c.QueueSize)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetch timeout must be > 0 (got %v)", c.FetchTimeout)
	}
	if c.CommitDelay < 0 {
		return fmt.Errorf("commit delay must be >= 0 (got %v)", c.CommitDelay)
	}
	if c.Columns < 1 {
		return fmt.Errorf("columns must be >= 1 (got %d)", c.Columns)
	}
	if c.NearEndRows < 0 || c.NearTopRows < 0 || c.Placeholders < 0 {
		return fmt.Errorf("row distances and placeholders must be >= 0")
	}
	return nil
}

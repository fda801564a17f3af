// Package ratelimit paces outbound TMDB requests. A token bucket spreads
// requests out, and an HTTP 429 answer opens a cooldown that holds every
// request until the server's Retry-After has passed.
package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Cooldown bounds.
const (
	// DefaultCooldown applies when a 429 carries no usable Retry-After.
	DefaultCooldown = 5 * time.Second

	// MaxCooldown caps what a server can ask us to wait.
	MaxCooldown = time.Minute
)

// State is the tracker's view of the server's rate limit.
type State struct {
	// CooldownUntil is when requests may resume after a 429.
	// Zero when no cooldown was ever opened.
	CooldownUntil time.Time `json:"cooldown_until"`

	// Cooldowns counts the 429 answers seen by this tracker.
	Cooldowns int `json:"cooldowns"`

	// LastStatus is the HTTP status of the last observed response.
	LastStatus int `json:"last_status"`

	// LastUpdate is when this state was last updated.
	LastUpdate time.Time `json:"last_update"`
}

// InCooldown reports whether requests must wait at now.
func (s *State) InCooldown(now time.Time) bool {
	return now.Before(s.CooldownUntil)
}

// TimeUntilReset returns how long the cooldown still lasts at now.
// Returns 0 if no cooldown is active.
func (s *State) TimeUntilReset(now time.Time) time.Duration {
	d := s.CooldownUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// IsStale returns true if the state is older than maxAge.
func (s *State) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastUpdate) > maxAge
}

// ParseRetryAfter reads a Retry-After header given in delta-seconds or as
// an HTTP date. The result is clamped to MaxCooldown; false means the
// value was absent or unusable.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	var d time.Duration
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(value); err == nil {
		d = at.Sub(now)
		if d < 0 {
			d = 0
		}
	} else {
		return 0, false
	}

	if d > MaxCooldown {
		d = MaxCooldown
	}
	return d, true
}

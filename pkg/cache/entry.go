package cache

import (
	"encoding/json"
	"time"
)

// Entry is one persisted detail record.
type Entry struct {
	Key string `json:"key"`

	// Value is the raw detail payload as returned by the API.
	Value json.RawMessage `json:"value"`

	// ExpiresAt is the expiry in Unix milliseconds. Zero means no expiry.
	ExpiresAt int64 `json:"expiresAt"`
}

// IsExpired reports whether the entry is stale at now.
func (e *Entry) IsExpired(now time.Time) bool {
	return e.ExpiresAt != 0 && now.UnixMilli() > e.ExpiresAt
}

// TTL returns the time until expiration.
// Returns 0 if already expired, -1 if the entry never expires.
func (e *Entry) TTL(now time.Time) time.Duration {
	if e.ExpiresAt == 0 {
		return -1
	}
	ttl := time.UnixMilli(e.ExpiresAt).Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

func expiresAt(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixMilli()
}

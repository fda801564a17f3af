package cache

import (
	"fmt"
	"strconv"
	"strings"
)

// DetailPrefix marks keys that belong to the persisted detail cache.
const DetailPrefix = "movie:"

// ListKey identifies one page of a list or search call.
type ListKey struct {
	// Query is the search text; empty means the popular listing.
	Query string

	// Page is the 1-based page number.
	Page int
}

// String generates a deterministic cache key string.
// Format: movies:<query>:<page>
//
// Example:
//
//	movies:batman:3
//	movies::1
func (k ListKey) String() string {
	return fmt.Sprintf("movies:%s:%d", k.Query, k.Page)
}

// DetailKey returns the cache key for a movie detail record.
func DetailKey(id int) string {
	return DetailPrefix + strconv.Itoa(id)
}

// ParseDetailKey extracts the movie id from a detail key.
func ParseDetailKey(key string) (int, bool) {
	rest, ok := strings.CutPrefix(key, DetailPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(rest)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

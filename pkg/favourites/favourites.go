// Package favourites keeps the user's favourite movies and persists them
// as an ordered JSON list.
package favourites

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Sternrassler/movie-pager/pkg/movie"
	"github.com/Sternrassler/movie-pager/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// StorageKey is where the favourite list is stored.
const StorageKey = "favourites"

var (
	favouritesCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "moviepager_favourites",
		Help: "Number of favourite movies",
	})

	persistErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moviepager_favourites_persist_errors_total",
		Help: "Total failed reads and writes of the favourite list",
	})
)

// Set is the favourite set. Adding a present movie and removing an absent
// one are no-ops. Safe for concurrent use.
type Set struct {
	// persistMu orders writes so they reach the store in mutation order.
	persistMu sync.Mutex

	mu    sync.RWMutex
	items []movie.Movie
	index map[int]struct{}

	store  storage.Store
	logger zerolog.Logger
}

// Open loads the favourite list from store. A missing list is an empty
// set. On a read or decode error the returned Set is empty but usable and
// the error is returned alongside it.
func Open(ctx context.Context, store storage.Store, logger zerolog.Logger) (*Set, error) {
	s := &Set{
		items:  []movie.Movie{},
		index:  make(map[int]struct{}),
		store:  store,
		logger: logger.With().Str("component", "favourites").Logger(),
	}
	if store == nil {
		return s, nil
	}

	data, err := store.Get(ctx, StorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s, nil
		}
		persistErrors.Inc()
		return s, fmt.Errorf("read favourites: %w", err)
	}

	var items []movie.Movie
	if err := json.Unmarshal(data, &items); err != nil {
		persistErrors.Inc()
		return s, fmt.Errorf("decode favourites: %w", err)
	}
	for _, m := range items {
		if _, dup := s.index[m.ID]; dup {
			continue
		}
		s.index[m.ID] = struct{}{}
		s.items = append(s.items, m)
	}
	favouritesCount.Set(float64(len(s.items)))

	s.logger.Debug().Int("count", len(s.items)).Msg("Favourites loaded")
	return s, nil
}

// Add marks m as favourite and reports whether the set changed.
func (s *Set) Add(ctx context.Context, m movie.Movie) bool {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	if _, ok := s.index[m.ID]; ok {
		s.mu.Unlock()
		return false
	}
	s.index[m.ID] = struct{}{}
	s.items = append(s.items, m)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	return true
}

// Remove unmarks id and reports whether the set changed.
func (s *Set) Remove(ctx context.Context, id int) bool {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	if _, ok := s.index[id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.index, id)
	for i, m := range s.items {
		if m.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			break
		}
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	return true
}

// Toggle flips m and reports whether it is a favourite afterwards.
func (s *Set) Toggle(ctx context.Context, m movie.Movie) bool {
	if s.Remove(ctx, m.ID) {
		return false
	}
	s.Add(ctx, m)
	return true
}

// Contains reports whether id is a favourite.
func (s *Set) Contains(id int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[id]
	return ok
}

// List returns the favourites in the order they were added.
func (s *Set) List() []movie.Movie {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Len returns the number of favourites.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *Set) snapshotLocked() []movie.Movie {
	out := make([]movie.Movie, len(s.items))
	copy(out, s.items)
	return out
}

// persist writes the list. Failures are logged; memory stays authoritative.
func (s *Set) persist(ctx context.Context, items []movie.Movie) {
	favouritesCount.Set(float64(len(items)))
	if s.store == nil {
		return
	}

	data, err := json.Marshal(items)
	if err != nil {
		persistErrors.Inc()
		s.logger.Warn().Err(err).Msg("Failed to encode favourites")
		return
	}
	if err := s.store.Set(ctx, StorageKey, data); err != nil {
		persistErrors.Inc()
		s.logger.Warn().Err(err).Int("count", len(items)).Msg("Failed to persist favourites")
	}
}

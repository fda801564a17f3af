package pagination

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/movie-pager/pkg/movie"
)

// ErrInvalidTransition is returned when a page state change is not allowed.
var ErrInvalidTransition = errors.New("invalid page state transition")

// Radius bounds for PageCache.
const (
	MinRadius     = 1
	MaxRadius     = 10
	DefaultRadius = 5
)

type space struct {
	pages       map[int]*Page
	totalPages  int
	invalidated map[int]struct{}
}

// PageCache maps (query, page) to pages. At most one Page exists per page
// number and query. Safe for concurrent use.
type PageCache struct {
	mu     sync.RWMutex
	radius int
	spaces map[string]*space
	now    func() time.Time
}

// NewPageCache creates a cache pruning radius pages around the kept
// window. radius is clamped to [MinRadius, MaxRadius].
func NewPageCache(radius int) *PageCache {
	return &PageCache{
		radius: min(max(radius, MinRadius), MaxRadius),
		spaces: make(map[string]*space),
		now:    time.Now,
	}
}

// Radius returns the prune radius.
func (c *PageCache) Radius() int {
	return c.radius
}

func (c *PageCache) space(query string) *space {
	s, ok := c.spaces[query]
	if !ok {
		s = &space{
			pages:       make(map[int]*Page),
			invalidated: make(map[int]struct{}),
		}
		c.spaces[query] = s
	}
	return s
}

// Get returns a copy of the page, if present.
func (c *PageCache) Get(query string, page int) (*Page, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.spaces[query]
	if !ok {
		return nil, false
	}
	p, ok := s.pages[page]
	if !ok {
		return nil, false
	}
	cp := *p
	_, cp.Invalidated = s.invalidated[page]
	return &cp, true
}

// State returns the fetch state of a page; absent pages are NotRequested.
func (c *PageCache) State(query string, page int) FetchState {
	if p, ok := c.Get(query, page); ok {
		return p.State
	}
	return NotRequested
}

// Put stores a loaded page and records totalPages when it is positive.
// A page that is already Loaded is kept unless it was invalidated first;
// Put reports whether the items were applied.
func (c *PageCache) Put(query string, page int, items []movie.Movie, totalPages int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.space(query)
	if totalPages > 0 {
		s.totalPages = totalPages
	}

	if p, ok := s.pages[page]; ok && p.State == Loaded {
		if _, inv := s.invalidated[page]; !inv {
			return false
		}
	}

	delete(s.invalidated, page)
	s.pages[page] = &Page{
		Number:     page,
		Items:      items,
		State:      Loaded,
		InsertedAt: c.now(),
	}
	return true
}

// MarkInFlight moves a page to InFlight. Allowed from NotRequested, Failed
// and invalidated Loaded pages.
func (c *PageCache) MarkInFlight(query string, page int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.space(query)
	p, ok := s.pages[page]
	if !ok {
		s.pages[page] = &Page{Number: page, State: InFlight, InsertedAt: c.now()}
		return nil
	}

	switch p.State {
	case NotRequested, Failed:
	case Loaded:
		if _, inv := s.invalidated[page]; !inv {
			return fmt.Errorf("%w: page %d %s -> %s", ErrInvalidTransition, page, p.State, InFlight)
		}
	default:
		return fmt.Errorf("%w: page %d %s -> %s", ErrInvalidTransition, page, p.State, InFlight)
	}

	p.State = InFlight
	p.Err = nil
	return nil
}

// MarkFailed moves an InFlight page to Failed.
func (c *PageCache) MarkFailed(query string, page int, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.spaces[query]
	if !ok {
		return fmt.Errorf("%w: page %d %s -> %s", ErrInvalidTransition, page, NotRequested, Failed)
	}
	p, ok := s.pages[page]
	if !ok || p.State != InFlight {
		from := NotRequested
		if ok {
			from = p.State
		}
		return fmt.Errorf("%w: page %d %s -> %s", ErrInvalidTransition, page, from, Failed)
	}

	p.State = Failed
	p.Err = err
	return nil
}

// Invalidate allows the next Put to replace a Loaded page. The current
// items stay readable until then.
func (c *PageCache) Invalidate(query string, page int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.spaces[query]
	if !ok {
		return
	}
	if _, ok := s.pages[page]; ok {
		s.invalidated[page] = struct{}{}
	}
}

// Prune evicts every page of query outside keep grown by the cache radius
// and returns how many were removed. totalPages is retained.
func (c *PageCache) Prune(query string, keep Window) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.spaces[query]
	if !ok || keep.Empty() {
		return 0
	}

	bounds := keep.Grow(c.radius)
	removed := 0
	for n := range s.pages {
		if !bounds.Contains(n) {
			delete(s.pages, n)
			delete(s.invalidated, n)
			removed++
		}
	}
	return removed
}

// Remove evicts a single page in any state.
func (c *PageCache) Remove(query string, page int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.spaces[query]; ok {
		delete(s.pages, page)
		delete(s.invalidated, page)
	}
}

// Drop removes the whole pagination space of query.
func (c *PageCache) Drop(query string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.spaces, query)
}

// TotalPages returns the known page count of query, 0 when unknown.
func (c *PageCache) TotalPages(query string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.spaces[query]; ok {
		return s.totalPages
	}
	return 0
}

// Len returns the number of pages held for query in any state.
func (c *PageCache) Len(query string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.spaces[query]; ok {
		return len(s.pages)
	}
	return 0
}

// Loaded returns the pages of query inside w that have items to show, in
// page order. A Loaded page being refetched after invalidation keeps its
// previous items, also when that refetch fails.
func (c *PageCache) Loaded(query string, w Window) []Page {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.spaces[query]
	if !ok || w.Empty() {
		return nil
	}
	pages := make([]Page, 0, w.Size())
	for n := w.Start; n <= w.End; n++ {
		p, ok := s.pages[n]
		if !ok {
			continue
		}
		switch p.State {
		case Loaded:
			pages = append(pages, *p)
		case InFlight, Failed:
			if p.Items != nil {
				pages = append(pages, *p)
			}
		}
	}
	return pages
}

package pagination

import (
	"strconv"
	"sync"

	"github.com/Sternrassler/movie-pager/pkg/movie"
)

// EntryKind tags an Entry.
type EntryKind int

const (
	EntryMovie EntryKind = iota
	EntryPlaceholder
)

// Entry is one rendered list element: a movie or a loading placeholder.
type Entry struct {
	Kind  EntryKind
	Movie movie.Movie

	// Page is the page the movie came from; 0 for placeholders.
	Page int

	// Key is unique within one materialized list.
	Key string
}

// ID returns the movie id, or 0 for placeholders.
func (e Entry) ID() int {
	if e.Kind != EntryMovie {
		return 0
	}
	return e.Movie.ID
}

// Filter decides whether a movie is shown. It never changes what is cached.
type Filter func(movie.Movie) bool

// MinRating keeps movies rated at least r.
func MinRating(r float64) Filter {
	return func(m movie.Movie) bool {
		return m.VoteAverage >= r
	}
}

// Materializer turns a Snapshot into the flat list to render.
type Materializer struct {
	placeholders int

	mu     sync.RWMutex
	filter Filter
}

// NewMaterializer creates a materializer that trails the list with
// placeholders entries while the next visible page loads.
func NewMaterializer(placeholders int) *Materializer {
	return &Materializer{placeholders: max(placeholders, 0)}
}

// SetFilter replaces the view filter. nil shows everything.
func (m *Materializer) SetFilter(f Filter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filter = f
}

// Materialize concatenates the snapshot's pages in order, keeps the first
// occurrence of every id and applies the filter.
func (m *Materializer) Materialize(s Snapshot) []Entry {
	m.mu.RLock()
	filter := m.filter
	m.mu.RUnlock()

	n := 0
	for _, p := range s.Pages {
		n += len(p.Items)
	}
	entries := make([]Entry, 0, n+m.placeholders)
	seen := make(map[int]struct{}, n)

	for _, p := range s.Pages {
		for _, mv := range p.Items {
			if _, dup := seen[mv.ID]; dup {
				continue
			}
			seen[mv.ID] = struct{}{}
			if filter != nil && !filter(mv) {
				continue
			}
			entries = append(entries, Entry{
				Kind:  EntryMovie,
				Movie: mv,
				Page:  p.Number,
				Key:   "movie-" + strconv.Itoa(mv.ID),
			})
		}
	}

	if m.placeholders > 0 && tailPending(s) {
		for i := range m.placeholders {
			entries = append(entries, Entry{
				Kind: EntryPlaceholder,
				Key:  "placeholder-" + strconv.Itoa(i),
			})
		}
	}
	return entries
}

// tailPending reports whether the first page or the page after the window
// is on its way.
func tailPending(s Snapshot) bool {
	for _, p := range s.Pending {
		if s.Window.Empty() || p == s.Window.End+1 {
			return true
		}
	}
	return false
}

// Anchor is the topmost visible entry recorded before a mutation.
type Anchor struct {
	ID    int
	Index int
	Valid bool
}

// Capture records the entry at top. Placeholders and out of range indexes
// yield an anchor with only the index.
func Capture(entries []Entry, top int) Anchor {
	if top < 0 || top >= len(entries) {
		return Anchor{Index: max(top, 0), Valid: len(entries) > 0}
	}
	return Anchor{ID: entries[top].ID(), Index: top, Valid: true}
}

// Restore finds the anchor in entries. It returns the anchor's new index
// and true when its id is present; otherwise the old index clamped to the
// list and false.
func Restore(a Anchor, entries []Entry) (int, bool) {
	if a.ID != 0 {
		for i, e := range entries {
			if e.ID() == a.ID {
				return i, true
			}
		}
	}
	if len(entries) == 0 {
		return 0, false
	}
	return min(max(a.Index, 0), len(entries)-1), false
}

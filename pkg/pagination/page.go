package pagination

import (
	"fmt"
	"time"

	"github.com/Sternrassler/movie-pager/pkg/movie"
)

// FetchState is the lifecycle of one page within a query's pagination space.
//
// Allowed transitions: NotRequested -> InFlight -> Loaded | Failed, and
// Failed -> InFlight on retry. Loaded is terminal unless the page was
// invalidated.
type FetchState int

const (
	NotRequested FetchState = iota
	InFlight
	Loaded
	Failed
)

// String returns the state name.
func (s FetchState) String() string {
	switch s {
	case NotRequested:
		return "not_requested"
	case InFlight:
		return "in_flight"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("FetchState(%d)", int(s))
	}
}

// Page is one server-delivered batch of results.
type Page struct {
	Number     int
	Items      []movie.Movie
	State      FetchState
	InsertedAt time.Time

	// Err is the last failure for a Failed page.
	Err error

	// Invalidated pages are refetched on the next request.
	Invalidated bool
}

// Window is an inclusive range of page numbers. The zero Window is empty.
type Window struct {
	Start int
	End   int
}

// Empty reports whether no page is in the window.
func (w Window) Empty() bool {
	return w.End == 0
}

// Size returns the number of pages in the window.
func (w Window) Size() int {
	if w.Empty() {
		return 0
	}
	return w.End - w.Start + 1
}

// Contains reports whether page lies in the window.
func (w Window) Contains(page int) bool {
	return !w.Empty() && page >= w.Start && page <= w.End
}

// Expand returns the smallest window covering w and page.
func (w Window) Expand(page int) Window {
	if w.Empty() {
		return Window{Start: page, End: page}
	}
	return Window{Start: min(w.Start, page), End: max(w.End, page)}
}

// Grow widens the window by radius pages on both sides. The start never
// drops below page 1.
func (w Window) Grow(radius int) Window {
	if w.Empty() {
		return w
	}
	return Window{Start: max(1, w.Start-radius), End: w.End + radius}
}

// String formats the window as [start,end].
func (w Window) String() string {
	if w.Empty() {
		return "[]"
	}
	return fmt.Sprintf("[%d,%d]", w.Start, w.End)
}

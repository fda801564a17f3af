package pagination

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type scrollMode int

const (
	scrollKeep scrollMode = iota
	scrollTop
	scrollAnchor
)

// Session drives one paginated list: searches, loading more pages in
// either direction, viewport-driven prefetch and scroll anchoring.
type Session struct {
	coord    *Coordinator
	sched    *Scheduler
	mat      *Materializer
	observer Observer
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	publishMu sync.Mutex

	mu            sync.Mutex
	entries       []Entry
	anchor        Anchor
	suppressUntil time.Time
}

// NewSession creates a session on the unfiltered listing. details and
// observer may be nil.
func NewSession(fetcher Fetcher, details DetailPrefetcher, observer Observer, cfg Config) (*Session, error) {
	if observer == nil {
		observer = NoOpObserver{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		mat:      NewMaterializer(cfg.Placeholders),
		observer: observer,
		cfg:      cfg,
		logger:   log.With().Str("component", "session").Logger(),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}

	coord, err := NewCoordinator(fetcher, cfg, Hooks{
		OnStart:  s.onStart,
		OnLoad:   s.onLoad,
		OnCommit: s.onCommit,
		OnError:  s.onError,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	s.coord = coord
	s.sched = NewScheduler(coord, details, cfg)
	return s, nil
}

// Search activates query and loads its first page. The previous list is
// replaced; late responses for earlier queries are discarded.
func (s *Session) Search(ctx context.Context, query string) error {
	query = strings.TrimSpace(query)
	gen := s.coord.Reset(query)

	s.mu.Lock()
	s.entries = nil
	s.anchor = Anchor{}
	s.suppressUntil = time.Time{}
	s.mu.Unlock()

	_, err := s.coord.RequestPage(ctx, 1, RequestOptions{Visible: true, Generation: gen})
	return quiet(err)
}

// LoadNext makes the page after the window visible. It returns nil when
// the last page is already visible.
func (s *Session) LoadNext(ctx context.Context) error {
	snap := s.coord.Snapshot()
	page := 1
	if !snap.Window.Empty() {
		if snap.TotalPages > 0 && snap.Window.End >= snap.TotalPages {
			return nil
		}
		page = snap.Window.End + 1
	}
	_, err := s.coord.RequestPage(ctx, page, RequestOptions{Visible: true, Generation: snap.Generation})
	return quiet(err)
}

// LoadPrevious makes the page before the window visible. It returns nil
// when the window starts at page 1.
func (s *Session) LoadPrevious(ctx context.Context) error {
	snap := s.coord.Snapshot()
	if snap.Window.Empty() || snap.Window.Start <= 1 {
		return nil
	}
	_, err := s.coord.RequestPage(ctx, snap.Window.Start-1, RequestOptions{Visible: true, Generation: snap.Generation})
	return quiet(err)
}

// Retry refetches a failed page.
func (s *Session) Retry(ctx context.Context, page int) error {
	_, err := s.coord.Retry(ctx, page)
	return quiet(err)
}

// ReportViewport records the visible entries. Near either end of the list
// the adjacent page is loaded in the background. Reports are ignored for
// SuppressFor after an anchor jump.
func (s *Session) ReportViewport(v Viewport) Edges {
	s.mu.Lock()
	if s.now().Before(s.suppressUntil) {
		s.mu.Unlock()
		return Edges{}
	}
	s.anchor = Capture(s.entries, v.First)
	if v.Len == 0 {
		v.Len = len(s.entries)
	}
	if v.IDs == nil {
		v.IDs = visibleIDs(s.entries, v.First, v.Last)
	}
	s.mu.Unlock()

	edges := s.sched.OnViewport(v)
	if edges.NearEnd {
		s.background("load next", s.LoadNext)
	}
	if edges.NearTop {
		s.background("load previous", s.LoadPrevious)
	}
	return edges
}

// Focus is called when the application regains the foreground.
func (s *Session) Focus() {
	s.sched.OnFocus()
}

// SetFilter changes the view filter and keeps the anchor in place. nil
// removes the filter.
func (s *Session) SetFilter(f Filter) {
	s.mat.SetFilter(f)
	s.publish(scrollAnchor, nil)
}

// Entries returns the current rendered list.
func (s *Session) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Snapshot returns the state of the active pagination space.
func (s *Session) Snapshot() Snapshot {
	return s.coord.Snapshot()
}

// Flush commits loaded pages without waiting for the commit delay.
func (s *Session) Flush() {
	s.coord.Flush()
}

// Close stops background work. In-flight fetches finish on their own.
func (s *Session) Close() error {
	s.cancel()
	s.sched.Close()
	s.bg.Wait()
	s.coord.Close()
	return nil
}

func (s *Session) background(what string, fn func(context.Context) error) {
	if s.ctx.Err() != nil {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if err := fn(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Debug().Err(err).Str("action", what).Msg("Background load failed")
		}
	}()
}

func (s *Session) onStart(PageEvent) {
	s.publish(scrollKeep, nil)
}

func (s *Session) onLoad(ev PageEvent) {
	s.sched.OnPageLoaded(ev)
}

func (s *Session) onCommit(c Commit) {
	mode := scrollKeep
	switch {
	case c.Replaced():
		mode = scrollTop
	case c.Prepended():
		mode = scrollAnchor
	}

	current := func(snap Snapshot) bool { return snap.Generation == c.Generation }
	if !s.publish(mode, current) {
		return
	}
	s.sched.Warm(c.Query, c.Window)
}

func (s *Session) onError(fe *FetchError) {
	s.publish(scrollKeep, nil)
	s.observer.OnError(fe)
}

// publish materializes the current snapshot and sends it to the observer.
// The snapshot is taken under publishMu, so updates reach the observer in
// the order the coordinator state changed. A non-nil accept can reject the
// snapshot; publish reports whether an update was sent.
func (s *Session) publish(mode scrollMode, accept func(Snapshot) bool) bool {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	snap := s.coord.Snapshot()
	if accept != nil && !accept(snap) {
		return false
	}

	entries := s.mat.Materialize(snap)

	s.mu.Lock()
	u := Update{
		Query:       snap.Query,
		Entries:     entries,
		Window:      snap.Window,
		TotalPages:  snap.TotalPages,
		Loading:     snap.Loading,
		LoadingMore: snap.LoadingMore,
		ScrollTo:    -1,
	}
	switch mode {
	case scrollTop:
		u.ScrollTo = 0
		u.Animated = true
		s.anchor = Capture(entries, 0)
	case scrollAnchor:
		if s.anchor.Valid {
			idx, found := Restore(s.anchor, entries)
			u.ScrollTo = idx
			s.anchor.Index = idx
			s.suppressUntil = s.now().Add(s.cfg.SuppressFor)
			s.logger.Debug().
				Int("anchor_id", s.anchor.ID).
				Int("index", idx).
				Bool("found", found).
				Msg("Anchor restored")
		}
	}
	s.entries = entries
	s.mu.Unlock()

	s.observer.OnUpdate(u)
	return true
}

func visibleIDs(entries []Entry, first, last int) []int {
	first = max(first, 0)
	last = min(last, len(entries)-1)
	ids := make([]int, 0, max(last-first+1, 0))
	for i := first; i <= last; i++ {
		if id := entries[i].ID(); id != 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// quiet hides internal signals from callers.
func quiet(err error) error {
	if errors.Is(err, ErrStaleResponse) {
		return nil
	}
	return err
}

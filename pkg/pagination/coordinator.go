package pagination

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Sternrassler/movie-pager/pkg/client"
	"github.com/Sternrassler/movie-pager/pkg/movie"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for page coordination.
var (
	staleResponsesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moviepager_stale_responses_total",
		Help: "Total page responses discarded because their query was superseded",
	})

	inflightPages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "moviepager_inflight_pages",
		Help: "Number of page fetches currently in flight",
	})

	fetchJoinsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moviepager_fetch_joins_total",
		Help: "Total page requests that joined an in-flight fetch",
	})

	commitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moviepager_commits_total",
		Help: "Total visible window commits",
	})

	pageFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moviepager_page_fetches_total",
		Help: "Total page fetches by result",
	}, []string{"result"})
)

// Errors returned by the Coordinator.
var (
	// ErrStaleResponse marks a result for a superseded query. It is an
	// internal signal and never shown to users.
	ErrStaleResponse = errors.New("stale response")

	// ErrBeyondLastPage is returned for pages past the known page count.
	ErrBeyondLastPage = errors.New("page beyond last page")

	// ErrPageFailed is returned for a Failed page requested without Retry.
	ErrPageFailed = errors.New("page failed, retry required")
)

// FetchError is a failed visible page fetch. Retryable pages can be
// offered to the user for a retry.
type FetchError struct {
	Query     string
	Page      int
	Err       error
	Retryable bool
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %q page %d: %v", e.Query, e.Page, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Fetcher loads one list page. *client.Client implements it.
type Fetcher interface {
	FetchList(ctx context.Context, query string, page int) (*movie.ListPage, error)
}

// RequestOptions modify a page request.
type RequestOptions struct {
	// Visible pages enter the visible window once loaded.
	Visible bool

	// Generation, when non-zero, must match the active generation or the
	// request fails with ErrStaleResponse.
	Generation uint64
}

// PageEvent describes a page fetch of the active query.
type PageEvent struct {
	Query      string
	Generation uint64
	Page       int
	TotalPages int
	Visible    bool
}

// Commit is one atomic update of the visible window.
type Commit struct {
	Query      string
	Generation uint64
	Window     Window
	Previous   Window
	Pages      []int
	TotalPages int
	Pruned     int
}

// Replaced reports whether the commit started a new list.
func (c Commit) Replaced() bool {
	return c.Previous.Empty()
}

// Prepended reports whether pages were added before the previous window.
func (c Commit) Prepended() bool {
	return !c.Previous.Empty() && c.Window.Start < c.Previous.Start
}

// Hooks are called by the Coordinator without holding its lock. Commits
// are delivered one at a time and in order. A hook must not trigger a
// visible request synchronously.
type Hooks struct {
	// OnStart is called when a visible fetch starts.
	OnStart func(PageEvent)

	// OnLoad is called after every successful fetch of the active query.
	OnLoad func(PageEvent)

	// OnCommit is called after the visible window changed.
	OnCommit func(Commit)

	// OnError is called when a visible fetch failed.
	OnError func(*FetchError)
}

// Snapshot is a consistent view of the active pagination space.
type Snapshot struct {
	Query      string
	Generation uint64
	Window     Window
	TotalPages int

	// Pages holds the loaded pages inside Window, in page order.
	Pages []Page

	// Pending lists visible pages that are in flight or await a commit.
	Pending []int

	// Loading is set while the first page of the query is pending.
	Loading bool

	// LoadingMore is set while any other visible page is pending.
	LoadingMore bool
}

type call struct {
	done    chan struct{}
	items   []movie.Movie
	err     error
	visible bool
}

// Coordinator owns the pagination space of the active query. It allows at
// most one in-flight fetch per page, discards responses of superseded
// queries and moves loaded visible pages into the window. All state
// changes happen under one mutex; network calls and hooks run outside it.
type Coordinator struct {
	fetcher Fetcher
	cache   *PageCache
	cfg     Config
	hooks   Hooks
	logger  zerolog.Logger

	commitMu sync.Mutex

	mu      sync.Mutex
	gen     uint64
	query   string
	window  Window
	calls   map[int]*call
	pending map[int]struct{}
	timer   *time.Timer
}

// NewCoordinator creates a coordinator for the unfiltered listing.
func NewCoordinator(fetcher Fetcher, cfg Config, hooks Hooks) (*Coordinator, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pagination config: %w", err)
	}

	return &Coordinator{
		fetcher: fetcher,
		cache:   NewPageCache(cfg.Radius),
		cfg:     cfg,
		hooks:   hooks,
		logger:  log.With().Str("component", "pagination").Logger(),
		gen:     1,
		calls:   make(map[int]*call),
		pending: make(map[int]struct{}),
	}, nil
}

// Cache returns the page cache.
func (c *Coordinator) Cache() *PageCache {
	return c.cache
}

// RequestPage returns the items of page for the active query, fetching it
// when needed. Concurrent requests for one page share a single fetch; a
// visible request upgrades a pending prefetch. The fetch itself is not
// cancelled with ctx, only the wait.
func (c *Coordinator) RequestPage(ctx context.Context, page int, opts RequestOptions) ([]movie.Movie, error) {
	return c.request(ctx, page, opts, false)
}

// Retry fetches a Failed page again. It behaves like a visible
// RequestPage for pages in any other state.
func (c *Coordinator) Retry(ctx context.Context, page int) ([]movie.Movie, error) {
	return c.request(ctx, page, RequestOptions{Visible: true}, true)
}

func (c *Coordinator) request(ctx context.Context, page int, opts RequestOptions, retry bool) ([]movie.Movie, error) {
	if page < 1 {
		return nil, fmt.Errorf("%w (got %d)", client.ErrInvalidPage, page)
	}

	c.mu.Lock()
	if opts.Generation != 0 && opts.Generation != c.gen {
		c.mu.Unlock()
		return nil, ErrStaleResponse
	}
	query, gen := c.query, c.gen

	if total := c.cache.TotalPages(query); total > 0 && page > total {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: page %d of %d", ErrBeyondLastPage, page, total)
	}

	if cl, ok := c.calls[page]; ok {
		upgraded := opts.Visible && !cl.visible
		if upgraded {
			cl.visible = true
		}
		c.mu.Unlock()

		fetchJoinsTotal.Inc()
		if upgraded {
			c.onStart(PageEvent{Query: query, Generation: gen, Page: page, Visible: true})
		}
		return c.wait(ctx, cl)
	}

	if p, ok := c.cache.Get(query, page); ok {
		switch p.State {
		case Loaded:
			if p.Invalidated {
				break
			}
			commitNow := false
			if opts.Visible && !c.window.Contains(page) {
				c.pending[page] = struct{}{}
				commitNow = c.scheduleCommitLocked()
			}
			c.mu.Unlock()
			if commitNow {
				c.commit()
			}
			return p.Items, nil
		case Failed:
			if !retry {
				c.mu.Unlock()
				return nil, fmt.Errorf("page %d: %w", page, ErrPageFailed)
			}
		}
	}

	if err := c.cache.MarkInFlight(query, page); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	cl := &call{done: make(chan struct{}), visible: opts.Visible}
	c.calls[page] = cl
	inflightPages.Inc()
	c.mu.Unlock()

	c.logger.Debug().
		Str("query", query).
		Int("page", page).
		Bool("visible", opts.Visible).
		Bool("retry", retry).
		Msg("Fetching page")

	if opts.Visible {
		c.onStart(PageEvent{Query: query, Generation: gen, Page: page, Visible: true})
	}

	go c.run(context.WithoutCancel(ctx), query, gen, page, cl)

	return c.wait(ctx, cl)
}

func (c *Coordinator) wait(ctx context.Context, cl *call) ([]movie.Movie, error) {
	select {
	case <-cl.done:
		return cl.items, cl.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fetchResult struct {
	page *movie.ListPage
	err  error
}

// run fetches a page with the configured timeout. A fetcher that ignores
// the deadline is abandoned when it expires.
func (c *Coordinator) run(ctx context.Context, query string, gen uint64, page int, cl *call) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	ch := make(chan fetchResult, 1)
	go func() {
		lp, err := c.fetcher.FetchList(ctx, query, page)
		ch <- fetchResult{page: lp, err: err}
	}()

	var res fetchResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		res.err = fmt.Errorf("page %d timed out after %v: %w", page, c.cfg.FetchTimeout, ctx.Err())
	}
	if res.err == nil && res.page == nil {
		res.err = fmt.Errorf("page %d: empty response", page)
	}

	c.complete(query, gen, page, cl, res)
}

func (c *Coordinator) complete(query string, gen uint64, page int, cl *call, res fetchResult) {
	c.mu.Lock()
	if c.calls[page] == cl {
		delete(c.calls, page)
	}
	inflightPages.Dec()

	if gen != c.gen {
		c.mu.Unlock()

		staleResponsesTotal.Inc()
		pageFetchesTotal.WithLabelValues("stale").Inc()
		c.logger.Debug().
			Str("query", query).
			Int("page", page).
			Msg("Discarding stale page response")

		cl.err = ErrStaleResponse
		close(cl.done)
		return
	}

	if res.err != nil {
		visible := cl.visible
		if visible {
			if err := c.cache.MarkFailed(query, page, res.err); err != nil {
				c.logger.Debug().Err(err).Int("page", page).Msg("Failed page no longer cached")
			}
		} else {
			// a failed prefetch leaves no trace
			c.cache.Remove(query, page)
		}
		c.mu.Unlock()

		pageFetchesTotal.WithLabelValues("error").Inc()
		fe := &FetchError{
			Query:     query,
			Page:      page,
			Err:       res.err,
			Retryable: !errors.Is(res.err, client.ErrConfiguration),
		}
		cl.err = fe

		if visible {
			c.logger.Warn().
				Err(res.err).
				Str("query", query).
				Int("page", page).
				Msg("Page fetch failed")
			c.onError(fe)
		}
		close(cl.done)
		return
	}

	if !c.cache.Put(query, page, res.page.Results, res.page.TotalPages) {
		c.logger.Debug().Int("page", page).Msg("Page already loaded, keeping cached items")
	}
	items := res.page.Results
	if p, ok := c.cache.Get(query, page); ok && p.State == Loaded {
		items = p.Items
	}

	visible := cl.visible
	commitNow := false
	if visible {
		c.pending[page] = struct{}{}
		commitNow = c.scheduleCommitLocked()
	} else {
		c.cache.Prune(query, c.keepLocked())
	}
	ev := PageEvent{
		Query:      query,
		Generation: gen,
		Page:       page,
		TotalPages: c.cache.TotalPages(query),
		Visible:    visible,
	}
	c.mu.Unlock()

	pageFetchesTotal.WithLabelValues("ok").Inc()
	if commitNow {
		c.commit()
	}

	cl.items = items
	close(cl.done)

	c.onLoad(ev)
}

// keepLocked is the window plus pages awaiting commit. Before anything is
// visible it is page 1.
func (c *Coordinator) keepLocked() Window {
	keep := c.window
	for p := range c.pending {
		keep = keep.Expand(p)
	}
	if keep.Empty() {
		keep = Window{Start: 1, End: 1}
	}
	return keep
}

func (c *Coordinator) scheduleCommitLocked() bool {
	if c.cfg.CommitDelay <= 0 {
		return true
	}
	if c.timer == nil {
		c.timer = time.AfterFunc(c.cfg.CommitDelay, c.commit)
	}
	return false
}

// Flush commits pending pages immediately.
func (c *Coordinator) Flush() {
	c.commit()
}

// commit moves every pending page into the window in one update and
// prunes the cache around the new window.
func (c *Coordinator) commit() {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}

	prev := c.window
	pages := make([]int, 0, len(c.pending))
	for p := range c.pending {
		c.window = c.window.Expand(p)
		pages = append(pages, p)
	}
	slices.Sort(pages)
	clear(c.pending)

	ev := Commit{
		Query:      c.query,
		Generation: c.gen,
		Window:     c.window,
		Previous:   prev,
		Pages:      pages,
		TotalPages: c.cache.TotalPages(c.query),
		Pruned:     c.cache.Prune(c.query, c.window),
	}
	c.mu.Unlock()

	commitsTotal.Inc()
	c.logger.Info().
		Str("query", ev.Query).
		Ints("pages", ev.Pages).
		Str("window", ev.Window.String()).
		Int("pruned", ev.Pruned).
		Msg("Committed pages")

	if c.hooks.OnCommit != nil {
		c.hooks.OnCommit(ev)
	}
}

// Reset activates query with an empty space and returns the new
// generation. Responses for earlier generations are discarded.
func (c *Coordinator) Reset(query string) uint64 {
	c.mu.Lock()
	old := c.query
	c.gen++
	c.query = query
	c.window = Window{}
	c.calls = make(map[int]*call)
	clear(c.pending)
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.cache.Drop(old)
	c.cache.Drop(query)
	gen := c.gen
	c.mu.Unlock()

	c.logger.Info().
		Str("query", query).
		Uint64("generation", gen).
		Msg("Query activated")
	return gen
}

// Close stops a pending commit timer.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Active returns the active query and its generation.
func (c *Coordinator) Active() (string, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.query, c.gen
}

// Query returns the active query.
func (c *Coordinator) Query() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.query
}

// Generation returns the active query generation.
func (c *Coordinator) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Window returns the visible window.
func (c *Coordinator) Window() Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window
}

// TotalPages returns the page count of the active query, 0 when unknown.
func (c *Coordinator) TotalPages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.TotalPages(c.query)
}

// State returns the fetch state of page for the active query.
func (c *Coordinator) State(page int) FetchState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.calls[page]; ok {
		return InFlight
	}
	return c.cache.State(c.query, page)
}

// InRange reports whether page would survive the next prune.
func (c *Coordinator) InRange(page int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepLocked().Grow(c.cache.Radius()).Contains(page)
}

// Snapshot returns a consistent view of the active space.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Query:      c.query,
		Generation: c.gen,
		Window:     c.window,
		TotalPages: c.cache.TotalPages(c.query),
		Pages:      c.cache.Loaded(c.query, c.window),
	}
	for p, cl := range c.calls {
		if cl.visible {
			s.Pending = append(s.Pending, p)
		}
	}
	for p := range c.pending {
		s.Pending = append(s.Pending, p)
	}
	slices.Sort(s.Pending)

	for _, p := range s.Pending {
		if p == 1 || s.Window.Empty() {
			s.Loading = true
		} else {
			s.LoadingMore = true
		}
	}
	return s
}

func (c *Coordinator) onStart(ev PageEvent) {
	if c.hooks.OnStart != nil {
		c.hooks.OnStart(ev)
	}
}

func (c *Coordinator) onLoad(ev PageEvent) {
	if c.hooks.OnLoad != nil {
		c.hooks.OnLoad(ev)
	}
}

func (c *Coordinator) onError(fe *FetchError) {
	if c.hooks.OnError != nil {
		c.hooks.OnError(fe)
	}
}

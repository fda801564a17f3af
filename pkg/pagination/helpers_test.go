package pagination

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/movie-pager/pkg/movie"
)

// fakeFetcher serves generated pages. Movie ids are offset by
// len(query)*1_000_000 so results of different queries never collide.
type fakeFetcher struct {
	mu         sync.Mutex
	totalPages int
	perPage    int
	pages      map[string]*movie.ListPage
	errs       map[string]error
	gates      map[string]chan struct{}
	calls      map[string]int
}

func newFakeFetcher(totalPages, perPage int) *fakeFetcher {
	return &fakeFetcher{
		totalPages: totalPages,
		perPage:    perPage,
		pages:      make(map[string]*movie.ListPage),
		errs:       make(map[string]error),
		gates:      make(map[string]chan struct{}),
		calls:      make(map[string]int),
	}
}

func fakeKey(query string, page int) string {
	return fmt.Sprintf("%s:%d", query, page)
}

func (f *fakeFetcher) FetchList(ctx context.Context, query string, page int) (*movie.ListPage, error) {
	k := fakeKey(query, page)

	f.mu.Lock()
	f.calls[k]++
	gate := f.gates[k]
	err := f.errs[k]
	lp := f.pages[k]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if lp != nil {
		return lp, nil
	}
	return &movie.ListPage{
		Page:       page,
		Results:    genMovies(query, page, f.perPage),
		TotalPages: f.totalPages,
	}, nil
}

// hold blocks fetches of (query, page) until the returned func is called.
func (f *fakeFetcher) hold(t *testing.T, query string, page int) func() {
	t.Helper()
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates[fakeKey(query, page)] = gate
	f.mu.Unlock()

	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	return release
}

func (f *fakeFetcher) fail(query string, page int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, fakeKey(query, page))
		return
	}
	f.errs[fakeKey(query, page)] = err
}

func (f *fakeFetcher) setPage(query string, page int, ids []int, totalPages int) {
	results := make([]movie.Movie, len(ids))
	for i, id := range ids {
		results[i] = movie.Movie{ID: id, Title: fmt.Sprintf("Movie %d", id), VoteAverage: float64(id % 10)}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[fakeKey(query, page)] = &movie.ListPage{Page: page, Results: results, TotalPages: totalPages}
}

func (f *fakeFetcher) count(query string, page int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[fakeKey(query, page)]
}

func genMovies(query string, page, perPage int) []movie.Movie {
	base := len(query)*1_000_000 + (page-1)*perPage
	out := make([]movie.Movie, perPage)
	for i := range out {
		id := base + i + 1
		out[i] = movie.Movie{
			ID:          id,
			Title:       fmt.Sprintf("%s movie %d", query, id),
			VoteAverage: float64(id % 10),
			VoteCount:   id,
		}
	}
	return out
}

func ids(entries []Entry) []int {
	out := make([]int, 0, len(entries))
	for _, e := range entries {
		if e.Kind == EntryMovie {
			out = append(out, e.ID())
		}
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PrefetchRadius = 0
	cfg.FetchTimeout = 2 * time.Second
	cfg.SuppressFor = 250 * time.Millisecond
	return cfg
}

// recorder is an Observer keeping everything it receives.
type recorder struct {
	mu      sync.Mutex
	updates []Update
	errs    []*FetchError
}

func (r *recorder) OnUpdate(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) OnError(err *FetchError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) Updates() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.updates)
}

func (r *recorder) Errors() []*FetchError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.errs)
}

// gatedRecorder is a recorder whose next OnUpdate after arm blocks until
// open is called.
type gatedRecorder struct {
	recorder
	armed   atomic.Bool
	blocked atomic.Bool
	gate    chan struct{}
}

func newGatedRecorder() *gatedRecorder {
	return &gatedRecorder{gate: make(chan struct{})}
}

func (g *gatedRecorder) arm()  { g.armed.Store(true) }
func (g *gatedRecorder) open() { close(g.gate) }

func (g *gatedRecorder) OnUpdate(u Update) {
	if g.armed.CompareAndSwap(true, false) {
		g.blocked.Store(true)
		<-g.gate
	}
	g.recorder.OnUpdate(u)
}

// detailRecorder is a DetailPrefetcher keeping every id batch.
type detailRecorder struct {
	mu    sync.Mutex
	calls [][]int
}

func (d *detailRecorder) PrefetchDetails(_ context.Context, ids []int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, slices.Clone(ids))
}

func (d *detailRecorder) Calls() [][]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.calls)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

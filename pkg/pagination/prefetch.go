package pagination

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var prefetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moviepager_prefetch_total",
	Help: "Total page prefetches by result",
}, []string{"result"})

// DetailPrefetcher warms the detail cache for movie ids. It must swallow
// its own errors. *client.Client implements it.
type DetailPrefetcher interface {
	PrefetchDetails(ctx context.Context, ids []int)
}

// Viewport reports which materialized entries are on screen.
type Viewport struct {
	// First and Last are the indexes of the first and last visible entry.
	First int
	Last  int

	// Len is the length of the materialized list.
	Len int

	// IDs are the visible movie ids.
	IDs []int
}

// Edges tells which end of the list a viewport is close to.
type Edges struct {
	NearEnd bool
	NearTop bool
}

type taskKind int

const (
	taskPage taskKind = iota
	taskDetails
)

type task struct {
	kind  taskKind
	gen   uint64
	query string
	page  int
	ids   []int
}

// Scheduler warms pages and details in the background. Requests go to a
// bounded queue served by a fixed worker pool; when the queue is full they
// are dropped. Prefetched pages land in the page cache but never change
// the visible window, and failures are only logged.
type Scheduler struct {
	coord   *Coordinator
	details DetailPrefetcher
	cfg     Config
	logger  zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	queue    chan task
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	active   atomic.Int32

	mu          sync.Mutex
	queued      map[int]uint64
	lastVisible []int
}

// NewScheduler starts cfg.Workers prefetch workers. details may be nil.
func NewScheduler(coord *Coordinator, details DetailPrefetcher, cfg Config) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = cfg.Workers * 8
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		coord:    coord,
		details:  details,
		cfg:      cfg,
		logger:   log.With().Str("component", "prefetch").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		queue:    make(chan task, cfg.QueueSize),
		stopChan: make(chan struct{}),
		queued:   make(map[int]uint64),
	}

	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	return s
}

// Schedule queues a background fetch of page for query. It is a no-op when
// query is not active, the page is below 1, beyond the known last page,
// cached, in flight, outside the cache range or already queued. It never
// blocks and reports whether the page was queued.
func (s *Scheduler) Schedule(query string, page int) bool {
	active, gen := s.coord.Active()
	switch {
	case page < 1, query != active:
		prefetchTotal.WithLabelValues("skipped").Inc()
		return false
	case s.coord.TotalPages() > 0 && page > s.coord.TotalPages():
		prefetchTotal.WithLabelValues("skipped").Inc()
		return false
	case s.coord.State(page) != NotRequested, !s.coord.InRange(page):
		prefetchTotal.WithLabelValues("skipped").Inc()
		return false
	}

	s.mu.Lock()
	if g, ok := s.queued[page]; ok && g == gen {
		s.mu.Unlock()
		return false
	}
	s.queued[page] = gen
	s.mu.Unlock()

	if !s.enqueue(task{kind: taskPage, gen: gen, query: query, page: page}) {
		s.mu.Lock()
		if s.queued[page] == gen {
			delete(s.queued, page)
		}
		s.mu.Unlock()
		return false
	}

	s.logger.Debug().Str("query", query).Int("page", page).Msg("Prefetch scheduled")
	return true
}

func (s *Scheduler) enqueue(t task) bool {
	select {
	case <-s.stopChan:
		return false
	default:
	}

	select {
	case s.queue <- t:
		prefetchTotal.WithLabelValues("queued").Inc()
		return true
	default:
		prefetchTotal.WithLabelValues("dropped").Inc()
		return false
	}
}

// OnPageLoaded schedules the page after a loaded visible page. Pages that
// arrived by prefetch do not chain; look-ahead beyond one page comes from
// Warm and the viewport.
func (s *Scheduler) OnPageLoaded(ev PageEvent) {
	if !ev.Visible {
		return
	}
	s.Schedule(ev.Query, ev.Page+1)
}

// OnViewport prefetches the page after the window when the viewport is
// within NearEndRows rows of the list end, and the page before it when the
// viewport is within NearTopRows rows of the top. Visible ids are kept for
// OnFocus and their details warmed.
func (s *Scheduler) OnViewport(v Viewport) Edges {
	var edges Edges

	if len(v.IDs) > 0 {
		s.mu.Lock()
		s.lastVisible = slices.Clone(v.IDs)
		s.mu.Unlock()
		s.prefetchDetails(v.IDs)
	}

	snap := s.coord.Snapshot()
	if snap.Window.Empty() || v.Len == 0 {
		return edges
	}

	remaining := v.Len - 1 - v.Last
	if remaining <= s.cfg.Columns*s.cfg.NearEndRows &&
		(snap.TotalPages == 0 || snap.Window.End < snap.TotalPages) {
		edges.NearEnd = true
		s.Schedule(snap.Query, snap.Window.End+1)
	}
	if v.First <= s.cfg.Columns*s.cfg.NearTopRows && snap.Window.Start > 1 {
		edges.NearTop = true
		s.Schedule(snap.Query, snap.Window.Start-1)
	}
	return edges
}

// OnFocus schedules the page after the window and warms the details of
// the last visible movies.
func (s *Scheduler) OnFocus() {
	snap := s.coord.Snapshot()
	s.Schedule(snap.Query, snap.Window.End+1)

	s.mu.Lock()
	ids := s.lastVisible
	s.mu.Unlock()
	s.prefetchDetails(ids)
}

// Warm schedules every missing page within PrefetchRadius of w.
func (s *Scheduler) Warm(query string, w Window) int {
	if s.cfg.PrefetchRadius == 0 || w.Empty() {
		return 0
	}
	around := w.Grow(s.cfg.PrefetchRadius)
	n := 0
	for p := around.Start; p <= around.End; p++ {
		if !w.Contains(p) && s.Schedule(query, p) {
			n++
		}
	}
	return n
}

func (s *Scheduler) prefetchDetails(ids []int) {
	if s.details == nil || len(ids) == 0 {
		return
	}
	s.enqueue(task{kind: taskDetails, ids: slices.Clone(ids)})
}

// Busy returns the number of queued and running tasks.
func (s *Scheduler) Busy() int {
	return len(s.queue) + int(s.active.Load())
}

// Close stops the workers and waits for running tasks. Queued tasks are
// discarded.
func (s *Scheduler) Close() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.cancel()
		s.wg.Wait()
	})
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	processed := 0

	for {
		select {
		case <-s.stopChan:
			s.logger.Debug().
				Int("worker_id", id).
				Int("tasks_processed", processed).
				Msg("Prefetch worker stopping")
			return
		case t := <-s.queue:
			s.active.Add(1)
			s.process(t)
			s.active.Add(-1)
			processed++
		}
	}
}

func (s *Scheduler) process(t task) {
	if t.kind == taskDetails {
		s.details.PrefetchDetails(s.ctx, t.ids)
		return
	}

	s.mu.Lock()
	if s.queued[t.page] == t.gen {
		delete(s.queued, t.page)
	}
	s.mu.Unlock()

	_, err := s.coord.RequestPage(s.ctx, t.page, RequestOptions{Generation: t.gen})
	switch {
	case err == nil:
		prefetchTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrStaleResponse):
		prefetchTotal.WithLabelValues("stale").Inc()
	default:
		prefetchTotal.WithLabelValues("error").Inc()
		s.logger.Debug().
			Err(err).
			Str("query", t.query).
			Int("page", t.page).
			Msg("Prefetch failed")
	}
}

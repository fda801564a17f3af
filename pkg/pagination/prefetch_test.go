package pagination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, f *fakeFetcher, details DetailPrefetcher, mutate ...func(*Config)) (*Coordinator, *Scheduler) {
	t.Helper()
	c, _ := newTestCoordinator(t, f, mutate...)
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	s := NewScheduler(c, details, cfg)
	t.Cleanup(s.Close)
	return c, s
}

func idle(s *Scheduler) func() bool {
	return func() bool { return s.Busy() == 0 }
}

func TestScheduler_SkipsPagesItCannotUse(t *testing.T) {
	f := newFakeFetcher(3, 20)
	c, s := newTestScheduler(t, f, nil)

	_, err := c.RequestPage(context.Background(), 1, visible())
	require.NoError(t, err)

	tests := []struct {
		name  string
		query string
		page  int
	}{
		{"inactive query", "batman", 2},
		{"page zero", "", 0},
		{"beyond last page", "", 4},
		{"already loaded", "", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, s.Schedule(tt.query, tt.page))
		})
	}
	assert.Equal(t, 0, f.count("batman", 2))
	assert.Equal(t, 1, f.count("", 1))
}

func TestScheduler_SkipsPagesOutsideCacheRange(t *testing.T) {
	f := newFakeFetcher(50, 20)
	c, s := newTestScheduler(t, f, nil, func(cfg *Config) {
		cfg.Radius = 2
	})

	_, err := c.RequestPage(context.Background(), 1, visible())
	require.NoError(t, err)

	assert.False(t, s.Schedule("", 10))
	assert.True(t, s.Schedule("", 3))
	require.Eventually(t, func() bool { return c.State(3) == Loaded }, time.Second, 5*time.Millisecond)
}

func TestScheduler_PrefetchLeavesWindowAlone(t *testing.T) {
	f := newFakeFetcher(5, 20)
	c, s := newTestScheduler(t, f, nil)

	_, err := c.RequestPage(context.Background(), 1, visible())
	require.NoError(t, err)

	s.OnPageLoaded(PageEvent{Query: "", Page: 1, Visible: true})
	require.Eventually(t, func() bool { return c.State(2) == Loaded }, time.Second, 5*time.Millisecond)

	assert.Equal(t, Window{Start: 1, End: 1}, c.Window())

	// prefetched pages do not chain
	s.OnPageLoaded(PageEvent{Query: "", Page: 2, Visible: false})
	require.Eventually(t, idle(s), time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.count("", 3))
}

func TestScheduler_PrefetchedPageDoesNotChain(t *testing.T) {
	f := newFakeFetcher(10, 20)
	s, _ := newTestSession(t, f, nil)

	require.NoError(t, s.Search(context.Background(), ""))
	require.Eventually(t, func() bool { return s.coord.State(2) == Loaded }, time.Second, 5*time.Millisecond)
	require.Eventually(t, idle(s.sched), time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, f.count("", 2), "visible load schedules its successor")
	assert.Equal(t, 0, f.count("", 3), "prefetched load does not")
	assert.Equal(t, Window{Start: 1, End: 1}, s.Snapshot().Window)
}

func TestScheduler_DropsWhenQueueFull(t *testing.T) {
	f := newFakeFetcher(10, 20)
	c, s := newTestScheduler(t, f, nil, func(cfg *Config) {
		cfg.Workers = 1
		cfg.QueueSize = 1
	})

	_, err := c.RequestPage(context.Background(), 1, visible())
	require.NoError(t, err)

	release := f.hold(t, "", 2)
	require.True(t, s.Schedule("", 2))
	require.Eventually(t, func() bool { return f.count("", 2) == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, s.Schedule("", 3), "one slot in the queue")
	assert.False(t, s.Schedule("", 3), "already queued")
	assert.False(t, s.Schedule("", 4), "queue full")

	release()
	require.Eventually(t, func() bool { return c.State(3) == Loaded }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.count("", 4))
}

func TestScheduler_FailuresAreSwallowed(t *testing.T) {
	f := newFakeFetcher(5, 20)
	c, s := newTestScheduler(t, f, nil)

	_, err := c.RequestPage(context.Background(), 1, visible())
	require.NoError(t, err)

	f.fail("", 2, assert.AnError)
	require.True(t, s.Schedule("", 2))
	require.Eventually(t, func() bool { return f.count("", 2) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, idle(s), time.Second, 5*time.Millisecond)

	assert.Equal(t, NotRequested, c.State(2))
}

func TestScheduler_StaleTaskSkipped(t *testing.T) {
	f := newFakeFetcher(5, 20)
	c, s := newTestScheduler(t, f, nil, func(cfg *Config) {
		cfg.Workers = 1
	})

	_, err := c.RequestPage(context.Background(), 1, visible())
	require.NoError(t, err)

	release := f.hold(t, "", 2)
	require.True(t, s.Schedule("", 2))
	require.Eventually(t, func() bool { return f.count("", 2) == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, s.Schedule("", 3))

	c.Reset("")
	release()
	require.Eventually(t, idle(s), time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, f.count("", 3), "task queued before the reset is not run")
	assert.Equal(t, 0, c.Cache().Len(""))
}

func TestScheduler_OnViewportEdges(t *testing.T) {
	f := newFakeFetcher(10, 20)
	c, s := newTestScheduler(t, f, nil)
	ctx := context.Background()

	_, err := c.RequestPage(ctx, 3, visible())
	require.NoError(t, err)

	// 4 columns * 3 rows
	edges := s.OnViewport(Viewport{First: 0, Last: 5, Len: 20})
	assert.Equal(t, Edges{NearEnd: false, NearTop: true}, edges)
	require.Eventually(t, func() bool { return c.State(2) == Loaded }, time.Second, 5*time.Millisecond)

	edges = s.OnViewport(Viewport{First: 10, Last: 19, Len: 20})
	assert.Equal(t, Edges{NearEnd: true, NearTop: false}, edges)
	require.Eventually(t, func() bool { return c.State(4) == Loaded }, time.Second, 5*time.Millisecond)

	assert.Equal(t, Window{Start: 3, End: 3}, c.Window())

	edges = s.OnViewport(Viewport{First: 6, Last: 6, Len: 20})
	assert.Equal(t, Edges{}, edges)
}

func TestScheduler_NoNearEndOnLastPage(t *testing.T) {
	f := newFakeFetcher(1, 20)
	c, s := newTestScheduler(t, f, nil)

	_, err := c.RequestPage(context.Background(), 1, visible())
	require.NoError(t, err)

	edges := s.OnViewport(Viewport{First: 10, Last: 19, Len: 20})
	assert.False(t, edges.NearEnd)
}

func TestScheduler_FocusRewarmsDetails(t *testing.T) {
	f := newFakeFetcher(5, 20)
	details := &detailRecorder{}
	c, s := newTestScheduler(t, f, details)

	_, err := c.RequestPage(context.Background(), 1, visible())
	require.NoError(t, err)

	s.OnViewport(Viewport{First: 0, Last: 2, Len: 20, IDs: []int{1, 2, 3}})
	require.Eventually(t, func() bool { return len(details.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	s.OnFocus()
	require.Eventually(t, func() bool { return len(details.Calls()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1, 2, 3}, details.Calls()[1])

	require.Eventually(t, func() bool { return c.State(2) == Loaded }, time.Second, 5*time.Millisecond)
}

func TestScheduler_Warm(t *testing.T) {
	f := newFakeFetcher(10, 20)
	c, s := newTestScheduler(t, f, nil, func(cfg *Config) {
		cfg.PrefetchRadius = 2
	})

	_, err := c.RequestPage(context.Background(), 4, visible())
	require.NoError(t, err)

	n := s.Warm("", c.Window())
	assert.Equal(t, 4, n)
	for _, p := range []int{2, 3, 5, 6} {
		require.Eventually(t, func() bool { return c.State(p) == Loaded }, time.Second, 5*time.Millisecond, "page %d", p)
	}
	assert.Equal(t, Window{Start: 4, End: 4}, c.Window())
}

func TestScheduler_CloseIsIdempotent(t *testing.T) {
	f := newFakeFetcher(5, 20)
	_, s := newTestScheduler(t, f, nil)

	s.Close()
	s.Close()
	assert.False(t, s.Schedule("", 1))
}

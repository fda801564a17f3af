package pagination

import (
	"context"
	"testing"
	"time"

	"github.com/Sternrassler/movie-pager/pkg/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, f Fetcher, details DetailPrefetcher, mutate ...func(*Config)) (*Session, *recorder) {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	rec := &recorder{}
	s, err := NewSession(f, details, rec, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, rec
}

func TestNewSession_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Columns = 0
	_, err := NewSession(newFakeFetcher(1, 1), nil, nil, cfg)
	assert.Error(t, err)
}

func TestSession_PopularScrollAppendsSecondPage(t *testing.T) {
	f := newFakeFetcher(5, 20)
	s, rec := newTestSession(t, f, nil)
	ctx := context.Background()

	require.NoError(t, s.Search(ctx, ""))
	require.Len(t, s.Entries(), 20)
	snap := s.Snapshot()
	assert.Equal(t, 5, snap.TotalPages)
	assert.Equal(t, Window{Start: 1, End: 1}, snap.Window)

	edges := s.ReportViewport(Viewport{First: 8, Last: 19})
	assert.True(t, edges.NearEnd)

	require.Eventually(t, func() bool {
		return s.Snapshot().Window == Window{Start: 1, End: 2}
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		u := rec.Updates()
		return len(u) > 0 && len(u[len(u)-1].Entries) == 40
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, f.count("", 2))
	got := ids(s.Entries())
	for i, id := range got {
		assert.Equal(t, i+1, id, "entries keep page order")
	}

	updates := rec.Updates()
	last := updates[len(updates)-1]
	assert.Equal(t, -1, last.ScrollTo, "appending keeps the scroll position")
}

func TestSession_SearchSupersedesLoadingPage(t *testing.T) {
	f := newFakeFetcher(5, 20)
	release := f.hold(t, "", 3)
	s, rec := newTestSession(t, f, nil)
	ctx := context.Background()

	require.NoError(t, s.Search(ctx, ""))
	require.NoError(t, s.LoadNext(ctx))

	done := make(chan error, 1)
	go func() { done <- s.LoadNext(ctx) }()
	require.Eventually(t, func() bool { return f.count("", 3) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Search(ctx, "batman"))
	release()
	assert.NoError(t, <-done, "stale responses are not reported")

	assert.Equal(t, "batman", s.Snapshot().Query)
	assert.Equal(t, Window{Start: 1, End: 1}, s.Snapshot().Window)
	entries := s.Entries()
	require.Len(t, entries, 20)
	for _, id := range ids(entries) {
		assert.GreaterOrEqual(t, id, 6_000_000)
	}

	for _, u := range rec.Updates() {
		if u.Query != "batman" {
			continue
		}
		for _, id := range ids(u.Entries) {
			assert.GreaterOrEqual(t, id, 6_000_000, "update for batman shows item %d", id)
		}
	}
	assert.Empty(t, rec.Errors())
}

func TestSession_SearchReplacesList(t *testing.T) {
	f := newFakeFetcher(5, 20)
	s, rec := newTestSession(t, f, nil)
	ctx := context.Background()

	require.NoError(t, s.Search(ctx, ""))
	require.NoError(t, s.LoadNext(ctx))
	require.Len(t, s.Entries(), 40)

	require.NoError(t, s.Search(ctx, "  dune "))
	assert.Equal(t, "dune", s.Snapshot().Query)
	assert.Len(t, s.Entries(), 20)

	updates := rec.Updates()
	last := updates[len(updates)-1]
	assert.Equal(t, 0, last.ScrollTo)
	assert.Equal(t, Window{Start: 1, End: 1}, last.Window)
}

func TestSession_LoadNextStopsAtLastPage(t *testing.T) {
	f := newFakeFetcher(2, 20)
	s, _ := newTestSession(t, f, nil)
	ctx := context.Background()

	require.NoError(t, s.LoadNext(ctx), "first call loads page 1")
	require.NoError(t, s.LoadNext(ctx))
	require.NoError(t, s.LoadNext(ctx))

	assert.Equal(t, Window{Start: 1, End: 2}, s.Snapshot().Window)
	assert.Equal(t, 0, f.count("", 3))
	assert.NoError(t, s.LoadPrevious(ctx))
}

func TestSession_PrependRestoresAnchor(t *testing.T) {
	f := newFakeFetcher(10, 20)
	s, rec := newTestSession(t, f, nil)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s.now = clock.Now
	ctx := context.Background()

	gen := s.coord.Reset("")
	_, err := s.coord.RequestPage(ctx, 3, RequestOptions{Visible: true, Generation: gen})
	require.NoError(t, err)
	entries := s.Entries()
	require.Len(t, entries, 20)
	anchorID := entries[1].ID()

	edges := s.ReportViewport(Viewport{First: 1, Last: 5})
	require.True(t, edges.NearTop)
	require.False(t, edges.NearEnd)

	require.Eventually(t, func() bool {
		return s.Snapshot().Window == Window{Start: 2, End: 3}
	}, time.Second, 5*time.Millisecond)

	var jump *Update
	require.Eventually(t, func() bool {
		for _, u := range rec.Updates() {
			if u.ScrollTo > 0 {
				jump = &u
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 21, jump.ScrollTo)
	assert.False(t, jump.Animated)
	assert.Equal(t, anchorID, jump.Entries[jump.ScrollTo].ID())

	// viewport reports right after the jump are ignored
	assert.Equal(t, Edges{}, s.ReportViewport(Viewport{First: 0, Last: 3}))
	clock.Advance(time.Second)
	assert.True(t, s.ReportViewport(Viewport{First: 0, Last: 3}).NearTop)
}

func TestSession_FilterKeepsPaginationAccounting(t *testing.T) {
	f := newFakeFetcher(5, 20)
	s, _ := newTestSession(t, f, nil)
	ctx := context.Background()

	require.NoError(t, s.Search(ctx, ""))
	s.SetFilter(MinRating(8))

	entries := s.Entries()
	require.NotEmpty(t, entries)
	for _, e := range entries {
		assert.GreaterOrEqual(t, e.Movie.VoteAverage, 8.0)
	}
	snap := s.Snapshot()
	assert.Equal(t, 5, snap.TotalPages)
	assert.Equal(t, Window{Start: 1, End: 1}, snap.Window)
	require.Len(t, snap.Pages, 1)
	assert.Len(t, snap.Pages[0].Items, 20)

	s.SetFilter(nil)
	assert.Len(t, s.Entries(), 20)
}

func TestSession_FailedPageOffersRetry(t *testing.T) {
	f := newFakeFetcher(5, 20)
	f.fail("", 2, &client.RemoteError{Endpoint: "popular", ErrorClass: client.ErrorClassNetwork, Err: context.DeadlineExceeded})
	s, rec := newTestSession(t, f, nil)
	ctx := context.Background()

	require.NoError(t, s.Search(ctx, ""))

	err := s.LoadNext(ctx)
	require.Error(t, err)

	errs := rec.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, 2, errs[0].Page)
	assert.True(t, errs[0].Retryable)
	assert.Len(t, s.Entries(), 20, "loaded pages stay")

	assert.ErrorIs(t, s.LoadNext(ctx), ErrPageFailed)

	f.fail("", 2, nil)
	require.NoError(t, s.Retry(ctx, 2))
	assert.Len(t, s.Entries(), 40)
}

func TestSession_PlaceholdersWhileLoading(t *testing.T) {
	f := newFakeFetcher(5, 20)
	release := f.hold(t, "", 2)
	s, _ := newTestSession(t, f, nil, func(cfg *Config) {
		cfg.Placeholders = 4
	})
	ctx := context.Background()

	require.NoError(t, s.Search(ctx, ""))
	go s.LoadNext(ctx)

	require.Eventually(t, func() bool { return len(s.Entries()) == 24 }, time.Second, 5*time.Millisecond)
	entries := s.Entries()
	assert.Equal(t, EntryPlaceholder, entries[23].Kind)
	assert.True(t, s.Snapshot().LoadingMore)

	release()
	require.Eventually(t, func() bool { return len(s.Entries()) == 40 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, EntryMovie, s.Entries()[39].Kind)
}

func TestSession_FocusPrefetchesNextPage(t *testing.T) {
	f := newFakeFetcher(5, 20)
	details := &detailRecorder{}
	s, _ := newTestSession(t, f, details)
	ctx := context.Background()

	require.NoError(t, s.Search(ctx, ""))
	s.ReportViewport(Viewport{First: 4, Last: 6})
	require.Eventually(t, func() bool { return len(details.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{5, 6, 7}, details.Calls()[0])

	s.Focus()
	require.Eventually(t, func() bool { return f.count("", 2) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(details.Calls()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Window{Start: 1, End: 1}, s.Snapshot().Window)
}

func TestSession_WarmsAroundWindow(t *testing.T) {
	f := newFakeFetcher(5, 20)
	s, _ := newTestSession(t, f, nil, func(cfg *Config) {
		cfg.PrefetchRadius = 1
	})

	require.NoError(t, s.Search(context.Background(), ""))
	require.Eventually(t, func() bool { return f.count("", 2) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Window{Start: 1, End: 1}, s.Snapshot().Window)
}

func TestChannelObserver_DropsWhenFull(t *testing.T) {
	updates := make(chan Update, 1)
	o := NewChannelObserver(updates, nil)

	o.OnUpdate(Update{Query: "a"})
	o.OnUpdate(Update{Query: "b"})
	o.OnError(&FetchError{Page: 1})

	assert.Equal(t, "a", (<-updates).Query)
	select {
	case u := <-updates:
		t.Errorf("unexpected update %+v", u)
	default:
	}
}

func TestSession_UpdatesFollowStateOrder(t *testing.T) {
	f := newFakeFetcher(5, 20)
	obs := newGatedRecorder()
	s, err := NewSession(f, nil, obs, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	release := f.hold(t, "", 2)
	require.NoError(t, s.Search(ctx, ""))
	require.Eventually(t, func() bool { return f.count("", 2) == 1 }, time.Second, 5*time.Millisecond)

	// LoadNext joins the held prefetch of page 2 and shows it as loading.
	done := make(chan error, 1)
	go func() { done <- s.LoadNext(ctx) }()
	require.Eventually(t, func() bool {
		u := obs.Updates()
		return len(u) > 0 && u[len(u)-1].LoadingMore
	}, time.Second, 5*time.Millisecond)

	// One update blocks the observer while page 2 is still loading; a
	// second one queues behind it.
	obs.arm()
	go s.SetFilter(nil)
	require.Eventually(t, obs.blocked.Load, time.Second, 5*time.Millisecond)
	go s.SetFilter(nil)
	time.Sleep(20 * time.Millisecond)

	release()
	require.Eventually(t, func() bool {
		return s.Snapshot().Window == Window{Start: 1, End: 2}
	}, time.Second, 5*time.Millisecond)
	obs.open()
	require.NoError(t, <-done)

	require.Eventually(t, func() bool {
		u := obs.Updates()
		if len(u) == 0 {
			return false
		}
		last := u[len(u)-1]
		return last.Window == Window{Start: 1, End: 2} && !last.LoadingMore && len(last.Entries) == 40
	}, time.Second, 5*time.Millisecond)

	// Updates published after the observer opened never go back to the
	// loading state.
	updates := obs.Updates()
	sawCommit := false
	for _, u := range updates {
		if u.Window.End == 2 {
			sawCommit = true
			continue
		}
		assert.False(t, sawCommit, "update for window %v after the commit", u.Window)
	}
}

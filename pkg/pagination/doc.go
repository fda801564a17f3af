// Package pagination implements the infinite-scroll state machine for
// TMDB list and search results.
//
// A Session ties four parts together:
//
//   - PageCache keeps pages per (query, page) and prunes everything outside
//     a radius around the visible window.
//   - Coordinator allows one in-flight fetch per page, discards responses
//     of superseded queries by generation and commits loaded visible pages
//     to the window, optionally debounced.
//   - Scheduler prefetches neighbouring pages and movie details on a small
//     worker pool without touching the window.
//   - Materializer flattens the window into entries, removes duplicate ids
//     (first occurrence wins), applies the view filter and restores the
//     scroll anchor after prepends.
//
// Example usage:
//
//	cfg := pagination.DefaultConfig()
//	s, err := pagination.NewSession(tmdb, tmdb, observer, cfg)
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//
//	err = s.Search(ctx, "batman")
//	s.ReportViewport(pagination.Viewport{First: 8, Last: 19})
//
// Failed pages stay Failed until Retry is called.
package pagination

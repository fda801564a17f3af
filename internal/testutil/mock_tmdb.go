// Package testutil provides testing utilities for the movie-pager packages.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/movie-pager/pkg/movie"
)

// Catalog describes a generated result set for one query.
type Catalog struct {
	TotalPages int
	PerPage    int

	// IDBase offsets generated ids so different queries do not collide.
	IDBase int
}

type failure struct {
	status     int
	remaining  int
	retryAfter string
}

// MockTMDB is a configurable mock TMDB v3 server for testing.
//
// Lists are served from catalogs (generated) or explicit pages; details are
// generated for any id unless overridden. Every request is counted by key:
// "<query>:<page>" for lists, "movie:<id>" for details, "image:<path>" for
// images.
type MockTMDB struct {
	server *httptest.Server

	mu       sync.Mutex
	apiKey   string
	catalogs map[string]Catalog
	pages    map[string]movie.ListPage
	details  map[int]movie.Detail
	failures map[string]*failure
	gates    map[string]chan struct{}
	delay    time.Duration
	requests map[string]int
	total    int
}

// NewMockTMDB creates a new mock TMDB server. The default api key is
// "test-key".
func NewMockTMDB() *MockTMDB {
	m := &MockTMDB{
		apiKey:   "test-key",
		catalogs: make(map[string]Catalog),
		pages:    make(map[string]movie.ListPage),
		details:  make(map[int]movie.Detail),
		failures: make(map[string]*failure),
		gates:    make(map[string]chan struct{}),
		requests: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/movie/popular", func(w http.ResponseWriter, r *http.Request) {
		m.serveList(w, r, "")
	})
	mux.HandleFunc("/search/movie", func(w http.ResponseWriter, r *http.Request) {
		m.serveList(w, r, r.URL.Query().Get("query"))
	})
	mux.HandleFunc("/movie/", m.serveDetail)
	mux.HandleFunc("/t/p/", m.serveImage)

	m.server = httptest.NewServer(mux)
	return m
}

// URL returns the mock server URL, usable as the API base URL.
func (m *MockTMDB) URL() string {
	return m.server.URL
}

// ImageURL returns a base URL for image prefetch served by this mock.
func (m *MockTMDB) ImageURL() string {
	return m.server.URL + "/t/p/w500"
}

// Close shuts down the mock server, releasing any blocked requests first.
func (m *MockTMDB) Close() {
	m.mu.Lock()
	for key, gate := range m.gates {
		close(gate)
		delete(m.gates, key)
	}
	m.mu.Unlock()
	m.server.Close()
}

// SetAPIKey changes the key the server accepts. Requests with another key
// get a 401.
func (m *MockTMDB) SetAPIKey(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiKey = key
}

// SetCatalog generates TotalPages pages of PerPage movies for query.
func (m *MockTMDB) SetCatalog(query string, c Catalog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalogs[query] = c
}

// SetPage serves an explicit page for query, overriding any catalog.
func (m *MockTMDB) SetPage(query string, page int, results []movie.Movie, totalPages int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[ListKey(query, page)] = movie.ListPage{
		Page:         page,
		Results:      results,
		TotalPages:   totalPages,
		TotalResults: totalPages * len(results),
	}
}

// SetDetail overrides the generated detail for d.ID.
func (m *MockTMDB) SetDetail(d movie.Detail) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.details[d.ID] = d
}

// FailNext makes the next n requests for key fail with status.
func (m *MockTMDB) FailNext(key string, status, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[key] = &failure{status: status, remaining: n}
}

// RateLimitNext answers the next request for key with 429 and Retry-After.
func (m *MockTMDB) RateLimitNext(key string, retryAfter string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[key] = &failure{status: http.StatusTooManyRequests, remaining: 1, retryAfter: retryAfter}
}

// SetDelay delays every response.
func (m *MockTMDB) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Block holds requests for key until the returned release func is called.
func (m *MockTMDB) Block(key string) (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.gates[key] = gate
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.gates[key] == gate {
				delete(m.gates, key)
				close(gate)
			}
			m.mu.Unlock()
		})
	}
}

// RequestCount returns the number of requests seen for key.
func (m *MockTMDB) RequestCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[key]
}

// TotalRequests returns the number of requests seen.
func (m *MockTMDB) TotalRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Reset clears all tracking counters.
func (m *MockTMDB) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = make(map[string]int)
	m.total = 0
}

// ListKey is the request key of a list or search page.
func ListKey(query string, page int) string {
	return fmt.Sprintf("%s:%d", query, page)
}

// DetailKey is the request key of a detail lookup.
func DetailKey(id int) string {
	return fmt.Sprintf("movie:%d", id)
}

// GenerateMovie builds the movie a catalog serves at 1-based position n.
func GenerateMovie(query string, idBase, n int) movie.Movie {
	id := idBase + n
	title := fmt.Sprintf("Popular %d", n)
	if query != "" {
		title = fmt.Sprintf("%s %d", query, n)
	}
	return movie.Movie{
		ID:          id,
		Title:       title,
		PosterPath:  fmt.Sprintf("/poster-%d.jpg", id),
		ReleaseDate: fmt.Sprintf("%d-01-01", 1980+n%40),
		VoteAverage: float64(n%10) + 0.5,
		VoteCount:   n * 10,
	}
}

// track records the request and applies delay, gate and failure rules.
// It returns false when a response was already written.
func (m *MockTMDB) track(w http.ResponseWriter, r *http.Request, key string) bool {
	m.mu.Lock()
	m.total++
	m.requests[key]++
	wantKey := m.apiKey
	delay := m.delay
	gate := m.gates[key]
	var fail *failure
	if f, ok := m.failures[key]; ok && f.remaining > 0 {
		f.remaining--
		copied := *f
		fail = &copied
	}
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return false
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return false
		}
	}

	if r.URL.Query().Get("api_key") != wantKey {
		writeStatus(w, http.StatusUnauthorized, "Invalid API key: You must be granted a valid key.")
		return false
	}

	if fail != nil {
		if fail.retryAfter != "" {
			w.Header().Set("Retry-After", fail.retryAfter)
		}
		writeStatus(w, fail.status, http.StatusText(fail.status))
		return false
	}
	return true
}

func (m *MockTMDB) serveList(w http.ResponseWriter, r *http.Request, query string) {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		writeStatus(w, http.StatusUnprocessableEntity, "page must be greater than 0")
		return
	}

	key := ListKey(query, page)
	if !m.track(w, r, key) {
		return
	}

	m.mu.Lock()
	lp, explicit := m.pages[key]
	cat, hasCatalog := m.catalogs[query]
	m.mu.Unlock()

	if !explicit {
		lp = movie.ListPage{Page: page, Results: []movie.Movie{}}
		if hasCatalog {
			lp.TotalPages = cat.TotalPages
			lp.TotalResults = cat.TotalPages * cat.PerPage
			if page <= cat.TotalPages {
				for i := 1; i <= cat.PerPage; i++ {
					lp.Results = append(lp.Results, GenerateMovie(query, cat.IDBase, (page-1)*cat.PerPage+i))
				}
			}
		}
	}

	writeJSON(w, lp)
}

func (m *MockTMDB) serveDetail(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/movie/"))
	if err != nil {
		writeStatus(w, http.StatusNotFound, "The resource you requested could not be found.")
		return
	}

	if !m.track(w, r, DetailKey(id)) {
		return
	}

	m.mu.Lock()
	d, ok := m.details[id]
	m.mu.Unlock()
	if !ok {
		d = movie.Detail{
			Movie: movie.Movie{
				ID:           id,
				Title:        fmt.Sprintf("Movie %d", id),
				PosterPath:   fmt.Sprintf("/poster-%d.jpg", id),
				BackdropPath: fmt.Sprintf("/backdrop-%d.jpg", id),
				Overview:     "Generated by the mock server.",
				VoteAverage:  7.5,
				Genres:       []movie.Genre{{ID: 18, Name: "Drama"}},
			},
			Runtime: 100,
			Status:  "Released",
		}
	}

	writeJSON(w, d)
}

func (m *MockTMDB) serveImage(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path[strings.LastIndex(r.URL.Path, "/"):]

	m.mu.Lock()
	m.total++
	m.requests["image:"+path]++
	m.mu.Unlock()

	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte{0xff, 0xd8, 0xff, 0xd9})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json;charset=utf-8")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

func writeStatus(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json;charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success":        false,
		"status_code":    status,
		"status_message": message,
	})
}

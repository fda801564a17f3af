// Package movie defines the movie records exchanged with the TMDB API and
// rendered by the pagination layer.
package movie

import "strings"

// Genre is a TMDB genre tag.
type Genre struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Movie is one list result. Overview, BackdropPath and Genres are only
// populated once a detail fetch has happened.
//
// IDs are unique within one query's result set, not across queries.
type Movie struct {
	ID           int     `json:"id"`
	Title        string  `json:"title"`
	PosterPath   string  `json:"poster_path,omitempty"`
	BackdropPath string  `json:"backdrop_path,omitempty"`
	Overview     string  `json:"overview,omitempty"`
	ReleaseDate  string  `json:"release_date,omitempty"`
	VoteAverage  float64 `json:"vote_average"`
	VoteCount    int     `json:"vote_count"`
	Genres       []Genre `json:"genres,omitempty"`
}

// Year returns the release year or "" when the release date is unknown.
func (m Movie) Year() string {
	if len(m.ReleaseDate) < 4 {
		return ""
	}
	return m.ReleaseDate[:4]
}

// Detail is the full record returned by the detail endpoint.
type Detail struct {
	Movie
	Runtime  int    `json:"runtime,omitempty"`
	Tagline  string `json:"tagline,omitempty"`
	Status   string `json:"status,omitempty"`
	Homepage string `json:"homepage,omitempty"`
	IMDBID   string `json:"imdb_id,omitempty"`
}

// GenreNames joins the genre names for display.
func (d *Detail) GenreNames() string {
	names := make([]string, 0, len(d.Genres))
	for _, g := range d.Genres {
		names = append(names, g.Name)
	}
	return strings.Join(names, ", ")
}

// ListPage is one page of a list or search endpoint.
type ListPage struct {
	Page         int     `json:"page"`
	Results      []Movie `json:"results"`
	TotalPages   int     `json:"total_pages"`
	TotalResults int     `json:"total_results"`
}

// IDs returns the ids of the page's results in server order.
func (p *ListPage) IDs() []int {
	ids := make([]int, len(p.Results))
	for i, m := range p.Results {
		ids[i] = m.ID
	}
	return ids
}

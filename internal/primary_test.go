package internal

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// upstreamCall captures one request as seen by a stubbed provider API.
type upstreamCall struct {
	path   string
	query  url.Values
	header http.Header
}

const _volumeJSON = `{
	"id": "zyTCAlFPjgYC",
	"volumeInfo": {
		"title": " The Google Story ",
		"authors": ["David A. Vise", " Mark Malseed "],
		"publisher": "Random House",
		"publishedDate": "2005-11-15",
		"description": "<b>Moving</b> the story of Google.",
		"pageCount": 207,
		"categories": ["Computers", "Business"],
		"language": "en",
		"industryIdentifiers": [
			{"type": "ISBN_13", "identifier": "978-0-553-80457-7"},
			{"type": "ISBN_10", "identifier": "055380457X"},
			{"type": "OTHER", "identifier": "OCLC:61451323"}
		],
		"imageLinks": {"thumbnail": "http://books.google.com/thumb.jpg"}
	}
}`

func TestGoogleBooksSearch(t *testing.T) {
	t.Parallel()

	calls := make(chan upstreamCall, 4)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls <- upstreamCall{r.URL.Path, r.URL.Query(), r.Header}
		// One good volume, one with nothing to identify it by, one that
		// doesn't even decode.
		fmt.Fprintf(w, `{"totalItems": 2, "items": [%s, {"id": "ghost", "volumeInfo": {"title": ""}}, {"id": 5}]}`, _volumeJSON)
	}))
	t.Cleanup(ts.Close)

	g, err := NewGoogleBooks(ProviderConfig{
		BaseURL:   ts.URL,
		APIKey:    "sekrit",
		UserAgent: "colophon/1.0",
		RPS:       100,
	})
	require.NoError(t, err)
	assert.Equal(t, ProviderPrimary, g.Name())

	resp, err := g.Search(t.Context(), "The Google Story", SearchTitle, 10, 5)
	require.NoError(t, err)

	call := <-calls
	assert.Equal(t, "/volumes", call.path)
	assert.Equal(t, "intitle:The Google Story", call.query.Get("q"))
	assert.Equal(t, "10", call.query.Get("maxResults"))
	assert.Equal(t, "5", call.query.Get("startIndex"))
	assert.Equal(t, "sekrit", call.query.Get("key"))
	assert.Equal(t, "colophon/1.0", call.header.Get("User-Agent"))

	assert.Equal(t, 2, resp.Total)
	require.Len(t, resp.Results, 1)

	r := resp.Results[0]
	assert.Equal(t, "zyTCAlFPjgYC", r.ProviderID)
	assert.Equal(t, ProviderPrimary, r.Provider)
	assert.Equal(t, "The Google Story", r.Title)
	assert.Equal(t, []string{"David A. Vise", "Mark Malseed"}, r.Authors)
	assert.Equal(t, "Random House", r.Publisher)
	assert.Equal(t, "2005-11-15", r.PublicationDate)
	assert.Equal(t, 207, r.PageCount)
	assert.Equal(t, "en", r.Language)
	assert.Equal(t, []string{"Business", "Computers"}, r.Categories)
	assert.Equal(t, "9780553804577", r.ISBN13)
	assert.Equal(t, "055380457X", r.ISBN10)
	assert.Equal(t, "http://books.google.com/thumb.jpg", r.CoverImageURL)
	assert.Equal(t, "Moving the story of Google.", r.Description)
}

func TestGoogleBooksSearchGrammar(t *testing.T) {
	t.Parallel()

	tests := []struct {
		typ   SearchType
		query string
		want  string
	}{
		{SearchGeneral, "dune messiah", "dune messiah"},
		{SearchTitle, "Dune Messiah", "intitle:Dune Messiah"},
		{SearchAuthor, "Frank Herbert", "inauthor:Frank Herbert"},
		{SearchISBN, "978-0-306-40615-7", "isbn:9780306406157"},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			t.Parallel()

			calls := make(chan upstreamCall, 1)
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls <- upstreamCall{r.URL.Path, r.URL.Query(), r.Header}
				_, _ = io.WriteString(w, `{"totalItems": 0, "items": []}`)
			}))
			t.Cleanup(ts.Close)

			g, err := NewGoogleBooks(ProviderConfig{BaseURL: ts.URL, RPS: 100})
			require.NoError(t, err)

			resp, err := g.Search(t.Context(), tt.query, tt.typ, 10, 0)
			require.NoError(t, err)
			assert.Empty(t, resp.Results)
			assert.Equal(t, tt.want, (<-calls).query.Get("q"))
		})
	}
}

func TestGoogleBooksKeepsBasePath(t *testing.T) {
	t.Parallel()

	calls := make(chan upstreamCall, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls <- upstreamCall{r.URL.Path, r.URL.Query(), r.Header}
		_, _ = io.WriteString(w, `{"totalItems": 0, "items": []}`)
	}))
	t.Cleanup(ts.Close)

	g, err := NewGoogleBooks(ProviderConfig{BaseURL: ts.URL + "/books/v1/", RPS: 100})
	require.NoError(t, err)

	_, err = g.Search(t.Context(), "dune", SearchGeneral, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, "/books/v1/volumes", (<-calls).path)
}

func TestGoogleBooksStatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		kind   errKind
	}{
		{http.StatusForbidden, errRateLimit},
		{http.StatusTooManyRequests, errRateLimit},
		{http.StatusInternalServerError, errServer},
		{http.StatusBadGateway, errServer},
		{http.StatusBadRequest, errBadRequest},
		{http.StatusTeapot, errBadRequest},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			t.Parallel()

			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			t.Cleanup(ts.Close)

			g, err := NewGoogleBooks(ProviderConfig{BaseURL: ts.URL, RPS: 100})
			require.NoError(t, err)

			_, err = g.Search(t.Context(), "dune", SearchGeneral, 10, 0)
			var pe *providerError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.kind, pe.kind)
			assert.Equal(t, ProviderPrimary, pe.provider)
		})
	}
}

func TestGoogleBooksParseError(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "upstream says hi")
	}))
	t.Cleanup(ts.Close)

	g, err := NewGoogleBooks(ProviderConfig{BaseURL: ts.URL, RPS: 100})
	require.NoError(t, err)

	_, err = g.Search(t.Context(), "dune", SearchGeneral, 10, 0)
	var pe *providerError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, errParse, pe.kind)
}

func TestGoogleBooksNetworkError(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.NotFoundHandler())
	g, err := NewGoogleBooks(ProviderConfig{BaseURL: ts.URL, RPS: 100})
	require.NoError(t, err)
	ts.Close()

	_, err = g.Search(t.Context(), "dune", SearchGeneral, 10, 0)
	var pe *providerError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, errNetwork, pe.kind)
}

func TestGoogleBooksTimeout(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(250 * time.Millisecond)
		_, _ = io.WriteString(w, `{"totalItems": 0, "items": []}`)
	}))
	t.Cleanup(ts.Close)

	g, err := NewGoogleBooks(ProviderConfig{BaseURL: ts.URL, RPS: 100, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = g.Search(t.Context(), "dune", SearchGeneral, 10, 0)
	var pe *providerError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, errTimeout, pe.kind)
}

func TestGoogleBooksErrorTextOmitsKey(t *testing.T) {
	t.Parallel()

	// Transport failures embed the request URL in their text, and that text
	// travels into logs and response bodies. The key must never be in it.
	dead := httptest.NewServer(http.NotFoundHandler())
	g, err := NewGoogleBooks(ProviderConfig{BaseURL: dead.URL, APIKey: "sekrit", RPS: 100})
	require.NoError(t, err)
	dead.Close()

	_, err = g.Search(t.Context(), "dune", SearchGeneral, 10, 0)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "sekrit")

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(250 * time.Millisecond)
		_, _ = io.WriteString(w, `{"totalItems": 0, "items": []}`)
	}))
	t.Cleanup(slow.Close)

	g, err = NewGoogleBooks(ProviderConfig{BaseURL: slow.URL, APIKey: "sekrit", RPS: 100, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = g.Search(t.Context(), "dune", SearchGeneral, 10, 0)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "sekrit")

	_, err = g.Hydrate(t.Context(), "zyTCAlFPjgYC")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "sekrit")
}

func TestGoogleBooksHydrate(t *testing.T) {
	t.Parallel()

	calls := make(chan upstreamCall, 4)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls <- upstreamCall{r.URL.Path, r.URL.Query(), r.Header}
		switch r.URL.Path {
		case "/volumes/zyTCAlFPjgYC":
			_, _ = io.WriteString(w, _volumeJSON)
		case "/volumes/ghost":
			_, _ = io.WriteString(w, `{"id": "ghost", "volumeInfo": {"title": ""}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(ts.Close)

	g, err := NewGoogleBooks(ProviderConfig{BaseURL: ts.URL, APIKey: "sekrit", RPS: 100})
	require.NoError(t, err)

	r, err := g.Hydrate(t.Context(), "zyTCAlFPjgYC")
	require.NoError(t, err)
	assert.Equal(t, "/volumes/zyTCAlFPjgYC", (<-calls).path)
	assert.Equal(t, "The Google Story", r.Title)
	assert.Equal(t, "9780553804577", r.ISBN13)
	assert.Equal(t, 207, r.PageCount)

	// A record with nothing to identify it by is as good as absent.
	_, err = g.Hydrate(t.Context(), "ghost")
	assert.ErrorIs(t, err, errNotFound)
	<-calls

	_, err = g.Hydrate(t.Context(), "gone")
	assert.ErrorIs(t, err, errNotFound)
	<-calls

	var ve validationError
	_, err = g.Hydrate(t.Context(), "")
	require.ErrorAs(t, err, &ve)
	assert.Empty(t, calls)
}

func TestNewGoogleBooksRejectsBadBaseURL(t *testing.T) {
	t.Parallel()

	_, err := NewGoogleBooks(ProviderConfig{BaseURL: "://nope"})
	assert.Error(t, err)

	// Needs a scheme and host, not a bare path.
	_, err = NewGoogleBooks(ProviderConfig{BaseURL: "localhost/books"})
	assert.Error(t, err)
}

package main

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/colophon-io/colophon/internal"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/stampede"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// searcher answers book queries. Implemented by internal.Controller.
type searcher interface {
	Search(ctx context.Context, query string, typ internal.SearchType, limit, offset int, pref string) (*internal.SearchResponse, error)
}

// ingester adds a chosen search result to a reader's shelf. Implemented by
// internal.Ingester.
type ingester interface {
	AddFromSearchResult(ctx context.Context, readerID uuid.UUID, res internal.SearchResult, status string, opts internal.IngestOptions) (*internal.IngestionResult, error)
}

// pinger reports storage health. Implemented by internal.Store.
type pinger interface {
	Ping(ctx context.Context) error
}

// _readerHeader carries the caller's reader identity. Authentication happens
// upstream of this service; we only need the ID.
const _readerHeader = "X-Reader-ID"

type handler struct {
	search searcher
	ingest ingester
	db     pinger
}

// newHandler assembles the public routes. Instrumentation wraps the mux
// directly; nothing in between may clone the request or the route pattern
// won't be visible to the recorder.
func newHandler(search searcher, ingest ingester, db pinger, reg *prometheus.Registry) http.Handler {
	h := &handler{search: search, ingest: ingest, db: db}

	compressor := middleware.NewCompressor(gzip.DefaultCompression, "application/json")
	compressor.SetEncoder("gzip", func(w io.Writer, level int) io.Writer {
		gw, err := gzip.NewWriterLevel(w, level)
		if err != nil {
			return nil
		}
		return gw
	})

	// Identical searches landing within the same second share one pass
	// through the cache stack.
	micro := stampede.HandlerWithKey(512, time.Second, func(r *http.Request) uint64 {
		return stampede.StringToHash(r.Method, strings.ToLower(r.URL.Path), r.URL.RawQuery)
	})

	mux := http.NewServeMux()
	mux.Handle("GET /books/search", micro(http.HandlerFunc(h.searchBooks)))
	mux.Handle("POST /books/from-search", http.HandlerFunc(h.addFromSearch))
	mux.Handle("GET /healthz", http.HandlerFunc(h.healthz))
	if reg != nil {
		mux.Handle("GET /debug/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	return middleware.Recoverer(compressor.Handler(mux))
}

// searchBooks answers GET /books/search.
//
// @Summary  Search for books
// @Param    q        query  string  true   "Search terms"
// @Param    type     query  string  false  "general, title, author or isbn"
// @Param    limit    query  int     false  "Page size, at most 40"
// @Param    offset   query  int     false  "Pagination offset"
// @Param    provider query  string  false  "auto, primary or secondary"
// @Success  200 {object} internal.SearchResponse
// @Router   /books/search [get]
func (h *handler) searchBooks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	typ, err := internal.ParseSearchType(q.Get("type"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	limit, ok := intParam(w, q.Get("limit"), "limit", 1)
	if !ok {
		return
	}
	offset, ok := intParam(w, q.Get("offset"), "offset", 0)
	if !ok {
		return
	}

	resp, err := h.search.Search(ctx, q.Get("q"), typ, limit, offset, q.Get("provider"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// fromSearchRequest is the body of POST /books/from-search. The searchResult
// object is required; a positional (array) body is rejected.
type fromSearchRequest struct {
	SearchResult internal.SearchResult `json:"searchResult"`
	Status       string                `json:"status"`
	Overrides    map[string]string     `json:"overrides,omitempty"`
	Format       string                `json:"format,omitempty"`
	Force        bool                  `json:"force,omitempty"`
}

// addFromSearch answers POST /books/from-search.
//
// @Summary  Add a search result to the reader's shelf
// @Param    X-Reader-ID  header  string             true  "Reader UUID"
// @Param    request      body    fromSearchRequest  true  "Chosen result"
// @Success  201 {object} internal.IngestionResult
// @Failure  409 {object} internal.IngestionResult "Duplicate detected"
// @Router   /books/from-search [post]
func (h *handler) addFromSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	readerID, err := uuid.Parse(r.Header.Get(_readerHeader))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing or malformed " + _readerHeader + " header"})
		return
	}

	var req fromSearchRequest
	if err := sonic.ConfigStd.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "request body must be a JSON object with a searchResult"})
		return
	}

	out, err := h.ingest.AddFromSearchResult(ctx, readerID, req.SearchResult, req.Status, internal.IngestOptions{
		Overrides: req.Overrides,
		Format:    req.Format,
		Force:     req.Force,
	})
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	if out.Duplicate != nil {
		writeJSON(w, http.StatusConflict, out)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		internal.Log(r.Context()).Error("health check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "database unreachable"})
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = sonic.ConfigStd.NewEncoder(w).Encode(v)
}

// writeError answers with the status the error maps to. Server-side failures
// get logged; caller mistakes don't.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := internal.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		internal.Log(ctx).Error("request failed", "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// intParam parses an optional integer query parameter, answering 400 itself
// when the value isn't a number or sits below floor. Absent means zero, which
// the search layer treats as "use the default".
func intParam(w http.ResponseWriter, raw, name string, floor int) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: name + " must be an integer"})
		return 0, false
	}
	if n < floor {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: name + " must be at least " + strconv.Itoa(floor)})
		return 0, false
	}
	return n, true
}

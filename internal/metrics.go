package internal

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/IBM/pgxpoolprometheus"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var _metricsNamespace = "colophon"

// _patternRE is used for stripping all `{...}` segments from the pattern
// to build a label.
var _patternRE = regexp.MustCompile(`\{[^/]+\}`)

// NewMetrics creates a new Prometheus registry with default collectors
// already registered.
func NewMetrics() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
			Namespace: _metricsNamespace,
		}),
		collectors.NewBuildInfoCollector(),
	)

	return reg
}

// Instrument wraps an HTTP handler to automatically record timing and status
// codes.
func Instrument(reg *prometheus.Registry, next http.Handler) http.Handler {
	requests := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "requests",
			Help:      "HTTP request latencies by method & path",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 1.5, 2.0, 2.5, 5, 7.5, 10, 30, 60, 120},
		},
		[]string{"method", "path", "status"},
	)

	inflight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "inflight",
			Help:      "Current number of inbound in-flight HTTP requests.",
		},
	)

	var normalized sync.Map

	reg.MustRegister(requests, inflight)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		inflight.Inc()
		defer inflight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path, ok := normalized.Load(r.Pattern)
		if !ok {
			path = normalizePattern(r.Pattern)
			normalized.Store(r.Pattern, path)
		}
		if path == "" {
			// Don't record traffic for unrecognized endpoints.
			return
		}

		duration := time.Since(start).Seconds()
		requests.WithLabelValues(r.Method, path.(string), fmt.Sprint(ww.Status())).Observe(duration)
	})
}

type dbMetrics struct {
	gauge *prometheus.GaugeVec
}

// newDBMetrics exposes pool health plus per-table row counts. The counts are
// an expensive query, so they refresh every 5 minutes off the request path.
func newDBMetrics(db *pgxpool.Pool, reg *prometheus.Registry) *dbMetrics {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "db",
			Name:      "total",
			Help:      "Counts of persisted objects by type.",
		},
		[]string{"type"},
	)

	dbm := &dbMetrics{gauge: gauge}
	if reg == nil {
		return dbm
	}
	reg.MustRegister(gauge, pgxpoolprometheus.NewCollector(db, nil))

	go func() {
		ctx := context.Background()
		for {
			row := db.QueryRow(ctx, `
			  SELECT
				(SELECT count(*) FROM books)                   AS books,
				(SELECT count(*) FROM book_editions)           AS editions,
				(SELECT count(*) FROM book_metadata_sources)   AS sources,
				(SELECT count(*) FROM reading_entries)         AS entries,
				(SELECT count(*) FROM reading_entry_overrides) AS overrides,
				(SELECT count(*) FROM book_search_cache)       AS cached;
			`)
			var books, editions, sources, entries, overrides, cached int64
			err := row.Scan(&books, &editions, &sources, &entries, &overrides, &cached)
			if err != nil {
				Log(ctx).Warn("problem collecting db stats", "err", err)
			} else {
				dbm.set("books", books)
				dbm.set("editions", editions)
				dbm.set("metadata_sources", sources)
				dbm.set("reading_entries", entries)
				dbm.set("overrides", overrides)
				dbm.set("cached_searches", cached)
			}
			time.Sleep(5 * time.Minute)
		}
	}()
	return dbm
}

func (dbm *dbMetrics) set(kind string, n int64) {
	dbm.gauge.WithLabelValues(kind).Set(float64(n))
}

// normalizePattern derives the constant label from the pattern:
//
//	"GET /books/{bookID}" → "/books"
//	"GET /books/search"   → "/books/search"
//
// The method is its own label, so it is dropped here.
func normalizePattern(pattern string) string {
	if _, path, ok := strings.Cut(pattern, " "); ok {
		pattern = path
	}
	p := _patternRE.ReplaceAllString(pattern, "")
	p = strings.TrimSuffix(p, "/")
	p = strings.ReplaceAll(p, "//", "/")
	return p
}

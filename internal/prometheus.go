package internal

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

var (
	_ SearchMetrics = (*searchMetrics)(nil)
	_ SearchMetrics = (*noSearchMetrics)(nil)
	_ IngestMetrics = (*ingestMetrics)(nil)
	_ IngestMetrics = (*noIngestMetrics)(nil)
)

// SearchMetrics records the search path's telemetry: cache traffic, provider
// health, and degraded serves. The family names and labels are load-bearing;
// dashboards and alerts key on them, so they stay stable across releases.
type SearchMetrics interface {
	CacheHit(layer string)
	CacheHitGet(layer string) float64
	CacheMiss()
	CacheMissGet() float64
	ProviderLatency(provider string, d time.Duration)
	ProviderLatencyCountGet(provider string) uint64
	ProviderError(provider string, kind errKind)
	ProviderErrorGet(provider string, kind errKind) float64
	BreakerChange(provider, from, to string)
	BreakerStateGet(provider, state string) float64
	Degraded()
	DegradedGet() float64
}

// IngestMetrics records ingestion outcomes.
type IngestMetrics interface {
	Duplicate(matchType string)
	DuplicateGet(matchType string) float64
	Created()
	CreatedGet() float64
}

type searchMetrics struct {
	cacheHits    *prometheus.CounterVec
	cacheMisses  prometheus.Counter
	latency      *prometheus.SummaryVec
	errors       *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
	degraded     prometheus.Counter
}

type noSearchMetrics struct{}

type ingestMetrics struct {
	duplicates *prometheus.CounterVec
	created    prometheus.Counter
}

type noIngestMetrics struct{}

// newSearchMetrics builds and registers the search families. A nil registry
// returns a no-op recorder, which one-shot commands and most tests use.
func newSearchMetrics(reg *prometheus.Registry) SearchMetrics {
	if reg == nil {
		return &noSearchMetrics{}
	}

	m := &searchMetrics{
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "search_cache_hit",
			Help: "Search cache hits by layer.",
		}, []string{"layer"}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "search_cache_miss",
			Help: "Search requests that missed both cache layers.",
		}),
		latency: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       "search_provider_latency_ms",
			Help:       "Upstream round-trip latency in milliseconds.",
			Objectives: map[float64]float64{0.5: 0.05, 0.95: 0.01, 0.99: 0.001},
		}, []string{"provider"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "search_provider_errors",
			Help: "Upstream failures by provider and error kind.",
		}, []string{"provider", "kind"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "search_breaker_state",
			Help: "1 for each provider's current breaker state, 0 otherwise.",
		}, []string{"provider", "state"}),
		degraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "search_degraded",
			Help: "Responses served without fresh primary-provider data.",
		}),
	}

	reg.MustRegister(
		m.cacheHits,
		m.cacheMisses,
		m.latency,
		m.errors,
		m.breakerState,
		m.degraded,
	)
	return m
}

// newIngestMetrics builds and registers the ingestion families. A nil
// registry returns a no-op recorder.
func newIngestMetrics(reg *prometheus.Registry) IngestMetrics {
	if reg == nil {
		return &noIngestMetrics{}
	}

	m := &ingestMetrics{
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestion_duplicate",
			Help: "Ingestions rejected as duplicates, by match type.",
		}, []string{"matchType"}),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestion_created",
			Help: "Books successfully created from search results.",
		}),
	}

	reg.MustRegister(m.duplicates, m.created)
	return m
}

func (m *searchMetrics) CacheHit(layer string) {
	m.cacheHits.WithLabelValues(layer).Inc()
}

func (m *searchMetrics) CacheHitGet(layer string) float64 {
	return counterGet(m.cacheHits.WithLabelValues(layer))
}

func (m *searchMetrics) CacheMiss() {
	m.cacheMisses.Inc()
}

func (m *searchMetrics) CacheMissGet() float64 {
	return counterGet(m.cacheMisses)
}

func (m *searchMetrics) ProviderLatency(provider string, d time.Duration) {
	m.latency.WithLabelValues(provider).Observe(float64(d.Milliseconds()))
}

func (m *searchMetrics) ProviderLatencyCountGet(provider string) uint64 {
	dm := &dto.Metric{}
	if err := m.latency.WithLabelValues(provider).(prometheus.Metric).Write(dm); err != nil {
		return 0
	}
	return dm.GetSummary().GetSampleCount()
}

func (m *searchMetrics) ProviderError(provider string, kind errKind) {
	m.errors.WithLabelValues(provider, string(kind)).Inc()
}

func (m *searchMetrics) ProviderErrorGet(provider string, kind errKind) float64 {
	return counterGet(m.errors.WithLabelValues(provider, string(kind)))
}

// BreakerChange keeps exactly one state gauge at 1 per provider.
func (m *searchMetrics) BreakerChange(provider, _, to string) {
	for _, state := range []string{BreakerClosed, BreakerOpen, BreakerHalfOpen} {
		v := 0.0
		if state == to {
			v = 1.0
		}
		m.breakerState.WithLabelValues(provider, state).Set(v)
	}
}

func (m *searchMetrics) BreakerStateGet(provider, state string) float64 {
	return gaugeGet(m.breakerState.WithLabelValues(provider, state))
}

func (m *searchMetrics) Degraded() {
	m.degraded.Inc()
}

func (m *searchMetrics) DegradedGet() float64 {
	return counterGet(m.degraded)
}

func (m *ingestMetrics) Duplicate(matchType string) {
	m.duplicates.WithLabelValues(matchType).Inc()
}

func (m *ingestMetrics) DuplicateGet(matchType string) float64 {
	return counterGet(m.duplicates.WithLabelValues(matchType))
}

func (m *ingestMetrics) Created() {
	m.created.Inc()
}

func (m *ingestMetrics) CreatedGet() float64 {
	return counterGet(m.created)
}

func counterGet(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0.0
	}
	return m.GetCounter().GetValue()
}

func gaugeGet(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0.0
	}
	return m.GetGauge().GetValue()
}

func (*noSearchMetrics) CacheHit(string)                          {}
func (*noSearchMetrics) CacheHitGet(string) float64               { return 0.0 }
func (*noSearchMetrics) CacheMiss()                               {}
func (*noSearchMetrics) CacheMissGet() float64                    { return 0.0 }
func (*noSearchMetrics) ProviderLatency(string, time.Duration)    {}
func (*noSearchMetrics) ProviderLatencyCountGet(string) uint64    { return 0 }
func (*noSearchMetrics) ProviderError(string, errKind)            {}
func (*noSearchMetrics) ProviderErrorGet(string, errKind) float64 { return 0.0 }
func (*noSearchMetrics) BreakerChange(string, string, string)     {}
func (*noSearchMetrics) BreakerStateGet(string, string) float64   { return 0.0 }
func (*noSearchMetrics) Degraded()                                {}
func (*noSearchMetrics) DegradedGet() float64                     { return 0.0 }

func (*noIngestMetrics) Duplicate(string)            {}
func (*noIngestMetrics) DuplicateGet(string) float64 { return 0.0 }
func (*noIngestMetrics) Created()                    {}
func (*noIngestMetrics) CreatedGet() float64         { return 0.0 }

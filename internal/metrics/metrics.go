// Package metrics holds the process-wide Prometheus registry and the
// counters/gauges every component records into: cache hit rate, rate
// limiter waits, enrichment outcomes, and ingestion job counters. A single
// Registry is constructed once in main and passed down, the same shape as
// the teacher's controllerMetrics/cacheMetrics split.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/IBM/pgxpoolprometheus"

	"github.com/booktarr/enricher/internal/cache"
)

const _namespace = "booktarr"

// _patternRE strips `{...}` path-parameter segments from a chi pattern to
// build a stable label.
var _patternRE = regexp.MustCompile(`\{[^/]+\}`)

// Registry bundles the Prometheus registry plus every metric family the
// enrichment and ingestion cores record into.
type Registry struct {
	reg *prometheus.Registry

	// CacheHits/CacheMisses are gauges, not counters: they're populated by
	// periodically snapshotting each shard's cumulative Stats() rather than
	// incrementing at each call site, since the cache shards already track
	// their own hit/miss counters internally (see internal/cache.counters).
	CacheHits   *prometheus.GaugeVec // labels: shard
	CacheMisses *prometheus.GaugeVec // labels: shard

	LimiterWaits    *prometheus.CounterVec   // labels: source
	LimiterWaitTime *prometheus.HistogramVec // labels: source

	SourceFetches *prometheus.CounterVec // labels: source, outcome (ok|transient|permanent|notfound)

	EnrichmentOutcomes *prometheus.CounterVec // labels: outcome (completed|cached_hit|not_found|failed)
	EnrichmentDuration  prometheus.Histogram

	IngestionRows *prometheus.CounterVec // labels: outcome (succeeded|skipped|failed)
	IngestionJobs *prometheus.CounterVec // labels: status
}

// New constructs a Registry with default collectors plus every
// domain-specific metric family already registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: _namespace}),
		collectors.NewBuildInfoCollector(),
	)

	m := &Registry{
		reg: reg,
		CacheHits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: _namespace, Subsystem: "cache", Name: "hits_total", Help: "Cumulative cache hits by shard.",
		}, []string{"shard"}),
		CacheMisses: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: _namespace, Subsystem: "cache", Name: "misses_total", Help: "Cumulative cache misses by shard.",
		}, []string{"shard"}),
		LimiterWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: _namespace, Subsystem: "ratelimit", Name: "waits_total", Help: "Rate limiter waits by source.",
		}, []string{"source"}),
		LimiterWaitTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: _namespace, Subsystem: "ratelimit", Name: "wait_seconds", Help: "Time spent waiting on the rate limiter, by source.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10, 30, 60},
		}, []string{"source"}),
		SourceFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: _namespace, Subsystem: "source", Name: "fetches_total", Help: "Source client fetches by source and outcome.",
		}, []string{"source", "outcome"}),
		EnrichmentOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: _namespace, Subsystem: "enrichment", Name: "outcomes_total", Help: "Enrichment outcomes by kind.",
		}, []string{"outcome"}),
		EnrichmentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: _namespace, Subsystem: "enrichment", Name: "duration_seconds", Help: "Time to enrich one ISBN end to end.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30, 60, 120},
		}),
		IngestionRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: _namespace, Subsystem: "ingestion", Name: "rows_total", Help: "Ingestion rows processed by outcome.",
		}, []string{"outcome"}),
		IngestionJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: _namespace, Subsystem: "ingestion", Name: "jobs_total", Help: "Ingestion jobs by terminal status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.CacheHits, m.CacheMisses,
		m.LimiterWaits, m.LimiterWaitTime,
		m.SourceFetches,
		m.EnrichmentOutcomes, m.EnrichmentDuration,
		m.IngestionRows, m.IngestionJobs,
	)

	return m
}

// ReportCacheStats snapshots a Shards' cumulative hit/miss counters into the
// gauges. Call this periodically (e.g. every 30s) from a background loop.
func (m *Registry) ReportCacheStats(snap cache.StatsSnapshot) {
	m.CacheHits.WithLabelValues("book").Set(float64(snap.Book.Hits))
	m.CacheMisses.WithLabelValues("book").Set(float64(snap.Book.Misses))
	m.CacheHits.WithLabelValues("api").Set(float64(snap.API.Hits))
	m.CacheMisses.WithLabelValues("api").Set(float64(snap.API.Misses))
	m.CacheHits.WithLabelValues("page").Set(float64(snap.Page.Hits))
	m.CacheMisses.WithLabelValues("page").Set(float64(snap.Page.Misses))
}

// ObserveLimiterWait records one rate-limiter wait for source. Nil-safe, so
// components constructed without metrics don't need to guard every call.
func (m *Registry) ObserveLimiterWait(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.LimiterWaits.WithLabelValues(source).Inc()
	m.LimiterWaitTime.WithLabelValues(source).Observe(d.Seconds())
}

// ObserveSourceFetch records one source client fetch outcome. Nil-safe.
func (m *Registry) ObserveSourceFetch(source, outcome string) {
	if m == nil {
		return
	}
	m.SourceFetches.WithLabelValues(source, outcome).Inc()
}

// ObserveEnrichment records one enrich_by_isbn outcome and its end-to-end
// duration. Nil-safe.
func (m *Registry) ObserveEnrichment(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.EnrichmentOutcomes.WithLabelValues(outcome).Inc()
	m.EnrichmentDuration.Observe(d.Seconds())
}

// ObserveIngestionRow records one processed row's outcome. Nil-safe.
func (m *Registry) ObserveIngestionRow(outcome string) {
	if m == nil {
		return
	}
	m.IngestionRows.WithLabelValues(outcome).Inc()
}

// ObserveIngestionJob records one job reaching a terminal status. Nil-safe.
func (m *Registry) ObserveIngestionJob(status string) {
	if m == nil {
		return
	}
	m.IngestionJobs.WithLabelValues(status).Inc()
}

// RegisterPool wires a pgxpool's stats into the registry, the same
// pgxpoolprometheus collector the teacher uses for its connection pool.
func (m *Registry) RegisterPool(pool *pgxpool.Pool) {
	m.reg.MustRegister(pgxpoolprometheus.NewCollector(pool, nil))
}

// Handler exposes the registry over HTTP for a Prometheus scrape.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Instrument wraps an HTTP handler with request latency/inflight
// instrumentation, the same shape as the teacher's controller instrument().
func (m *Registry) Instrument(next http.Handler) http.Handler {
	requests := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: _namespace, Subsystem: "http", Name: "requests_seconds",
		Help:    "HTTP request latencies by method & path.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5, 10, 30},
	}, []string{"method", "path", "status"})
	inflight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: _namespace, Subsystem: "http", Name: "inflight",
		Help: "Current number of in-flight HTTP requests.",
	})
	m.reg.MustRegister(requests, inflight)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		inflight.Inc()
		defer inflight.Dec()

		// Seed a route context when wrapping a chi router from the outside,
		// so the pattern it matched is readable once the request returns.
		rctx := chi.RouteContext(r.Context())
		if rctx == nil {
			rctx = chi.NewRouteContext()
			r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := normalizePattern(rctx.RoutePattern())
		if path == "" {
			return
		}
		requests.WithLabelValues(r.Method, path, fmt.Sprint(ww.Status())).Observe(time.Since(start).Seconds())
	})
}

// normalizePattern derives a constant label from a chi route pattern:
// "/jobs/{id}" -> "/jobs".
func normalizePattern(pattern string) string {
	p := _patternRE.ReplaceAllString(pattern, "")
	p = strings.TrimSuffix(p, "/")
	return strings.ReplaceAll(p, "//", "/")
}

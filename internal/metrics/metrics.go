// Package metrics exposes tile cache, hierarchy and HTTP metrics to
// Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pathtiles/server/internal/cache"
	"github.com/pathtiles/server/internal/service"
)

const namespace = "pathtiles"

// Sources supplies the values read at scrape time.
type Sources struct {
	// Tiles returns the shared decoded tile cache statistics.
	Tiles func() cache.TileStats
	// Slides returns per-slide statistics.
	Slides func() []service.SlideStats
}

var (
	tileCacheDesc = map[string]*prometheus.Desc{
		"hits":      prometheus.NewDesc(namespace+"_tile_cache_hits_total", "Decoded tile cache hits", nil, nil),
		"misses":    prometheus.NewDesc(namespace+"_tile_cache_misses_total", "Decoded tile cache misses", nil, nil),
		"evictions": prometheus.NewDesc(namespace+"_tile_cache_evictions_total", "Decoded tiles evicted to stay within budget", nil, nil),
		"computes":  prometheus.NewDesc(namespace+"_tile_cache_computes_total", "Decodes run on cache misses", nil, nil),
		"failures":  prometheus.NewDesc(namespace+"_tile_cache_failures_total", "Decodes that returned an error", nil, nil),
		"entries":   prometheus.NewDesc(namespace+"_tile_cache_entries", "Decoded tiles currently cached", nil, nil),
		"bytes":     prometheus.NewDesc(namespace+"_tile_cache_bytes", "Bytes held by the decoded tile cache", nil, nil),
		"budget":    prometheus.NewDesc(namespace+"_tile_cache_budget_bytes", "Byte budget of the decoded tile cache", nil, nil),
	}
	objectsDesc   = prometheus.NewDesc(namespace+"_hierarchy_objects", "Objects in a slide hierarchy by kind", []string{"slide", "kind"}, nil)
	versionDesc   = prometheus.NewDesc(namespace+"_hierarchy_version", "Current hierarchy version", []string{"slide"}, nil)
	publishedDesc = prometheus.NewDesc(namespace+"_events_published_total", "Hierarchy events published", []string{"slide"}, nil)
	deliveredDesc = prometheus.NewDesc(namespace+"_events_delivered_total", "Hierarchy events delivered to subscribers", []string{"slide"}, nil)
	panicsDesc    = prometheus.NewDesc(namespace+"_events_subscriber_panics_total", "Subscriber panics recovered by the event bus", []string{"slide"}, nil)
	pendingDesc   = prometheus.NewDesc(namespace+"_events_pending", "Hierarchy events waiting for delivery", []string{"slide"}, nil)
)

// collector reads Sources on every scrape.
type collector struct {
	src Sources
}

func (c collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range tileCacheDesc {
		ch <- d
	}
	ch <- objectsDesc
	ch <- versionDesc
	ch <- publishedDesc
	ch <- deliveredDesc
	ch <- panicsDesc
	ch <- pendingDesc
}

func (c collector) Collect(ch chan<- prometheus.Metric) {
	if c.src.Tiles != nil {
		st := c.src.Tiles()
		counter := func(name string, v uint64) {
			ch <- prometheus.MustNewConstMetric(tileCacheDesc[name], prometheus.CounterValue, float64(v))
		}
		gauge := func(name string, v float64) {
			ch <- prometheus.MustNewConstMetric(tileCacheDesc[name], prometheus.GaugeValue, v)
		}
		counter("hits", st.Hits)
		counter("misses", st.Misses)
		counter("evictions", st.Evictions)
		counter("computes", st.Computes)
		counter("failures", st.Failures)
		gauge("entries", float64(st.Entries))
		gauge("bytes", float64(st.Bytes))
		gauge("budget", float64(st.Budget))
	}
	if c.src.Slides == nil {
		return
	}
	for _, s := range c.src.Slides() {
		for kind, n := range s.Counts {
			ch <- prometheus.MustNewConstMetric(objectsDesc, prometheus.GaugeValue, float64(n), s.SlideID, kind)
		}
		ch <- prometheus.MustNewConstMetric(versionDesc, prometheus.GaugeValue, float64(s.HierarchyVersion), s.SlideID)
		ch <- prometheus.MustNewConstMetric(publishedDesc, prometheus.CounterValue, float64(s.Events.Published), s.SlideID)
		ch <- prometheus.MustNewConstMetric(deliveredDesc, prometheus.CounterValue, float64(s.Events.Delivered), s.SlideID)
		ch <- prometheus.MustNewConstMetric(panicsDesc, prometheus.CounterValue, float64(s.Events.Panics), s.SlideID)
		ch <- prometheus.MustNewConstMetric(pendingDesc, prometheus.GaugeValue, float64(s.Events.Pending), s.SlideID)
	}
}

// Metrics owns a Prometheus registry with the server's collectors.
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	jobs     *prometheus.CounterVec
}

// New registers the scrape-time collectors for src plus the Go runtime
// collectors.
func New(src Sources) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collector{src: src},
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "method", "code"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		}, []string{"route"}),
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Analysis jobs finished by kind and final status",
		}, []string{"kind", "status"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// JobFinished counts a finished job.
func (m *Metrics) JobFinished(kind, status string) {
	m.jobs.WithLabelValues(kind, status).Inc()
}

// Middleware records request counts and latency labelled with the chi route
// pattern, so tile coordinates do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.duration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "staging_kit_http_requests_total",
			Help: "Total number of HTTP requests by method, route, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "staging_kit_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "staging_kit_http_requests_in_flight",
		Help: "Current number of HTTP requests being processed.",
	})

	changesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "staging_kit_changes_total",
			Help: "Configuration changes by kind and outcome (succeeded, failed, cancelled).",
		},
		[]string{"kind", "outcome"},
	)

	changeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "staging_kit_change_apply_duration_seconds",
			Help:    "Time spent applying a confirmed change, by kind.",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	enumerationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "staging_kit_enumerations_total",
			Help: "Device enumeration queries issued, by result.",
		},
		[]string{"result"},
	)

	enumerationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "staging_kit_enumeration_duration_seconds",
		Help:    "Latency of device enumeration queries.",
		Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30},
	})

	devicesLast = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "staging_kit_devices",
		Help: "Number of devices returned by the last successful enumeration.",
	})
)

// ObserveChange records one finished change request.
func ObserveChange(kind, outcome string, d time.Duration) {
	changesTotal.WithLabelValues(kind, outcome).Inc()
	if d > 0 {
		changeDuration.WithLabelValues(kind).Observe(d.Seconds())
	}
}

// ObserveEnumeration records one device query. devices is ignored on error.
func ObserveEnumeration(devices int, d time.Duration, err error) {
	enumerationDuration.Observe(d.Seconds())
	if err != nil {
		enumerationsTotal.WithLabelValues("error").Inc()
		return
	}
	enumerationsTotal.WithLabelValues("ok").Inc()
	devicesLast.Set(float64(devices))
}

// AuditStore is the subset of audit.Store needed to collect audit metrics.
type AuditStore interface {
	CountByOutcome() (map[string]int, error)
}

// auditCollector is a custom Prometheus collector that queries the audit
// store on each scrape to report entries broken down by outcome.
type auditCollector struct {
	store       AuditStore
	entriesDesc *prometheus.Desc
}

func auditEntriesDesc() *prometheus.Desc {
	return prometheus.NewDesc(
		"staging_kit_audit_entries",
		"Entries in this session's audit trail, partitioned by outcome.",
		[]string{"outcome"},
		nil,
	)
}

func (c *auditCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entriesDesc
}

func (c *auditCollector) Collect(ch chan<- prometheus.Metric) {
	counts, err := c.store.CountByOutcome()
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.entriesDesc, err)
		return
	}
	for outcome, n := range counts {
		ch <- prometheus.MustNewConstMetric(
			c.entriesDesc,
			prometheus.GaugeValue,
			float64(n),
			outcome,
		)
	}
}

// Register registers all metrics with the default Prometheus registry.
// Call once at startup after the audit store is open.
func Register(store AuditStore) {
	prometheus.MustRegister(
		// Standard Go runtime and process metrics
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

		// HTTP service metrics
		httpRequestsTotal,
		httpRequestDuration,
		httpRequestsInFlight,

		// Pipeline metrics
		changesTotal,
		changeDuration,
		enumerationsTotal,
		enumerationDuration,
		devicesLast,
		&auditCollector{store: store, entriesDesc: auditEntriesDesc()},
	)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// responseWriter wraps http.ResponseWriter to capture the response status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware wraps an http.Handler to record HTTP metrics.
// pattern should be the route pattern string (e.g. "GET /api/v1/devices")
// so the path label has bounded cardinality.
func Middleware(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			httpRequestsInFlight.Dec()
			status := strconv.Itoa(rw.status)
			httpRequestsTotal.WithLabelValues(r.Method, pattern, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
		}()

		next.ServeHTTP(rw, r)
	})
}

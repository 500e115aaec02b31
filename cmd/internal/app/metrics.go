package app

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"portal/cmd/internal/auth/guard"
)

const metricsNamespace = "portal"

// Metrics holds the process collectors. Each App owns its registry so tests can
// build several apps without duplicate registration panics.
type Metrics struct {
	reg *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	guardDecisions *prometheus.CounterVec

	renewals        *prometheus.CounterVec
	renewDuration   prometheus.Histogram
	renewAttempts   prometheus.Histogram
	directusCalls   *prometheus.CounterVec
	directusLatency *prometheus.HistogramVec
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route pattern and status class.",
		}, []string{"method", "route", "class"}),

		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		guardDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "guard",
			Name:      "decisions_total",
			Help:      "Session guard decisions by action, route class and resulting state.",
		}, []string{"action", "class", "state"}),

		renewals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "renewals_total",
			Help:      "Credential renewals by outcome.",
		}, []string{"outcome"}),

		renewDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "renewal_duration_seconds",
			Help:      "Wall time of credential renewals including retries.",
			Buckets:   prometheus.DefBuckets,
		}),

		renewAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "renewal_attempts",
			Help:      "Provider calls per renewal.",
			Buckets:   []float64{0, 1, 2},
		}),

		directusCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "directus",
			Name:      "requests_total",
			Help:      "Directus API calls by operation and HTTP status (0 when no response).",
		}, []string{"op", "status"}),

		directusLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "directus",
			Name:      "request_duration_seconds",
			Help:      "Directus API call duration by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveGuard is a guard.Observer.
func (m *Metrics) ObserveGuard(d guard.Decision, out guard.Outcome) {
	m.guardDecisions.WithLabelValues(d.Action.String(), d.Class.String(), out.State.String()).Inc()
}

// ObserveRenewal is a session.RenewObserver.
func (m *Metrics) ObserveRenewal(outcome string, attempts int, d time.Duration) {
	m.renewals.WithLabelValues(outcome).Inc()
	m.renewAttempts.Observe(float64(attempts))
	m.renewDuration.Observe(d.Seconds())
}

// ObserveDirectus is a directus.Observer.
func (m *Metrics) ObserveDirectus(op string, status int, d time.Duration, _ error) {
	m.directusCalls.WithLabelValues(op, strconv.Itoa(status)).Inc()
	m.directusLatency.WithLabelValues(op).Observe(d.Seconds())
}

// WatchConnections exposes a live gauge read from fn on every scrape.
func (m *Metrics) WatchConnections(fn func() int) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "ws",
		Name:      "session_watchers",
		Help:      "Open /ws/session connections.",
	}, func() float64 { return float64(fn()) })
}

// Instrument records request count and latency keyed by the matched chi route pattern.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(lrw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		m.httpRequests.WithLabelValues(r.Method, route, statusClass(lrw.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

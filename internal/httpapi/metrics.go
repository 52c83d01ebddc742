package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/you/livetap/internal/metrics"
)

// Metrics covers the API surface: request traffic and live delivery. All
// methods are no-ops on a nil receiver.
type Metrics struct {
	gatherer prometheus.Gatherer

	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	respBytes *prometheus.HistogramVec
	throttled prometheus.Counter

	subscribers *prometheus.GaugeVec
	delivered   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
}

func newMetrics(reg *prometheus.Registry, build BuildInfo) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	m := &Metrics{
		gatherer: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "API requests by route, method and status code",
		}, []string{"route", "method", "status"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "API request latency",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
		}, []string{"route", "method"}),
		respBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "http",
			Name:      "response_bytes",
			Help:      "Response body size before compression",
			Buckets:   prometheus.ExponentialBuckets(128, 4, 8),
		}, []string{"route"}),
		throttled: f.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests answered 429",
		}),
		subscribers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Name:      "live_subscribers",
			Help:      "Open live stream connections",
		}, []string{"transport"}),
		delivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "live_events_sent_total",
			Help:      "Events written to live stream clients",
		}, []string{"transport"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "live_events_dropped_total",
			Help:      "Events skipped for live clients that fell behind",
		}, []string{"transport"}),
	}

	f.NewGauge(prometheus.GaugeOpts{
		Namespace:   metrics.Namespace,
		Name:        "build_info",
		Help:        "Always 1; labels carry the running build",
		ConstLabels: prometheus.Labels{"version": build.Version, "revision": build.Revision},
	}).Set(1)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration, bytes int64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(dur.Seconds())
	m.respBytes.WithLabelValues(route).Observe(float64(bytes))
}

func (m *Metrics) IncSSEClients(delta float64) {
	if m == nil {
		return
	}
	m.subscribers.WithLabelValues("sse").Add(delta)
}

func (m *Metrics) IncBroadcastDrops(transport string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(transport).Inc()
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.throttled.Inc()
}

func (m *Metrics) IncMessagesSent(transport string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(transport).Inc()
}

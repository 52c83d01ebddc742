// Package metrics holds the Prometheus collectors for the ingest pipeline.
// All methods are safe on a nil *Ingest so components can run without metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const Namespace = "livetap"

type Ingest struct {
	events        *prometheus.CounterVec
	decodeErrors  *prometheus.CounterVec
	queueDrops    *prometheus.CounterVec
	reconnects    *prometheus.CounterVec
	trackers      *prometheus.GaugeVec
	storeErrors   *prometheus.CounterVec
	storeTimeouts prometheus.Counter
	publishErrors *prometheus.CounterVec
	flagged       *prometheus.CounterVec
}

// NewIngest registers the ingest collectors on reg.
func NewIngest(reg prometheus.Registerer) *Ingest {
	m := &Ingest{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "events_total",
			Help:      "Normalized events emitted by trackers",
		}, []string{"platform", "kind"}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "decode_errors_total",
			Help:      "Payloads skipped because they could not be decoded",
		}, []string{"platform"}),
		queueDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "queue_drops_total",
			Help:      "Events dropped oldest-first from a full tracker queue",
		}, []string{"platform"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect attempts made by trackers",
		}, []string{"platform"}),
		trackers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "trackers",
			Help:      "Trackers currently in each non-terminal state",
		}, []string{"state"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "store_errors_total",
			Help:      "Storage calls that returned an error",
		}, []string{"op"}),
		storeTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "store_timeouts_total",
			Help:      "Storage calls abandoned after the write timeout",
		}),
		publishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "publish_errors_total",
			Help:      "Live fan-out publish failures",
		}, []string{"publisher"}),
		flagged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "flagged_messages_total",
			Help:      "Chat messages flagged by the classifier",
		}, []string{"category"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.events,
			m.decodeErrors,
			m.queueDrops,
			m.reconnects,
			m.trackers,
			m.storeErrors,
			m.storeTimeouts,
			m.publishErrors,
			m.flagged,
		)
	}
	return m
}

func (m *Ingest) Event(platform, kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(platform, kind).Inc()
}

func (m *Ingest) DecodeError(platform string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(platform).Inc()
}

func (m *Ingest) QueueDrop(platform string) {
	if m == nil {
		return
	}
	m.queueDrops.WithLabelValues(platform).Inc()
}

func (m *Ingest) Reconnect(platform string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(platform).Inc()
}

// TrackerState moves one tracker between state gauges. Empty names and
// terminal states are not tracked.
func (m *Ingest) TrackerState(from, to string, terminal func(string) bool) {
	if m == nil {
		return
	}
	if from != "" && !terminal(from) {
		m.trackers.WithLabelValues(from).Dec()
	}
	if to != "" && !terminal(to) {
		m.trackers.WithLabelValues(to).Inc()
	}
}

func (m *Ingest) StoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Ingest) StoreTimeout() {
	if m == nil {
		return
	}
	m.storeTimeouts.Inc()
}

func (m *Ingest) PublishError(publisher string) {
	if m == nil {
		return
	}
	m.publishErrors.WithLabelValues(publisher).Inc()
}

func (m *Ingest) Flagged(category string) {
	if m == nil {
		return
	}
	m.flagged.WithLabelValues(category).Inc()
}

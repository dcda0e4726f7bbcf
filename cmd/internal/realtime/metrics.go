package realtime

import "github.com/prometheus/client_golang/prometheus"

// FeedMetrics are the change feed collectors. A nil *FeedMetrics records nothing.
type FeedMetrics struct {
	events      *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	drops       *prometheus.CounterVec
	rejects     prometheus.Counter
	connections prometheus.Gauge
	reconnects  *prometheus.CounterVec
}

// NewFeedMetrics creates and registers the collectors on reg. A nil reg leaves them unregistered.
func NewFeedMetrics(reg prometheus.Registerer) *FeedMetrics {
	m := &FeedMetrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "supporthub",
			Subsystem: "feed",
			Name:      "events_total",
			Help:      "Change events published on this instance, by table.",
		}, []string{"table"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "supporthub",
			Subsystem: "feed",
			Name:      "deliveries_total",
			Help:      "Envelopes queued to subscribers, by table.",
		}, []string{"table"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "supporthub",
			Subsystem: "feed",
			Name:      "dropped_total",
			Help:      "Envelopes dropped on full subscriber queues, by table.",
		}, []string{"table"}),
		rejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "supporthub",
			Subsystem: "feed",
			Name:      "rejected_total",
			Help:      "Events rejected by validation.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "supporthub",
			Subsystem: "feed",
			Name:      "ws_connections",
			Help:      "Open change feed websocket connections.",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "supporthub",
			Subsystem: "feed",
			Name:      "source_reconnects_total",
			Help:      "Reconnects of upstream event sources, by source (postgres|redis).",
		}, []string{"source"}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.deliveries, m.drops, m.rejects, m.connections, m.reconnects)
	}
	return m
}

func (m *FeedMetrics) published(table string, delivered, dropped int) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(table).Inc()
	m.deliveries.WithLabelValues(table).Add(float64(delivered))
	m.drops.WithLabelValues(table).Add(float64(dropped))
}

func (m *FeedMetrics) rejected() {
	if m == nil {
		return
	}
	m.rejects.Inc()
}

func (m *FeedMetrics) connOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *FeedMetrics) connClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *FeedMetrics) reconnect(source string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(source).Inc()
}

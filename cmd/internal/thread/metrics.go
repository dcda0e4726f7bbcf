package thread

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	pagesFetched   *prometheus.CounterVec
	queryErrors    *prometheus.CounterVec
	pageLatency    *prometheus.HistogramVec
	duplicates     prometheus.Counter
	malformed      prometheus.Counter
	staleResponses prometheus.Counter
	seedMismatches prometheus.Counter
	invalidations  prometheus.Counter
}

// NewMetrics creates and registers the collectors on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pagesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "supporthub",
			Subsystem: "thread",
			Name:      "pages_fetched_total",
			Help:      "Pages applied to a conversation thread, by kind (first|next).",
		}, []string{"kind"}),
		queryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "supporthub",
			Subsystem: "thread",
			Name:      "query_errors_total",
			Help:      "Failed store queries, by op (page|count|seed).",
		}, []string{"op"}),
		pageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "supporthub",
			Subsystem: "thread",
			Name:      "page_fetch_seconds",
			Help:      "Latency of page loads including the count query on first pages.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "supporthub",
			Subsystem: "thread",
			Name:      "duplicates_dropped_total",
			Help:      "Rows dropped because their dedup key was already present.",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "supporthub",
			Subsystem: "thread",
			Name:      "malformed_total",
			Help:      "Rows dropped as malformed (missing id or unparseable created_at).",
		}),
		staleResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "supporthub",
			Subsystem: "thread",
			Name:      "stale_responses_total",
			Help:      "Responses discarded because the conversation changed while in flight.",
		}),
		seedMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "supporthub",
			Subsystem: "thread",
			Name:      "seed_mismatches_total",
			Help:      "Loaded rows filtered out by the thread seed.",
		}),
		invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "supporthub",
			Subsystem: "thread",
			Name:      "invalidations_total",
			Help:      "Cache entries reset by change events or refetches.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.pagesFetched, m.queryErrors, m.pageLatency,
			m.duplicates, m.malformed, m.staleResponses, m.seedMismatches, m.invalidations,
		)
	}
	return m
}

func (m *Metrics) pageApplied(kind string, started time.Time) {
	if m == nil {
		return
	}
	m.pagesFetched.WithLabelValues(kind).Inc()
	m.pageLatency.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}

func (m *Metrics) queryFailed(op string) {
	if m == nil {
		return
	}
	m.queryErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) dropped(dups, malformed int) {
	if m == nil {
		return
	}
	m.duplicates.Add(float64(dups))
	m.malformed.Add(float64(malformed))
}

func (m *Metrics) stale() {
	if m == nil {
		return
	}
	m.staleResponses.Inc()
}

func (m *Metrics) mismatched(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.seedMismatches.Add(float64(n))
}

func (m *Metrics) invalidated() {
	if m == nil {
		return
	}
	m.invalidations.Inc()
}

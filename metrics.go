package resilientgateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "gateway"

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	requests           *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	cacheLookups       *prometheus.CounterVec
	retries            prometheus.Counter
	rateLimitRejected  *prometheus.CounterVec
	authResets         prometheus.Counter
	bulkItems          *prometheus.CounterVec
	realtimeReconnects prometheus.Counter
	realtimeState      prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "pipeline",
				Name:      "requests_total",
				Help:      "Total number of requests sent through the pipeline by outcome.",
			},
			[]string{"method", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "pipeline",
				Name:      "request_duration_seconds",
				Help:      "Duration of pipeline requests including retries.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
			[]string{"method"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Response cache lookups by result.",
			},
			[]string{"result"},
		),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pipeline",
			Name:      "retries_total",
			Help:      "Transport-level retries performed.",
		}),
		rateLimitRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ratelimit",
				Name:      "rejections_total",
				Help:      "Requests rejected locally by a rate limit policy.",
			},
			[]string{"policy"},
		),
		authResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "auth",
			Name:      "session_resets_total",
			Help:      "Sessions cleared after an authentication failure.",
		}),
		bulkItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "bulk",
				Name:      "items_total",
				Help:      "Bulk operation items by outcome.",
			},
			[]string{"outcome"},
		),
		realtimeReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "reconnect_attempts_total",
			Help:      "Realtime reconnect attempts.",
		}),
		realtimeState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "state",
			Help:      "Current realtime channel state (0=disconnected,1=connecting,2=connected,3=reconnecting,4=failed).",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.requests,
			m.requestDuration,
			m.cacheLookups,
			m.retries,
			m.rateLimitRejected,
			m.authResets,
			m.bulkItems,
			m.realtimeReconnects,
			m.realtimeState,
		)
	}
	return m
}

func (m *Metrics) observeRequest(method string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.requestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) cacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) retried() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) rateLimited(policy string) {
	if m == nil {
		return
	}
	m.rateLimitRejected.WithLabelValues(policy).Inc()
}

func (m *Metrics) sessionReset() {
	if m == nil {
		return
	}
	m.authResets.Inc()
}

func (m *Metrics) bulkOutcome(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.bulkItems.WithLabelValues("success").Inc()
		return
	}
	m.bulkItems.WithLabelValues("failure").Inc()
}

func (m *Metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.realtimeReconnects.Inc()
}

func (m *Metrics) setRealtimeState(s ChannelState) {
	if m == nil {
		return
	}
	m.realtimeState.Set(float64(s))
}

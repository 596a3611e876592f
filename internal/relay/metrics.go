package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects relay observability signals. All methods are safe on a
// nil receiver so wiring metrics stays optional in tests.
type Metrics struct {
	sessionsActive   prometheus.Gauge
	identitiesOnline prometheus.Gauge
	sessionsTotal    prometheus.Counter
	forwarded        prometheus.Counter
	buffered         prometheus.Counter
	replayed         prometheus.Counter
	routerErrors     *prometheus.CounterVec
	frameLatency     *prometheus.HistogramVec
}

// NewMetrics registers the relay collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agora_sessions_active",
			Help: "Current number of open sessions.",
		}),
		identitiesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agora_identities_online",
			Help: "Current number of identities with at least one session.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agora_sessions_total",
			Help: "Total number of sessions handled since start.",
		}),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agora_messages_forwarded_total",
			Help: "Messages delivered to a live session.",
		}),
		buffered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agora_messages_buffered_total",
			Help: "Messages appended to the offline store.",
		}),
		replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agora_messages_replayed_total",
			Help: "Buffered messages replayed on registration.",
		}),
		routerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agora_router_errors_total",
			Help: "Request validation or routing errors.",
		}, []string{"code"}),
		frameLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agora_router_latency_seconds",
			Help:    "Latency for handling client requests.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.sessionsActive,
		m.identitiesOnline,
		m.sessionsTotal,
		m.forwarded,
		m.buffered,
		m.replayed,
		m.routerErrors,
		m.frameLatency,
	)
	return m
}

func (m *Metrics) incSession() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
	m.sessionsTotal.Inc()
}

func (m *Metrics) decSession() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

func (m *Metrics) setIdentitiesOnline(n int) {
	if m == nil {
		return
	}
	m.identitiesOnline.Set(float64(n))
}

func (m *Metrics) recordForwarded() {
	if m == nil {
		return
	}
	m.forwarded.Inc()
}

func (m *Metrics) recordBuffered() {
	if m == nil {
		return
	}
	m.buffered.Inc()
}

func (m *Metrics) recordReplayed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.replayed.Add(float64(n))
}

func (m *Metrics) recordError(code string) {
	if m == nil {
		return
	}
	m.routerErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) observeLatency(op string, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.frameLatency.WithLabelValues(op).Observe(dur.Seconds())
}

package realtime

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shubhamb0439-gif/crm-admin/pkg/feed"
)

const namespace = "crm_realtime"

// Metrics are the registry's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	events     *prometheus.CounterVec
	statuses   *prometheus.CounterVec
	reconnects *prometheus.CounterVec
	state      *prometheus.GaugeVec
	keepAlives *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_events_total",
			Help:      "Change events published, by resource and kind.",
		}, []string{"resource", "kind"}),
		statuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Subscription status transitions, by resource and status.",
		}, []string{"resource", "status"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Subscriptions recreated, by resource.",
		}, []string{"resource"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscription_joined",
			Help:      "1 when the resource's current subscription is joined.",
		}, []string{"resource"}),
		keepAlives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalive_reads_total",
			Help:      "Keep-alive point reads, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.events, m.statuses, m.reconnects, m.state, m.keepAlives)
	return m
}

func (m *Metrics) event(resource string, kind feed.EventKind) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(resource, string(kind)).Inc()
}

func (m *Metrics) status(resource string, s feed.Status) {
	if m == nil {
		return
	}
	m.statuses.WithLabelValues(resource, s.String()).Inc()
	joined := 0.0
	if s == feed.StatusJoined {
		joined = 1
	}
	m.state.WithLabelValues(resource).Set(joined)
}

func (m *Metrics) reconnect(resource string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(resource).Inc()
}

func (m *Metrics) forget(resource string) {
	if m == nil {
		return
	}
	m.state.DeleteLabelValues(resource)
}

func (m *Metrics) keepAlive(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.keepAlives.WithLabelValues(result).Inc()
}

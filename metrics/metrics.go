package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "edge_events"

// Metrics are the client side counters of one edge events supervisor. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	PostsTotal          *prometheus.CounterVec
	EventsReceivedTotal *prometheus.CounterVec
	DecisionsTotal      *prometheus.CounterVec
	CloudletSwitchTotal prometheus.Counter
	ResolutionsTotal    *prometheus.CounterVec
	ReconnectsTotal     *prometheus.CounterVec
	ConnectionStatus    *prometheus.GaugeVec
	BusDroppedTotal     prometheus.Counter
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in
// tests to keep them isolated.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PostsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_total",
			Help:      "Client telemetry posts by kind and result",
		}, []string{"kind", "result"}),
		EventsReceivedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Server pushed edge events by type",
		}, []string{"type"}),
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Trigger evaluator decisions by decision and trigger",
		}, []string{"decision", "trigger"}),
		CloudletSwitchTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cloudlet_switch_total",
			Help:      "Completed migrations to a new cloudlet",
		}),
		ResolutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "FindCloudlet re-selections by outcome",
		}, []string{"outcome"}),
		ReconnectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Edge events reconnect attempts by result",
		}, []string{"result"}),
		ConnectionStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_status",
			Help:      "1 for the current connection status, 0 otherwise",
		}, []string{"status"}),
		BusDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dropped_total",
			Help:      "Notifications dropped by a full subscriber buffer",
		}),
	}
}

func (m *Metrics) IncPost(kind, result string) {
	if m == nil {
		return
	}
	m.PostsTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) IncEvent(eventType string) {
	if m == nil {
		return
	}
	m.EventsReceivedTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncDecision(decision, trigger string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(decision, trigger).Inc()
}

func (m *Metrics) IncSwitch() {
	if m == nil {
		return
	}
	m.CloudletSwitchTotal.Inc()
}

func (m *Metrics) IncResolution(outcome string) {
	if m == nil {
		return
	}
	m.ResolutionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncReconnect(result string) {
	if m == nil {
		return
	}
	m.ReconnectsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncBusDrop() {
	if m == nil {
		return
	}
	m.BusDroppedTotal.Inc()
}

// SetStatus marks status as the only active connection status among all.
func (m *Metrics) SetStatus(status string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		m.ConnectionStatus.WithLabelValues(s).Set(v)
	}
}

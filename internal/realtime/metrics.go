package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery results recorded by the Router.
const (
	resultDelivered = "delivered"
	resultOffline   = "offline"
	resultFailed    = "failed"
)

// Metrics holds the Prometheus collectors of the realtime package.
type Metrics struct {
	deliveries    *prometheus.CounterVec
	sessionsTotal *prometheus.CounterVec
	inboundFrames *prometheus.CounterVec
	connected     prometheus.GaugeFunc
}

// NewMetrics registers the collectors with reg. A nil reg creates
// unregistered collectors, which is what tests use.
func NewMetrics(reg prometheus.Registerer, registry *Registry) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "deliveries_total",
			Help:      "Live delivery attempts by result.",
		}, []string{"result"}),
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "sessions_closed_total",
			Help:      "Closed chat sessions by close reason.",
		}, []string{"reason"}),
		inboundFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Name:      "inbound_frames_total",
			Help:      "Frames received from clients, by outcome.",
		}, []string{"outcome"}),
	}

	if registry != nil {
		m.connected = factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "parley",
			Name:      "connected_users",
			Help:      "Users with a registered live connection.",
		}, func() float64 { return float64(registry.Len()) })
	}

	// Pre-create label values so they export as zero.
	for _, r := range []string{resultDelivered, resultOffline, resultFailed} {
		m.deliveries.WithLabelValues(r)
	}
	return m
}

func (m *Metrics) delivery(result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) sessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) inbound(outcome string) {
	if m == nil {
		return
	}
	m.inboundFrames.WithLabelValues(outcome).Inc()
}

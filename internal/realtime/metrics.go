package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/teenhut/hutchat/internal/room"
)

const metricsNamespace = "hutchat"

// Event outcomes recorded by Metrics.Events.
const (
	outcomeOK               = "ok"
	outcomeInvalid          = "invalid"
	outcomeDenied           = "denied"
	outcomeForbidden        = "forbidden"
	outcomeNotFound         = "not_found"
	outcomeNotMember        = "not_member"
	outcomeIdentityMismatch = "identity_mismatch"
	outcomeRateLimited      = "rate_limited"
	outcomeUnknown          = "unknown_event"
	outcomeError            = "error"
)

// Metrics holds the realtime layer's Prometheus collectors.
type Metrics struct {
	Sessions      prometheus.Gauge
	Events        *prometheus.CounterVec
	Deliveries    prometheus.Counter
	SlowConsumers prometheus.Counter
	Backplane     *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. A nil reg leaves them
// unregistered, which tests use.
func NewMetrics(reg prometheus.Registerer, rooms *room.Registry) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		Sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Number of connected websocket sessions.",
		}),
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Inbound websocket events by name and outcome.",
		}, []string{"event", "outcome"}),
		Deliveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fanout_deliveries_total",
			Help:      "Frames queued to sessions by room fan-out.",
		}),
		SlowConsumers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "slow_consumer_disconnects_total",
			Help:      "Sessions closed because their send buffer was full.",
		}),
		Backplane: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "backplane_messages_total",
			Help:      "Cross-node fan-out messages by direction.",
		}, []string{"direction"}),
	}

	if rooms != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "rooms_active",
			Help:      "Rooms with at least one local member.",
		}, func() float64 {
			n, _ := rooms.Stats()
			return float64(n)
		})
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "room_memberships",
			Help:      "Total local (session, room) memberships.",
		}, func() float64 {
			_, n := rooms.Stats()
			return float64(n)
		})
	}
	return m
}

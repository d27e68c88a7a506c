package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the Prometheus instruments for the chat core. One instance
// is shared by the session, dispatch, and API layers.
type Collector struct {
	registry *prometheus.Registry

	// ActiveConnections number of live registered connections
	ActiveConnections prometheus.Gauge
	// EventsProcessed inbound events handled, by event type
	EventsProcessed *prometheus.CounterVec
	// EventErrors error events sent back to clients, by event type
	EventErrors *prometheus.CounterVec
	// BroadcastSends events fanned out to subscribers
	BroadcastSends prometheus.Counter
	// BroadcastFailures fan-out sends which failed and were skipped
	BroadcastFailures prometheus.Counter
	// MessagesPersisted messages successfully written to the store
	MessagesPersisted prometheus.Counter
}

// NewCollector define the metric instruments under the given namespace and
// register them. A nil registry uses a fresh one.
func NewCollector(namespace string, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: registry,
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of live registered connections",
		}),
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Inbound events handled, by event type",
		}, []string{"event_type"}),
		EventErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_errors_total",
			Help:      "Error events sent back to clients, by event type",
		}, []string{"event_type"}),
		BroadcastSends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_sends_total",
			Help:      "Events fanned out to channel subscribers",
		}),
		BroadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failures_total",
			Help:      "Fan-out sends which failed and were skipped",
		}),
		MessagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_persisted_total",
			Help:      "Messages successfully written to the store",
		}),
	}
	registry.MustRegister(
		c.ActiveConnections,
		c.EventsProcessed,
		c.EventErrors,
		c.BroadcastSends,
		c.BroadcastFailures,
		c.MessagesPersisted,
	)
	return c
}

// Registry the Prometheus registry holding the instruments
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

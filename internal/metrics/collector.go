// ABOUTME: Prometheus collectors for the relay, presence sweep and store writer
// ABOUTME: Uses a private registry so tests and multiple relays never collide

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every relay metric. A nil *Collector is valid and records
// nothing.
type Collector struct {
	registry *prometheus.Registry

	connectionsTotal  *prometheus.CounterVec
	registered        *prometheus.GaugeVec
	messagesTotal     *prometheus.CounterVec
	deliveriesDropped *prometheus.CounterVec
	outageAlerts      *prometheus.CounterVec
	agentAlerts       *prometheus.CounterVec
	sweepDuration     prometheus.Histogram
	storeWrites       *prometheus.CounterVec
}

// NewCollector creates a collector with its own registry, including Go
// runtime and process collectors.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		connectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Accepted relay connections by transport",
			},
			[]string{"transport"},
		),

		registered: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registered_connections",
				Help:      "Connections currently registered by role",
			},
			[]string{"role"},
		),

		messagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Inbound messages by type and outcome",
			},
			[]string{"type", "outcome"},
		),

		deliveriesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_dropped_total",
				Help:      "Outbound messages dropped because a connection queue was full or closed",
			},
			[]string{"role"},
		),

		outageAlerts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outage_alerts_total",
				Help:      "Outage notifications by result",
			},
			[]string{"result"},
		),

		agentAlerts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_alerts_total",
				Help:      "Agent alerts by result (notified, failed, duplicate, not_urgent)",
			},
			[]string{"result"},
		),

		sweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "presence_sweep_duration_seconds",
				Help:      "Duration of outage sweeps including notifier calls",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
			},
		),

		storeWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_writes_total",
				Help:      "Background store writes by operation and result",
			},
			[]string{"op", "result"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// ConnectionAccepted counts a new transport connection.
func (c *Collector) ConnectionAccepted(transport string) {
	if c == nil {
		return
	}
	c.connectionsTotal.WithLabelValues(transport).Inc()
}

// SetRegistered records registry sizes.
func (c *Collector) SetRegistered(agents, observers int) {
	if c == nil {
		return
	}
	c.registered.WithLabelValues("agent").Set(float64(agents))
	c.registered.WithLabelValues("observer").Set(float64(observers))
}

// MessageHandled counts one inbound message.
func (c *Collector) MessageHandled(typ, outcome string) {
	if c == nil {
		return
	}
	c.messagesTotal.WithLabelValues(typ, outcome).Inc()
}

// DeliveryDropped counts an outbound message that could not be queued.
func (c *Collector) DeliveryDropped(role string) {
	if c == nil {
		return
	}
	c.deliveriesDropped.WithLabelValues(role).Inc()
}

// OutageAlert counts an outage notification attempt.
func (c *Collector) OutageAlert(result string) {
	if c == nil {
		return
	}
	c.outageAlerts.WithLabelValues(result).Inc()
}

// AgentAlert counts the handling of an agent alert.
func (c *Collector) AgentAlert(result string) {
	if c == nil {
		return
	}
	c.agentAlerts.WithLabelValues(result).Inc()
}

// SweepFinished records how long an outage sweep took.
func (c *Collector) SweepFinished(d time.Duration) {
	if c == nil {
		return
	}
	c.sweepDuration.Observe(d.Seconds())
}

// StoreWrite counts a background store write.
func (c *Collector) StoreWrite(op string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.storeWrites.WithLabelValues(op, result).Inc()
}

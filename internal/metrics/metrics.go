// Package metrics exposes the control plane's Prometheus metrics and the
// bus collector that feeds the event-driven ones.
//
// Metric naming follows Prometheus conventions:
//   - lattice_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lattice-dev/lattice/internal/bus"
	"github.com/lattice-dev/lattice/internal/fleet"
	"github.com/lattice-dev/lattice/internal/intent"
	"github.com/lattice-dev/lattice/internal/safety"
)

// Metrics holds every lattice_* series on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	ReconciliationsTotal   *prometheus.CounterVec
	ReconciliationDuration *prometheus.HistogramVec
	FleetSprites           *prometheus.GaugeVec
	IntentsTotal           *prometheus.CounterVec
	IntentTransitionsTotal *prometheus.CounterVec
	CapabilityCallsTotal   *prometheus.CounterVec
	CapabilityCallDuration *prometheus.HistogramVec
	AuditEntriesTotal      *prometheus.CounterVec
	ProtocolEventsTotal    *prometheus.CounterVec
	BusDroppedTotal        *prometheus.CounterVec
	WebhookDeliveriesTotal *prometheus.CounterVec
}

// New creates the metric set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ReconciliationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_reconciliations_total",
			Help: "Reconciliation cycles by sprite and outcome.",
		}, []string{"sprite", "outcome"}),
		ReconciliationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lattice_reconciliation_duration_seconds",
			Help:    "Duration of reconciliation cycles in seconds.",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15, 30},
		}, []string{"sprite"}),
		FleetSprites: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lattice_fleet_sprites",
			Help: "Sprites currently observed in each state.",
		}, []string{"state"}),
		IntentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_intents_total",
			Help: "Intents reaching each state, by kind.",
		}, []string{"kind", "state"}),
		IntentTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_intent_transitions_total",
			Help: "Intent state machine transitions.",
		}, []string{"from", "to"}),
		CapabilityCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_capability_calls_total",
			Help: "Dispatched capability calls by result.",
		}, []string{"capability", "operation", "result"}),
		CapabilityCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lattice_capability_call_duration_seconds",
			Help:    "Duration of capability calls in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"capability", "operation"}),
		AuditEntriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_audit_entries_total",
			Help: "Audit log entries by result.",
		}, []string{"result"}),
		ProtocolEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_protocol_events_total",
			Help: "Ingested protocol events by type.",
		}, []string{"type"}),
		BusDroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_bus_dropped_total",
			Help: "Bus messages dropped for slow subscribers.",
		}, []string{"topic"}),
		WebhookDeliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_webhook_deliveries_total",
			Help: "Webhook deliveries by result.",
		}, []string{"result"}),
	}
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCall implements the capability dispatcher's metrics sink.
func (m *Metrics) ObserveCall(capability, operation, result string, duration time.Duration) {
	m.CapabilityCallsTotal.WithLabelValues(capability, operation, result).Inc()
	m.CapabilityCallDuration.WithLabelValues(capability, operation).Observe(duration.Seconds())
}

// ObserveProtocolEvent implements the executor's metrics sink.
func (m *Metrics) ObserveProtocolEvent(eventType string) {
	m.ProtocolEventsTotal.WithLabelValues(eventType).Inc()
}

// ObserveWebhookDelivery implements the webhook handler's metrics sink.
func (m *Metrics) ObserveWebhookDelivery(result string) {
	m.WebhookDeliveriesTotal.WithLabelValues(result).Inc()
}

// ObserveBusDrop feeds the bus's drop hook.
func (m *Metrics) ObserveBusDrop(topic string) {
	m.BusDroppedTotal.WithLabelValues(topic).Inc()
}

// Collector subscribes to the bus and feeds the event-driven metrics:
// reconciliation results, intent transitions, audit entries, and fleet
// summaries.
type Collector struct {
	metrics *Metrics
	bus     *bus.Bus
	logger  *zap.Logger
}

// NewCollector creates a bus-fed metrics collector.
func NewCollector(m *Metrics, b *bus.Bus, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{metrics: m, bus: b, logger: logger}
}

// Start subscribes to every topic and updates metrics until ctx ends.
func (c *Collector) Start(ctx context.Context) {
	ch := c.bus.SubscribeAll("metrics-collector")
	go func() {
		defer c.bus.Unsubscribe("metrics-collector")
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				c.observe(evt)
			}
		}
	}()
}

func (c *Collector) observe(evt bus.Event) {
	switch evt.Type {
	case bus.EventReconciliationResult:
		result, ok := evt.Detail.(fleet.ReconciliationResult)
		if !ok {
			return
		}
		c.metrics.ReconciliationsTotal.WithLabelValues(result.SpriteID, result.Outcome).Inc()
		c.metrics.ReconciliationDuration.WithLabelValues(result.SpriteID).
			Observe(float64(result.DurationMS) / 1000)

	case bus.EventIntentTransitioned:
		in, ok := evt.Detail.(*intent.Intent)
		if !ok {
			return
		}
		c.metrics.IntentsTotal.WithLabelValues(string(in.Kind), string(in.State)).Inc()
		if n := len(in.TransitionLog); n > 0 {
			last := in.TransitionLog[n-1]
			c.metrics.IntentTransitionsTotal.WithLabelValues(string(last.From), string(last.To)).Inc()
		}

	case bus.EventAuditEntry:
		entry, ok := evt.Detail.(safety.Entry)
		if !ok {
			return
		}
		c.metrics.AuditEntriesTotal.WithLabelValues(entry.Result).Inc()

	case bus.EventFleetSummary:
		sum, ok := evt.Detail.(fleet.Summary)
		if !ok {
			return
		}
		c.metrics.FleetSprites.Reset()
		for state, n := range sum.ByState {
			c.metrics.FleetSprites.WithLabelValues(state).Set(float64(n))
		}
	}
}

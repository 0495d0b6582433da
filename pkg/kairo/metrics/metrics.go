// Package metrics exposes Kairo's Prometheus collectors. Every method is
// safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process collectors.
type Metrics struct {
	registry *prometheus.Registry

	turns        *prometheus.CounterVec
	toolCalls    *prometheus.CounterVec
	dedupDropped prometheus.Counter
	triggers     *prometheus.CounterVec
	messagesSent *prometheus.CounterVec
	modelCall    *prometheus.HistogramVec
	queueDepth   prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kairo_turns_total",
			Help: "Agent turns by outcome.",
		}, []string{"outcome"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kairo_tool_calls_total",
			Help: "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		dedupDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kairo_dedup_dropped_total",
			Help: "Inbound messages dropped as duplicates.",
		}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kairo_scheduler_triggers_total",
			Help: "Scheduler-raised events by kind.",
		}, []string{"kind"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kairo_messages_sent_total",
			Help: "Outbound messages by bridge and outcome.",
		}, []string{"bridge", "outcome"}),
		modelCall: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kairo_model_call_seconds",
			Help:    "Model call latency.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		}, []string{"provider"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kairo_outbound_queue_depth",
			Help: "Unacknowledged outbound messages.",
		}),
	}
	reg.MustRegister(
		m.turns, m.toolCalls, m.dedupDropped, m.triggers,
		m.messagesSent, m.modelCall, m.queueDepth,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) TurnFinished(outcome string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ToolCalled(tool string, ok bool) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, outcome(ok)).Inc()
}

func (m *Metrics) DuplicateDropped() {
	if m == nil {
		return
	}
	m.dedupDropped.Inc()
}

func (m *Metrics) TriggerRaised(kind string) {
	if m == nil {
		return
	}
	m.triggers.WithLabelValues(kind).Inc()
}

func (m *Metrics) MessageSent(bridge string, ok bool) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(bridge, outcome(ok)).Inc()
}

func (m *Metrics) ObserveModelCall(provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.modelCall.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

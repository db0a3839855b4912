// Package metrics exposes the process counters on a private Prometheus
// registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	webhookRequests *prometheus.CounterVec
	duplicates      prometheus.Counter
	sends           *prometheus.CounterVec
	llmLatency      prometheus.Histogram
	llmFailures     prometheus.Counter
	intents         *prometheus.CounterVec
	handoffs        *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		webhookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_requests_total",
			Help: "Inbound webhook requests by result.",
		}, []string{"result"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "duplicate_events_total",
			Help: "Inbound events dropped as replays.",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbound_messages_total",
			Help: "Outbound sends by channel and outcome.",
		}, []string{"channel", "outcome"}),
		llmLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "llm_latency_seconds",
			Help:    "Latency of generative fallback calls.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}),
		llmFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llm_failures_total",
			Help: "Generative fallback calls answered with the safe reply.",
		}),
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routed_intents_total",
			Help: "Deterministic router hits by intent.",
		}, []string{"intent"}),
		handoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "handoffs_total",
			Help: "Human handoff requests by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		prometheus.NewGoCollector(),
		m.webhookRequests, m.duplicates, m.sends, m.llmLatency, m.llmFailures, m.intents, m.handoffs,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) WebhookRequest(result string) {
	if m == nil {
		return
	}
	m.webhookRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

// Send records an outbound attempt. outcome is "ok" or an error class.
func (m *Metrics) Send(channel, outcome string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) LLMCall(d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.llmLatency.Observe(d.Seconds())
	if failed {
		m.llmFailures.Inc()
	}
}

func (m *Metrics) Intent(label string) {
	if m == nil {
		return
	}
	m.intents.WithLabelValues(label).Inc()
}

func (m *Metrics) Handoff(outcome string) {
	if m == nil {
		return
	}
	m.handoffs.WithLabelValues(outcome).Inc()
}

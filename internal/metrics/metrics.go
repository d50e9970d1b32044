// Package metrics exposes the engine's Prometheus collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"verifyhub/internal/models"
)

const namespace = "verifyhub"

// Collector is a prometheus.Collector covering provider calls, breakers,
// lifecycle transitions, the rate limiter and live subscribers.
type Collector struct {
	providerCalls      *prometheus.CounterVec
	providerLatency    *prometheus.HistogramVec
	breakerState       *prometheus.GaugeVec
	transitions        *prometheus.CounterVec
	rateLimited        *prometheus.CounterVec
	droppedSubscribers prometheus.Counter
}

func NewCollector() *Collector {
	return &Collector{
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Provider call attempts by endpoint and outcome.",
			}, []string{"endpoint", "outcome"},
		),
		providerLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_seconds",
				Help:      "Latency of a single provider call attempt.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 12},
			}, []string{"endpoint"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per endpoint (0 closed, 1 half-open, 2 open).",
			}, []string{"endpoint"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "Verification and rental transitions by target status.",
			}, []string{"kind", "status"},
		),
		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_requests_total",
				Help:      "Requests rejected by the rate limiter, by key scope.",
			}, []string{"scope"},
		),
		droppedSubscribers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_subscribers_total",
				Help:      "Live subscribers pruned because their buffer was full.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.providerCalls.Describe(ch)
	c.providerLatency.Describe(ch)
	c.breakerState.Describe(ch)
	c.transitions.Describe(ch)
	c.rateLimited.Describe(ch)
	c.droppedSubscribers.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.providerCalls.Collect(ch)
	c.providerLatency.Collect(ch)
	c.breakerState.Collect(ch)
	c.transitions.Collect(ch)
	c.rateLimited.Collect(ch)
	c.droppedSubscribers.Collect(ch)
}

// ObserveCall implements resilience.Observer.
func (c *Collector) ObserveCall(endpoint, outcome string, elapsed time.Duration) {
	c.providerCalls.WithLabelValues(endpoint, outcome).Inc()
	c.providerLatency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

func (c *Collector) BreakerChanged(endpoint string, to models.BreakerStatus) {
	var v float64
	switch to {
	case models.BreakerHalfOpen:
		v = 1
	case models.BreakerOpen:
		v = 2
	}
	c.breakerState.WithLabelValues(endpoint).Set(v)
}

func (c *Collector) ObserveTransition(kind models.EntityKind, status string) {
	c.transitions.WithLabelValues(string(kind), status).Inc()
}

func (c *Collector) RateLimited(scope string) {
	c.rateLimited.WithLabelValues(scope).Inc()
}

func (c *Collector) SubscriberDropped(string) {
	c.droppedSubscribers.Inc()
}

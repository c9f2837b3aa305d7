// Package metrics exposes Prometheus instrumentation for the pipeline.
//
// Collectors live on a private registry owned by Metrics so tests can build
// as many instances as they like. Every recording method is nil-safe; code
// paths that run without metrics pass a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "creativepipe"

// Stage outcomes.
const (
	OutcomeAck       = "ack"
	OutcomeRetry     = "retry"
	OutcomeTerm      = "term"
	OutcomeDrop      = "drop"
	OutcomeDead      = "dead_letter"
	OutcomeMalformed = "malformed"
)

// Metrics holds the pipeline collectors.
type Metrics struct {
	registry *prometheus.Registry

	stageMessages *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	campaigns     *prometheus.CounterVec
	deadLetters   *prometheus.CounterVec
	externalCalls *prometheus.CounterVec
	claimSkips    *prometheus.CounterVec
}

// New registers the collectors, plus Go runtime and process collectors, on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		stageMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_messages_total",
			Help:      "Messages handled per stage by outcome.",
		}, []string{"stage", "outcome"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Handler duration per stage.",
			Buckets:   []float64{0.05, 0.25, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),
		campaigns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "campaigns_total",
			Help:      "Campaign lifecycle transitions by resulting status.",
		}, []string{"status"}),
		deadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Messages parked after exhausting deliveries or failing permanently.",
		}, []string{"stage"}),
		externalCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_calls_total",
			Help:      "Generator calls per stage by result.",
		}, []string{"stage", "result"}),
		claimSkips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_short_circuits_total",
			Help:      "External calls skipped because the artifact already existed.",
		}, []string{"stage"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveStage records one handled message.
func (m *Metrics) ObserveStage(stage, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stageMessages.WithLabelValues(stage, outcome).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// CampaignTransition counts a campaign entering status.
func (m *Metrics) CampaignTransition(status string) {
	if m == nil {
		return
	}
	m.campaigns.WithLabelValues(status).Inc()
}

// DeadLetter counts a parked message.
func (m *Metrics) DeadLetter(stage string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(stage).Inc()
}

// ExternalCall counts a generator call result ("ok" or "error").
func (m *Metrics) ExternalCall(stage, result string) {
	if m == nil {
		return
	}
	m.externalCalls.WithLabelValues(stage, result).Inc()
}

// ClaimShortCircuit counts an external call skipped on redelivery.
func (m *Metrics) ClaimShortCircuit(stage string) {
	if m == nil {
		return
	}
	m.claimSkips.WithLabelValues(stage).Inc()
}

// Package metrics exposes Prometheus instrumentation for the companion
// pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cexll/companion/pkg/errdefs"
)

const namespace = "companion"

// Recorder holds the application metrics. It satisfies companion.Metrics and
// memory.Observer.
type Recorder struct {
	reg        prometheus.Gatherer
	registerer prometheus.Registerer

	Turns         *prometheus.CounterVec
	TurnLatency   *prometheus.HistogramVec
	NodeLatency   *prometheus.HistogramVec
	Failures      *prometheus.CounterVec
	MemoryResults *prometheus.CounterVec
}

// New registers the metrics on reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Recorder{
		reg:        reg,
		registerer: reg,

		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns by workflow and outcome",
		}, []string{"workflow", "outcome"}),

		// LLM calls plus media generation can take a while.
		TurnLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "End-to-end turn latency in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"workflow"}),

		NodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Pipeline node latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"node"}),

		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Pipeline failures by node and error kind",
		}, []string{"node", "kind"}),

		MemoryResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_extractions_total",
			Help:      "Long-term memory extraction outcomes",
		}, []string{"outcome"}),
	}
}

// ObserveNode records one node execution.
func (r *Recorder) ObserveNode(node string, elapsed time.Duration, err error) {
	if r == nil {
		return
	}
	r.NodeLatency.WithLabelValues(node).Observe(elapsed.Seconds())
	if err != nil {
		r.Failures.WithLabelValues(node, errdefs.KindName(err)).Inc()
	}
}

// ObserveTurn records one completed or failed turn.
func (r *Recorder) ObserveTurn(workflow string, elapsed time.Duration, err error) {
	if r == nil {
		return
	}
	if workflow == "" {
		workflow = "none"
	}
	outcome := "ok"
	if err != nil {
		outcome = errdefs.KindName(err)
	}
	r.Turns.WithLabelValues(workflow, outcome).Inc()
	r.TurnLatency.WithLabelValues(workflow).Observe(elapsed.Seconds())
}

// MemoryOutcome records a memory extraction result.
func (r *Recorder) MemoryOutcome(outcome string) {
	if r == nil {
		return
	}
	r.MemoryResults.WithLabelValues(outcome).Inc()
}

// TrackBreaker exports a gauge that is 1 while the named breaker reports
// state and 0 otherwise, one series per state.
func (r *Recorder) TrackBreaker(name string, state func() string) {
	if r == nil || state == nil {
		return
	}
	for _, s := range []string{"closed", "half-open", "open"} {
		want := s
		r.registerer.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "breaker_state",
			Help:        "Circuit breaker state of external services",
			ConstLabels: prometheus.Labels{"service": name, "state": want},
		}, func() float64 {
			if state() == want {
				return 1
			}
			return 0
		}))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

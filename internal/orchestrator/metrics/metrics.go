// Package metrics holds the Prometheus instruments shared by the deployment
// engine and the context mediator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
)

// Metrics contains all Prometheus metrics for the orchestrator.
type Metrics struct {
	DeploysTotal         *prometheus.CounterVec
	LifecycleTransitions *prometheus.CounterVec
	RunningModels        prometheus.Gauge
	ChatRequestsTotal    *prometheus.CounterVec
	ContextTruncations   prometheus.Counter
	ChatUpstreamDuration prometheus.Histogram
	RouterRegenerations  *prometheus.CounterVec
}

// New creates the orchestrator metrics on the given registerer, falling back
// to the default registerer when nil.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		DeploysTotal: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "mind_deploys_total",
			Help: "Completed deploy attempts by result",
		}, []string{"result"}),

		LifecycleTransitions: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "mind_lifecycle_transitions_total",
			Help: "Model lifecycle transitions by target status",
		}, []string{"status"}),

		RunningModels: promauto.With(registerer).NewGauge(prometheus.GaugeOpts{
			Name: "mind_running_models",
			Help: "Number of models currently in running state",
		}),

		ChatRequestsTotal: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "mind_chat_requests_total",
			Help: "Chat completion requests by outcome",
		}, []string{"outcome"}),

		ContextTruncations: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "mind_context_truncations_total",
			Help: "Chat requests that required context truncation",
		}),

		ChatUpstreamDuration: promauto.With(registerer).NewHistogram(prometheus.HistogramOpts{
			Name:    "mind_chat_upstream_duration_seconds",
			Help:    "Latency of upstream inference engine calls",
			Buckets: prometheus.DefBuckets,
		}),

		RouterRegenerations: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "mind_router_regenerations_total",
			Help: "Router file regenerations by result",
		}, []string{"result"}),
	}
}

// Module provides the metrics singleton to the fx graph.
var Module = fx.Provide(func() *Metrics { return New(nil) })

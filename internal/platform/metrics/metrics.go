package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the gateway's prometheus instruments. One instance per
// process; constructed in cmd and injected where needed.
type Metrics struct {
	ExecuteTotal       *prometheus.CounterVec
	PolicyDenialsTotal *prometheus.CounterVec
	IdempotentHits     prometheus.Counter
	AdapterLatency     *prometheus.HistogramVec
	OutcomeDropsTotal  prometheus.Counter
	PublishErrors      prometheus.Counter
	ScorerBatchSeconds prometheus.Histogram
	RoutingTransitions *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		ExecuteTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "moat_execute_total",
			Help: "Execute pipeline completions by receipt status and error code",
		}, []string{"status", "error_code"}),
		PolicyDenialsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "moat_policy_denials_total",
			Help: "Policy denials by rule hit",
		}, []string{"rule_hit"}),
		IdempotentHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "moat_idempotent_hits_total",
			Help: "Requests answered from the idempotency store",
		}),
		AdapterLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "moat_adapter_latency_ms",
			Help:    "Adapter dispatch latency in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"provider"}),
		OutcomeDropsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "moat_outcome_drops_total",
			Help: "Outcome events dropped because the emitter buffer was full",
		}),
		PublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "moat_publish_errors_total",
			Help: "Best-effort publisher failures (outcome events, on-chain receipts)",
		}),
		ScorerBatchSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "moat_scorer_batch_seconds",
			Help:    "Wall time of one trust scorer recomputation batch",
			Buckets: prometheus.DefBuckets,
		}),
		RoutingTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "moat_routing_transitions_total",
			Help: "Routing status transitions applied by the advisor",
		}, []string{"from", "to"}),
	}
}

package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EntitiesCreated  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "stator_entities_created_total", Help: "Entities created through the admin API"}, []string{"machine"})
	RateLimitRejects = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "stator_rate_limit_rejects_total", Help: "Calls rejected by a token bucket"}, []string{"scope"})
	Claims           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "stator_claims_total", Help: "Leases taken by this runner"}, []string{"machine"})
	ClaimConflicts   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "stator_claim_conflicts_total", Help: "Claims lost to another runner"}, []string{"machine"})
	Transitions      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "stator_transitions_total", Help: "Attempt outcomes by machine and transition"}, []string{"machine", "transition", "outcome"})
	Reclaimed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "stator_leases_reclaimed_total", Help: "Expired leases cleared by the reclaimer"})
	Handled          = prometheus.NewCounter(prometheus.CounterOpts{Name: "stator_handled_total", Help: "Entities handled by this runner"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "stator_inflight", Help: "Entities currently executing"})
	EntitiesByState  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "stator_entities", Help: "Entities per machine and state"}, []string{"machine", "state"})
	HandlerDuration  = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stator_handler_duration_seconds",
		Help:    "Transition handler latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"machine", "transition"})
)

// Outcome labels for Transitions.
const (
	OutcomeAdvanced  = "advanced"
	OutcomeNoOp      = "noop"
	OutcomeFailed    = "failed"
	OutcomeDeferred  = "deferred"
	OutcomeExhausted = "exhausted"
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EntitiesCreated,
			RateLimitRejects,
			Claims,
			ClaimConflicts,
			Transitions,
			Reclaimed,
			Handled,
			InFlightGauge,
			EntitiesByState,
			HandlerDuration,
		)
	})
	return promhttp.Handler()
}

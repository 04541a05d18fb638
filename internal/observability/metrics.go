// Package observability wires prometheus counters for the run lifecycle.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	FinalizeOutcomes *prometheus.CounterVec
	SettleRaces      prometheus.Counter
	SweepRuns        *prometheus.CounterVec
	SubmitOutcomes   *prometheus.CounterVec
}

// NewMetrics registers the lifecycle counters on reg. Pass
// prometheus.DefaultRegisterer in daemons; tests pass a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FinalizeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "packlab_finalize_total",
			Help: "Finalize attempts by actor and outcome.",
		}, []string{"actor", "outcome"}),
		SettleRaces: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "packlab_settle_race_total",
			Help: "Settle attempts that lost to a prior settlement.",
		}),
		SweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "packlab_reconciler_sweep_runs_total",
			Help: "Runs handled per reconciler sweep and result.",
		}, []string{"sweep", "result"}),
		SubmitOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "packlab_submit_total",
			Help: "Submission outcomes.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.FinalizeOutcomes, m.SettleRaces, m.SweepRuns, m.SubmitOutcomes)
	}
	return m
}

// Nop returns unregistered metrics for callers that do not export.
func Nop() *Metrics {
	return NewMetrics(nil)
}

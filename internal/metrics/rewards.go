// Package metrics exposes Prometheus collectors for the rewards engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// RewardsMetrics holds the engine counters. A nil *RewardsMetrics is valid
// and records nothing.
type RewardsMetrics struct {
	spins                 *prometheus.CounterVec
	tokensMinted          *prometheus.CounterVec
	pointsGranted         *prometheus.CounterVec
	grantsNeutralized     prometheus.Counter
	sweepRuns             *prometheus.CounterVec
	settlementsDeferred   prometheus.Counter
	settlementsReconciled prometheus.Counter
}

var (
	rewardsOnce     sync.Once
	rewardsRegistry *RewardsMetrics
)

// Rewards returns the process-wide rewards collectors, registering them on first use.
func Rewards() *RewardsMetrics {
	rewardsOnce.Do(func() {
		rewardsRegistry = &RewardsMetrics{
			spins: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rewards_spins_total",
				Help: "Spin attempts by outcome (ok, NOT_ELIGIBLE, COOLDOWN, conflict, error).",
			}, []string{"outcome"}),
			tokensMinted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rewards_tokens_minted_total",
				Help: "Eligibility tokens minted by rule.",
			}, []string{"rule"}),
			pointsGranted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rewards_points_granted_total",
				Help: "Points appended to the ledger by reason kind.",
			}, []string{"kind"}),
			grantsNeutralized: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "rewards_grants_neutralized_total",
				Help: "Aged grants compensated by the expiry sweep.",
			}),
			sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rewards_sweep_runs_total",
				Help: "Expiry sweep runs by result.",
			}, []string{"result"}),
			settlementsDeferred: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "rewards_settlements_deferred_total",
				Help: "Spin settlements handed to the background queue.",
			}),
			settlementsReconciled: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "rewards_settlements_reconciled_total",
				Help: "Consumed tokens settled by the reconciler after inline settlement failed.",
			}),
		}
		prometheus.MustRegister(
			rewardsRegistry.spins,
			rewardsRegistry.tokensMinted,
			rewardsRegistry.pointsGranted,
			rewardsRegistry.grantsNeutralized,
			rewardsRegistry.sweepRuns,
			rewardsRegistry.settlementsDeferred,
			rewardsRegistry.settlementsReconciled,
		)
	})
	return rewardsRegistry
}

// ObserveSpin counts one spin attempt by outcome.
func (m *RewardsMetrics) ObserveSpin(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.spins.WithLabelValues(outcome).Inc()
}

// ObserveMint counts one minted token.
func (m *RewardsMetrics) ObserveMint(rule string) {
	if m == nil {
		return
	}
	m.tokensMinted.WithLabelValues(rule).Inc()
}

// ObservePointsGranted adds newly granted points.
func (m *RewardsMetrics) ObservePointsGranted(kind string, points int64) {
	if m == nil || points <= 0 {
		return
	}
	m.pointsGranted.WithLabelValues(kind).Add(float64(points))
}

// ObserveSweep records one sweep run.
func (m *RewardsMetrics) ObserveSweep(neutralized int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sweepRuns.WithLabelValues(result).Inc()
	m.grantsNeutralized.Add(float64(neutralized))
}

// ObserveSettlementDeferred counts one settlement handed to the queue.
func (m *RewardsMetrics) ObserveSettlementDeferred() {
	if m == nil {
		return
	}
	m.settlementsDeferred.Inc()
}

// ObserveReconciled adds spins settled by the reconciler.
func (m *RewardsMetrics) ObserveReconciled(settled int) {
	if m == nil {
		return
	}
	m.settlementsReconciled.Add(float64(settled))
}

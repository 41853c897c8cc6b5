// Package metrics holds the Prometheus collectors of the quest daemon.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal counts supervisor cycles by result (ok, error, skipped).
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questpilot_cycles_total",
			Help: "Total number of quest cycles by result",
		},
		[]string{"result"},
	)

	// TxAttempts counts transaction submission attempts.
	TxAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questpilot_tx_attempts_total",
			Help: "Total number of transaction attempts by label and outcome",
		},
		[]string{"label", "outcome"},
	)

	Fallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questpilot_rpc_fallbacks_total",
			Help: "Total number of RPC endpoint fallbacks by result",
		},
		[]string{"result"},
	)

	QuestsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questpilot_quests_completed_total",
			Help: "Total number of quests finalized by quest type",
		},
		[]string{"quest_type"},
	)

	QuestsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questpilot_quests_started_total",
			Help: "Total number of quests launched by quest type",
		},
		[]string{"quest_type"},
	)

	RewardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questpilot_rewards_total",
			Help: "Sum of reward amounts by reward type",
		},
		[]string{"reward"},
	)

	DisposalActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questpilot_disposal_actions_total",
			Help: "Total number of Jewel disposal actions by kind and result",
		},
		[]string{"kind", "result"},
	)

	NextRunDelay = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "questpilot_next_run_delay_seconds",
			Help: "Delay until the next scheduled cycle",
		},
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "questpilot_cycle_duration_seconds",
			Help:    "Wall time spent in one quest cycle",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)
)

// ObserveCycle records the outcome and duration of one cycle together with
// the delay chosen for the next one.
func ObserveCycle(result string, took, next time.Duration) {
	CyclesTotal.WithLabelValues(result).Inc()
	CycleDuration.Observe(took.Seconds())
	NextRunDelay.Set(next.Seconds())
}

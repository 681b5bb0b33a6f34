package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "synchronizer",
		Name:      "cycles_total",
		Help:      "Count of reconciliation cycles by outcome.",
	}, []string{"network", "status"})

	syncCycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "synchronizer",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of reconciliation cycles.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"network", "status"})

	syncBlocksAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "synchronizer",
		Name:      "blocks_applied_total",
		Help:      "Count of blocks applied to the mirror.",
	}, []string{"network"})

	syncBlocksRolledBackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "synchronizer",
		Name:      "blocks_rolled_back_total",
		Help:      "Count of blocks removed from the mirror by reorgs.",
	}, []string{"network"})

	syncReorgDepth = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "synchronizer",
		Name:      "reorg_depth_blocks",
		Help:      "Depth of reorgs handled by the synchronizer.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
	}, []string{"network"})

	syncTipHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "synchronizer",
		Name:      "tip_height",
		Help:      "Height of the recorded mirror tip.",
	}, []string{"network"})

	syncState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "synchronizer",
		Name:      "state",
		Help:      "Current synchronizer state (1 for the active state).",
	}, []string{"network", "state"})
)

var syncStates = []string{"idle", "reconciling", "applying", "failed", "fatal"}

// Synchronizer tracks metrics for reconciliation cycles.
type Synchronizer struct {
	network string
}

// NewSynchronizer constructs a Synchronizer metrics collector.
func NewSynchronizer(network string) *Synchronizer {
	return &Synchronizer{network: orUnknown(network)}
}

// ObserveCycle records a cycle outcome, duration and block counts.
func (m Synchronizer) ObserveCycle(err error, applied, rolledBack int, started time.Time) {
	status := statusOf(err)
	if err == nil && applied == 0 && rolledBack == 0 {
		status = "noop"
	}
	syncCyclesTotal.WithLabelValues(m.network, status).Inc()
	syncCycleDuration.WithLabelValues(m.network, status).Observe(time.Since(started).Seconds())
	if err != nil {
		return
	}
	syncBlocksAppliedTotal.WithLabelValues(m.network).Add(float64(applied))
	syncBlocksRolledBackTotal.WithLabelValues(m.network).Add(float64(rolledBack))
	if rolledBack > 0 {
		syncReorgDepth.WithLabelValues(m.network).Observe(float64(rolledBack))
	}
}

// ObserveTip records the recorded tip height.
func (m Synchronizer) ObserveTip(height uint64) {
	syncTipHeight.WithLabelValues(m.network).Set(float64(height))
}

// ObserveState marks state as the active synchronizer state.
func (m Synchronizer) ObserveState(state string) {
	for _, s := range syncStates {
		v := 0.0
		if s == state {
			v = 1
		}
		syncState.WithLabelValues(m.network, s).Set(v)
	}
}

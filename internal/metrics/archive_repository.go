package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	archiveRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "archive_repository",
		Name:      "operations_total",
		Help:      "Count of clickhouse archive operations.",
	}, []string{"operation", "network", "status"})
	archiveRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "archive_repository",
		Name:      "operation_duration_seconds",
		Help:      "Duration of clickhouse archive operations.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30},
	}, []string{"operation", "network", "status"})
	archiveDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "archive_repository",
		Name:      "dropped_blocks_total",
		Help:      "Orphaned blocks not queued because the archive buffer was full.",
	}, []string{"network"})
)

// ArchiveRepository tracks metrics for the orphaned block archive.
type ArchiveRepository struct {
	network string
}

// NewArchiveRepository creates an ArchiveRepository metrics collector.
func NewArchiveRepository(network string) *ArchiveRepository {
	return &ArchiveRepository{network: orUnknown(network)}
}

// Observe records duration and status of an archive operation.
func (m ArchiveRepository) Observe(operation string, err error, started time.Time) {
	status := statusOf(err)
	archiveRequestsTotal.WithLabelValues(operation, m.network, status).Inc()
	archiveRequestDuration.WithLabelValues(operation, m.network, status).Observe(time.Since(started).Seconds())
}

// ObserveDropped counts orphaned blocks that could not be queued.
func (m ArchiveRepository) ObserveDropped(n int) {
	archiveDroppedTotal.WithLabelValues(m.network).Add(float64(n))
}

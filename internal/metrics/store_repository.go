package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storeRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store_repository",
		Name:      "operations_total",
		Help:      "Count of postgres store operations.",
	}, []string{"operation", "status"})
	storeRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "store_repository",
		Name:      "operation_duration_seconds",
		Help:      "Duration of postgres store operations.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"operation", "status"})
)

// StoreRepository tracks metrics for postgres store operations.
type StoreRepository struct{}

// NewStoreRepository creates a StoreRepository metrics collector.
func NewStoreRepository() *StoreRepository {
	return &StoreRepository{}
}

// Observe records duration and status of a store operation.
func (m StoreRepository) Observe(operation string, err error, started time.Time) {
	status := statusOf(err)
	storeRequestsTotal.WithLabelValues(operation, status).Inc()
	storeRequestDuration.WithLabelValues(operation, status).Observe(time.Since(started).Seconds())
}

// Package metrics holds the Prometheus collectors of the mirror components.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "blockmirror"

var (
	nodeRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "node_client",
		Name:      "operations_total",
		Help:      "Count of node RPC operations.",
	}, []string{"operation", "network", "status"})
	nodeRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "node_client",
		Name:      "operation_duration_seconds",
		Help:      "Duration of node RPC operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation", "network", "status"})
)

// NodeClient tracks metrics for RPC calls to the node.
type NodeClient struct {
	network string
}

// NewNodeClient constructs a metrics collector for node RPC calls.
func NewNodeClient(network string) *NodeClient {
	return &NodeClient{network: orUnknown(network)}
}

// Observe records a single RPC call outcome and duration.
func (m NodeClient) Observe(operation string, err error, started time.Time) {
	status := statusOf(err)
	nodeRequestsTotal.WithLabelValues(operation, m.network, status).Inc()
	nodeRequestDuration.WithLabelValues(operation, m.network, status).Observe(time.Since(started).Seconds())
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

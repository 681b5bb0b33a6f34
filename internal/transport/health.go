package transport

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name of the synchronizer.
const ServiceName = "blockmirror.Synchronizer"

const pingTimeout = 2 * time.Second

// HealthReporter mirrors the synchronizer state into a gRPC health server.
type HealthReporter struct {
	server *health.Server
	status Status
	store  Pinger
	logger *zap.Logger
	last   healthpb.HealthCheckResponse_ServingStatus
}

// NewHealthReporter returns a reporter that updates server from status.
// store may be nil when reachability of the mirror is not checked.
func NewHealthReporter(server *health.Server, status Status, store Pinger, logger *zap.Logger) *HealthReporter {
	return &HealthReporter{
		server: server,
		status: status,
		store:  store,
		logger: logger.Named("health"),
		last:   healthpb.HealthCheckResponse_UNKNOWN,
	}
}

// Update publishes the current serving status. A halted synchronizer or an
// unreachable store is NOT_SERVING.
func (h *HealthReporter) Update(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING
	if h.status.State().Halted() {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	} else if h.store != nil {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := h.store.Ping(pingCtx)
		cancel()
		if err != nil {
			h.logger.Warn("store ping failed", zap.Error(err))
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	if st != h.last {
		h.logger.Info("serving status changed", zap.Stringer("status", st))
		h.last = st
	}
	h.server.SetServingStatus(ServiceName, st)
	h.server.SetServingStatus("", st)
	return st
}

// Run updates the health server every interval until ctx is done, then shuts it down.
func (h *HealthReporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.Update(ctx)
	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C:
			h.Update(ctx)
		}
	}
}

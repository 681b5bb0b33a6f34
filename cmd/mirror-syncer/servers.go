package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	grpcMiddleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpcZap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpcRecovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpcCtxTags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	grpcPrometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/goodnatureofminers/blockmirror/internal/transport"
)

const healthInterval = 5 * time.Second

// mirrorStore is the read side of the mirror served over REST and health.
type mirrorStore interface {
	transport.Blocks
	transport.Pinger
}

func startMetricsServer(ctx context.Context, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	serveHTTP(ctx, "metrics", addr, mux, logger)
}

// startServers runs the gRPC health server and the REST server until ctx is done.
// orphans may be nil.
func startServers(
	ctx context.Context,
	grpcAddr, restAddr string,
	status transport.Status,
	store mirrorStore,
	orphans transport.Orphans,
	logger *zap.Logger,
) error {
	grpcZap.ReplaceGrpcLoggerV2(logger.Named("grpc"))

	chain := []grpc.UnaryServerInterceptor{
		grpcRecovery.UnaryServerInterceptor(),
		grpcCtxTags.UnaryServerInterceptor(),
		grpcPrometheus.UnaryServerInterceptor,
		grpcZap.UnaryServerInterceptor(logger),
	}
	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(grpcMiddleware.ChainUnaryServer(chain...)),
		grpc.StreamInterceptor(grpcMiddleware.ChainStreamServer(
			grpcRecovery.StreamServerInterceptor(),
			grpcPrometheus.StreamServerInterceptor,
		)),
	)
	grpcPrometheus.EnableHandlingTimeHistogram()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcPrometheus.Register(grpcServer)

	go transport.NewHealthReporter(healthServer, status, store, logger).Run(ctx, healthInterval)

	socket, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	go func() {
		logger.Info("starting gRPC server", zap.String("addr", grpcAddr))
		if err := grpcServer.Serve(socket); err != nil {
			logger.Error("gRPC server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		logger.Info("shutting down gRPC server")
		grpcServer.GracefulStop()
	}()

	rest, err := transport.NewRESTHandler(status, store, orphans, logger)
	if err != nil {
		return fmt.Errorf("init rest handler: %w", err)
	}
	serveHTTP(ctx, "rest", restAddr, cors.Default().Handler(rest), logger)
	return nil
}

func serveHTTP(ctx context.Context, name, addr string, handler http.Handler, logger *zap.Logger) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    http.DefaultMaxHeaderBytes,
	}
	logger = logger.With(zap.String("server", name), zap.String("addr", addr))

	go func() {
		logger.Info("starting http server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown http server", zap.Error(err))
		}
	}()
}

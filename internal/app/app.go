package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/possync/internal/health"
	"github.com/vladislavdragonenkov/possync/internal/service/backgroundsync"
	"github.com/vladislavdragonenkov/possync/internal/service/retention"
	"github.com/vladislavdragonenkov/possync/internal/version"
)

const shutdownTimeout = 5 * time.Second

// Run запускает сервис синхронизации и блокируется до отмены ctx или падения gRPC сервера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return err
	}

	rt, err := NewRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.WithError(err).Warn("runtime close failed")
		}
	}()

	if err := rt.Engine.StartBackgroundSync(ctx, reportCycle(logger.WithField("component", "background-sync"))); err != nil {
		return err
	}

	cleanup := retention.NewCleanupWorker(rt.Storage.Orders, rt.Storage.Journal,
		retention.WithLogger(logger.WithField("component", "retention")),
		retention.WithInterval(cfg.RetentionInterval),
		retention.WithOrderRetention(cfg.OrderRetention),
		retention.WithJournalRetention(cfg.JournalRetention),
	)
	go cleanup.Run(ctx)

	consumer := startRemoteChangeConsumer(ctx, cfg, rt.Engine, rt.Producer(), logger)
	defer stopConsumer(consumer, logger)

	healthHandler := healthcheck.NewHandler(version.Version())
	healthHandler.RegisterChecker("storage", healthcheck.NewPingChecker("storage", rt.Storage.Pinger, 0))
	healthHandler.RegisterChecker("sync", healthcheck.NewSyncBacklogChecker("sync", rt.Backlog, cfg.BacklogLimit))

	grpcServer, healthServer := newGRPCServer(logger)

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		shutdownHTTP(metricsSrv, logger)
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("gRPC сервер слушает %s", cfg.GRPCAddr)
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем сервис")
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		stoppedCh := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stoppedCh)
		}()
		select {
		case <-stoppedCh:
		case <-time.After(shutdownTimeout):
			logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
			grpcServer.Stop()
		}
		shutdownHTTP(metricsSrv, logger)
		return ctx.Err()
	case err := <-errCh:
		shutdownHTTP(metricsSrv, logger)
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// newGRPCServer создаёт gRPC сервер со службой health и reflection.
func newGRPCServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)
	return grpcServer, healthServer
}

// reportCycle логирует итоги циклов фоновой синхронизации, в которых что-то произошло.
func reportCycle(logger *log.Entry) func(backgroundsync.CycleReport) {
	return func(report backgroundsync.CycleReport) {
		entry := logger.WithFields(log.Fields{
			"synced":   report.Synced,
			"failed":   report.Failed,
			"skipped":  report.Skipped,
			"pulled":   report.Pulled,
			"duration": report.Duration,
		})
		switch {
		case report.PullErr != nil:
			entry.WithError(report.PullErr).Warn("sync cycle finished, pull failed")
		case report.Failed > 0:
			entry.Warn("sync cycle finished with failures")
		case report.Synced > 0 || report.Pulled > 0:
			entry.Info("sync cycle finished")
		default:
			entry.Debug("sync cycle finished")
		}
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics и health-проверки.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/readyz, %s/livez", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}

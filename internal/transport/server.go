package transport

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"kvdb/internal/configuration"
	"kvdb/internal/metrics"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health-checked service for the replicated state machine.
const ServiceName = "kvdb.StateMachine"

const defaultTimeout = time.Second

type HealthChecker interface {
	Healthy() bool
}

type Service struct {
	addr           string
	timeout        time.Duration
	healthInterval time.Duration
	checker        HealthChecker

	Server *grpc.Server
	health *health.Server

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewTransportService(cfg *configuration.TransportConfigurationProperties, checker HealthChecker) *Service {
	timeout := cfg.Timeout
	if timeout <= 0 {
		slog.Warn("transport timeout not set, using default", "timeout", defaultTimeout)
		timeout = defaultTimeout
	}

	ts := &Service{
		addr:           cfg.Addr(),
		timeout:        timeout,
		healthInterval: cfg.HealthInterval,
		checker:        checker,
		health:         health.NewServer(),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	ts.Server = grpc.NewServer(grpc.ChainUnaryInterceptor(
		metrics.UnaryServerInterceptor(),
		timeoutInterceptor(timeout),
	))
	healthpb.RegisterHealthServer(ts.Server, ts.health)
	reflection.Register(ts.Server)

	return ts
}

func (ts *Service) StartServer() (net.Listener, error) {
	lis, err := net.Listen("tcp", ts.addr)
	if err != nil {
		return nil, err
	}
	ts.Serve(lis)
	return lis, nil
}

// Serve starts serving on lis and the health watcher in the background.
func (ts *Service) Serve(lis net.Listener) {
	if !ts.started.CompareAndSwap(false, true) {
		return
	}
	ts.updateHealth()

	slog.Info("transport listening", "addr", lis.Addr().String())
	go func() {
		if err := ts.Server.Serve(lis); err != nil {
			slog.Error("failed to serve listener", "error", err)
		}
	}()

	go ts.watchHealth()
}

func (ts *Service) Stop(ctx context.Context) {
	ts.stopOnce.Do(func() {
		close(ts.stop)
		if ts.started.Load() {
			<-ts.done
		}
		ts.health.Shutdown()

		stopped := make(chan struct{})
		go func() {
			ts.Server.GracefulStop()
			close(stopped)
		}()

		select {
		case <-stopped:
		case <-ctx.Done():
			slog.Warn("graceful stop timed out, forcing", "error", ctx.Err())
			ts.Server.Stop()
		}
	})
}

func (ts *Service) watchHealth() {
	defer close(ts.done)

	ticker := time.NewTicker(ts.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ts.stop:
			return
		case <-ticker.C:
			ts.updateHealth()
		}
	}
}

func (ts *Service) updateHealth() {
	status := healthpb.HealthCheckResponse_SERVING
	if !ts.checker.Healthy() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	ts.health.SetServingStatus("", status)
	ts.health.SetServingStatus(ServiceName, status)
}

func timeoutInterceptor(d time.Duration) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		return handler(ctx, req)
	}
}

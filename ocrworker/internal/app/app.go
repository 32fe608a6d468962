package wapp

import (
	"context"
	"fmt"
	"net"

	"github.com/you-humble/dococr/core/ocr/rpc"
	"github.com/you-humble/dococr/ocrworker/internal/service"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type app struct {
	di     *dependencyInjector
	addr   string
	srv    *grpc.Server
	health *health.Server
}

func New(ctx context.Context) *app {
	di := newDI()
	logger := di.Logger()
	cfg := di.Config()

	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(cfg.MaxMessageSize),
		grpc.MaxSendMsgSize(cfg.MaxMessageSize),
		grpc.ChainUnaryInterceptor(
			service.RecoveryUnaryInterceptor(logger),
			service.UnaryLoggingInterceptor(logger),
		),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	rpc.Register(grpcServer, di.Engine(ctx))
	hs.SetServingStatus(rpc.ServiceName, healthpb.HealthCheckResponse_SERVING)

	return &app{
		di:     di,
		addr:   cfg.Addr,
		srv:    grpcServer,
		health: hs,
	}
}

func (a *app) Run(ctx context.Context) error {
	l := a.di.Logger()

	lis, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		l.Info("OCR worker listening",
			"addr", a.addr,
			"engine", a.di.Config().Engine.Name,
		)
		if err := a.srv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("failed to serve: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		l.Info("shutdown signal received, starting graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.di.Config().ShutdownTimeout)
		defer cancel()

		if err := a.shutdown(shutdownCtx); err != nil {
			l.Error("graceful shutdown failed", "err", err)
		} else {
			l.Info("graceful shutdown completed")
		}

	case err := <-errCh:
		l.Error("server exited with error", "err", err)
		return err
	}

	return nil
}

// shutdown drains in-flight extractions and falls back to a hard stop when
// ctx expires first.
func (a *app) shutdown(ctx context.Context) error {
	l := a.di.Logger()
	a.health.Shutdown()

	done := make(chan struct{})
	go func() {
		l.Info("stopping gRPC server gracefully...")
		a.srv.GracefulStop()
		close(done)
	}()

	select {
	case <-ctx.Done():
		l.Warn("graceful stop timed out, forcing stop")
		a.srv.Stop()
		return fmt.Errorf("shutdown timeout exceeded: %w", ctx.Err())
	case <-done:
		l.Info("gRPC server stopped")
		return nil
	}
}

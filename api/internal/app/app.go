package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/you-humble/dococr/api/internal/transport"
)

type app struct {
	di  *dependencyInjector
	srv *http.Server
}

func New(ctx context.Context) *app {
	di := newDI()
	di.Logger()
	mux := http.NewServeMux()
	return &app{
		di: di,
		srv: &http.Server{
			Addr: di.Config().Addr,
			Handler: transport.LogMiddleware(
				transport.WithRecover(
					di.Router(ctx).MountRoutes(mux),
				),
			),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (a *app) Run(ctx context.Context) error {
	cfg := a.di.Config()
	d := a.di.Dispatcher(ctx)

	if cfg.Tasks.RecoverOnStart {
		if err := d.Recover(ctx); err != nil {
			slog.Warn("task recovery", slog.String("error", err.Error()))
		}
	}
	d.Run(ctx)
	d.StartCleanup(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			slog.String("addr", a.srv.Addr),
			slog.String("app", cfg.App.Name),
			slog.String("version", cfg.App.Version),
		)
		if e := a.srv.ListenAndServe(); e != nil && !errors.Is(e, http.ErrServerClosed) {
			slog.Error("server error", slog.String("error", e.Error()))
			errCh <- e
		}
	}()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		cfg.ShutdownTimeout,
	)
	defer cancel()

	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", slog.String("error", err.Error()))
		runErr = errors.Join(runErr, err)
	}
	if err := d.Stop(shutdownCtx); err != nil {
		slog.Error("dispatcher stop", slog.String("error", err.Error()))
		runErr = errors.Join(runErr, err)
	}
	a.di.Close(shutdownCtx)

	if runErr == nil {
		slog.Info("server gracefully stopped")
	}
	return runErr
}

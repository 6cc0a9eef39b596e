package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/rapart/apkqueue/internal/artifact"
	"github.com/rapart/apkqueue/internal/transport"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type app struct {
	di  *dependencyInjector
	srv *http.Server
}

func New(ctx context.Context, cfgPath string) *app {
	di := newDI(cfgPath)
	di.Logger()
	di.TracerProvider()

	cfg := di.Config()
	mux := di.Router(ctx).MountRoutes(http.NewServeMux())
	di.Seed(ctx)

	handler := transport.WithRecover(
		transport.LogMiddleware(di.Metrics())(mux),
	)

	return &app{
		di: di,
		srv: &http.Server{
			Addr: cfg.Addr,
			Handler: otelhttp.NewHandler(handler, "apkqueue",
				otelhttp.WithTracerProvider(di.TracerProvider()),
			),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

func (a *app) Run(ctx context.Context) error {
	a.banner()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", slog.String("addr", a.srv.Addr))
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
		a.di.Config().ShutdownTimeout,
	)
	defer cancel()

	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", slog.String("error", err.Error()))
		runErr = errors.Join(runErr, err)
	}
	a.di.Close(shutdownCtx)

	if runErr == nil {
		slog.Info("server gracefully stopped")
	}
	return runErr
}

func (a *app) banner() {
	cfg := a.di.Config()

	layout := make([]string, 0, len(artifact.Dirs()))
	for _, d := range artifact.Dirs() {
		layout = append(layout, filepath.Join(cfg.StorageDir, d))
	}

	slog.Info("apkqueue ready",
		slog.String("addr", cfg.Addr),
		slog.String("store", cfg.Store.Backend),
		slog.Any("endpoints", []string{"GET /get", "POST /post", "PUT /put", "POST /add-task", "GET /stats", "GET /healthz", "GET /metrics"}),
		slog.Any("storage", layout),
		slog.Int64("max_blob_mb", cfg.MaxBlobMb),
		slog.Bool("minio", cfg.MinIO.Enabled),
		slog.Bool("nats", cfg.NATS.Enabled),
	)
}

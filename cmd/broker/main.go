// Command broker starts the job broker HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpserver "github.com/fairyhunter13/openclaw/internal/adapter/httpserver"
	"github.com/fairyhunter13/openclaw/internal/adapter/observability"
	"github.com/fairyhunter13/openclaw/internal/adapter/repo/sqlite"
	"github.com/fairyhunter13/openclaw/internal/app"
	"github.com/fairyhunter13/openclaw/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP and job instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	db, err := sqlite.Open(cfg.BrokerDB)
	if err != nil {
		slog.Error("store open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	jobs := sqlite.NewJobRepo(db)
	srv := httpserver.NewServer(cfg, jobs)
	handler := app.BuildRouter(cfg, srv)

	addr := fmt.Sprintf("%s:%d", cfg.BrokerHost, cfg.BrokerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("broker listening", slog.String("addr", addr), slog.String("db", cfg.BrokerDB))
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("graceful shutdown failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("broker stopped")
}

// Command worker starts the job runner: it long-polls the broker, executes
// claimed jobs, and posts results or failures.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/openclaw/internal/adapter/observability"
	"github.com/fairyhunter13/openclaw/internal/config"
	"github.com/fairyhunter13/openclaw/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.WorkerToken == "" {
		slog.Error("WORKER_TOKEN not set")
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Expose worker-side metrics on a dedicated endpoint so Prometheus can
	// scrape job and tool-loop instrumentation.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	w, err := worker.New(cfg, logger)
	if err != nil {
		slog.Error("worker init failed", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker stopped")
}

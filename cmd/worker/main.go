// Command worker consumes grading tasks from Redpanda and runs them against
// the shared Redis job store and Postgres document store.
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
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/app"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/config"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DispatchMode != config.DispatchRedpanda {
		return fmt.Errorf("worker requires DISPATCH_MODE=%s, got %q", config.DispatchRedpanda, cfg.DispatchMode)
	}

	logger, closeLog := observability.SetupLogger(cfg)
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

	observability.InitMetrics()
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.WorkerMetricsPort),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	stores, err := app.OpenStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	pipeline, err := app.BuildPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	pipeline.LimitProviders(cfg, stores)

	consumer, err := redpanda.NewConsumer(ctx, cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID,
		pipeline.NewRunner(cfg, stores), cfg.ConsumerMaxConcurrency)
	if err != nil {
		return err
	}
	defer consumer.Close()

	// Any worker may fail jobs orphaned by a crashed peer.
	if sweeper := app.NewStuckJobSweeper(stores.Jobs, cfg.JobStaleAfter, cfg.SweepInterval); sweeper != nil {
		go sweeper.Run(ctx)
	}

	slog.Info("redpanda consumer started",
		slog.String("topic", cfg.KafkaTopic),
		slog.String("group", cfg.KafkaGroupID),
		slog.Int("workers", cfg.ConsumerMaxConcurrency))
	err = consumer.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	slog.Info("worker stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

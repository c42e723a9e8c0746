// Command server runs the grading HTTP API. With DISPATCH_MODE=inprocess it
// also grades jobs itself; with redpanda it only publishes them for workers.
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

	httpserver "github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/app"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, closeLog := observability.SetupLogger(cfg)
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := app.OpenStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	if stores.Pool != nil && cfg.DataRetentionDays > 0 {
		cleanup := postgres.NewCleanupService(stores.Pool, cfg.DataRetentionDays)
		go cleanup.RunPeriodic(ctx, 24*time.Hour)
		slog.Info("cleanup service started", slog.Int("retention_days", cfg.DataRetentionDays))
	}

	var (
		dispatcher domain.Dispatcher
		closeQueue func()
	)
	switch cfg.DispatchMode {
	case config.DispatchRedpanda:
		producer, err := redpanda.NewProducer(ctx, cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return err
		}
		dispatcher, closeQueue = producer, producer.Close
		stores.Backends.Broker = producer
		slog.Info("dispatching to redpanda; workers grade jobs", slog.String("topic", cfg.KafkaTopic))
	default:
		pipeline, err := app.BuildPipeline(ctx, cfg)
		if err != nil {
			return err
		}
		pipeline.LimitProviders(cfg, stores)
		// Jobs outlive the request that submitted them but not the process.
		inproc := usecase.NewInProcessDispatcher(ctx, pipeline.NewRunner(cfg, stores))
		dispatcher, closeQueue = inproc, inproc.Close
	}

	if sweeper := app.NewStuckJobSweeper(stores.Jobs, cfg.JobStaleAfter, cfg.SweepInterval); sweeper != nil {
		go sweeper.Run(ctx)
	}

	svc := usecase.NewGradingService(stores.Documents, stores.Jobs, dispatcher, stores.Results)
	srv := httpserver.NewServer(cfg, svc, app.BuildReadinessChecks(cfg, stores.Backends)...)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           app.BuildRouter(cfg, srv),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", slog.Any("error", err))
	}
	// Waits for in-process jobs; their context is already cancelled so
	// they stop at the next checkpoint.
	closeQueue()
	return nil
}

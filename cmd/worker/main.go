package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parley.app/dialog/common/id"
	"parley.app/dialog/common/logger"
	"parley.app/dialog/common/otel"
	"parley.app/dialog/core/config"
	"parley.app/dialog/internal/app"
	"parley.app/dialog/internal/queue"
	"parley.app/dialog/internal/worker"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeWorker)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	fmt.Printf("%s\n", banner)

	telemetry, err := otel.Setup(ctx, cfg.OTel, cfg.Env, "worker")
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger.Setup(cfg)

	slog.InfoContext(ctx, "dialog worker starting",
		"env", cfg.Env,
		"consumer_group", cfg.Pipeline.RedisGroup,
		"consumer_name", cfg.Pipeline.RedisConsumer,
		"concurrency", cfg.Pipeline.WorkerConcurrency)

	// Different node ID than server
	if err := id.Init(2); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.ErrorContext(ctx, "failed to initialize dependencies", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	consumer, err := queue.NewRedisConsumer(ctx, a.Redis, queue.ConsumerConfig{
		Stream:      cfg.Pipeline.RedisStream,
		Group:       cfg.Pipeline.RedisGroup,
		Consumer:    cfg.Pipeline.RedisConsumer,
		DLQStream:   cfg.Pipeline.RedisDLQStream,
		BatchSize:   1,
		Block:       5 * time.Second,
		MaxAttempts: cfg.Pipeline.MaxAttempts,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create consumer", "error", err)
		os.Exit(1)
	}

	w := worker.New(consumer, a.Orchestrator, a.Scheduler, worker.Config{
		MaxAttempts:      cfg.Pipeline.MaxAttempts,
		Concurrency:      cfg.Pipeline.WorkerConcurrency,
		LockedRetryDelay: 10 * time.Second,
	})

	reclaimer := worker.NewRedisReclaimer(a.Redis, worker.RedisReclaimerConfig{
		Stream:    cfg.Pipeline.RedisStream,
		Group:     cfg.Pipeline.RedisGroup,
		Consumer:  cfg.Pipeline.RedisConsumer + "-reclaimer",
		MinIdle:   2 * cfg.Orchestrator.LockTTL,
		Interval:  time.Minute,
		BatchSize: 10,
	}, consumer, w.Reprocess)

	pump := worker.NewSchedulePump(a.Scheduler, time.Second, 100)

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(ctx)
	}()
	go reclaimer.Run(ctx)
	go pump.Run(ctx)
	go a.Sweeper.Run(ctx)

	slog.InfoContext(ctx, "worker initialized and running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Producers of new work stop first; the worker may still be mid-pass.
	pump.Stop()
	a.Sweeper.Stop()
	reclaimer.Stop()
	w.Stop()

	select {
	case <-shutdownCtx.Done():
		slog.WarnContext(ctx, "shutdown timeout exceeded")
	case err := <-errCh:
		if err != nil {
			slog.ErrorContext(ctx, "worker error during shutdown", "error", err)
		}
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(ctx, "worker shutdown complete")
}

const banner = `
██████╗  ██╗  █████╗  ██╗       ██████╗   ██████╗
██╔══██╗ ██║ ██╔══██╗ ██║      ██╔═══██╗ ██╔════╝
██║  ██║ ██║ ███████║ ██║      ██║   ██║ ██║  ███╗
██║  ██║ ██║ ██╔══██║ ██║      ██║   ██║ ██║   ██║
██████╔╝ ██║ ██║  ██║ ███████╗ ╚██████╔╝ ╚██████╔╝
╚═════╝  ╚═╝ ╚═╝  ╚═╝ ╚══════╝  ╚═════╝   ╚═════╝
                         worker
`

// Command afk runs the queue worker daemon. It resolves the configured
// backends, registers the job dispatch contract with the built-in
// maintenance handlers, and processes tasks until signalled.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	afk "github.com/nevindra/afk"
	"github.com/nevindra/afk/internal/app"
	"github.com/nevindra/afk/internal/config"
	"github.com/nevindra/afk/internal/scheduling"
	"github.com/nevindra/afk/observer"
)

func main() {
	configPath := flag.String("config", "", "path to afk.toml (falls back to AFK_CONFIG)")
	envPath := flag.String("env", ".env", "dotenv file loaded before config")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not load env file", "path", *envPath, "error", err)
	}

	logger := newLogger(os.Getenv("AFK_LOG_LEVEL"))
	slog.SetDefault(logger)

	cfg := config.Load(*configPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	// 1. Observability. Init installs the global OTEL providers, so it goes
	// first; components built afterwards pick them up.
	var tracer afk.Tracer
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		_, shutdown, err := observer.Init(ctx, pricing)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("observer shutdown", "error", err)
			}
		}()
		tracer = observer.NewTracer()
		logger.Info("observability enabled")
	}

	// 2. Backends.
	backends, err := app.Resolve(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := backends.Close(); err != nil {
			logger.Warn("backend close", "error", err)
		}
	}()
	if err := backends.Init(ctx); err != nil {
		return err
	}
	logger.Info("backends ready", "queue", cfg.Queue.Backend, "memory", cfg.Memory.Backend)

	// 3. Worker. Maintenance jobs ride the generic dispatch contract.
	workerOpts := []afk.WorkerOption{
		afk.WithWorkerLogger(logger),
		afk.WithWorkerConcurrency(cfg.Worker.Concurrency),
		afk.WithWorkerPresence(secs(cfg.Worker.PresenceTTLS), secs(cfg.Worker.PresenceRefreshS)),
		afk.WithWorkerShutdownTimeout(secs(cfg.Worker.ShutdownTimeoutS)),
		afk.WithWorkerDequeueWindow(secs(cfg.Worker.DequeueWindowS)),
		afk.WithWorkerJobHandler(scheduling.JobCompact, scheduling.CompactionHandler(backends.Memory)),
		afk.WithWorkerJobHandler(scheduling.JobRedrive, scheduling.RedriveHandler(backends.Queue)),
	}
	if cfg.Worker.ID != "" {
		workerOpts = append(workerOpts, afk.WithWorkerID(cfg.Worker.ID))
	}
	if tracer != nil {
		workerOpts = append(workerOpts, afk.WithWorkerTracer(tracer))
	}
	worker, err := afk.NewWorker(backends.Queue, workerOpts...)
	if err != nil {
		return err
	}
	if err := worker.Start(ctx); err != nil {
		return err
	}
	logger.Info("worker running", "worker_id", worker.ID(), "concurrency", cfg.Worker.Concurrency)

	// 4. Scheduler for recurring maintenance enqueues.
	sched := scheduling.New(backends.Queue, scheduling.WithLogger(logger))
	if err := addMaintenanceEntries(sched, cfg.Maintenance); err != nil {
		return err
	}
	go sched.Run(ctx)

	// 5. Wait for shutdown.
	<-ctx.Done()
	logger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), secs(cfg.Worker.ShutdownTimeoutS)+5*time.Second)
	defer cancel()
	if err := worker.Stop(stopCtx); err != nil {
		logger.Warn("worker stop", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func addMaintenanceEntries(sched *scheduling.Scheduler, m config.MaintenanceConfig) error {
	if m.RedriveEveryS > 0 {
		if err := sched.Add(scheduling.RedriveEntry(m.RedriveReason, m.RedriveLimit, secs(m.RedriveEveryS))); err != nil {
			return err
		}
	}
	if m.CompactEveryS > 0 {
		policy := afk.Retention{MaxEventsPerThread: m.CompactMaxEvents}
		for _, threadID := range m.CompactThreads {
			if err := sched.Add(scheduling.CompactionEntry(threadID, policy, secs(m.CompactEveryS))); err != nil {
				return err
			}
		}
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func secs(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

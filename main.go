package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inboxorcist/inboxorcist-sub002/config"
	"github.com/inboxorcist/inboxorcist-sub002/internal/bootstrap"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/logger"

	"github.com/joho/godotenv"
)

const (
	shutdownTimeout = 30 * time.Second // Maximum time to wait for graceful shutdown
)

func main() {
	// Load .env file if exists (for local development)
	envErr := godotenv.Load()

	mode := flag.String("mode", "all", "Run mode: api, worker, all")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}

	logger.Init(logger.Config{
		Level:   logger.ParseLevel(cfg.LogLevel),
		Service: "inboxorcist-sync",
		Console: cfg.IsDevelopment(),
	})
	if envErr != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	runAPI, runWorker := false, false
	switch *mode {
	case "api":
		runAPI = true
	case "worker":
		runWorker = true
	case "all":
		runAPI, runWorker = true, true
	default:
		logger.Fatal("Unknown mode: %s", *mode)
	}
	if runAPI && !runWorker && cfg.QueueBackend == config.QueueBackendMemory {
		logger.Warn("API-only mode with the memory queue: enqueued jobs will not be processed here")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, runAPI, runWorker); err != nil {
		logger.Error("Exited with error: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, runAPI, runWorker bool) error {
	deps, cleanup, err := bootstrap.NewDependencies(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	var w *bootstrap.Worker
	if runWorker {
		w, err = bootstrap.NewWorker(deps)
		if err != nil {
			return err
		}
		logger.Info("Starting worker...")
		if err := w.Start(ctx); err != nil {
			return err
		}
	}

	serveErr := make(chan error, 1)
	app := bootstrap.NewAPI(deps)
	if runAPI {
		addr := ":" + cfg.Port
		go func() {
			logger.Info("Starting API server on %s", addr)
			serveErr <- app.Listen(addr)
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("API server stopped: %v", err)
		}
	}

	logger.Info("Shutting down (timeout: %v)...", shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if runAPI {
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Error("Error shutting down API: %v", err)
		}
	}
	if w != nil {
		if err := w.Stop(shutdownCtx); err != nil {
			logger.Warn("Worker shutdown incomplete: %v", err)
		}
	}
	logger.Info("Shut down gracefully")
	return nil
}

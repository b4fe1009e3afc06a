// Package bootstrap wires configuration into the API and the job worker.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/inboxorcist/inboxorcist-sub002/adapter/in/worker"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/logger"

	"github.com/rs/zerolog"
)

// Worker consumes the job queue and runs the background schedulers.
type Worker struct {
	deps *Dependencies
	zlog zerolog.Logger

	syncRetryScheduler *worker.SyncRetryScheduler
	deltaScheduler     *worker.DeltaSyncScheduler
}

func NewWorker(deps *Dependencies) (*Worker, error) {
	cfg := deps.Config

	handler := worker.NewHandler(deps.SyncService).WithMetrics(deps.JobMetrics)
	if err := handler.Register(deps.Queue); err != nil {
		return nil, fmt.Errorf("register job handlers: %w", err)
	}

	w := &Worker{
		deps: deps,
		zlog: logger.Component("worker").With().Str("worker_id", cfg.WorkerID).Logger(),
	}

	if cfg.SchedulerEnabled {
		w.syncRetryScheduler = worker.NewSyncRetryScheduler(deps.JobRepo, deps.SyncService, cfg.RetryScanInterval)
		w.deltaScheduler = worker.NewDeltaSyncScheduler(deps.AccountRepo, deps.JobRepo, deps.SyncService, worker.DeltaSchedulerConfig{
			Interval:       cfg.DeltaSyncInterval,
			InitialDelay:   cfg.DeltaSyncInitialDelay,
			AccountTimeout: cfg.DeltaAccountTimeout,
		})
	}

	return w, nil
}

// Start begins consuming, re-queues jobs a previous process left running,
// then starts the schedulers. It returns once everything is running.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.deps.Queue.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}

	resumed, err := w.deps.SyncService.ResumeInterruptedJobs(ctx)
	if err != nil {
		// Not fatal: the retry scheduler picks up whatever is left.
		w.zlog.Error().Err(err).Msg("resume interrupted jobs")
	} else if resumed > 0 {
		w.zlog.Info().Int("count", resumed).Msg("resumed interrupted jobs")
	}

	if w.syncRetryScheduler != nil {
		w.syncRetryScheduler.Start(ctx)
	}
	if w.deltaScheduler != nil {
		w.deltaScheduler.Start(ctx)
	}

	w.zlog.Info().
		Str("queue", w.deps.Config.QueueBackend).
		Int("concurrency", w.deps.Config.QueueConcurrency).
		Bool("schedulers", w.deps.Config.SchedulerEnabled).
		Msg("worker started")
	return nil
}

// Stop halts the schedulers and drains the queue. Jobs still running when
// ctx expires keep their checkpoint and are resumed on the next start.
func (w *Worker) Stop(ctx context.Context) error {
	if w.deltaScheduler != nil {
		w.deltaScheduler.Stop()
	}
	if w.syncRetryScheduler != nil {
		w.syncRetryScheduler.Stop()
	}

	if err := w.deps.Queue.Close(ctx); err != nil {
		return fmt.Errorf("close queue: %w", err)
	}
	w.zlog.Info().Msg("worker stopped")
	return nil
}

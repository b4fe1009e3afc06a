package worker

import (
	"context"
	"sync"
	"time"

	"github.com/inboxorcist/inboxorcist-sub002/core/domain"
	"github.com/inboxorcist/inboxorcist-sub002/core/port/out"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/logger"
)

// =============================================================================
// SyncRetryScheduler - re-queues jobs whose retry time has passed
// =============================================================================
//
// A transient full-sync failure leaves the job pending with next_retry_at set.
// This loop puts those jobs back on the queue; the handler resumes from the
// saved cursor.

const (
	DefaultRetryScanInterval = time.Minute
	retryScanLimit           = 100
)

// JobEnqueuer puts an existing job back on the queue.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job *domain.Job) error
}

type SyncRetryScheduler struct {
	jobRepo       out.JobRepository
	enqueuer      JobEnqueuer
	checkInterval time.Duration
	now           func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSyncRetryScheduler creates a new sync retry scheduler.
func NewSyncRetryScheduler(jobRepo out.JobRepository, enqueuer JobEnqueuer, interval time.Duration) *SyncRetryScheduler {
	if interval <= 0 {
		interval = DefaultRetryScanInterval
	}
	return &SyncRetryScheduler{
		jobRepo:       jobRepo,
		enqueuer:      enqueuer,
		checkInterval: interval,
		now:           time.Now,
	}
}

// Start starts the retry scheduler.
func (s *SyncRetryScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	logger.Info("[SyncRetryScheduler] Starting with interval %v", s.checkInterval)
	go s.run(ctx, s.done)
}

// Stop stops the retry scheduler and waits for the loop to exit.
func (s *SyncRetryScheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	logger.Info("[SyncRetryScheduler] Stopping...")
	cancel()
	<-done
}

func (s *SyncRetryScheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	s.processDueRetries(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info("[SyncRetryScheduler] Stopped")
			return
		case <-ticker.C:
			s.processDueRetries(ctx)
		}
	}
}

// processDueRetries re-queues every due job and returns how many were queued.
func (s *SyncRetryScheduler) processDueRetries(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	jobs, err := s.jobRepo.ListDueRetries(ctx, s.now(), retryScanLimit)
	if err != nil {
		logger.Error("[SyncRetryScheduler] Failed to list due retries: %v", err)
		return 0
	}
	if len(jobs) == 0 {
		return 0
	}

	logger.Info("[SyncRetryScheduler] Found %d due retries", len(jobs))

	queued := 0
	for _, job := range jobs {
		if err := s.jobRepo.ClearRetrySchedule(ctx, job.ID); err != nil {
			logger.Error("[SyncRetryScheduler] Failed to clear retry schedule for job %s: %v", job.ID, err)
			continue
		}
		if err := s.enqueuer.Enqueue(ctx, job); err != nil {
			// stays retryable so startup recovery can pick it up again
			logger.Error("[SyncRetryScheduler] Failed to enqueue job %s: %v", job.ID, err)
			_ = s.jobRepo.UpdateStatus(ctx, job.ID, domain.JobStatusFailed, "re-enqueue failed: "+err.Error())
			continue
		}
		queued++
		logger.Info("[SyncRetryScheduler] Re-queued job %s for account %s (retry %d)", job.ID, job.AccountID, job.RetryCount)
	}
	return queued
}

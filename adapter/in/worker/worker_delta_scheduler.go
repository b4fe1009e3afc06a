package worker

import (
	"context"
	"sync"
	"time"

	"github.com/inboxorcist/inboxorcist-sub002/core/domain"
	"github.com/inboxorcist/inboxorcist-sub002/core/port/in"
	"github.com/inboxorcist/inboxorcist-sub002/core/port/out"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/logger"
)

// =============================================================================
// DeltaSyncScheduler - periodic incremental sync of completed mailboxes
// =============================================================================

const (
	DefaultDeltaSyncInterval     = 30 * time.Minute
	DefaultDeltaSyncInitialDelay = time.Minute
	DefaultDeltaAccountTimeout   = 5 * time.Minute
)

// DeltaSyncRunner runs one delta sync, falling back to a full-sync job when
// the change cursor is gone.
type DeltaSyncRunner interface {
	StartDeltaSync(ctx context.Context, accountID string) (*in.DeltaOutcome, error)
}

// DeltaSchedulerConfig tunes the schedule. A zero InitialDelay runs the first
// pass immediately and a zero AccountTimeout leaves each account's sync
// without a deadline; negative values select the defaults.
type DeltaSchedulerConfig struct {
	Interval       time.Duration
	InitialDelay   time.Duration
	AccountTimeout time.Duration
}

type DeltaSyncScheduler struct {
	accountRepo out.AccountRepository
	jobRepo     out.JobRepository
	runner      DeltaSyncRunner
	config      DeltaSchedulerConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDeltaSyncScheduler creates a new delta sync scheduler.
func NewDeltaSyncScheduler(
	accountRepo out.AccountRepository,
	jobRepo out.JobRepository,
	runner DeltaSyncRunner,
	cfg DeltaSchedulerConfig,
) *DeltaSyncScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultDeltaSyncInterval
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = DefaultDeltaSyncInitialDelay
	}
	if cfg.AccountTimeout < 0 {
		cfg.AccountTimeout = DefaultDeltaAccountTimeout
	}
	return &DeltaSyncScheduler{
		accountRepo: accountRepo,
		jobRepo:     jobRepo,
		runner:      runner,
		config:      cfg,
	}
}

// Start begins the schedule. Calling Start on a running scheduler is a no-op.
func (s *DeltaSyncScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	logger.Info("[DeltaSyncScheduler] Starting (initial delay %v, interval %v)", s.config.InitialDelay, s.config.Interval)
	go s.run(ctx, s.done)
}

// Stop halts the schedule and waits for an in-flight pass to return.
func (s *DeltaSyncScheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	logger.Info("[DeltaSyncScheduler] Stopping...")
	cancel()
	<-done
}

func (s *DeltaSyncScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *DeltaSyncScheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	initial := time.NewTimer(s.config.InitialDelay)
	defer initial.Stop()
	select {
	case <-ctx.Done():
		return
	case <-initial.C:
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		s.runPass(ctx)
		select {
		case <-ctx.Done():
			logger.Info("[DeltaSyncScheduler] Stopped")
			return
		case <-ticker.C:
		}
	}
}

// PassResult counts what one scheduler pass did.
type PassResult struct {
	Synced   int
	Fallback int
	Skipped  int
	Failed   int
}

// runPass syncs every eligible account sequentially. One account's failure
// never stops the pass.
func (s *DeltaSyncScheduler) runPass(ctx context.Context) PassResult {
	var res PassResult

	accounts, err := s.accountRepo.ListEligibleForDeltaSync(ctx)
	if err != nil {
		logger.Error("[DeltaSyncScheduler] Failed to list eligible accounts: %v", err)
		return res
	}

	for _, account := range accounts {
		if ctx.Err() != nil {
			break
		}

		running, err := s.jobRepo.HasRunning(ctx, account.ID, domain.JobTypeFullSync, "")
		if err != nil {
			logger.Warn("[DeltaSyncScheduler] Failed to check running jobs for %s: %v", account.ID, err)
			res.Failed++
			continue
		}
		if running {
			res.Skipped++
			continue
		}

		outcome, err := s.syncAccount(ctx, account.ID)
		switch {
		case err != nil:
			logger.Warn("[DeltaSyncScheduler] Delta sync failed for %s: %v", account.ID, err)
			res.Failed++
		case outcome.Type == in.OutcomeFull:
			logger.Info("[DeltaSyncScheduler] Cursor expired for %s, queued full sync %s", account.ID, outcome.Job.ID)
			res.Fallback++
		default:
			res.Synced++
		}
	}

	if len(accounts) > 0 {
		logger.Info("[DeltaSyncScheduler] Pass done: %d synced, %d full-sync fallbacks, %d skipped, %d failed",
			res.Synced, res.Fallback, res.Skipped, res.Failed)
	}
	return res
}

func (s *DeltaSyncScheduler) syncAccount(ctx context.Context, accountID string) (*in.DeltaOutcome, error) {
	if s.config.AccountTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.AccountTimeout)
		defer cancel()
	}
	return s.runner.StartDeltaSync(ctx, accountID)
}

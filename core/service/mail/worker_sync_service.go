package mail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inboxorcist/inboxorcist-sub002/core/domain"
	"github.com/inboxorcist/inboxorcist-sub002/core/port/in"
	"github.com/inboxorcist/inboxorcist-sub002/core/port/out"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/apperr"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/logger"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/ratelimit"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/retry"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// SyncService - mailbox metadata sync (full, delta, bulk actions)
// =============================================================================

const (
	DefaultPageSize        = 500  // Gmail messages.list maximum
	DefaultDetailBatchSize = 50   // ids per metadata batch fetch
	DefaultInsertBatchSize = 100  // rows per local insert
	DefaultCheckpointPages = 5    // persist cursor every N pages
	DefaultBulkChunkSize   = 1000 // Gmail batchModify/batchDelete maximum
)

// SyncConfig tunes the sync worker.
type SyncConfig struct {
	PageSize        int
	DetailBatchSize int
	InsertBatchSize int
	CheckpointPages int
	MaxJobRetries   int
	BulkChunkSize   int

	// Retry is applied to every upstream call individually.
	Retry retry.Options
}

// DefaultSyncConfig returns production defaults.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		PageSize:        DefaultPageSize,
		DetailBatchSize: DefaultDetailBatchSize,
		InsertBatchSize: DefaultInsertBatchSize,
		CheckpointPages: DefaultCheckpointPages,
		MaxJobRetries:   domain.DefaultMaxJobRetries,
		BulkChunkSize:   DefaultBulkChunkSize,
		Retry:           retry.DefaultOptions(),
	}
}

func (c SyncConfig) withDefaults() SyncConfig {
	d := DefaultSyncConfig()
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.DetailBatchSize <= 0 {
		c.DetailBatchSize = d.DetailBatchSize
	}
	if c.InsertBatchSize <= 0 {
		c.InsertBatchSize = d.InsertBatchSize
	}
	if c.CheckpointPages <= 0 {
		c.CheckpointPages = d.CheckpointPages
	}
	if c.MaxJobRetries <= 0 {
		c.MaxJobRetries = d.MaxJobRetries
	}
	if c.BulkChunkSize <= 0 {
		c.BulkChunkSize = d.BulkChunkSize
	}
	if c.Retry.MaxRetries == 0 && c.Retry.BaseDelay == 0 && c.Retry.MaxDelay == 0 {
		c.Retry = d.Retry
	}
	return c
}

type SyncService struct {
	jobRepo     out.JobRepository
	accountRepo out.AccountRepository
	tokenRepo   out.TokenRepository
	provider    out.MailProvider
	store       out.MailboxStore
	queue       out.JobQueue
	events      out.SyncEventPublisher
	throttle    *ratelimit.Registry

	log    zerolog.Logger
	config SyncConfig
	now    func() time.Time
}

var _ in.SyncService = (*SyncService)(nil)

func NewSyncService(
	jobRepo out.JobRepository,
	accountRepo out.AccountRepository,
	tokenRepo out.TokenRepository,
	provider out.MailProvider,
	store out.MailboxStore,
	queue out.JobQueue,
	events out.SyncEventPublisher,
	throttle *ratelimit.Registry,
	log zerolog.Logger,
	config SyncConfig,
) *SyncService {
	return &SyncService{
		jobRepo:     jobRepo,
		accountRepo: accountRepo,
		tokenRepo:   tokenRepo,
		provider:    provider,
		store:       store,
		queue:       queue,
		events:      events,
		throttle:    throttle,
		log:         log.With().Str("component", "sync_service").Logger(),
		config:      config.withDefaults(),
		now:         time.Now,
	}
}

// =============================================================================
// Control operations
// =============================================================================

// StartMetadataSync is idempotent: an active full-sync job is returned as is.
func (s *SyncService) StartMetadataSync(ctx context.Context, accountID string, totalMessages int) (*domain.Job, error) {
	account, err := s.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	active, err := s.jobRepo.GetActiveByAccount(ctx, accountID, domain.JobTypeFullSync)
	if err != nil {
		return nil, apperr.DatabaseError("get active job", err)
	}
	if active != nil {
		logger.Info("[SyncService.StartMetadataSync] Job %s already %s for account %s", active.ID, active.Status, accountID)
		return active, nil
	}

	if totalMessages > 0 {
		if err := s.accountRepo.SetTotalMessages(ctx, accountID, totalMessages); err != nil {
			return nil, apperr.DatabaseError("set total messages", err)
		}
	} else {
		totalMessages = account.TotalMessages
	}

	job := s.newJob(accountID, domain.JobTypeFullSync, totalMessages)
	if err := s.jobRepo.Create(ctx, job); err != nil {
		return nil, apperr.DatabaseError("create job", err)
	}

	if err := s.enqueue(ctx, job, 0); err != nil {
		return nil, err
	}

	logger.Info("[SyncService.StartMetadataSync] Queued job %s for account %s (%d messages)", job.ID, accountID, totalMessages)
	return job, nil
}

// ResumeMetadataSync re-queues the latest full-sync job when it failed or
// was paused. Returns nil when there is nothing to resume.
func (s *SyncService) ResumeMetadataSync(ctx context.Context, accountID string) (*domain.Job, error) {
	if _, err := s.loadAccount(ctx, accountID); err != nil {
		return nil, err
	}

	job, err := s.jobRepo.GetLatestByAccount(ctx, accountID, domain.JobTypeFullSync)
	if err != nil {
		return nil, apperr.DatabaseError("get latest job", err)
	}
	if job == nil || !job.IsResumable() {
		return nil, nil
	}

	// An explicit resume starts a fresh retry budget from the saved cursor.
	job.Status = domain.JobStatusPending
	job.RetryCount = 0
	job.Retryable = false
	job.LastError = ""
	job.NextRetryAt = nil
	job.CompletedAt = nil
	job.UpdatedAt = s.now()
	if err := s.jobRepo.Update(ctx, job); err != nil {
		return nil, apperr.DatabaseError("update job", err)
	}
	if err := s.accountRepo.UpdateSyncStatus(ctx, accountID, domain.SyncStatusSyncing, ""); err != nil {
		return nil, apperr.DatabaseError("update account", err)
	}

	if err := s.enqueue(ctx, job, 0); err != nil {
		return nil, err
	}

	logger.Info("[SyncService.ResumeMetadataSync] Resuming job %s at %d/%d", job.ID, job.ProcessedMessages, job.TotalMessages)
	return job, nil
}

// CancelMetadataSync flips the active full-sync job to cancelled. A running
// worker notices at its next page boundary.
func (s *SyncService) CancelMetadataSync(ctx context.Context, accountID string) (bool, error) {
	job, err := s.jobRepo.GetActiveByAccount(ctx, accountID, domain.JobTypeFullSync)
	if err != nil {
		return false, apperr.DatabaseError("get active job", err)
	}
	if job == nil {
		return false, nil
	}

	if err := s.jobRepo.UpdateStatus(ctx, job.ID, domain.JobStatusCancelled, ""); err != nil {
		return false, apperr.DatabaseError("cancel job", err)
	}
	if removed, err := s.queue.Remove(ctx, job.ID); err != nil {
		s.log.Warn().Err(err).Str("job_id", job.ID).Msg("remove queued envelope")
	} else if removed {
		s.log.Debug().Str("job_id", job.ID).Msg("removed waiting envelope")
	}
	if err := s.accountRepo.UpdateSyncStatus(ctx, accountID, domain.SyncStatusIdle, ""); err != nil {
		return false, apperr.DatabaseError("update account", err)
	}

	s.publish(ctx, &out.SyncEvent{
		Type:      out.SyncEventCancelled,
		AccountID: accountID,
		JobID:     job.ID,
		Processed: job.ProcessedMessages,
		Total:     job.TotalMessages,
	})

	logger.Info("[SyncService.CancelMetadataSync] Cancelled job %s for account %s", job.ID, accountID)
	return true, nil
}

// StartDeltaSync tries a delta sync and falls back to enqueueing a full sync
// when the change cursor is missing or expired.
func (s *SyncService) StartDeltaSync(ctx context.Context, accountID string) (*in.DeltaOutcome, error) {
	result, err := s.DeltaSync(ctx, accountID)
	if err == nil {
		return &in.DeltaOutcome{Type: in.OutcomeDelta, Result: result}, nil
	}
	if !errors.Is(err, domain.ErrFullSyncRequired) {
		return nil, err
	}

	logger.Info("[SyncService.StartDeltaSync] Full sync required for account %s", accountID)
	job, err := s.StartMetadataSync(ctx, accountID, 0)
	if err != nil {
		return nil, err
	}
	return &in.DeltaOutcome{Type: in.OutcomeFull, Job: job}, nil
}

// ResumeInterruptedJobs is run once at worker start. The newest recoverable
// full-sync job of every account is re-queued; older ones are cancelled.
// Unfinished bulk actions are re-queued from their checkpoint. The count
// excludes jobs left to the retry scheduler.
func (s *SyncService) ResumeInterruptedJobs(ctx context.Context) (int, error) {
	jobs, err := s.jobRepo.ListByStatuses(ctx, domain.JobTypeFullSync, []domain.JobStatus{
		domain.JobStatusRunning,
		domain.JobStatusPending,
		domain.JobStatusFailed,
	})
	if err != nil {
		return 0, apperr.DatabaseError("list interrupted jobs", err)
	}

	// jobs arrive newest first; keep that order per account
	byAccount := make(map[string][]*domain.Job)
	var accounts []string
	for _, job := range jobs {
		if job.Status == domain.JobStatusFailed && !job.CanRetryAutomatically(s.config.MaxJobRetries) {
			continue
		}
		if _, seen := byAccount[job.AccountID]; !seen {
			accounts = append(accounts, job.AccountID)
		}
		byAccount[job.AccountID] = append(byAccount[job.AccountID], job)
	}

	resumed := 0
	for _, accountID := range accounts {
		if err := ctx.Err(); err != nil {
			return resumed, err
		}
		queued, err := s.resumeAccountJobs(ctx, byAccount[accountID])
		if err != nil {
			s.log.Error().Err(err).Str("account_id", accountID).Msg("resume interrupted jobs")
			continue
		}
		if queued {
			resumed++
		}
	}

	bulk, err := s.resumeBulkJobs(ctx)
	resumed += bulk
	if err != nil {
		return resumed, err
	}

	if resumed > 0 {
		logger.Info("[SyncService.ResumeInterruptedJobs] Re-queued %d job(s)", resumed)
	}
	return resumed, nil
}

// resumeAccountJobs reports whether the kept job was handed to the queue.
func (s *SyncService) resumeAccountJobs(ctx context.Context, candidates []*domain.Job) (bool, error) {
	keep := candidates[0]
	for _, dup := range candidates[1:] {
		if err := s.jobRepo.UpdateStatus(ctx, dup.ID, domain.JobStatusCancelled, "superseded by job "+keep.ID); err != nil {
			return false, fmt.Errorf("cancel duplicate %s: %w", dup.ID, err)
		}
		_, _ = s.queue.Remove(ctx, dup.ID)
		s.log.Info().Str("job_id", dup.ID).Str("kept", keep.ID).Msg("cancelled duplicate job")
	}

	now := s.now()
	// A scheduled retry is still owned by the retry scheduler.
	if keep.Status == domain.JobStatusPending && keep.NextRetryAt != nil && keep.NextRetryAt.After(now) {
		return false, nil
	}

	if keep.Status != domain.JobStatusPending {
		keep.Status = domain.JobStatusPending
		keep.NextRetryAt = nil
		keep.CompletedAt = nil
		keep.UpdatedAt = now
		written, err := s.jobRepo.UpdateUnlessCancelled(ctx, keep)
		if err != nil {
			return false, fmt.Errorf("reset job %s: %w", keep.ID, err)
		}
		if !written {
			return false, nil
		}
	}
	if err := s.enqueue(ctx, keep, 0); err != nil {
		return false, err
	}
	return true, nil
}

// resumeBulkJobs re-queues pending and running bulk actions. A job without its
// stored message ids cannot be replayed and is failed instead.
func (s *SyncService) resumeBulkJobs(ctx context.Context) (int, error) {
	resumed := 0
	for _, jobType := range []domain.JobType{domain.JobTypeBulkTrash, domain.JobTypeBulkDelete} {
		jobs, err := s.jobRepo.ListByStatuses(ctx, jobType, []domain.JobStatus{
			domain.JobStatusRunning,
			domain.JobStatusPending,
		})
		if err != nil {
			return resumed, apperr.DatabaseError("list interrupted bulk jobs", err)
		}

		for _, job := range jobs {
			if err := ctx.Err(); err != nil {
				return resumed, err
			}
			log := s.log.With().Str("job_id", job.ID).Str("account_id", job.AccountID).Logger()

			if len(job.MessageIDs) == 0 {
				if err := s.jobRepo.UpdateStatus(ctx, job.ID, domain.JobStatusFailed, "message ids not stored, start the action again"); err != nil {
					log.Error().Err(err).Msg("fail unrecoverable bulk job")
				}
				continue
			}

			if job.Status == domain.JobStatusRunning {
				job.Status = domain.JobStatusPending
				job.UpdatedAt = s.now()
				written, err := s.jobRepo.UpdateUnlessCancelled(ctx, job)
				if err != nil {
					log.Error().Err(err).Msg("reset interrupted bulk job")
					continue
				}
				if !written {
					continue
				}
			}
			if err := s.enqueueBulk(ctx, job); err != nil {
				log.Error().Err(err).Msg("re-queue bulk job")
				continue
			}
			resumed++
		}
	}
	return resumed, nil
}

// GetSyncProgress returns the latest full-sync job and its derived progress.
func (s *SyncService) GetSyncProgress(ctx context.Context, accountID string) (*in.SyncProgress, error) {
	account, err := s.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	job, err := s.jobRepo.GetLatestByAccount(ctx, accountID, domain.JobTypeFullSync)
	if err != nil {
		return nil, apperr.DatabaseError("get latest job", err)
	}

	result := &in.SyncProgress{Account: account, Job: job}
	if job != nil {
		p := domain.CalculateProgress(job, s.now())
		result.Progress = &p
	}
	return result, nil
}

// =============================================================================
// Helpers
// =============================================================================

func (s *SyncService) loadAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	account, err := s.accountRepo.GetByID(ctx, accountID)
	if err != nil {
		return nil, apperr.DatabaseError("get account", err)
	}
	if account == nil {
		return nil, apperr.NotFound("account")
	}
	return account, nil
}

func (s *SyncService) newJob(accountID string, jobType domain.JobType, total int) *domain.Job {
	now := s.now()
	return &domain.Job{
		ID:            uuid.NewString(),
		AccountID:     accountID,
		Type:          jobType,
		Status:        domain.JobStatusPending,
		TotalMessages: total,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// enqueue hands a pending job to the queue. The envelope ID is the job ID so a
// job that is already waiting is not queued twice.
func (s *SyncService) enqueue(ctx context.Context, job *domain.Job, delay time.Duration) error {
	var payload domain.JobPayload = domain.SyncJobPayload{JobID: job.ID, AccountID: job.AccountID}
	opts := &out.AddJobOptions{JobID: job.ID, Delay: delay}

	if _, err := s.queue.Add(ctx, string(payload.JobType()), payload, opts); err != nil {
		return apperr.QueueError("enqueue "+string(job.Type), err)
	}
	return nil
}

// Enqueue re-queues a pending job. Used by the retry scheduler.
func (s *SyncService) Enqueue(ctx context.Context, job *domain.Job) error {
	if job.Type != domain.JobTypeFullSync {
		return fmt.Errorf("%w: %s jobs are not re-queued", domain.ErrUnknownJobType, job.Type)
	}
	return s.enqueue(ctx, job, 0)
}

func (s *SyncService) publish(ctx context.Context, event *out.SyncEvent) {
	if s.events == nil {
		return
	}
	if event.At.IsZero() {
		event.At = s.now()
	}
	if event.Total > 0 && event.Percentage == 0 {
		event.Percentage = min(100, event.Processed*100/event.Total)
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.Warn().Err(err).Str("event", string(event.Type)).Str("account_id", event.AccountID).Msg("publish sync event")
	}
}

// retryOptions wires call-level retries into logs and retrying events.
func (s *SyncService) retryOptions(ctx context.Context, accountID, jobID, call string) retry.Options {
	opts := s.config.Retry
	onRetry := opts.OnRetry
	opts.OnRetry = func(err error, attempt int, delay time.Duration) {
		s.log.Warn().Err(err).
			Str("account_id", accountID).
			Str("job_id", jobID).
			Str("call", call).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("retrying provider call")
		s.publish(ctx, &out.SyncEvent{
			Type:      out.SyncEventRetrying,
			AccountID: accountID,
			JobID:     jobID,
			Error:     err.Error(),
		})
		if onRetry != nil {
			onRetry(err, attempt, delay)
		}
	}
	return opts
}

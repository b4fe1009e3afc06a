package mail

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/inboxorcist/inboxorcist-sub002/core/domain"
	"github.com/inboxorcist/inboxorcist-sub002/core/port/out"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/apperr"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/logger"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/retry"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// =============================================================================
// Full sync - resumable, checkpointed pagination over the whole mailbox
// =============================================================================

var errSyncCancelled = errors.New("sync cancelled")

// HandleFullSync is the queue handler for full-sync jobs. Failures that were
// recorded on the job return nil; the queue only retries infrastructure errors
// hit before the job could be claimed.
func (s *SyncService) HandleFullSync(ctx context.Context, payload domain.SyncJobPayload) error {
	log := s.log.With().Str("job_id", payload.JobID).Str("account_id", payload.AccountID).Logger()

	// 1. Load job and account; only pending jobs run
	job, err := s.jobRepo.GetByID(ctx, payload.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", payload.JobID, err)
	}
	if job == nil {
		log.Warn().Msg("job not found, dropping envelope")
		return nil
	}
	if job.Status != domain.JobStatusPending {
		log.Debug().Str("status", string(job.Status)).Msg("job not pending, skipping")
		return nil
	}
	now := s.now()
	if job.NextRetryAt != nil && job.NextRetryAt.After(now) {
		log.Debug().Time("next_retry_at", *job.NextRetryAt).Msg("retry not due yet, skipping")
		return nil
	}

	account, err := s.accountRepo.GetByID(ctx, job.AccountID)
	if err != nil {
		return fmt.Errorf("load account %s: %w", job.AccountID, err)
	}
	if account == nil {
		log.Warn().Msg("account gone, failing job")
		return s.jobRepo.UpdateStatus(ctx, job.ID, domain.JobStatusFailed, domain.ErrAccountNotFound.Error())
	}

	// single-flight: one running full sync per account
	running, err := s.jobRepo.HasRunning(ctx, account.ID, domain.JobTypeFullSync, job.ID)
	if err != nil {
		return fmt.Errorf("check running jobs: %w", err)
	}
	if running {
		return s.cancelDuplicate(ctx, job, log)
	}

	// 2. Claim; a resume keeps StartedAt and rebases the ETA on ResumedAt.
	// Without a cursor the run starts over, so earlier progress is dropped.
	if job.IsResume() {
		job.ResumedAt = &now
		job.ProcessedAtResume = job.ProcessedMessages
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
	} else {
		job.StartedAt = &now
		job.ResumedAt = nil
		job.ProcessedMessages = 0
		job.ProcessedAtResume = 0
	}
	job.Status = domain.JobStatusRunning
	job.NextRetryAt = nil
	job.UpdatedAt = now

	if err := s.jobRepo.ClaimRunning(ctx, job); err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotPending):
			log.Debug().Msg("job claimed elsewhere")
			return nil
		case errors.Is(err, domain.ErrSyncAlreadyRunning):
			return s.cancelDuplicate(ctx, job, log)
		}
		return fmt.Errorf("claim job: %w", err)
	}
	if err := s.accountRepo.MarkSyncStarted(ctx, account.ID, now); err != nil {
		log.Error().Err(err).Msg("mark account syncing")
	}

	logger.Info("[SyncService.HandleFullSync] Job %s running for account %s (resume=%v, processed=%d, total=%d)",
		job.ID, account.ID, job.IsResume(), job.ProcessedMessages, job.TotalMessages)
	s.publish(ctx, &out.SyncEvent{
		Type:      out.SyncEventStarted,
		AccountID: account.ID,
		JobID:     job.ID,
		Processed: job.ProcessedMessages,
		Total:     job.TotalMessages,
	})

	err = s.runFullSync(ctx, job, account, log)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errSyncCancelled):
		return s.finishCancelled(ctx, job, log)
	case ctx.Err() != nil:
		// Shutdown: keep the job running with its checkpoint for startup recovery.
		s.saveCheckpoint(context.WithoutCancel(ctx), job, log)
		log.Warn().Err(err).Msg("sync interrupted by shutdown")
		return ctx.Err()
	default:
		return s.handleSyncFailure(context.WithoutCancel(ctx), job, err, log)
	}
}

func (s *SyncService) runFullSync(ctx context.Context, job *domain.Job, account *domain.Account, log zerolog.Logger) error {
	token, err := s.tokenFor(ctx, account.ID)
	if err != nil {
		return err
	}

	// 3. No cursor means a fresh start: drop whatever a previous run left
	if !job.HasCursor() {
		if err := s.store.Clear(ctx, account.ID); err != nil {
			return fmt.Errorf("clear mailbox store: %w", err)
		}
	} else {
		log.Info().Int("processed", job.ProcessedMessages).Msg("continuing from checkpoint")
	}

	// 4. Page loop
	pageToken := job.PageToken
	pages := 0
	for {
		status, err := s.jobRepo.GetStatus(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("poll job status: %w", err)
		}
		if status == domain.JobStatusCancelled {
			return errSyncCancelled
		}

		page, err := retry.DoValue(ctx, s.retryOptions(ctx, account.ID, job.ID, "list"),
			func(ctx context.Context) (*out.MessageIDPage, error) {
				return s.provider.ListMessageIDs(ctx, token, pageToken, s.config.PageSize)
			})
		if err != nil {
			return fmt.Errorf("list messages: %w", err)
		}

		// progress readers need the total before the first page is stored
		if pages == 0 && job.TotalMessages < page.ResultSizeEstimate {
			job.TotalMessages = page.ResultSizeEstimate
			if err := s.jobRepo.SaveCheckpoint(ctx, job); err != nil {
				return fmt.Errorf("save total: %w", err)
			}
		}

		if len(page.IDs) > 0 {
			if _, err := s.fetchAndStore(ctx, account.ID, job.ID, token, page.IDs); err != nil {
				return err
			}
		}

		// the page is fully stored; only now may the cursor move past it
		job.ProcessedMessages += len(page.IDs)
		job.PageToken = page.NextPageToken
		pageToken = page.NextPageToken
		pages++

		if pageToken == "" {
			break
		}
		if pages%s.config.CheckpointPages == 0 {
			if err := s.jobRepo.SaveCheckpoint(ctx, job); err != nil {
				return fmt.Errorf("save checkpoint: %w", err)
			}
		}
		s.publish(ctx, &out.SyncEvent{
			Type:      out.SyncEventProgress,
			AccountID: account.ID,
			JobID:     job.ID,
			Processed: job.ProcessedMessages,
			Total:     job.TotalMessages,
		})
	}

	// 5. Aggregates, change cursor, completion
	if err := s.store.RebuildSenderAggregates(ctx, account.ID); err != nil {
		return fmt.Errorf("rebuild sender aggregates: %w", err)
	}

	historyID, err := retry.DoValue(ctx, s.retryOptions(ctx, account.ID, job.ID, "history"),
		func(ctx context.Context) (string, error) {
			return s.provider.GetHistoryID(ctx, token)
		})
	if err != nil {
		return fmt.Errorf("get history id: %w", err)
	}
	if err := s.accountRepo.SetHistoryID(ctx, account.ID, historyID); err != nil {
		return fmt.Errorf("store history id: %w", err)
	}

	return s.finishCompleted(ctx, job, account.ID, log)
}

func (s *SyncService) finishCompleted(ctx context.Context, job *domain.Job, accountID string, log zerolog.Logger) error {
	now := s.now()
	job.Status = domain.JobStatusCompleted
	job.PageToken = ""
	job.LastError = ""
	job.Retryable = false
	job.NextRetryAt = nil
	job.CompletedAt = &now
	job.UpdatedAt = now
	if job.TotalMessages < job.ProcessedMessages {
		job.TotalMessages = job.ProcessedMessages
	}
	if err := s.jobRepo.Update(ctx, job); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}

	total := job.ProcessedMessages
	if count, err := s.store.Count(ctx, accountID); err == nil {
		total = count
	} else {
		log.Warn().Err(err).Msg("count stored messages")
	}
	if err := s.accountRepo.SetTotalMessages(ctx, accountID, total); err != nil {
		log.Warn().Err(err).Msg("update account total")
	}
	if err := s.accountRepo.MarkSyncCompleted(ctx, accountID, now); err != nil {
		return fmt.Errorf("complete account sync: %w", err)
	}

	logger.Info("[SyncService.HandleFullSync] Job %s completed: %d messages", job.ID, job.ProcessedMessages)
	s.publish(ctx, &out.SyncEvent{
		Type:      out.SyncEventCompleted,
		AccountID: accountID,
		JobID:     job.ID,
		Processed: job.ProcessedMessages,
		Total:     job.TotalMessages,
	})
	return nil
}

func (s *SyncService) finishCancelled(ctx context.Context, job *domain.Job, log zerolog.Logger) error {
	if err := s.accountRepo.UpdateSyncStatus(ctx, job.AccountID, domain.SyncStatusIdle, ""); err != nil {
		log.Error().Err(err).Msg("reset account after cancel")
	}
	log.Info().Int("processed", job.ProcessedMessages).Msg("sync cancelled")
	s.publish(ctx, &out.SyncEvent{
		Type:      out.SyncEventCancelled,
		AccountID: job.AccountID,
		JobID:     job.ID,
		Processed: job.ProcessedMessages,
		Total:     job.TotalMessages,
	})
	return nil
}

func (s *SyncService) cancelDuplicate(ctx context.Context, job *domain.Job, log zerolog.Logger) error {
	log.Warn().Msg("another full sync is running for the account, cancelling")
	return s.jobRepo.UpdateStatus(ctx, job.ID, domain.JobStatusCancelled, domain.ErrSyncAlreadyRunning.Error())
}

func (s *SyncService) saveCheckpoint(ctx context.Context, job *domain.Job, log zerolog.Logger) {
	if err := s.jobRepo.SaveCheckpoint(ctx, job); err != nil {
		log.Error().Err(err).Msg("save checkpoint")
	}
}

// =============================================================================
// Failure handling
// =============================================================================

type failureKind int

const (
	failureFatal failureKind = iota
	failureAuth
	failurePermission
	failureBadRequest
	failureRetryable
)

func (k failureKind) String() string {
	switch k {
	case failureAuth:
		return "auth"
	case failurePermission:
		return "permission"
	case failureBadRequest:
		return "bad_request"
	case failureRetryable:
		return "retryable"
	}
	return "fatal"
}

func classifyFailure(err error) failureKind {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return failureAuth
	}
	if apperr.HasCode(err, apperr.CodeReconnectRequired) {
		return failureAuth
	}
	if apperr.HasCode(err, apperr.CodePermissionDenied) {
		return failurePermission
	}

	switch out.ProviderErrorCodeOf(err) {
	case out.ProviderErrAuth, out.ProviderErrTokenExpired:
		return failureAuth
	case out.ProviderErrPermission:
		return failurePermission
	}

	switch retry.StatusOf(err) {
	case http.StatusUnauthorized:
		return failureAuth
	case http.StatusForbidden:
		return failurePermission
	case http.StatusBadRequest:
		return failureBadRequest
	}

	if retry.IsRetryable(err) {
		return failureRetryable
	}
	return failureFatal
}

// handleSyncFailure records a failed run on both the job and the account.
// The job keeps its last checkpoint so a retry continues from the last stored
// page. A user cancel that raced the failure wins.
func (s *SyncService) handleSyncFailure(ctx context.Context, job *domain.Job, cause error, log zerolog.Logger) error {

	kind := classifyFailure(cause)
	log.Error().Err(cause).Str("kind", kind.String()).Int("retry_count", job.RetryCount).Msg("sync failed")

	now := s.now()
	job.UpdatedAt = now
	job.Retryable = false

	accountStatus := domain.SyncStatusError
	accountError := cause.Error()
	eventType := out.SyncEventFailed

	switch kind {
	case failureAuth:
		job.LastError = apperr.MsgReconnectRequired
		accountStatus = domain.SyncStatusAuthExpired
		accountError = apperr.MsgReconnectRequired
	case failurePermission:
		job.LastError = apperr.MsgPermissionDenied
		accountError = apperr.MsgPermissionDenied
	case failureRetryable:
		job.RetryCount++
		job.LastError = cause.Error()
		job.Retryable = true
		if job.RetryCount <= s.config.MaxJobRetries {
			next := now.Add(domain.JobRetryDelay(job.RetryCount))
			job.Status = domain.JobStatusPending
			job.NextRetryAt = &next
			accountStatus = domain.SyncStatusSyncing
			accountError = ""
			eventType = out.SyncEventRetrying
		} else {
			job.Retryable = false
			job.LastError = fmt.Sprintf("gave up after %d retries: %v", s.config.MaxJobRetries, cause)
			accountError = job.LastError
		}
	default:
		job.LastError = cause.Error()
	}

	if job.Status != domain.JobStatusPending {
		job.Status = domain.JobStatusFailed
		job.NextRetryAt = nil
		job.CompletedAt = &now
	}

	written, err := s.jobRepo.UpdateUnlessCancelled(ctx, job)
	if err != nil {
		return fmt.Errorf("record sync failure: %w (cause: %v)", err, cause)
	}
	if !written {
		job.Status = domain.JobStatusCancelled
		return s.finishCancelled(ctx, job, log)
	}
	if err := s.accountRepo.UpdateSyncStatus(ctx, job.AccountID, accountStatus, accountError); err != nil {
		log.Error().Err(err).Msg("record account sync failure")
	}

	if job.Status == domain.JobStatusPending {
		logger.Info("[SyncService.HandleFullSync] Job %s retry %d/%d scheduled at %v",
			job.ID, job.RetryCount, s.config.MaxJobRetries, job.NextRetryAt.Format("15:04:05"))
	}
	s.publish(ctx, &out.SyncEvent{
		Type:      eventType,
		AccountID: job.AccountID,
		JobID:     job.ID,
		Processed: job.ProcessedMessages,
		Total:     job.TotalMessages,
		Error:     job.LastError,
	})
	return nil
}

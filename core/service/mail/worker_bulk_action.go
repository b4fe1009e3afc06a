package mail

import (
	"context"
	"errors"
	"fmt"

	"github.com/inboxorcist/inboxorcist-sub002/core/domain"
	"github.com/inboxorcist/inboxorcist-sub002/core/port/out"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/apperr"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/logger"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/retry"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// =============================================================================
// Bulk actions - trash / delete upstream, then drop the local rows
// =============================================================================

// StartBulkAction creates a bulk-trash or bulk-delete job and queues it.
func (s *SyncService) StartBulkAction(ctx context.Context, accountID string, jobType domain.JobType, messageIDs []string) (*domain.Job, error) {
	if !jobType.IsBulkAction() {
		return nil, apperr.InvalidInput("type", "must be bulk-trash or bulk-delete")
	}
	if len(messageIDs) == 0 {
		return nil, apperr.MissingField("message_ids")
	}
	if _, err := s.loadAccount(ctx, accountID); err != nil {
		return nil, err
	}

	job := s.newJob(accountID, jobType, len(messageIDs))
	job.MessageIDs = messageIDs
	if err := s.jobRepo.Create(ctx, job); err != nil {
		return nil, apperr.DatabaseError("create job", err)
	}

	if err := s.enqueueBulk(ctx, job); err != nil {
		_ = s.jobRepo.UpdateStatus(ctx, job.ID, domain.JobStatusFailed, err.Error())
		return nil, err
	}

	logger.Info("[SyncService.StartBulkAction] Queued %s job %s (%d messages)", jobType, job.ID, len(messageIDs))
	return job, nil
}

func (s *SyncService) enqueueBulk(ctx context.Context, job *domain.Job) error {
	payload := domain.BulkActionPayload{
		Type:       job.Type,
		JobID:      job.ID,
		AccountID:  job.AccountID,
		MessageIDs: job.MessageIDs,
	}
	if _, err := s.queue.Add(ctx, string(payload.JobType()), payload, &out.AddJobOptions{JobID: job.ID}); err != nil {
		return apperr.QueueError("enqueue "+string(job.Type), err)
	}
	return nil
}

// HandleBulkAction is the queue handler for bulk jobs. Progress is checkpointed
// per chunk so a re-dispatched envelope skips chunks already applied. Transient
// failures are returned to the queue unless this is its final attempt. On
// shutdown the job goes back to pending for startup recovery.
func (s *SyncService) HandleBulkAction(ctx context.Context, payload domain.BulkActionPayload, finalAttempt bool) error {
	log := s.log.With().Str("job_id", payload.JobID).Str("account_id", payload.AccountID).Str("type", string(payload.Type)).Logger()

	job, err := s.jobRepo.GetByID(ctx, payload.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", payload.JobID, err)
	}
	if job == nil || job.Status != domain.JobStatusPending {
		return nil
	}

	now := s.now()
	if job.StartedAt == nil {
		job.StartedAt = &now
	} else {
		job.ResumedAt = &now
		job.ProcessedAtResume = job.ProcessedMessages
	}
	job.Status = domain.JobStatusRunning
	job.UpdatedAt = now
	if err := s.jobRepo.ClaimRunning(ctx, job); err != nil {
		if errors.Is(err, domain.ErrJobNotPending) {
			return nil
		}
		return fmt.Errorf("claim job: %w", err)
	}

	err = s.runBulkAction(ctx, job, payload.MessageIDs, log)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errSyncCancelled):
		log.Info().Int("processed", job.ProcessedMessages).Msg("bulk action cancelled")
		return nil
	case ctx.Err() != nil:
		s.releaseBulkJob(context.WithoutCancel(ctx), job, log)
		log.Warn().Err(err).Int("processed", job.ProcessedMessages).Msg("bulk action interrupted by shutdown")
		return ctx.Err()
	}

	return s.handleBulkFailure(context.WithoutCancel(ctx), job, err, finalAttempt, log)
}

func (s *SyncService) runBulkAction(ctx context.Context, job *domain.Job, ids []string, log zerolog.Logger) error {
	token, err := s.tokenFor(ctx, job.AccountID)
	if err != nil {
		return err
	}

	apply := s.provider.TrashMessages
	if job.Type == domain.JobTypeBulkDelete {
		apply = s.provider.DeleteMessages
	}

	for start := min(job.ProcessedMessages, len(ids)); start < len(ids); start += s.config.BulkChunkSize {
		status, err := s.jobRepo.GetStatus(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("poll job status: %w", err)
		}
		if status == domain.JobStatusCancelled {
			return errSyncCancelled
		}

		chunk := ids[start:min(start+s.config.BulkChunkSize, len(ids))]
		err = retry.Do(ctx, s.retryOptions(ctx, job.AccountID, job.ID, string(job.Type)), func(ctx context.Context) error {
			return s.applyChunk(ctx, job.AccountID, apply, token, chunk)
		})
		if err != nil {
			return fmt.Errorf("%s: %w", job.Type, err)
		}

		if _, err := s.store.DeleteByIDs(ctx, job.AccountID, chunk); err != nil {
			return fmt.Errorf("delete local rows: %w", err)
		}

		job.ProcessedMessages = start + len(chunk)
		if err := s.jobRepo.SaveCheckpoint(ctx, job); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		log.Debug().Int("processed", job.ProcessedMessages).Int("total", len(ids)).Msg("bulk chunk applied")
	}

	if err := s.store.RebuildSenderAggregates(ctx, job.AccountID); err != nil {
		return fmt.Errorf("rebuild sender aggregates: %w", err)
	}

	now := s.now()
	job.Status = domain.JobStatusCompleted
	job.LastError = ""
	job.CompletedAt = &now
	job.UpdatedAt = now
	if err := s.jobRepo.Update(ctx, job); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}

	logger.Info("[SyncService.HandleBulkAction] Job %s completed: %d messages", job.ID, job.ProcessedMessages)
	return nil
}

func (s *SyncService) applyChunk(ctx context.Context, accountID string, apply func(context.Context, *oauth2.Token, []string) error, token *oauth2.Token, chunk []string) error {
	if err := s.throttle.Wait(ctx, accountID, 1); err != nil {
		return err
	}
	return apply(ctx, token, chunk)
}

// releaseBulkJob hands an interrupted job back as pending. Its checkpoint was
// written after the last applied chunk.
func (s *SyncService) releaseBulkJob(ctx context.Context, job *domain.Job, log zerolog.Logger) {
	job.Status = domain.JobStatusPending
	job.UpdatedAt = s.now()
	if _, err := s.jobRepo.UpdateUnlessCancelled(ctx, job); err != nil {
		log.Error().Err(err).Msg("release bulk job")
	}
}

func (s *SyncService) handleBulkFailure(ctx context.Context, job *domain.Job, cause error, finalAttempt bool, log zerolog.Logger) error {
	kind := classifyFailure(cause)
	log.Error().Err(cause).Str("kind", kind.String()).Bool("final_attempt", finalAttempt).Msg("bulk action failed")

	now := s.now()
	job.UpdatedAt = now
	job.LastError = cause.Error()
	job.Retryable = kind == failureRetryable

	switch kind {
	case failureAuth:
		job.LastError = apperr.MsgReconnectRequired
	case failurePermission:
		job.LastError = apperr.MsgPermissionDenied
	}

	// back to pending so the queue's next attempt can claim it again
	requeue := kind == failureRetryable && !finalAttempt
	if requeue {
		job.Status = domain.JobStatusPending
	} else {
		job.Status = domain.JobStatusFailed
		job.CompletedAt = &now
	}

	written, err := s.jobRepo.UpdateUnlessCancelled(ctx, job)
	if err != nil {
		return fmt.Errorf("record bulk failure: %w (cause: %v)", err, cause)
	}
	if !written {
		log.Info().Msg("bulk action cancelled while failing")
		return nil
	}
	if kind == failureAuth {
		if err := s.accountRepo.UpdateSyncStatus(ctx, job.AccountID, domain.SyncStatusAuthExpired, apperr.MsgReconnectRequired); err != nil {
			log.Error().Err(err).Msg("mark account reconnect required")
		}
	}
	if requeue {
		return cause
	}
	return nil
}

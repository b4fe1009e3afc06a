package out

import (
	"context"
	"time"

	"github.com/inboxorcist/inboxorcist-sub002/core/domain"
	"golang.org/x/oauth2"
)

// JobRepository persists Job rows. Point lookups return (nil, nil) when absent.
type JobRepository interface {
	Create(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, id string) (*domain.Job, error)

	// GetStatus reads only the live status, used for cancellation polling.
	GetStatus(ctx context.Context, id string) (domain.JobStatus, error)

	// GetActiveByAccount returns the newest pending or running job of the type.
	GetActiveByAccount(ctx context.Context, accountID string, jobType domain.JobType) (*domain.Job, error)
	// GetLatestByAccount returns the newest job of the type in any status.
	GetLatestByAccount(ctx context.Context, accountID string, jobType domain.JobType) (*domain.Job, error)
	// HasRunning reports whether another job of the type is running for the account.
	HasRunning(ctx context.Context, accountID string, jobType domain.JobType, excludeID string) (bool, error)

	// ClaimRunning flips a pending job to running. Returns ErrJobNotPending
	// when the row is no longer pending and ErrSyncAlreadyRunning when the
	// store refuses a second running full sync for the account.
	ClaimRunning(ctx context.Context, job *domain.Job) error

	// SaveCheckpoint persists the progress counters and the resumption cursor.
	SaveCheckpoint(ctx context.Context, job *domain.Job) error
	// Update writes every mutable field of the job.
	Update(ctx context.Context, job *domain.Job) error
	// UpdateUnlessCancelled is Update that leaves a cancelled row alone. It
	// returns false when nothing was written.
	UpdateUnlessCancelled(ctx context.Context, job *domain.Job) (bool, error)
	// UpdateStatus sets status and last error; terminal statuses stamp completed_at.
	UpdateStatus(ctx context.Context, id string, status domain.JobStatus, lastError string) error

	// ListByStatuses returns jobs of the type in any of the statuses, newest first.
	ListByStatuses(ctx context.Context, jobType domain.JobType, statuses []domain.JobStatus) ([]*domain.Job, error)
	// ListDueRetries returns pending jobs whose retry time has passed.
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error)
	// ClearRetrySchedule removes the retry time once the job was re-enqueued.
	ClearRetrySchedule(ctx context.Context, id string) error
}

// AccountRepository persists per-mailbox sync state with atomic field updates.
type AccountRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Account, error)
	UpdateSyncStatus(ctx context.Context, id string, status domain.SyncStatus, syncError string) error
	MarkSyncStarted(ctx context.Context, id string, at time.Time) error
	MarkSyncCompleted(ctx context.Context, id string, at time.Time) error
	SetTotalMessages(ctx context.Context, id string, total int) error
	// SetHistoryID stores the change cursor; empty clears it.
	SetHistoryID(ctx context.Context, id string, historyID string) error
	ListEligibleForDeltaSync(ctx context.Context) ([]*domain.Account, error)
}

// TokenRepository returns the OAuth token stored for an account.
type TokenRepository interface {
	GetToken(ctx context.Context, accountID string) (*oauth2.Token, error)
}
